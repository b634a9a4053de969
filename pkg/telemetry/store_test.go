package telemetry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/fluxmon/pkg/rules"
	"github.com/fluxmon/fluxmon/pkg/telemetry"
	"github.com/fluxmon/fluxmon/pkg/transaction"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func endedTx(t *testing.T, name string, d time.Duration) *transaction.Transaction {
	t.Helper()
	tx := transaction.NewAt(name, t0)
	tx.EndAt(t0.Add(d))
	return tx
}

func TestMergeKeptTransactionReachesEveryAggregator(t *testing.T) {
	assert := assert.New(t)
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)

	tx := endedTx(t, "GET /users", 200*time.Millisecond)
	tx.NoticeError(errors.New("boom"))
	s.MergeTransaction(tx)

	all, ok := s.Metrics().Get(telemetry.MetricID{Name: telemetry.MetricTransactionAll})
	require.True(t, ok)
	assert.InDelta(1.0, all.Count, 0.0001)
	assert.InDelta(0.2, all.Total, 0.0001)

	_, ok = s.Metrics().Get(telemetry.MetricID{Name: "Transaction/GET /users"})
	assert.True(ok)

	assert.Equal(1, s.Errors().Len())
	assert.NotNil(s.Traces().Slowest())
	assert.Equal(1, s.Events().Len())
}

func TestMergeIgnoredTransactionReachesNoAggregator(t *testing.T) {
	assert := assert.New(t)
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)

	tx := endedTx(t, "GET /healthz", 50*time.Millisecond)
	tx.NoticeError(errors.New("boom"))
	tx.ForceIgnore(true)
	s.MergeTransaction(tx)

	assert.Nil(s.TakeMetrics())
	assert.Zero(s.Errors().Len())
	assert.True(s.Traces().Empty())
	assert.Zero(s.Events().Len())
}

func TestMergeRuleIgnoredTransaction(t *testing.T) {
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)
	rs, err := rules.Parse([]rules.Spec{{MatchExpression: `healthz`, Ignore: true}})
	require.NoError(t, err)

	tx := endedTx(t, "GET /healthz", 50*time.Millisecond)
	tx.Finalize(rs)
	s.MergeTransaction(tx)

	assert.Nil(t, s.TakeMetrics())
	assert.Zero(t, s.Events().Len())
}

func TestMergeBeforeEndPanics(t *testing.T) {
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)
	tx := transaction.New("GET /users")
	assert.PanicsWithValue(t, "telemetry: transaction merged before end", func() {
		s.MergeTransaction(tx)
	})
}

func TestMergeTwicePanics(t *testing.T) {
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)
	tx := endedTx(t, "GET /users", 100*time.Millisecond)
	s.MergeTransaction(tx)
	assert.PanicsWithValue(t, "transaction: consumed twice", func() {
		s.MergeTransaction(tx)
	})
}

func TestSlowestTraceWins(t *testing.T) {
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)
	for _, d := range []time.Duration{
		1500 * time.Millisecond,
		2100 * time.Millisecond,
		900 * time.Millisecond,
	} {
		s.MergeTransaction(endedTx(t, "GET /slow", d))
	}

	slowest := s.Traces().Slowest()
	require.NotNil(t, slowest)
	assert.Equal(t, 2100*time.Millisecond, slowest.Duration)
}

func TestSyntheticTracesAreBoundedAndSeparate(t *testing.T) {
	assert := assert.New(t)
	caps := telemetry.DefaultCapacity()
	caps.MaxSynthetics = 2
	s := telemetry.NewStore(caps, 500*time.Millisecond)

	for i := 0; i < 3; i++ {
		tx := endedTx(t, "GET /monitored", 5*time.Second)
		tx.MarkSynthetic("resource-7")
		s.MergeTransaction(tx)
	}
	s.MergeTransaction(endedTx(t, "GET /organic", time.Second))

	assert.Len(s.Traces().Synthetics(), 2)
	slowest := s.Traces().Slowest()
	require.NotNil(t, slowest)
	assert.Equal("GET /organic", slowest.Name, "synthetics never take the slowest slot")
}

func TestApdexScoring(t *testing.T) {
	assert := assert.New(t)
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)

	s.MergeTransaction(endedTx(t, "GET /fast", 100*time.Millisecond)) // satisfying
	s.MergeTransaction(endedTx(t, "GET /meh", 1500*time.Millisecond)) // tolerating
	s.MergeTransaction(endedTx(t, "GET /slow", 3*time.Second))        // frustrating
	failing := endedTx(t, "GET /fail", 10*time.Millisecond)           // frustrating by error
	failing.NoticeError(errors.New("boom"))
	s.MergeTransaction(failing)

	apdex, ok := s.Metrics().Get(telemetry.MetricID{Name: telemetry.MetricApdex})
	require.True(t, ok)
	assert.InDelta(1.0, apdex.Count, 0.0001, "satisfying")
	assert.InDelta(1.0, apdex.Total, 0.0001, "tolerating")
	assert.InDelta(2.0, apdex.Exclusive, 0.0001, "frustrating")
	assert.InDelta(0.5, apdex.Min, 0.0001, "threshold rides along")
}

func TestApdexThresholdUpdatesInPlace(t *testing.T) {
	assert := assert.New(t)
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)

	s.SetApdexThreshold(2 * time.Second)
	s.MergeTransaction(endedTx(t, "GET /meh", 1500*time.Millisecond))

	apdex, ok := s.Metrics().Get(telemetry.MetricID{Name: telemetry.MetricApdex})
	require.True(t, ok)
	assert.InDelta(1.0, apdex.Count, 0.0001, "satisfying under the raised threshold")
	assert.InDelta(2.0, apdex.Min, 0.0001)
}

func TestTakeAndRestoreMetrics(t *testing.T) {
	assert := assert.New(t)
	s := telemetry.NewStore(telemetry.DefaultCapacity(), 500*time.Millisecond)
	assert.Nil(s.TakeMetrics(), "empty table yields nothing to harvest")

	s.MergeTransaction(endedTx(t, "GET /users", 100*time.Millisecond))
	mt := s.TakeMetrics()
	require.NotNil(t, mt)
	assert.Nil(s.TakeMetrics(), "the swap left a fresh table behind")
	assert.Equal(500*time.Millisecond, s.Metrics().ApdexThreshold(), "threshold carries over")

	s.MergeTransaction(endedTx(t, "GET /users", 300*time.Millisecond))
	s.RestoreMetrics(mt)

	m, ok := s.Metrics().Get(telemetry.MetricID{Name: telemetry.MetricTransactionAll})
	require.True(t, ok)
	assert.InDelta(2.0, m.Count, 0.0001, "restored counts fold into new ones")
}

func TestMetricTableCapacity(t *testing.T) {
	mt := telemetry.NewMetricTable(2, 500*time.Millisecond)
	mt.RecordDuration("a", "", time.Second)
	mt.RecordDuration("b", "", time.Second)
	mt.RecordDuration("c", "", time.Second)
	mt.RecordDuration("a", "", time.Second)

	assert.Equal(t, 2, mt.Len())
	m, ok := mt.Get(telemetry.MetricID{Name: "a"})
	require.True(t, ok)
	assert.InDelta(t, 2.0, m.Count, 0.0001, "existing metrics keep accumulating at capacity")
}

func TestUnboundedCapacity(t *testing.T) {
	s := telemetry.NewStore(telemetry.Unbounded(), 500*time.Millisecond)
	for i := 0; i < 50; i++ {
		tx := endedTx(t, "GET /monitored", time.Second)
		tx.MarkSynthetic("r")
		s.MergeTransaction(tx)
	}
	assert.Len(t, s.Traces().Synthetics(), 50)
}

func TestEventReservoirCapacityAndSeen(t *testing.T) {
	assert := assert.New(t)
	er := telemetry.NewEventReservoir(10)
	for i := 0; i < 100; i++ {
		er.Add(telemetry.AnalyticEvent{Name: "e", Timestamp: t0})
	}
	assert.Equal(10, er.Len())

	events, seen := er.Take()
	assert.Len(events, 10)
	assert.Equal(100, seen)
	assert.Zero(er.Len())
}

func TestEventReservoirRestorePreservesSeen(t *testing.T) {
	assert := assert.New(t)
	er := telemetry.NewEventReservoir(10)
	for i := 0; i < 100; i++ {
		er.Add(telemetry.AnalyticEvent{Name: "e", Timestamp: t0})
	}

	events, seen := er.Take()
	require.Equal(t, 100, seen)
	er.Restore(events, seen)

	restored, seenAgain := er.Take()
	assert.Len(restored, 10)
	assert.Equal(100, seenAgain, "the observation count survives a retained harvest")
}

func TestErrorCollectorTakeRestore(t *testing.T) {
	assert := assert.New(t)
	ec := telemetry.NewErrorCollector(20)
	ec.Add(&telemetry.TracedError{TxnName: "t", Message: "boom", Class: "E", When: t0})

	batch := ec.Take()
	assert.Len(batch, 1)
	assert.Zero(ec.Len())

	ec.Restore(batch)
	assert.Equal(1, ec.Len())
}

func TestSlowSQLAggregation(t *testing.T) {
	assert := assert.New(t)
	st := telemetry.NewSQLTraces(10)
	st.Observe("GET /users", "SELECT * FROM users", 120*time.Millisecond)
	st.Observe("GET /users", "SELECT * FROM users", 80*time.Millisecond)
	st.Observe("GET /orders", "SELECT * FROM orders", 50*time.Millisecond)

	assert.Equal(2, st.Len())
	batch := st.Take()
	assert.Zero(st.Len())
	for _, s := range batch {
		if s.Query == "SELECT * FROM users" {
			assert.Equal(2, s.Count)
			assert.Equal(80*time.Millisecond, s.Min)
			assert.Equal(120*time.Millisecond, s.Max)
			assert.Equal(200*time.Millisecond, s.Total)
		}
	}
}

func TestMetricsPayloadShape(t *testing.T) {
	assert := assert.New(t)
	mt := telemetry.NewMetricTable(0, 500*time.Millisecond)
	mt.RecordDuration("Transaction/all", "", time.Second)

	payload := telemetry.MetricsPayload("run-1", t0, t0.Add(time.Minute), mt)
	require.Len(t, payload, 4)
	assert.Equal("run-1", payload[0])
	assert.Equal(t0.Unix(), payload[1])
	assert.Equal(t0.Add(time.Minute).Unix(), payload[2])

	entries := payload[3].([][]any)
	require.Len(t, entries, 1)
	assert.Equal(map[string]string{"name": "Transaction/all", "scope": ""}, entries[0][0])
	data := entries[0][1].([]float64)
	assert.InDelta(1.0, data[0], 0.0001)
	assert.InDelta(1.0, data[1], 0.0001)
}

func TestEventsPayloadShape(t *testing.T) {
	assert := assert.New(t)
	events := []telemetry.AnalyticEvent{{
		Timestamp: t0,
		Name:      "GET /users",
		Duration:  1200 * time.Millisecond,
		Sampled:   true,
		Synthetic: true,
	}}
	payload := telemetry.EventsPayload("run-1", 42, 10, events)
	require.Len(t, payload, 3)
	assert.Equal("run-1", payload[0])
	assert.Equal(map[string]int{"reservoir_size": 10, "events_seen": 42}, payload[1])

	entries := payload[2].([][]any)
	require.Len(t, entries, 1)
	intrinsics := entries[0][0].(map[string]any)
	assert.Equal("GET /users", intrinsics["name"])
	assert.Equal(true, intrinsics["synthetic"])
	assert.InDelta(1.2, intrinsics["duration"].(float64), 0.0001)
}

func TestTracesPayloadOrder(t *testing.T) {
	slowest := &telemetry.Trace{Name: "organic", Start: t0, Duration: 2 * time.Second}
	synth := &telemetry.Trace{Name: "synthetic", Start: t0, Duration: time.Second, Synthetic: true, SyntheticResource: "r-1"}

	payload := telemetry.TracesPayload("run-1", slowest, []*telemetry.Trace{synth})
	entries := payload[1].([][]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "organic", entries[0][2])
	assert.Equal(t, "synthetic", entries[1][2])
	assert.Equal(t, "r-1", entries[1][3])
}
