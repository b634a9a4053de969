package telemetry

import (
	"sync"
	"time"

	"github.com/fluxmon/fluxmon/pkg/transaction"
)

// Metric name conventions.
const (
	MetricTransactionAll = "Transaction/all"
	MetricApdex          = "Apdex"

	transactionPrefix = "Transaction/"
)

// Capacity bounds each aggregator; zero or less means unbounded.
type Capacity struct {
	MaxMetrics    int
	MaxErrors     int
	MaxEvents     int
	MaxSynthetics int
	MaxSlowSQLs   int
}

func DefaultCapacity() Capacity {
	return Capacity{
		MaxMetrics:    2000,
		MaxErrors:     20,
		MaxEvents:     10000,
		MaxSynthetics: 20,
		MaxSlowSQLs:   10,
	}
}

// Unbounded lifts every limit; serverless mode runs with this.
func Unbounded() Capacity {
	return Capacity{}
}

// Store owns every aggregator of a run. Finished transactions enter
// through MergeTransaction, the aggregation gate; the harvester drains
// categories through the Take/Restore pairs.
type Store struct {
	capacity Capacity

	mu      sync.Mutex
	metrics *MetricTable

	errors   *ErrorCollector
	traces   *TraceKeeper
	events   *EventReservoir
	slowSQLs *SQLTraces
}

func NewStore(capacity Capacity, apdexT time.Duration) *Store {
	return &Store{
		capacity: capacity,
		metrics:  NewMetricTable(capacity.MaxMetrics, apdexT),
		errors:   NewErrorCollector(capacity.MaxErrors),
		traces:   NewTraceKeeper(capacity.MaxSynthetics),
		events:   NewEventReservoir(capacity.MaxEvents),
		slowSQLs: NewSQLTraces(capacity.MaxSlowSQLs),
	}
}

// TakeMetrics swaps in a fresh metric table and returns the accumulated
// one, nil when nothing accumulated. The apdex threshold carries over.
func (s *Store) TakeMetrics() *MetricTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metrics.Empty() {
		return nil
	}
	old := s.metrics
	s.metrics = NewMetricTable(s.capacity.MaxMetrics, old.ApdexThreshold())
	return old
}

// RestoreMetrics folds a taken table back in after a harvest outcome
// asked for the data to be retained.
func (s *Store) RestoreMetrics(mt *MetricTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Merge(mt)
}

func (s *Store) Metrics() *MetricTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
func (s *Store) Errors() *ErrorCollector { return s.errors }
func (s *Store) Traces() *TraceKeeper    { return s.traces }
func (s *Store) Events() *EventReservoir { return s.events }
func (s *Store) SlowSQLs() *SQLTraces    { return s.slowSQLs }

// SetApdexThreshold updates the live apdex threshold in place.
func (s *Store) SetApdexThreshold(t time.Duration) {
	s.Metrics().SetApdexThreshold(t)
}

// MergeTransaction is the aggregation gate, invoked exactly once per
// finished transaction. Metrics, errors, traces and events each resolve
// the ignore state on their own path; an ignored transaction reaches no
// aggregator.
func (s *Store) MergeTransaction(tx *transaction.Transaction) {
	if !tx.Ended() {
		panic("telemetry: transaction merged before end")
	}
	tx.MarkConsumed()
	s.mergeMetrics(tx)
	s.noticeErrors(tx)
	s.recordTrace(tx)
	s.recordEvent(tx)
}

func (s *Store) mergeMetrics(tx *transaction.Transaction) {
	if tx.Ignored() {
		return
	}
	mt := s.Metrics()
	mt.RecordDuration(MetricTransactionAll, "", tx.Duration())
	mt.RecordDuration(transactionPrefix+tx.Name(), "", tx.Duration())
	mt.RecordApdex(MetricApdex, tx.Duration(), len(tx.Errors()) > 0)
}

func (s *Store) noticeErrors(tx *transaction.Transaction) {
	if tx.Ignored() {
		return
	}
	for _, e := range tx.Errors() {
		s.errors.Add(&TracedError{
			When:       e.When,
			TxnName:    tx.Name(),
			Message:    e.Message,
			Class:      e.Class,
			Attributes: tx.Attributes(),
		})
	}
}

func (s *Store) recordTrace(tx *transaction.Transaction) {
	if tx.Ignored() {
		return
	}
	s.traces.Consider(&Trace{
		Name:              tx.Name(),
		Start:             tx.Start(),
		Duration:          tx.Duration(),
		Synthetic:         tx.IsSynthetic(),
		SyntheticResource: tx.SyntheticResource(),
		Attributes:        tx.Attributes(),
	})
}

func (s *Store) recordEvent(tx *transaction.Transaction) {
	if tx.Ignored() {
		return
	}
	s.events.Add(AnalyticEvent{
		Timestamp:  tx.Start(),
		Name:       tx.Name(),
		Duration:   tx.Duration(),
		Sampled:    tx.Sampled(),
		Synthetic:  tx.IsSynthetic(),
		Attributes: tx.Attributes(),
	})
}
