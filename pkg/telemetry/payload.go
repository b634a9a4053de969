package telemetry

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// Wire payload construction for the reporting RPCs. Shapes follow the
// collector protocol: positional JSON arrays headed by the run id.

// MetricsPayload renders a drained metric table for metric_data.
func MetricsPayload(runID string, start, end time.Time, mt *MetricTable) []any {
	snap := mt.snapshot()
	ids := make([]MetricID, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Name != ids[j].Name {
			return ids[i].Name < ids[j].Name
		}
		return ids[i].Scope < ids[j].Scope
	})
	entries := lo.Map(ids, func(id MetricID, _ int) []any {
		m := snap[id]
		return []any{
			map[string]string{"name": id.Name, "scope": id.Scope},
			[]float64{m.Count, m.Total, m.Exclusive, m.Min, m.Max, m.SumSquares},
		}
	})
	return []any{runID, start.Unix(), end.Unix(), entries}
}

// ErrorsPayload renders a drained error batch for error_data.
func ErrorsPayload(runID string, errs []*TracedError) []any {
	entries := lo.Map(errs, func(e *TracedError, _ int) []any {
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		return []any{e.When.UnixMilli(), e.TxnName, e.Message, e.Class, attrs}
	})
	return []any{runID, entries}
}

// TracesPayload renders a drained trace window for
// transaction_sample_data. The slowest organic trace, when present,
// leads; synthetic traces follow in arrival order.
func TracesPayload(runID string, slowest *Trace, synthetics []*Trace) []any {
	traces := synthetics
	if slowest != nil {
		traces = append([]*Trace{slowest}, synthetics...)
	}
	entries := lo.Map(traces, func(tr *Trace, _ int) []any {
		return []any{
			tr.Start.UnixMilli(),
			tr.Duration.Milliseconds(),
			tr.Name,
			tr.SyntheticResource,
		}
	})
	return []any{runID, entries}
}

// SlowSQLsPayload renders a drained slow query batch for sql_trace_data.
func SlowSQLsPayload(runID string, batch []*SlowSQL) []any {
	entries := lo.Map(batch, func(s *SlowSQL, _ int) []any {
		return []any{
			s.TxnName,
			s.Query,
			s.ID(),
			s.Count,
			s.Total.Milliseconds(),
			s.Min.Milliseconds(),
			s.Max.Milliseconds(),
		}
	})
	return []any{runID, entries}
}

// EventsPayload renders a drained event sample for analytic_event_data.
func EventsPayload(runID string, seen, reservoirSize int, events []AnalyticEvent) []any {
	entries := lo.Map(events, func(e AnalyticEvent, _ int) []any {
		intrinsics := map[string]any{
			"type":      "Transaction",
			"name":      e.Name,
			"timestamp": e.Timestamp.UnixMilli(),
			"duration":  e.Duration.Seconds(),
			"sampled":   e.Sampled,
		}
		if e.Synthetic {
			intrinsics["synthetic"] = true
		}
		attrs := e.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		return []any{intrinsics, attrs}
	})
	meta := map[string]int{
		"reservoir_size": reservoirSize,
		"events_seen":    seen,
	}
	return []any{runID, meta, entries}
}
