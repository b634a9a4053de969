package telemetry

import (
	"sync"
	"time"
)

// MetricID identifies a metric: a name, optionally scoped to a
// transaction name.
type MetricID struct {
	Name  string
	Scope string
}

// Metric is the accumulated data for one MetricID. Apdex metrics reuse
// the same six slots with the conventional meaning: Count=satisfying,
// Total=tolerating, Exclusive=frustrating, Min/Max=threshold.
type Metric struct {
	Count      float64
	Total      float64
	Exclusive  float64
	Min        float64
	Max        float64
	SumSquares float64
}

// MetricTable accumulates metrics between harvests. The apdex threshold
// is live-updatable in place; a capacity of zero or less means unbounded.
type MetricTable struct {
	mu       sync.Mutex
	capacity int
	apdexT   time.Duration
	metrics  map[MetricID]*Metric
	dropped  int
}

func NewMetricTable(capacity int, apdexT time.Duration) *MetricTable {
	return &MetricTable{
		capacity: capacity,
		apdexT:   apdexT,
		metrics:  map[MetricID]*Metric{},
	}
}

// SetApdexThreshold updates the live threshold without a restart.
func (mt *MetricTable) SetApdexThreshold(t time.Duration) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.apdexT = t
}

func (mt *MetricTable) ApdexThreshold() time.Duration {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.apdexT
}

// RecordDuration folds one timed observation into the table.
func (mt *MetricTable) RecordDuration(name, scope string, d time.Duration) {
	secs := d.Seconds()
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m := mt.find(MetricID{Name: name, Scope: scope})
	if m == nil {
		return
	}
	if m.Count == 0 || secs < m.Min {
		m.Min = secs
	}
	if secs > m.Max {
		m.Max = secs
	}
	m.Count++
	m.Total += secs
	m.Exclusive += secs
	m.SumSquares += secs * secs
}

// RecordApdex scores one observation against the current threshold.
// Failed observations are frustrating regardless of duration.
func (mt *MetricTable) RecordApdex(name string, d time.Duration, failed bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	m := mt.find(MetricID{Name: name})
	if m == nil {
		return
	}
	threshold := mt.apdexT.Seconds()
	m.Min = threshold
	m.Max = threshold
	switch {
	case failed:
		m.Exclusive++
	case d <= mt.apdexT:
		m.Count++
	case d <= 4*mt.apdexT:
		m.Total++
	default:
		m.Exclusive++
	}
}

// find must be called with the lock held.
func (mt *MetricTable) find(id MetricID) *Metric {
	if m, ok := mt.metrics[id]; ok {
		return m
	}
	if mt.capacity > 0 && len(mt.metrics) >= mt.capacity {
		mt.dropped++
		return nil
	}
	m := &Metric{}
	mt.metrics[id] = m
	return m
}

// Merge folds another table into this one; used to restore a snapshot
// whose harvest outcome asked for the data to be retained.
func (mt *MetricTable) Merge(other *MetricTable) {
	if other == nil {
		return
	}
	other.mu.Lock()
	defer other.mu.Unlock()
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for id, om := range other.metrics {
		m, ok := mt.metrics[id]
		if !ok {
			if mt.capacity > 0 && len(mt.metrics) >= mt.capacity {
				mt.dropped++
				continue
			}
			cp := *om
			mt.metrics[id] = &cp
			continue
		}
		if om.Min < m.Min || m.Count == 0 {
			m.Min = om.Min
		}
		if om.Max > m.Max {
			m.Max = om.Max
		}
		m.Count += om.Count
		m.Total += om.Total
		m.Exclusive += om.Exclusive
		m.SumSquares += om.SumSquares
	}
	mt.dropped += other.dropped
}

func (mt *MetricTable) Len() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.metrics)
}

func (mt *MetricTable) Empty() bool { return mt.Len() == 0 }

// Get returns a copy of the metric for id, if present.
func (mt *MetricTable) Get(id MetricID) (Metric, bool) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if m, ok := mt.metrics[id]; ok {
		return *m, true
	}
	return Metric{}, false
}

func (mt *MetricTable) snapshot() map[MetricID]Metric {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make(map[MetricID]Metric, len(mt.metrics))
	for id, m := range mt.metrics {
		out[id] = *m
	}
	return out
}
