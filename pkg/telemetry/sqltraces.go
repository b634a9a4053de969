package telemetry

import (
	"hash/fnv"
	"sync"
	"time"
)

// SlowSQL aggregates observations of one query shape.
type SlowSQL struct {
	Query   string
	TxnName string
	Count   int
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
}

// ID is a stable numeric signature for the query shape.
func (s *SlowSQL) ID() uint32 {
	h := fnv.New32a()
	h.Write([]byte(s.Query))
	return h.Sum32()
}

// SQLTraces aggregates slow query observations keyed by query shape.
// Capacity of zero or less means unbounded distinct shapes.
type SQLTraces struct {
	mu       sync.Mutex
	capacity int
	byQuery  map[string]*SlowSQL
}

func NewSQLTraces(capacity int) *SQLTraces {
	return &SQLTraces{capacity: capacity, byQuery: map[string]*SlowSQL{}}
}

// Observe folds one slow query occurrence into the aggregate.
func (st *SQLTraces) Observe(txnName, query string, d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byQuery[query]
	if !ok {
		if st.capacity > 0 && len(st.byQuery) >= st.capacity {
			return
		}
		s = &SlowSQL{Query: query, TxnName: txnName, Min: d, Max: d}
		st.byQuery[query] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func (st *SQLTraces) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byQuery)
}

// Take drains the aggregate for a harvest.
func (st *SQLTraces) Take() []*SlowSQL {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*SlowSQL, 0, len(st.byQuery))
	for _, s := range st.byQuery {
		out = append(out, s)
	}
	st.byQuery = map[string]*SlowSQL{}
	return out
}

// Restore folds back a drained batch whose harvest asked for retention.
func (st *SQLTraces) Restore(batch []*SlowSQL) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range batch {
		if have, ok := st.byQuery[s.Query]; ok {
			have.Count += s.Count
			have.Total += s.Total
			if s.Min < have.Min {
				have.Min = s.Min
			}
			if s.Max > have.Max {
				have.Max = s.Max
			}
			continue
		}
		if st.capacity > 0 && len(st.byQuery) >= st.capacity {
			continue
		}
		st.byQuery[s.Query] = s
	}
}
