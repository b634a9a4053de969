package telemetry

import (
	"sync"
	"time"
)

// TracedError is one error occurrence attributed to a transaction.
type TracedError struct {
	When       time.Time
	TxnName    string
	Message    string
	Class      string
	Attributes map[string]any
}

// ErrorCollector keeps a bounded window of traced errors. Capacity of
// zero or less means unbounded.
type ErrorCollector struct {
	mu       sync.Mutex
	capacity int
	errs     []*TracedError
	seen     int
}

func NewErrorCollector(capacity int) *ErrorCollector {
	return &ErrorCollector{capacity: capacity}
}

func (ec *ErrorCollector) Add(e *TracedError) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.seen++
	if ec.capacity > 0 && len(ec.errs) >= ec.capacity {
		return
	}
	ec.errs = append(ec.errs, e)
}

func (ec *ErrorCollector) Len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.errs)
}

// Take drains the collector, returning what was accumulated.
func (ec *ErrorCollector) Take() []*TracedError {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := ec.errs
	ec.errs = nil
	ec.seen = 0
	return out
}

// Restore puts back a drained batch whose harvest asked for retention.
func (ec *ErrorCollector) Restore(errs []*TracedError) {
	for _, e := range errs {
		ec.Add(e)
	}
}
