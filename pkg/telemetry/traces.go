package telemetry

import (
	"sync"
	"time"
)

// Trace is a completed transaction sample.
type Trace struct {
	Name              string
	Start             time.Time
	Duration          time.Duration
	Synthetic         bool
	SyntheticResource string
	Attributes        map[string]any
}

// TraceKeeper retains at most one slowest organic trace per harvest
// window, plus a bounded append-only list of synthetic traces. Synthetic
// traces never compete for the slowest slot.
type TraceKeeper struct {
	mu            sync.Mutex
	maxSynthetics int
	slowest       *Trace
	synthetics    []*Trace
}

func NewTraceKeeper(maxSynthetics int) *TraceKeeper {
	return &TraceKeeper{maxSynthetics: maxSynthetics}
}

// Consider offers a trace for retention.
func (tk *TraceKeeper) Consider(tr *Trace) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tr.Synthetic {
		if tk.maxSynthetics > 0 && len(tk.synthetics) >= tk.maxSynthetics {
			return
		}
		tk.synthetics = append(tk.synthetics, tr)
		return
	}
	if tk.slowest == nil || tr.Duration > tk.slowest.Duration {
		tk.slowest = tr
	}
}

// Slowest returns the current slowest organic trace, nil when none.
func (tk *TraceKeeper) Slowest() *Trace {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.slowest
}

// Synthetics returns the synthetic traces collected this window.
func (tk *TraceKeeper) Synthetics() []*Trace {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.synthetics
}

func (tk *TraceKeeper) Empty() bool {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	return tk.slowest == nil && len(tk.synthetics) == 0
}

// Take drains the keeper for a harvest.
func (tk *TraceKeeper) Take() (slowest *Trace, synthetics []*Trace) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	slowest, synthetics = tk.slowest, tk.synthetics
	tk.slowest, tk.synthetics = nil, nil
	return slowest, synthetics
}

// Restore re-offers a drained window whose harvest asked for retention.
func (tk *TraceKeeper) Restore(slowest *Trace, synthetics []*Trace) {
	if slowest != nil {
		tk.Consider(slowest)
	}
	for _, tr := range synthetics {
		tk.Consider(tr)
	}
}
