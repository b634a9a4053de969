package telemetry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// AnalyticEvent is the per-transaction event reported through
// analytic_event_data.
type AnalyticEvent struct {
	Timestamp  time.Time
	Name       string
	Duration   time.Duration
	Sampled    bool
	Synthetic  bool
	Attributes map[string]any
}

// EventReservoir is a fixed-size reservoir sample of analytic events.
// Capacity of zero or less means unbounded.
type EventReservoir struct {
	mu       sync.Mutex
	capacity int
	events   []AnalyticEvent
	seen     int
}

func NewEventReservoir(capacity int) *EventReservoir {
	return &EventReservoir{capacity: capacity}
}

func (er *EventReservoir) Add(e AnalyticEvent) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.seen++
	if er.capacity <= 0 || len(er.events) < er.capacity {
		er.events = append(er.events, e)
		return
	}
	// Classic reservoir replacement keeps the sample uniform over
	// everything seen this window.
	if i := rand.IntN(er.seen); i < er.capacity {
		er.events[i] = e
	}
}

// Capacity returns the configured reservoir size, 0 when unbounded.
func (er *EventReservoir) Capacity() int { return er.capacity }

func (er *EventReservoir) Len() int {
	er.mu.Lock()
	defer er.mu.Unlock()
	return len(er.events)
}

// Take drains the reservoir, returning the sample and how many events
// were seen in the window.
func (er *EventReservoir) Take() (events []AnalyticEvent, seen int) {
	er.mu.Lock()
	defer er.mu.Unlock()
	events, seen = er.events, er.seen
	er.events, er.seen = nil, 0
	return events, seen
}

// Restore puts back a drained sample whose harvest asked for retention.
// seen is the drained window's observation count; the sample only holds
// the survivors, so the count has to travel separately or the next
// window's events_seen would undercount.
func (er *EventReservoir) Restore(events []AnalyticEvent, seen int) {
	for _, e := range events {
		er.Add(e)
	}
	if unsampled := seen - len(events); unsampled > 0 {
		er.mu.Lock()
		er.seen += unsampled
		er.mu.Unlock()
	}
}
