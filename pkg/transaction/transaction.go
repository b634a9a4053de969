// Package transaction models a single unit of monitored work from start
// to end. A transaction is owned by exactly one goroutine; it is handed
// off to the aggregation gate once, at end, and never touched again.
package transaction

import (
	"fmt"
	"time"

	"github.com/fluxmon/fluxmon/pkg/rules"
)

// IgnoreOverride is the caller-forced ignore resolution. It is three
// valued: unset defers to the rule-derived resolution (or false when the
// transaction was never finalized).
type IgnoreOverride int

const (
	OverrideUnset IgnoreOverride = iota
	OverrideKeep
	OverrideIgnore
)

// NoticedError is an error observed during the transaction.
type NoticedError struct {
	When    time.Time
	Message string
	Class   string
}

type Transaction struct {
	name      string
	finalName string
	finalized bool

	override      IgnoreOverride
	derivedIgnore bool

	synthetic         bool
	syntheticResource string

	start    time.Time
	duration time.Duration
	ended    bool
	consumed bool

	sampled bool
	errs    []NoticedError
	attrs   map[string]any
}

// New starts a transaction now.
func New(name string) *Transaction {
	return NewAt(name, time.Now())
}

// NewAt starts a transaction with an explicit start instant.
func NewAt(name string, start time.Time) *Transaction {
	return &Transaction{name: name, start: start}
}

// Name returns the finalized name when rules have been applied, the raw
// name otherwise.
func (t *Transaction) Name() string {
	if t.finalized {
		return t.finalName
	}
	return t.name
}

// SetName renames the transaction. Renaming after finalization is a bug
// in the caller.
func (t *Transaction) SetName(name string) {
	if t.finalized {
		panic("transaction: rename after finalization")
	}
	t.name = name
}

// ForceIgnore pins the ignore resolution regardless of what the naming
// rules later derive.
func (t *Transaction) ForceIgnore(ignore bool) {
	if ignore {
		t.override = OverrideIgnore
	} else {
		t.override = OverrideKeep
	}
}

// MarkSynthetic tags the transaction as originating from a synthetic
// monitor run identified by resourceID.
func (t *Transaction) MarkSynthetic(resourceID string) {
	t.synthetic = true
	t.syntheticResource = resourceID
}

func (t *Transaction) IsSynthetic() bool { return t.synthetic }

// SyntheticResource returns the synthetic monitor resource id, empty for
// organic transactions.
func (t *Transaction) SyntheticResource() string { return t.syntheticResource }

// Finalize fixes the transaction identity: the naming rules rewrite the
// name and derive the rule-based ignore resolution. Finalizing twice is a
// no-op.
func (t *Transaction) Finalize(rs rules.Rules) {
	if t.finalized {
		return
	}
	t.finalName, t.derivedIgnore = rs.Apply(t.name)
	t.finalized = true
}

// Ignored resolves the three-valued ignore state: a forced value wins;
// otherwise the rule-derived value applies when the transaction was
// finalized; an unset, unfinalized transaction is kept.
func (t *Transaction) Ignored() bool {
	switch t.override {
	case OverrideIgnore:
		return true
	case OverrideKeep:
		return false
	}
	if t.finalized {
		return t.derivedIgnore
	}
	return false
}

// NoticeError records an error against the transaction.
func (t *Transaction) NoticeError(err error) {
	if err == nil {
		return
	}
	t.errs = append(t.errs, NoticedError{
		When:    time.Now(),
		Message: err.Error(),
		Class:   fmt.Sprintf("%T", err),
	})
}

func (t *Transaction) Errors() []NoticedError { return t.errs }

// AddAttribute attaches a custom attribute reported with analytic events.
func (t *Transaction) AddAttribute(key string, value any) {
	if t.attrs == nil {
		t.attrs = map[string]any{}
	}
	t.attrs[key] = value
}

func (t *Transaction) Attributes() map[string]any { return t.attrs }

// SetSampled records the adaptive sampler's decision for this transaction.
func (t *Transaction) SetSampled(sampled bool) { t.sampled = sampled }

func (t *Transaction) Sampled() bool { return t.sampled }

// End stops the clock now.
func (t *Transaction) End() { t.EndAt(time.Now()) }

// EndAt stops the clock at an explicit instant. Ending twice is a bug in
// the caller.
func (t *Transaction) EndAt(now time.Time) {
	if t.ended {
		panic("transaction: ended twice")
	}
	t.duration = now.Sub(t.start)
	t.ended = true
}

func (t *Transaction) Ended() bool { return t.ended }

func (t *Transaction) Start() time.Time { return t.start }

func (t *Transaction) Duration() time.Duration { return t.duration }

// MarkConsumed flags the hand-off to the aggregation gate. A transaction
// is consumed exactly once; a second hand-off is a bug in the caller.
func (t *Transaction) MarkConsumed() {
	if t.consumed {
		panic("transaction: consumed twice")
	}
	t.consumed = true
}
