package collector

import "encoding/json"

// RunBehavior is the session-level effect of an RPC outcome.
type RunBehavior int

const (
	// BehaviorContinue means the current session stays up.
	BehaviorContinue RunBehavior = iota
	// BehaviorRestart means the session is over and a fresh handshake is needed.
	BehaviorRestart
	// BehaviorShutdown means the collector told the agent to stop entirely.
	BehaviorShutdown
)

func (b RunBehavior) String() string {
	switch b {
	case BehaviorContinue:
		return "continue"
	case BehaviorRestart:
		return "restart"
	case BehaviorShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Response is the normalized outcome of a single collector RPC. It is
// produced only by Classify and never modified afterwards.
type Response struct {
	// Payload is the decoded return_value body, nil for non-2xx outcomes.
	Payload json.RawMessage
	// RetainData instructs the caller to keep the unsent payload for the
	// next harvest attempt.
	RetainData bool
	// Behavior is the session-level effect of the outcome.
	Behavior RunBehavior
}

// SessionEnded reports whether the outcome invalidated the run identifier.
func (r Response) SessionEnded() bool {
	return r.Behavior == BehaviorRestart || r.Behavior == BehaviorShutdown
}
