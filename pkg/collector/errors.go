package collector

import "errors"

// ErrNotConnected is returned when a post-handshake RPC is attempted while
// no run identifier is held. The message is part of the compatibility
// contract with callers and must not change.
var ErrNotConnected = errors.New("not connected")

// ErrForceDisconnected is returned from Connect when the collector answers
// the handshake with a force-disconnect (410). No session exists and the
// agent must not reconnect.
var ErrForceDisconnected = errors.New("force disconnected by collector")

// RPCError is the decoded exception body a collector may attach to a
// non-2xx response. The status code alone drives outcome classification;
// the body is informational and only ever logged.
type RPCError struct {
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

func (e *RPCError) Error() string {
	if e.ErrorType == "" {
		return e.Message
	}
	return e.ErrorType + ": " + e.Message
}
