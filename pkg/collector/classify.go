package collector

import (
	"encoding/json"
	"net/http"
)

// Classify maps the HTTP status of a collector RPC to a normalized
// Response. This table is a hard compatibility contract with the collector;
// the decoded exception body never changes the decision.
//
//	2xx                  -> continue, payload kept
//	413, 415             -> continue, data dropped
//	401, 409             -> restart (session invalid)
//	410                  -> shutdown (force disconnect)
//	500, 503             -> continue, data retained for the next attempt
//	any other non-2xx    -> continue, data dropped
func Classify(status int, payload json.RawMessage) Response {
	switch {
	case status >= 200 && status < 300:
		return Response{Payload: payload, Behavior: BehaviorContinue}
	case status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType:
		return Response{Behavior: BehaviorContinue}
	case status == http.StatusUnauthorized,
		status == http.StatusConflict:
		return Response{Behavior: BehaviorRestart}
	case status == http.StatusGone:
		return Response{Behavior: BehaviorShutdown}
	case status == http.StatusInternalServerError,
		status == http.StatusServiceUnavailable:
		return Response{RetainData: true, Behavior: BehaviorContinue}
	default:
		return Response{Behavior: BehaviorContinue}
	}
}
