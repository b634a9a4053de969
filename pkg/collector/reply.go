package collector

import (
	"github.com/fluxmon/fluxmon/pkg/rules"
)

// PreconnectReply is the return_value of the preconnect call. A non-empty
// redirect host retargets the rest of the handshake and every subsequent
// RPC of the session.
type PreconnectReply struct {
	RedirectHost string `json:"redirect_host"`
}

// ConnectRequest is the agent side of the connect call. It is sent as a
// single-element JSON array per the wire protocol.
type ConnectRequest struct {
	AppName      []string       `json:"app_name"`
	Language     string         `json:"language"`
	AgentVersion string         `json:"agent_version"`
	Host         string         `json:"host"`
	ProcessPID   int            `json:"pid"`
	Labels       map[string]any `json:"labels,omitempty"`
	// Utilization is informational host metadata from the environment
	// prober; it may be empty when probing failed.
	Utilization map[string]any `json:"utilization,omitempty"`
	Environment [][]any        `json:"environment,omitempty"`
	Identifier  string         `json:"identifier,omitempty"`
}

// ConnectReply contains the settings and session state sent down from the
// collector. It is not modified after decoding.
type ConnectReply struct {
	RunID            string `json:"agent_run_id"`
	DataReportPeriod int    `json:"data_report_period"`
	EntityGUID       string `json:"entity_guid"`

	ApdexThresholdSeconds float64 `json:"apdex_t"`

	SamplingTarget              uint64 `json:"sampling_target"`
	SamplingTargetPeriodSeconds int    `json:"sampling_target_period_in_seconds"`

	TxnNameRules []rules.Spec `json:"transaction_name_rules"`
	URLRules     []rules.Spec `json:"url_rules"`
	MetricRules  []rules.Spec `json:"metric_name_rules"`

	Messages []struct {
		Message string `json:"message"`
		Level   string `json:"level"`
	} `json:"messages"`
}
