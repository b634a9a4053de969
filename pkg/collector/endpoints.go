package collector

// Method names a logical collector endpoint. The set is closed: the agent
// dispatches against this fixed registry rather than building method names
// at runtime.
type Method string

const (
	MethodPreconnect            Method = "preconnect"
	MethodConnect               Method = "connect"
	MethodAgentSettings         Method = "agent_settings"
	MethodMetricData            Method = "metric_data"
	MethodErrorData             Method = "error_data"
	MethodSQLTraceData          Method = "sql_trace_data"
	MethodTransactionSampleData Method = "transaction_sample_data"
	MethodAnalyticEventData     Method = "analytic_event_data"
	MethodShutdown              Method = "shutdown"
)

type endpoint struct {
	// payloadRequired endpoints reject a nil payload before any network
	// call is made; sending nothing there is a bug in the caller.
	payloadRequired bool
}

var endpoints = map[Method]endpoint{
	MethodPreconnect:            {payloadRequired: false},
	MethodConnect:               {payloadRequired: true},
	MethodAgentSettings:         {payloadRequired: true},
	MethodMetricData:            {payloadRequired: true},
	MethodErrorData:             {payloadRequired: true},
	MethodSQLTraceData:          {payloadRequired: true},
	MethodTransactionSampleData: {payloadRequired: true},
	MethodAnalyticEventData:     {payloadRequired: true},
	MethodShutdown:              {payloadRequired: false},
}

// Known reports whether m is part of the endpoint registry.
func Known(m Method) bool {
	_, ok := endpoints[m]
	return ok
}
