package collector_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fluxmon/fluxmon/pkg/collector"
)

func TestClassify(t *testing.T) {
	payload := json.RawMessage(`{"ok":true}`)

	cases := []struct {
		name       string
		status     int
		keepData   bool
		retainData bool
		behavior   collector.RunBehavior
	}{
		{"200 ok", 200, true, false, collector.BehaviorContinue},
		{"202 accepted", 202, true, false, collector.BehaviorContinue},
		{"413 too large drops", 413, false, false, collector.BehaviorContinue},
		{"415 unsupported drops", 415, false, false, collector.BehaviorContinue},
		{"401 restarts", 401, false, false, collector.BehaviorRestart},
		{"409 restarts", 409, false, false, collector.BehaviorRestart},
		{"410 shuts down", 410, false, false, collector.BehaviorShutdown},
		{"500 retains", 500, false, true, collector.BehaviorContinue},
		{"503 retains", 503, false, true, collector.BehaviorContinue},
		{"418 drops", 418, false, false, collector.BehaviorContinue},
		{"400 drops", 400, false, false, collector.BehaviorContinue},
		{"301 drops", 301, false, false, collector.BehaviorContinue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assert.New(t)
			resp := collector.Classify(tc.status, payload)
			assert.Equal(tc.behavior, resp.Behavior)
			assert.Equal(tc.retainData, resp.RetainData)
			if tc.keepData {
				assert.Equal(payload, resp.Payload)
			} else {
				assert.Nil(resp.Payload)
			}
		})
	}
}

func TestSessionEnded(t *testing.T) {
	assert := assert.New(t)
	assert.False(collector.Response{Behavior: collector.BehaviorContinue}.SessionEnded())
	assert.True(collector.Response{Behavior: collector.BehaviorRestart}.SessionEnded())
	assert.True(collector.Response{Behavior: collector.BehaviorShutdown}.SessionEnded())
}

func TestKnownMethods(t *testing.T) {
	assert := assert.New(t)
	for _, m := range []collector.Method{
		collector.MethodPreconnect,
		collector.MethodConnect,
		collector.MethodAgentSettings,
		collector.MethodMetricData,
		collector.MethodErrorData,
		collector.MethodSQLTraceData,
		collector.MethodTransactionSampleData,
		collector.MethodAnalyticEventData,
		collector.MethodShutdown,
	} {
		assert.True(collector.Known(m), string(m))
	}
	assert.False(collector.Known("span_event_data"))
}
