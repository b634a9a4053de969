package agent_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxmon/fluxmon/pkg/agent"
	"github.com/fluxmon/fluxmon/pkg/config"
)

// stubCollector answers the raw method protocol with canned replies and
// records which methods were invoked.
type stubCollector struct {
	mu       sync.Mutex
	calls    map[string]int
	statuses map[string][]int
}

func newStubCollector() *stubCollector {
	return &stubCollector{
		calls:    map[string]int{},
		statuses: map[string][]int{},
	}
}

func (s *stubCollector) script(method string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[method] = append(s.statuses[method], statuses...)
}

func (s *stubCollector) callCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *stubCollector) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("method")
	s.mu.Lock()
	s.calls[method]++
	status := http.StatusOK
	if q := s.statuses[method]; len(q) > 0 {
		status, s.statuses[method] = q[0], q[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"exception": map[string]string{"message": "scripted", "error_type": "RuntimeError"},
		})
		return
	}

	var ret any
	switch method {
	case "preconnect":
		ret = map[string]any{"redirect_host": ""}
	case "connect":
		ret = map[string]any{
			"agent_run_id":                      "run-agent-test",
			"data_report_period":                30,
			"apdex_t":                           0.25,
			"sampling_target":                   20,
			"sampling_target_period_in_seconds": 60,
			"transaction_name_rules": []map[string]any{
				{"match_expression": "healthz", "ignore": true},
			},
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"return_value": ret})
}

func testConfig(host string) config.Config {
	cfg := config.Default()
	cfg.AppName = "test-app"
	cfg.LicenseKey = "test-license"
	cfg.CollectorHost = host
	cfg.HarvestInterval = time.Hour
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := agent.New(config.Config{}, slog.Default())
	assert.Error(t, err)
}

func TestNewRejectsBadProxy(t *testing.T) {
	cfg := testConfig("collector.example.com")
	cfg.Proxy = "http://bad proxy url"
	_, err := agent.New(cfg, slog.Default())
	assert.Error(t, err)
}

func TestStartDisabledIsNoOp(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Enabled = false
	a, err := agent.New(cfg, slog.Default())
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(agent.StateStopped, a.State())
	assert.Zero(stub.totalCalls(), "a disabled agent never attempts a handshake")
}

func TestStartRequiresLicenseKey(t *testing.T) {
	assert := assert.New(t)
	cfg := testConfig("collector.example.com")
	cfg.LicenseKey = ""
	a, err := agent.New(cfg, slog.Default())
	require.NoError(t, err)

	err = a.Start(context.Background())
	assert.ErrorIs(err, agent.ErrLicenseKeyRequired)
	assert.EqualError(err, "license key required to start agent")
	assert.Equal(agent.StateStopped, a.State())
}

func TestStartStopLifecycle(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := agent.New(testConfig(srv.URL), slog.Default())
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(agent.StateStarted, a.State())
	assert.True(a.Harvester().Active())
	assert.Equal(1, stub.callCount("connect"))
	assert.Equal(1, stub.callCount("agent_settings"))

	err = a.Start(context.Background())
	assert.ErrorContains(err, `agent start rejected in state "started"`)

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(agent.StateStopped, a.State())
	assert.False(a.Harvester().Active())
	assert.Equal(1, stub.callCount("shutdown"))
}

func TestConnectReplySettingsApply(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := agent.New(testConfig(srv.URL), slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background()) }()

	// apdex_t 0.25s came down on connect.
	assert.Equal(250*time.Millisecond, a.Store().Metrics().ApdexThreshold())

	// The pushed naming rules drive the ignore gate.
	tx := a.StartTransaction("GET /healthz")
	a.EndTransaction(tx)
	assert.Zero(a.Store().Events().Len(), "rule-ignored transactions reach no aggregator")

	kept := a.StartTransaction("GET /users")
	a.EndTransaction(kept)
	assert.Equal(1, a.Store().Events().Len())
}

func TestRemoteShutdownStopsAgent(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := agent.New(testConfig(srv.URL), slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	a.EndTransaction(a.StartTransaction("GET /users"))
	stub.script("metric_data", http.StatusGone)
	a.Harvester().Sweep(context.Background())

	assert.Equal(agent.StateStopped, a.State())
	assert.False(a.Harvester().Active())
	assert.Zero(stub.callCount("shutdown"), "a force-disconnected session sends no teardown RPC")
}

func TestInvalidatedSessionReconnects(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := agent.New(testConfig(srv.URL), slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background()) }()

	a.EndTransaction(a.StartTransaction("GET /users"))
	stub.script("metric_data", http.StatusUnauthorized)
	a.Harvester().Sweep(context.Background())

	// The 401 invalidated the run; the agent came back with a fresh one.
	assert.Equal(agent.StateStarted, a.State())
	assert.True(a.Harvester().Active())
	assert.Equal(2, stub.callCount("connect"))

	// Reporting resumes on the new session.
	a.EndTransaction(a.StartTransaction("GET /users"))
	a.Harvester().Sweep(context.Background())
	assert.Equal(2, stub.callCount("metric_data"))
}

func TestServerlessStart(t *testing.T) {
	assert := assert.New(t)
	cfg := testConfig("collector.example.com")
	cfg.LicenseKey = ""
	cfg.Serverless = true
	cfg.ServerlessOutputPath = filepath.Join(t.TempDir(), "harvest.json")

	a, err := agent.New(cfg, slog.Default())
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()), "serverless mode needs no license key")
	assert.Equal(agent.StateStarted, a.State())

	a.EndTransaction(a.StartTransaction("background-job"))
	a.Harvester().Sweep(context.Background())

	raw, err := os.ReadFile(cfg.ServerlessOutputPath)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Contains(doc, "metric_data")

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(agent.StateStopped, a.State())
}

func TestReconfigureNilPanics(t *testing.T) {
	a, err := agent.New(testConfig("collector.example.com"), slog.Default())
	require.NoError(t, err)
	assert.PanicsWithValue(t, "agent: reconfigure requires a configuration", func() {
		a.Reconfigure(nil)
	})
}

func TestReconfigureAppliesMutableFields(t *testing.T) {
	assert := assert.New(t)
	a, err := agent.New(testConfig("collector.example.com"), slog.Default())
	require.NoError(t, err)

	next := testConfig("collector.example.com")
	next.ApdexThreshold = 2 * time.Second
	next.SamplingTarget = 50
	a.Reconfigure(&next)

	assert.Equal(2*time.Second, a.Store().Metrics().ApdexThreshold())
}

func TestOnApdexChange(t *testing.T) {
	a, err := agent.New(testConfig("collector.example.com"), slog.Default())
	require.NoError(t, err)

	a.OnApdexChange(time.Second)
	assert.Equal(t, time.Second, a.Store().Metrics().ApdexThreshold())
}

func TestServiceAdapter(t *testing.T) {
	assert := assert.New(t)
	stub := newStubCollector()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	a, err := agent.New(testConfig(srv.URL), slog.Default())
	require.NoError(t, err)

	svc := agent.Service(a)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), svc))
	assert.Equal(agent.StateStarted, a.State())

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(context.Background()))
	assert.Equal(agent.StateStopped, a.State())
	assert.Equal(1, stub.callCount("shutdown"))
}

func TestEndTransactionNilPanics(t *testing.T) {
	a, err := agent.New(testConfig("collector.example.com"), slog.Default())
	require.NoError(t, err)
	assert.Panics(t, func() { a.EndTransaction(nil) })
}
