// Package agent implements the run-lifecycle controller. It owns the
// configuration, the collector client, the harvest scheduler, the sampler
// and the telemetry store, and serializes every lifecycle transition.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fluxmon/fluxmon/pkg/collector"
	"github.com/fluxmon/fluxmon/pkg/config"
	"github.com/fluxmon/fluxmon/pkg/harvest"
	"github.com/fluxmon/fluxmon/pkg/rules"
	"github.com/fluxmon/fluxmon/pkg/sampler"
	"github.com/fluxmon/fluxmon/pkg/sysinfo"
	"github.com/fluxmon/fluxmon/pkg/telemetry"
	"github.com/fluxmon/fluxmon/pkg/transaction"
)

// State is the controller lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

var validStates = map[State]bool{
	StateStopped:  true,
	StateStarting: true,
	StateStarted:  true,
	StateStopping: true,
}

// ErrLicenseKeyRequired is returned from Start when no credential is
// configured. The message is stable; callers match on it.
var ErrLicenseKeyRequired = errors.New("license key required to start agent")

const clientTimeout = 20 * time.Second

type Agent struct {
	logger *slog.Logger

	client    *collector.Client
	store     *telemetry.Store
	harvester *harvest.Harvester
	sampler   *sampler.AdaptiveSampler

	prober func(ctx context.Context) map[string]any

	mu        sync.Mutex
	cfg       config.Config
	state     State
	nameRules rules.Rules
}

func New(cfg config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	caps := telemetry.DefaultCapacity()
	if cfg.Serverless {
		caps = telemetry.Unbounded()
	}

	a := &Agent{
		logger: logger,
		cfg:    cfg,
		state:  StateStopped,
		store:  telemetry.NewStore(caps, cfg.ApdexThreshold),
	}
	a.prober = func(ctx context.Context) map[string]any {
		return sysinfo.Probe(ctx, logger.With("component", "sysinfo"))
	}
	a.sampler = sampler.New(logger.With("component", "sampler"), cfg.SamplingTarget, cfg.SamplingPeriod)

	httpClient, err := buildHTTPClient(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	// The session hooks are the only subscriptions the controller
	// registers; the client never reaches back any other way.
	a.client = collector.New(collector.Config{
		LicenseKey: cfg.LicenseKey,
		Host:       cfg.CollectorHost,
		Logger:     logger.With("component", "collector"),
		HTTPClient: httpClient,
		OnShutdown: a.onRemoteShutdown,
		OnRestart:  a.onSessionLost,
	})

	sink := ""
	if cfg.Serverless {
		sink = cfg.ServerlessOutputPath
	}
	a.harvester = harvest.New(harvest.Options{
		Logger:   logger.With("component", "harvester"),
		Conn:     a.client,
		Store:    a.store,
		Settings: a.settingsPayload,
		FileSink: sink,
	})
	return a, nil
}

func buildHTTPClient(proxy string) (*http.Client, error) {
	var base http.RoundTripper = http.DefaultTransport
	if proxy != "" {
		pu, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("bad proxy url: %w", err)
		}
		base = &http.Transport{Proxy: http.ProxyURL(pu)}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base),
		Timeout:   clientTimeout,
	}, nil
}

// setState transitions the lifecycle. An unknown state is a bug in the
// caller.
func (a *Agent) setState(s State) {
	if !validStates[s] {
		panic(fmt.Sprintf("agent: invalid state %q", s))
	}
	a.mu.Lock()
	from := a.state
	a.state = s
	a.mu.Unlock()
	a.logger.With("from", string(from), "to", string(s)).Debug("state transition")
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start brings the agent up: handshake, server settings merge, harvester
// scheduling. Disabled configurations complete immediately with no error
// and no handshake. Start is rejected unless the agent is stopped.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStopped {
		st := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent start rejected in state %q", st)
	}
	cfg := a.cfg
	a.mu.Unlock()

	if !cfg.Enabled {
		a.logger.Info("agent disabled by configuration, not starting")
		return nil
	}

	if cfg.Serverless {
		a.setState(StateStarting)
		if err := services.StartAndAwaitRunning(ctx, a.sampler); err != nil {
			a.setState(StateStopped)
			return err
		}
		a.harvester.Schedule(cfg.HarvestInterval)
		a.setState(StateStarted)
		a.logger.With("sink", cfg.ServerlessOutputPath).Info("agent started in serverless mode")
		return nil
	}

	if cfg.LicenseKey == "" {
		return ErrLicenseKeyRequired
	}

	a.setState(StateStarting)
	if err := services.StartAndAwaitRunning(ctx, a.sampler); err != nil {
		a.setState(StateStopped)
		return err
	}

	reply, err := a.client.Connect(ctx, a.connectRequest(ctx), a.settingsPayload())
	if err != nil {
		a.sampler.StopAsync()
		a.setState(StateStopped)
		return err
	}
	a.applyConnectReply(reply)

	a.mu.Lock()
	interval := a.cfg.HarvestInterval
	a.mu.Unlock()
	a.harvester.Schedule(interval)
	a.setState(StateStarted)
	return nil
}

// Stop tears the agent down. The harvester is cancelled unconditionally;
// when a session exists its teardown RPC error passes through verbatim.
func (a *Agent) Stop(ctx context.Context) error {
	a.setState(StateStopping)

	if err := services.StopAndAwaitTerminated(ctx, a.sampler); err != nil {
		a.logger.With("err", err).Warn("sampler did not stop cleanly")
	}
	a.harvester.Stop()

	var err error
	if a.client.Connected() {
		err = a.client.SendShutdown(ctx)
	}
	a.setState(StateStopped)
	return err
}

// Reconfigure replaces the mutable configuration fields wholesale and
// pushes them onto the live components. A nil configuration is a bug in
// the caller.
func (a *Agent) Reconfigure(cfg *config.Config) {
	if cfg == nil {
		panic("agent: reconfigure requires a configuration")
	}
	a.mu.Lock()
	a.cfg.ApdexThreshold = cfg.ApdexThreshold
	a.cfg.HarvestInterval = cfg.HarvestInterval
	a.cfg.SamplingTarget = cfg.SamplingTarget
	a.cfg.SamplingPeriod = cfg.SamplingPeriod
	apdex := a.cfg.ApdexThreshold
	interval := a.cfg.HarvestInterval
	target := a.cfg.SamplingTarget
	period := a.cfg.SamplingPeriod
	a.mu.Unlock()

	a.store.SetApdexThreshold(apdex)
	a.sampler.Update(target, period)
	if err := a.harvester.OnIntervalChange(interval); err != nil {
		a.logger.With("err", err).Warn("harvest interval changed while disconnected")
	}
}

// OnApdexChange updates the live apdex threshold in place, independent
// of any restart.
func (a *Agent) OnApdexChange(t time.Duration) {
	a.mu.Lock()
	a.cfg.ApdexThreshold = t
	a.mu.Unlock()
	a.store.SetApdexThreshold(t)
}

// OnConnectConfig applies the collector-pushed sampling settings onto
// the sampler.
func (a *Agent) OnConnectConfig(reply *collector.ConnectReply) {
	if reply == nil {
		return
	}
	target := reply.SamplingTarget
	period := time.Duration(reply.SamplingTargetPeriodSeconds) * time.Second
	a.sampler.Update(target, period)
}

// applyConnectReply merges the server-pushed mutable settings into the
// configuration and live components.
func (a *Agent) applyConnectReply(reply *collector.ConnectReply) {
	a.mu.Lock()
	if reply.ApdexThresholdSeconds > 0 {
		a.cfg.ApdexThreshold = time.Duration(reply.ApdexThresholdSeconds * float64(time.Second))
	}
	if reply.DataReportPeriod > 0 {
		a.cfg.HarvestInterval = time.Duration(reply.DataReportPeriod) * time.Second
	}
	if reply.SamplingTarget > 0 {
		a.cfg.SamplingTarget = reply.SamplingTarget
	}
	if reply.SamplingTargetPeriodSeconds > 0 {
		a.cfg.SamplingPeriod = time.Duration(reply.SamplingTargetPeriodSeconds) * time.Second
	}
	apdex := a.cfg.ApdexThreshold
	a.mu.Unlock()

	specs := append(append([]rules.Spec{}, reply.TxnNameRules...), reply.URLRules...)
	if compiled, err := rules.Parse(specs); err != nil {
		a.logger.With("err", err).Warn("rejecting server naming rules")
	} else {
		a.mu.Lock()
		a.nameRules = compiled
		a.mu.Unlock()
	}

	a.store.SetApdexThreshold(apdex)
	a.OnConnectConfig(reply)

	for _, m := range reply.Messages {
		a.logger.With("level", m.Level).Info(m.Message)
	}
}

func (a *Agent) connectRequest(ctx context.Context) collector.ConnectRequest {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	labels := make(map[string]any, len(cfg.Labels))
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return collector.ConnectRequest{
		AppName:      []string{cfg.AppName},
		Language:     "go",
		AgentVersion: collector.AgentVersion,
		Host:         sysinfo.Hostname(),
		ProcessPID:   os.Getpid(),
		Labels:       labels,
		Utilization:  a.prober(ctx),
		Environment: [][]any{
			{"runtime", runtime.Version()},
			{"os", runtime.GOOS},
			{"arch", runtime.GOARCH},
		},
	}
}

// settingsPayload is the agent_settings body: the effective settings the
// agent is currently running with.
func (a *Agent) settingsPayload() any {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()
	return map[string]any{
		"app_name":           cfg.AppName,
		"agent_version":      collector.AgentVersion,
		"harvest_interval":   cfg.HarvestInterval.String(),
		"apdex_threshold_ms": cfg.ApdexThreshold.Milliseconds(),
		"sampling_target":    cfg.SamplingTarget,
		"serverless":         cfg.Serverless,
	}
}

// onSessionLost runs when a restart-classified dispatch outcome
// invalidated the run identifier. The agent re-runs the handshake and
// merges the fresh reply; the harvester keeps its schedule and picks the
// new session up on the next dispatch.
func (a *Agent) onSessionLost() {
	if a.State() != StateStarted {
		return
	}
	a.logger.Warn("collector invalidated the session, reconnecting")

	ctx := context.Background()
	reply, err := a.client.Connect(ctx, a.connectRequest(ctx), a.settingsPayload())
	if err != nil {
		a.logger.With("err", err).Error("reconnect failed")
		if errors.Is(err, collector.ErrForceDisconnected) {
			a.onRemoteShutdown()
		}
		return
	}
	a.applyConnectReply(reply)

	a.mu.Lock()
	interval := a.cfg.HarvestInterval
	a.mu.Unlock()
	if err := a.harvester.OnIntervalChange(interval); err != nil {
		a.logger.With("err", err).Warn("harvest schedule refresh after reconnect")
	}
}

// onRemoteShutdown runs when a dispatch outcome told the agent to stop.
// The session is already cleared by the client at this point.
func (a *Agent) onRemoteShutdown() {
	st := a.State()
	if st == StateStopping || st == StateStopped {
		return
	}
	a.logger.Warn("collector requested agent shutdown")
	if err := a.Stop(context.Background()); err != nil {
		a.logger.With("err", err).Error("stop after collector shutdown failed")
	}
}

func (a *Agent) rules() rules.Rules {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nameRules
}

// StartTransaction begins a unit of work and stamps it with the
// sampler's decision.
func (a *Agent) StartTransaction(name string) *transaction.Transaction {
	tx := transaction.New(name)
	tx.SetSampled(a.sampler.Sample())
	return tx
}

// EndTransaction finalizes the transaction identity against the server
// naming rules and hands it to the aggregation gate exactly once.
func (a *Agent) EndTransaction(tx *transaction.Transaction) {
	if tx == nil {
		panic("agent: end of a nil transaction")
	}
	if !tx.Ended() {
		tx.End()
	}
	tx.Finalize(a.rules())
	a.store.MergeTransaction(tx)
}

// RecordSlowQuery attributes a slow query observation to a transaction.
func (a *Agent) RecordSlowQuery(tx *transaction.Transaction, query string, d time.Duration) {
	if tx != nil && tx.Ignored() {
		return
	}
	name := ""
	if tx != nil {
		name = tx.Name()
	}
	a.store.SlowSQLs().Observe(name, query, d)
}

// Store exposes the telemetry store, mostly for tests and tooling.
func (a *Agent) Store() *telemetry.Store { return a.store }

// Harvester exposes the harvest scheduler.
func (a *Agent) Harvester() *harvest.Harvester { return a.harvester }
