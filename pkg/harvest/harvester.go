// Package harvest drives the periodic reporting sweep. The harvester owns
// a single recurring timer handle; each tick drains the telemetry store
// category by category through the collector client.
package harvest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxmon/fluxmon/pkg/collector"
	"github.com/fluxmon/fluxmon/pkg/telemetry"
)

// Conn is the slice of the collector client the harvester needs.
type Conn interface {
	Dispatch(ctx context.Context, method collector.Method, payload any) (collector.Response, error)
	RunID() string
	Connected() bool
}

// Handle identifies one active recurring timer. Handle identity matters:
// a restart always produces a distinct handle.
type Handle struct {
	ticker *time.Ticker
	done   chan struct{}
}

type Options struct {
	Logger *slog.Logger
	Conn   Conn
	Store  *telemetry.Store

	// Settings supplies the agent_settings payload pushed at the top of
	// every sweep.
	Settings func() any

	// FileSink, when set, redirects every sweep to an atomically written
	// local file instead of collector RPCs (serverless mode).
	FileSink string
}

type Harvester struct {
	logger   *slog.Logger
	conn     Conn
	store    *telemetry.Store
	settings func() any
	sinkPath string

	mu          sync.Mutex
	handle      *Handle
	windowStart time.Time
}

func New(opts Options) *Harvester {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		logger:      logger,
		conn:        opts.Conn,
		store:       opts.Store,
		settings:    opts.Settings,
		sinkPath:    opts.FileSink,
		windowStart: time.Now(),
	}
}

// Schedule starts the recurring timer. With a handle already active this
// is a no-op; either way a handle exists afterwards.
func (h *Harvester) Schedule(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle != nil {
		h.logger.Debug("harvester already scheduled")
		return
	}
	h.handle = h.startTimer(interval)
	h.logger.With("interval", interval).Info("harvester scheduled")
}

// Stop cancels and clears the handle. Idempotent: stopping without an
// active handle is fine.
func (h *Harvester) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handle == nil {
		return
	}
	h.handle.ticker.Stop()
	close(h.handle.done)
	h.handle = nil
	h.logger.Debug("harvester stopped")
}

// Restart stops the current timer and schedules a new one. The resulting
// handle always differs from any prior one.
func (h *Harvester) Restart(interval time.Duration) {
	h.Stop()
	h.Schedule(interval)
}

// OnIntervalChange applies a collector-pushed report period. Without an
// active handle it is a no-op. With one, the restart proceeds regardless
// of connection state, but a missing run identifier is still reported so
// the caller knows the next ticks will be skipped.
func (h *Harvester) OnIntervalChange(interval time.Duration) error {
	if !h.Active() {
		return nil
	}
	h.Restart(interval)
	if !h.conn.Connected() {
		return collector.ErrNotConnected
	}
	return nil
}

// Active reports whether a handle exists.
func (h *Harvester) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle != nil
}

// Handle exposes the current timer handle for identity comparison.
func (h *Harvester) Handle() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handle
}

// startTimer must be called with the lock held.
func (h *Harvester) startTimer(interval time.Duration) *Handle {
	hd := &Handle{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-hd.done:
				return
			case <-hd.ticker.C:
				h.Sweep(context.Background())
			}
		}
	}()
	return hd
}

// Sweep reports every pending category in fixed order: settings push,
// metrics, errors, traces, slow sqls, analytic events. Categories are
// independent; a retained or failed category never stops the rest, and
// retained data survives to the next tick.
func (h *Harvester) Sweep(ctx context.Context) {
	if h.sinkPath != "" {
		h.sweepToFile()
		return
	}
	if !h.conn.Connected() {
		h.logger.Debug("skipping harvest, not connected")
		return
	}
	now := time.Now()

	if h.settings != nil {
		h.dispatch(ctx, collector.MethodAgentSettings, []any{h.settings()})
	}
	// The run identifier is re-read per category: a restart outcome mid
	// sweep swaps the session, and later payloads must carry the new one.
	h.sendMetrics(ctx, now)
	h.sendErrors(ctx)
	h.sendTraces(ctx)
	h.sendSlowSQLs(ctx)
	h.sendEvents(ctx)
}

func (h *Harvester) dispatch(ctx context.Context, method collector.Method, payload any) collector.Response {
	resp, err := h.conn.Dispatch(ctx, method, payload)
	if err != nil {
		// Only the disconnected fast-fail reaches here; the category's
		// data was already drained by the caller, which restores it.
		h.logger.With("method", string(method), "err", err).Debug("dispatch refused")
		return collector.Response{RetainData: true, Behavior: collector.BehaviorContinue}
	}
	return resp
}

func (h *Harvester) sendMetrics(ctx context.Context, now time.Time) {
	mt := h.store.TakeMetrics()
	if mt == nil {
		return
	}
	h.mu.Lock()
	start := h.windowStart
	h.mu.Unlock()

	payload := telemetry.MetricsPayload(h.conn.RunID(), start, now, mt)
	resp := h.dispatch(ctx, collector.MethodMetricData, payload)
	if resp.RetainData {
		h.store.RestoreMetrics(mt)
		return
	}
	h.mu.Lock()
	h.windowStart = now
	h.mu.Unlock()
}

func (h *Harvester) sendErrors(ctx context.Context) {
	errs := h.store.Errors().Take()
	if len(errs) == 0 {
		return
	}
	resp := h.dispatch(ctx, collector.MethodErrorData, telemetry.ErrorsPayload(h.conn.RunID(), errs))
	if resp.RetainData {
		h.store.Errors().Restore(errs)
	}
}

func (h *Harvester) sendTraces(ctx context.Context) {
	slowest, synthetics := h.store.Traces().Take()
	if slowest == nil && len(synthetics) == 0 {
		return
	}
	resp := h.dispatch(ctx, collector.MethodTransactionSampleData,
		telemetry.TracesPayload(h.conn.RunID(), slowest, synthetics))
	if resp.RetainData {
		h.store.Traces().Restore(slowest, synthetics)
	}
}

func (h *Harvester) sendSlowSQLs(ctx context.Context) {
	batch := h.store.SlowSQLs().Take()
	if len(batch) == 0 {
		return
	}
	resp := h.dispatch(ctx, collector.MethodSQLTraceData, telemetry.SlowSQLsPayload(h.conn.RunID(), batch))
	if resp.RetainData {
		h.store.SlowSQLs().Restore(batch)
	}
}

func (h *Harvester) sendEvents(ctx context.Context) {
	events, seen := h.store.Events().Take()
	if len(events) == 0 {
		return
	}
	payload := telemetry.EventsPayload(h.conn.RunID(), seen, h.store.Events().Capacity(), events)
	resp := h.dispatch(ctx, collector.MethodAnalyticEventData, payload)
	if resp.RetainData {
		h.store.Events().Restore(events, seen)
	}
}
