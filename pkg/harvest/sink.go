package harvest

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/natefinch/atomic"

	"github.com/fluxmon/fluxmon/pkg/collector"
	"github.com/fluxmon/fluxmon/pkg/telemetry"
)

// serverlessRunID stands in for the run identifier in file sink payloads;
// serverless mode never holds a session.
const serverlessRunID = "serverless"

// sweepToFile drains every category into one JSON document and writes it
// atomically. A failed write restores everything for the next tick.
func (h *Harvester) sweepToFile() {
	now := time.Now()

	mt := h.store.TakeMetrics()
	errs := h.store.Errors().Take()
	slowest, synthetics := h.store.Traces().Take()
	slowSQLs := h.store.SlowSQLs().Take()
	events, seen := h.store.Events().Take()

	doc := map[string]any{}
	if mt != nil {
		h.mu.Lock()
		start := h.windowStart
		h.mu.Unlock()
		doc[string(collector.MethodMetricData)] = telemetry.MetricsPayload(serverlessRunID, start, now, mt)
	}
	if len(errs) > 0 {
		doc[string(collector.MethodErrorData)] = telemetry.ErrorsPayload(serverlessRunID, errs)
	}
	if slowest != nil || len(synthetics) > 0 {
		doc[string(collector.MethodTransactionSampleData)] = telemetry.TracesPayload(serverlessRunID, slowest, synthetics)
	}
	if len(slowSQLs) > 0 {
		doc[string(collector.MethodSQLTraceData)] = telemetry.SlowSQLsPayload(serverlessRunID, slowSQLs)
	}
	if len(events) > 0 {
		doc[string(collector.MethodAnalyticEventData)] = telemetry.EventsPayload(serverlessRunID, seen, h.store.Events().Capacity(), events)
	}
	if len(doc) == 0 {
		return
	}
	doc["metadata"] = map[string]any{
		"agent_version": collector.AgentVersion,
		"harvested_at":  now.UnixMilli(),
	}

	restore := func() {
		if mt != nil {
			h.store.RestoreMetrics(mt)
		}
		h.store.Errors().Restore(errs)
		h.store.Traces().Restore(slowest, synthetics)
		h.store.SlowSQLs().Restore(slowSQLs)
		h.store.Events().Restore(events, seen)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		h.logger.With("err", err).Error("failed to encode harvest document")
		restore()
		return
	}
	if err := atomic.WriteFile(h.sinkPath, bytes.NewReader(raw)); err != nil {
		h.logger.With("err", err, "path", h.sinkPath).Error("failed to write harvest document")
		restore()
		return
	}

	h.mu.Lock()
	h.windowStart = now
	h.mu.Unlock()
	h.logger.With("path", h.sinkPath).Debug("harvest written to file sink")
}
