// collectorsim is a local stand-in for the collector: it speaks the raw
// method protocol well enough to exercise a full agent lifecycle against
// localhost. Sessions live in memory and die with the process.
package main

import (
	"compress/gzip"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/mux"

	"github.com/fluxmon/fluxmon/pkg/logutil"
	"github.com/fluxmon/fluxmon/pkg/util"
)

type session struct {
	runID   string
	appName string
}

type simulator struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:8089", "listen address")
	flag.Parse()

	logger := slog.Default()
	sim := &simulator{
		logger:   logger,
		sessions: map[string]*session{},
	}

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(logutil.WithContext(req.Context(), logger)))
		})
	})
	r.HandleFunc("/agent_listener/invoke_raw_method", sim.invoke).Methods(http.MethodPost)

	logger.With("addr", *listenAddr).Info("collectorsim starting...")
	if err := http.ListenAndServe(*listenAddr, r); err != nil {
		logger.With("err", err.Error()).Error("failed to start HTTP server")
		os.Exit(1)
	}
}

func (s *simulator) invoke(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	method := q.Get("method")
	runID := q.Get("run_id")

	if q.Get("license_key") == "" {
		s.logger.With("method", method).Warn("request without license key")
		writeException(w, http.StatusUnauthorized, "LicenseException", "license key missing")
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.logger.With("err", err).Warn("unreadable request body")
		writeException(w, http.StatusUnsupportedMediaType, "SerializationException", err.Error())
		return
	}

	logger := logutil.WithMethod(logutil.FromContext(r.Context()), method)
	switch method {
	case "preconnect":
		writeReturn(w, map[string]any{"redirect_host": ""})
	case "connect":
		s.connect(logger, w, body)
	case "agent_settings":
		s.withSession(logger, w, runID, func(sess *session) {
			logger.With("runID", sess.runID).Info("settings recorded")
			writeReturn(w, nil)
		})
	case "metric_data", "error_data", "transaction_sample_data",
		"sql_trace_data", "analytic_event_data":
		s.withSession(logger, w, runID, func(sess *session) {
			logger.With("runID", sess.runID, "bytes", len(body)).Info("data accepted")
			writeReturn(w, nil)
		})
	case "shutdown":
		s.withSession(logger, w, runID, func(sess *session) {
			s.mu.Lock()
			delete(s.sessions, sess.runID)
			s.mu.Unlock()
			logger.With("runID", sess.runID).Info("session ended")
			writeReturn(w, nil)
		})
	default:
		logger.Warn("unknown method")
		writeException(w, http.StatusBadRequest, "UnknownMethodException", "unknown method "+method)
	}
}

func (s *simulator) connect(logger *slog.Logger, w http.ResponseWriter, body []byte) {
	var reqs []struct {
		AppName []string `json:"app_name"`
	}
	if err := json.Unmarshal(body, &reqs); err != nil || len(reqs) == 0 {
		writeException(w, http.StatusUnsupportedMediaType, "SerializationException", "bad connect payload")
		return
	}
	appName := ""
	if len(reqs[0].AppName) > 0 {
		appName = reqs[0].AppName[0]
	}

	sess := &session{runID: util.NewRunID(), appName: appName}
	s.mu.Lock()
	s.sessions[sess.runID] = sess
	s.mu.Unlock()

	logger.With("runID", sess.runID, "app", appName).Info("agent connected")
	writeReturn(w, map[string]any{
		"agent_run_id":                      sess.runID,
		"data_report_period":                60,
		"apdex_t":                           0.5,
		"sampling_target":                   10,
		"sampling_target_period_in_seconds": 60,
		"messages": []map[string]any{
			{"message": "reporting to collectorsim", "level": "INFO"},
		},
	})
}

// withSession resolves the run identifier or answers 401, which tells the
// agent to restart its session.
func (s *simulator) withSession(logger *slog.Logger, w http.ResponseWriter, runID string, fn func(*session)) {
	s.mu.Lock()
	sess := s.sessions[runID]
	s.mu.Unlock()
	if sess == nil {
		logger.With("runID", runID).Warn("unknown run id")
		writeException(w, http.StatusUnauthorized, "RuntimeError", "unknown agent run id")
		return
	}
	fn(sess)
}

func readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	}
	return io.ReadAll(reader)
}

func writeReturn(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"return_value": v})
}

func writeException(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"exception": map[string]string{
			"message":    message,
			"error_type": errorType,
		},
	})
}
