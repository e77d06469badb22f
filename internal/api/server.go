// Package api serves session status and control over HTTP.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sortgate/internal/journal"
	"github.com/banshee-data/sortgate/internal/monitoring"
	"github.com/banshee-data/sortgate/internal/serialmux"
	"github.com/banshee-data/sortgate/internal/sorting"
	"github.com/banshee-data/sortgate/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Controller is the session owner the API reads from and drives.
// pipeline.Runner implements it.
type Controller interface {
	Snapshot() sorting.SessionSnapshot
	Tracked() []sorting.TrackedObject
	StabilityReport() sorting.StabilityReport
	StabilityPolicy() sorting.StabilityPolicy
	Pause() error
	Resume() error
	Stop() error
}

// Server exposes a Controller over HTTP. The link, journal and metrics are
// optional.
type Server struct {
	ctrl    Controller
	link    serialmux.Actuator
	journal *journal.Journal
	metrics *monitoring.Metrics
}

func NewServer(ctrl Controller, link serialmux.Actuator, j *journal.Journal, metrics *monitoring.Metrics) *Server {
	return &Server{
		ctrl:    ctrl,
		link:    link,
		journal: j,
		metrics: metrics,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/tracked", s.listTracked)
	mux.HandleFunc("/api/stability", s.showStability)
	mux.HandleFunc("/api/session/pause", s.control(Controller.Pause))
	mux.HandleFunc("/api/session/resume", s.control(Controller.Resume))
	mux.HandleFunc("/api/session/stop", s.control(Controller.Stop))
	mux.HandleFunc("/api/classifications", s.listClassifications)
	mux.HandleFunc("/api/version", s.showVersion)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

type statusResponse struct {
	Session sorting.SessionSnapshot `json:"session"`
	Link    *serialmux.LinkStats    `json:"link,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp := statusResponse{Session: s.ctrl.Snapshot()}
	if s.link != nil {
		st := s.link.Stats()
		resp.Link = &st
	}
	writeJSONOK(w, resp)
}

func (s *Server) listTracked(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tracked := s.ctrl.Tracked()
	if tracked == nil {
		tracked = []sorting.TrackedObject{}
	}
	writeJSONOK(w, tracked)
}

type policyResponse struct {
	StabilityThresholdMS int64   `json:"stability_threshold_ms"`
	DetectionResetMS     int64   `json:"detection_reset_ms"`
	PositionTolerance    float64 `json:"position_tolerance"`
	MinDetectionCount    int     `json:"min_detection_count"`
	MaxRetryCount        int     `json:"max_retry_count"`
}

type stabilityResponse struct {
	Policy policyResponse          `json:"policy"`
	Report sorting.StabilityReport `json:"report"`
}

func (s *Server) showStability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	p := s.ctrl.StabilityPolicy()
	writeJSONOK(w, stabilityResponse{
		Policy: policyResponse{
			StabilityThresholdMS: p.StabilityThreshold.Milliseconds(),
			DetectionResetMS:     p.DetectionReset.Milliseconds(),
			PositionTolerance:    p.PositionTolerance,
			MinDetectionCount:    p.MinDetectionCount,
			MaxRetryCount:        p.MaxRetryCount,
		},
		Report: s.ctrl.StabilityReport(),
	})
}

// control wraps a lifecycle transition. Transitions not allowed from the
// current state answer 409.
func (s *Server) control(op func(Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		if err := op(s.ctrl); err != nil {
			if errors.Is(err, sorting.ErrInvalidSessionState) {
				writeJSONError(w, http.StatusConflict, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONOK(w, s.ctrl.Snapshot())
	}
}

func (s *Server) listClassifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if s.journal == nil {
		writeJSONError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := journal.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = s.ctrl.Snapshot().ID
	}

	events, err := s.journal.Classifications(sessionID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []sorting.ItemClassified{}
	}
	writeJSONOK(w, events)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSONOK(w, version.Get())
}
