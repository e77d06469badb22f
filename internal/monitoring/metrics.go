package monitoring

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/sortgate/internal/sorting"
)

// Metrics exposes sorting session and pipeline counters to Prometheus.
type Metrics struct {
	// Session statistics, refreshed by ObserveSession.
	TotalFrames       atomic.Uint64
	TotalDetections   atomic.Uint64
	StableDetections  atomic.Uint64
	SerialPacketsSent atomic.Uint64
	SessionErrors     atomic.Uint64
	TrackedObjects    atomic.Int64
	SessionRunning    atomic.Uint64 // 0 = not running, 1 = running

	serialWriteErrors prometheus.Counter
	sourceErrors      prometheus.Counter
	journalErrors     prometheus.Counter
	framesSkipped     prometheus.Counter
	classified        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		serialWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortgate_serial_write_errors_total",
			Help: "Packets the session decided to send that failed to reach the actuator",
		}),
		sourceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortgate_source_errors_total",
			Help: "Detection frames that could not be read or decoded",
		}),
		journalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortgate_journal_errors_total",
			Help: "Classification events that could not be journaled",
		}),
		framesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sortgate_frames_skipped_total",
			Help: "Frames drained from the source while the session was paused",
		}),
		classified: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sortgate_items_classified",
			Help: "Items counted by the current session per category",
		}, []string{"category"}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	for _, g := range []struct {
		name, help string
		value      func() float64
	}{
		{"sortgate_frames_total", "Frames processed by the session", func() float64 { return float64(m.TotalFrames.Load()) }},
		{"sortgate_detections_total", "Frames carrying a detection", func() float64 { return float64(m.TotalDetections.Load()) }},
		{"sortgate_stable_detections_total", "Detections that met the stability policy", func() float64 { return float64(m.StableDetections.Load()) }},
		{"sortgate_packets_sent_total", "Packets emitted by the session", func() float64 { return float64(m.SerialPacketsSent.Load()) }},
		{"sortgate_session_errors_total", "Session faults", func() float64 { return float64(m.SessionErrors.Load()) }},
		{"sortgate_tracked_objects", "Objects currently tracked", func() float64 { return float64(m.TrackedObjects.Load()) }},
		{"sortgate_session_running", "Whether the session is running", func() float64 { return float64(m.SessionRunning.Load()) }},
	} {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.value))
	}
	m.registry.MustRegister(m.serialWriteErrors, m.sourceErrors, m.journalErrors, m.framesSkipped, m.classified)
}

// ObserveSession copies a session snapshot into the exported gauges.
func (m *Metrics) ObserveSession(snap sorting.SessionSnapshot) {
	m.TotalFrames.Store(snap.Statistics.TotalFrames)
	m.TotalDetections.Store(snap.Statistics.TotalDetections)
	m.StableDetections.Store(snap.Statistics.StableDetections)
	m.SerialPacketsSent.Store(snap.Statistics.SerialPacketsSent)
	m.SessionErrors.Store(snap.Statistics.ErrorCount)
	m.TrackedObjects.Store(int64(snap.TrackedObjects))
	if snap.Status == sorting.StatusRunning {
		m.SessionRunning.Store(1)
	} else {
		m.SessionRunning.Store(0)
	}
	for cat, n := range snap.Counts {
		m.classified.WithLabelValues(cat.String()).Set(float64(n))
	}
}

func (m *Metrics) SerialWriteError() { m.serialWriteErrors.Inc() }
func (m *Metrics) SourceError()      { m.sourceErrors.Inc() }
func (m *Metrics) JournalError()     { m.journalErrors.Inc() }
func (m *Metrics) FrameSkipped()     { m.framesSkipped.Inc() }

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
