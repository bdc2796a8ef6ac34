package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	WSWriteErrors       *prometheus.CounterVec
	Segments            *prometheus.CounterVec
	PlaybackEvents      *prometheus.CounterVec
	DispatchOutcomes    *prometheus.CounterVec
	StreamRetries       *prometheus.CounterVec
	FirstSegmentLatency prometheus.Histogram

	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		Segments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Response segments emitted by kind.",
		}, []string{"kind"}),
		PlaybackEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_events_total",
			Help:      "Playback queue events (spoken, stale_dropped, voice_off_dropped, synth_error, stopped).",
		}, []string{"event"}),
		DispatchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Send outcomes by path (stream, fallback, failed, canceled).",
		}, []string{"outcome"}),
		StreamRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_retries_total",
			Help:      "Streaming attempts that failed, by error class.",
		}, []string{"class"}),
		FirstSegmentLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_segment_latency_ms",
			Help:      "Latency from send to the first completed segment in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstSegmentLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstSegmentLatency.Observe(float64(d.Milliseconds()))
	m.Stages.Observe(StageFirstSegment, d)
}

func (m *Metrics) ObserveSegment(kind string) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObservePlayback(event string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.PlaybackEvents.WithLabelValues(event).Add(float64(count))
}

func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(outcome).Inc()
	m.Stages.ObserveIndicator("dispatch_" + outcome)
}

func (m *Metrics) ObserveRetry(class string) {
	if m == nil {
		return
	}
	m.StreamRetries.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.Stages.Observe(stage, d)
}

// ObserveWSMessage counts one websocket message by direction and type.
func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
