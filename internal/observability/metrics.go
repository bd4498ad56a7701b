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
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSWriteErrors    *prometheus.CounterVec
	OutboundMessages *prometheus.CounterVec
	Classifications  *prometheus.CounterVec
	Interjections    *prometheus.CounterVec
	ScanFaults       prometheus.Counter
	TickDuration     prometheus.Histogram
	ClassifyLatency  prometheus.Histogram
	HistoryErrors    *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active annotation sessions.",
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
			Help:      "WebSocket write failures by operation.",
		}, []string{"op"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound notifications by type and delivery result.",
		}, []string{"type", "result"}),
		Classifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Processed requests by classification outcome.",
		}, []string{"outcome"}),
		Interjections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interjections_total",
			Help:      "Interjections emitted by kind.",
		}, []string{"kind"}),
		ScanFaults: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_scan_faults_total",
			Help:      "Sessions whose threshold scan failed and was rolled back.",
		}),
		TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "threshold_tick_duration_ms",
			Help:      "Duration of one threshold engine tick in milliseconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
		}),
		ClassifyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_ms",
			Help:      "Classifier latency in milliseconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 20, 100},
		}),
		HistoryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_store_errors_total",
			Help:      "Audit history store failures by operation.",
		}, []string{"op"}),
		stages: newStageWindow(512),
	}
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(msgType, result).Inc()
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

func (m *Metrics) ObserveClassification(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(outcome).Inc()
	if outcome == "rejected" {
		return
	}
	m.ClassifyLatency.Observe(float64(d.Microseconds()) / 1000)
	m.stages.observe(StageClassify, d)
	if outcome == "error" {
		m.stages.count("classifier_error")
	}
}

func (m *Metrics) ObserveInterjection(kind string) {
	if m == nil {
		return
	}
	m.Interjections.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration, faults int) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(float64(d.Microseconds()) / 1000)
	m.stages.observe(StageTick, d)
	if faults > 0 {
		m.ScanFaults.Add(float64(faults))
		for i := 0; i < faults; i++ {
			m.stages.count("scan_fault")
		}
	}
}

func (m *Metrics) ObserveHistoryError(op string) {
	if m == nil {
		return
	}
	m.HistoryErrors.WithLabelValues(op).Inc()
}

// SnapshotStages returns rolling latency percentiles for the classify and
// threshold tick stages.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{Stages: []StageStats{}}
	}
	return m.stages.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
