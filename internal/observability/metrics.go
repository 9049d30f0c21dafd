package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// Metrics owns its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry
	stages   *turnStageWindow

	ActiveSessions   prometheus.Gauge
	ActiveTurns      prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	TurnEvents       *prometheus.CounterVec
	StoreWrites      *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	EngineErrors     *prometheus.CounterVec
	RecoveredRecords prometheus.Counter
	FirstTokenMS     prometheus.Histogram
	DecodeSpeed      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newTurnStageWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active chat sessions.",
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently between start and idle.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		TurnEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn lifecycle events by type.",
		}, []string{"event"}),
		StoreWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_writes_total",
			Help:      "Interaction store writes by operation and result.",
		}, []string{"op", "result"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		EngineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Engine errors by the turn phase they surfaced in.",
		}, []string{"phase"}),
		RecoveredRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_interactions_total",
			Help:      "Pending interactions finalized as abandoned by recovery.",
		}),
		FirstTokenMS: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_token_ms",
			Help:      "Latency from turn start to the first streamed token in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1500, 3000, 6000},
		}),
		DecodeSpeed: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decode_tokens_per_second",
			Help:      "Decode speed of completed turns.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 160},
		}),
	}
}

// Handler serves this registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TurnEvent counts a turn event and tracks the active turn gauge.
func (m *Metrics) TurnEvent(event string) {
	m.TurnEvents.WithLabelValues(event).Inc()
	switch event {
	case "started":
		m.ActiveTurns.Inc()
	case "completed", "cancelled", "failed", "aborted":
		m.ActiveTurns.Dec()
	}
	if event == "cancelled" || event == "failed" {
		m.stages.ObserveIndicator("turn_" + event)
	}
}

func (m *Metrics) TurnStage(stage string, d time.Duration) {
	m.ObserveTurnStage(stage, d)
}

func (m *Metrics) EngineError(phase string) {
	m.EngineErrors.WithLabelValues(phase).Inc()
}

func (m *Metrics) GenerationStats(ttft time.Duration, decodeSpeed float64) {
	m.FirstTokenMS.Observe(float64(ttft.Milliseconds()))
	if decodeSpeed > 0 {
		m.DecodeSpeed.Observe(decodeSpeed)
	}
}

// StoreWrite matches interaction.WriterConfig.OnResult.
func (m *Metrics) StoreWrite(op, result string) {
	m.StoreWrites.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stages.Snapshot()
}
