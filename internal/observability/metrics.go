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
	ActiveConnections prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TurnStageDuration *prometheus.HistogramVec
	TurnCache         *prometheus.CounterVec
	TurnFallbacks     *prometheus.CounterVec
	ModelCost         *prometheus.CounterVec

	stages *turnStageWindow
}

// NewMetrics registers instruments on reg, or on the default registry when
// reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_connections_active",
			Help:      "Number of live voice socket connections.",
		}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_connection_events_total",
			Help:      "Voice connection lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and kind.",
		}, []string{"provider", "kind"}),
		TurnStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_duration_seconds",
			Help:      "Duration of each turn pipeline stage.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"stage"}),
		TurnCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_cache_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		TurnFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_fallbacks_total",
			Help:      "Degraded turn stages by stage.",
		}, []string{"stage"}),
		ModelCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Attributed model cost in USD by category and model.",
		}, []string{"category", "model"}),
		stages: newTurnStageWindow(256),
	}
}

// ObserveStage records a pipeline stage duration on both the histogram and
// the rolling window served by /v1/perf/latency.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
		m.stages.ObserveIndicator("cache_hit")
	}
	m.TurnCache.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveFallback(stage string) {
	if m == nil {
		return
	}
	m.TurnFallbacks.WithLabelValues(stage).Inc()
	m.stages.ObserveIndicator("fallback_" + stage)
}

func (m *Metrics) ObserveProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ObserveModelCost(category, model string, cost float64) {
	if m == nil || cost <= 0 {
		return
	}
	m.ModelCost.WithLabelValues(category, model).Add(cost)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveConnectionEvent(event string, active int) {
	if m == nil {
		return
	}
	m.ConnectionEvents.WithLabelValues(event).Inc()
	m.ActiveConnections.Set(float64(active))
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
