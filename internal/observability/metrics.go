package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several servers can live in one
// process.
type Metrics struct {
	registry *prometheus.Registry

	Queries            *prometheus.CounterVec
	QueryLatency       *prometheus.HistogramVec
	Discoveries        *prometheus.CounterVec
	ControlMessages    *prometheus.CounterVec
	WebSocketConnected prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabmind_llm_queries_total",
			Help: "LLM queries by provider and outcome",
		}, []string{"provider", "outcome"}),
		QueryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tabmind_llm_query_duration_seconds",
			Help:    "LLM query latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		Discoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabmind_model_discoveries_total",
			Help: "Model discovery runs by provider and outcome",
		}, []string{"provider", "outcome"}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tabmind_control_messages_total",
			Help: "Control messages by action and transport",
		}, []string{"action", "transport"}),
		WebSocketConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tabmind_websocket_connections_active",
			Help: "Open control websocket connections",
		}),
	}
}

func (m *Metrics) ObserveQuery(providerID, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(providerID, outcome).Inc()
	m.QueryLatency.WithLabelValues(providerID).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDiscovery(providerID, outcome string) {
	if m == nil {
		return
	}
	m.Discoveries.WithLabelValues(providerID, outcome).Inc()
}

func (m *Metrics) ObserveControl(action, transport string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(action, transport).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
