package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halbert/dispatch/services/monitor"
)

const namespace = "dispatch"

// levelValues orders performance levels for the level gauge.
var levelValues = map[monitor.Level]float64{
	monitor.LevelCritical:   0,
	monitor.LevelDegraded:   1,
	monitor.LevelAcceptable: 2,
	monitor.LevelGood:       3,
	monitor.LevelExcellent:  4,
}

// Metrics exports monitor samples to Prometheus. It implements
// monitor.Observer and owns its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	quality  *prometheus.HistogramVec
	level    *prometheus.GaugeVec
	alerts   *prometheus.CounterVec
}

var _ monitor.Observer = (*Metrics)(nil)

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "requests_total",
				Help:      "Generation requests by model and outcome",
			},
			[]string{"model_id", "provider", "status"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "latency_seconds",
				Help:      "Generation latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"model_id", "provider"},
		),
		quality: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "quality_score",
				Help:      "Reported response quality scores",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
			[]string{"model_id"},
		),
		level: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "model",
				Name:      "performance_level",
				Help:      "Performance level (0 critical .. 4 excellent)",
			},
			[]string{"model_id"},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "alerts_total",
				Help:      "Performance alerts raised",
			},
			[]string{"model_id", "metric", "severity"},
		),
	}
}

func (m *Metrics) ObserveRequest(modelID, provider string, latencyMs float64, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.requests.WithLabelValues(modelID, provider, status).Inc()
	m.latency.WithLabelValues(modelID, provider).Observe(latencyMs / 1000)
}

func (m *Metrics) ObserveQuality(modelID string, score float64) {
	m.quality.WithLabelValues(modelID).Observe(score)
}

func (m *Metrics) ObserveLevel(modelID string, level monitor.Level) {
	if v, ok := levelValues[level]; ok {
		m.level.WithLabelValues(modelID).Set(v)
	}
}

func (m *Metrics) ObserveAlert(a monitor.Alert) {
	m.alerts.WithLabelValues(a.ModelID, a.Metric, string(a.Severity)).Inc()
}

// Forget drops a model's series, or every series when modelID is empty.
func (m *Metrics) Forget(modelID string) {
	if modelID == "" {
		m.requests.Reset()
		m.latency.Reset()
		m.quality.Reset()
		m.level.Reset()
		m.alerts.Reset()
		return
	}
	labels := prometheus.Labels{"model_id": modelID}
	m.requests.DeletePartialMatch(labels)
	m.latency.DeletePartialMatch(labels)
	m.quality.DeletePartialMatch(labels)
	m.level.DeletePartialMatch(labels)
	m.alerts.DeletePartialMatch(labels)
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
