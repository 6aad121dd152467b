package emit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes run-level metrics for a pipeline execution,
// namespaced "audiocat_". It mirrors the shape of a generic workflow
// engine's metrics surface, retargeted from per-node counters to
// per-stage ones plus a cost gauge the original engine had no use for.
//
//   - items_inflight (gauge, label stage): items currently being worked.
//   - stage_latency_ms (histogram, labels stage,status): per-item stage
//     duration.
//   - retries_total (counter, labels stage,reason): retry attempts.
//   - cost_usd_total (counter, label model): cumulative LLM spend.
type PrometheusMetrics struct {
	itemsInflight *prometheus.GaugeVec
	stageLatency  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	costUSD       *prometheus.CounterVec
}

// NewPrometheusMetrics registers the pipeline's metrics with registry.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registry)
	return &PrometheusMetrics{
		itemsInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audiocat_items_inflight",
			Help: "Items currently being worked per stage.",
		}, []string{"stage"}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audiocat_stage_latency_ms",
			Help:    "Per-item stage execution duration in milliseconds.",
			Buckets: []float64{5, 25, 100, 500, 1000, 5000, 15000, 60000},
		}, []string{"stage", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiocat_retries_total",
			Help: "Retry attempts per stage and reason.",
		}, []string{"stage", "reason"}),
		costUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audiocat_cost_usd_total",
			Help: "Cumulative LLM spend in USD per model.",
		}, []string{"model"}),
	}
}

func (m *PrometheusMetrics) ItemStarted(stage string) { m.itemsInflight.WithLabelValues(stage).Inc() }

func (m *PrometheusMetrics) ItemFinished(stage, status string, d time.Duration) {
	m.itemsInflight.WithLabelValues(stage).Dec()
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(d.Milliseconds()))
}

func (m *PrometheusMetrics) RetryRecorded(stage, reason string) {
	m.retries.WithLabelValues(stage, reason).Inc()
}

func (m *PrometheusMetrics) CostRecorded(model string, usd float64) {
	m.costUSD.WithLabelValues(model).Add(usd)
}
