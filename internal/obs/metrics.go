package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the worker metric set. All fields are registered against the
// registry passed to NewMetrics.
type Metrics struct {
	RunsTotal       prometheus.Counter
	RunDuration     prometheus.Histogram
	StageProcessed  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	DeliveriesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spool_worker_runs_total",
			Help: "Total number of completed worker passes.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spool_worker_run_duration_seconds",
			Help:    "Duration of a full worker pass.",
			Buckets: prometheus.DefBuckets,
		}),
		StageProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spool_worker_items_processed_total",
				Help: "Items processed per worker stage.",
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spool_queue_depth",
				Help: "Current depth of each durable queue.",
			},
			[]string{"queue"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spool_deliveries_total",
				Help: "Delivery attempts by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.RunsTotal, m.RunDuration, m.StageProcessed, m.QueueDepth, m.DeliveriesTotal)
	return m
}

// Handler exposes the metric set in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
