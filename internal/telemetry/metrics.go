package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
	lookups  *prometheus.CounterVec
	events   *prometheus.CounterVec
	dropped  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repopulse",
			Name:      "operation_duration_seconds",
			Help:      "Duration of instrumented operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation", "outcome"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repopulse",
			Name:      "operation_failures_total",
			Help:      "Failed operations by name.",
		}, []string{"operation"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repopulse",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repopulse",
			Name:      "events_total",
			Help:      "Named engine counters such as calls made and saved.",
		}, []string{"name"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "repopulse",
			Name:      "telemetry_dropped_samples_total",
			Help:      "Samples dropped because the recorder buffer was full.",
		}),
	}
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{})
}
