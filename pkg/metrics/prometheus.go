package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ProcMetrics is the secondary Prometheus exposition served at
// /internal/procmetrics: Go runtime stats and predict-path counters
// alongside (not instead of) the ring aggregator.
type ProcMetrics struct {
	PredictRequestsTotal *prometheus.CounterVec
	PredictDuration      *prometheus.HistogramVec
	PredictInFlight      prometheus.Gauge
	BatchSize            *prometheus.HistogramVec

	QueueDropped prometheus.Counter

	ServiceInfo *prometheus.GaugeVec

	tracker *RequestTracker
}

var defaultMetrics *ProcMetrics

// InitMetrics registers every gauge/counter/histogram under namespace and
// subsystem and installs the result as the process default.
func InitMetrics(namespace, subsystem string) *ProcMetrics {
	m := &ProcMetrics{
		PredictRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "predict_requests_total",
				Help:      "Total predict requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		PredictDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "predict_duration_seconds",
				Help:      "Predict request duration by model",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),

		PredictInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "predict_requests_in_flight",
				Help:      "Current number of predict requests being processed",
			},
		),

		BatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "batch_size",
				Help:      "Size of dynamic-batcher batches actually dispatched",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"model"},
		),

		QueueDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "metric_samples_dropped_total",
				Help:      "Samples dropped because the ring aggregator queue was full",
			},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Static service build information",
			},
			[]string{"version"},
		),
	}
	m.tracker = NewRequestTracker(m.PredictInFlight)

	prometheus.DefaultRegisterer.MustRegister(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// Get returns the process-wide default, lazily initializing it if nothing
// called InitMetrics yet.
func Get() *ProcMetrics {
	if defaultMetrics == nil {
		return InitMetrics("grps", "")
	}
	return defaultMetrics
}

// RecordPredict records one predict-path completion.
func (m *ProcMetrics) RecordPredict(model string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.PredictRequestsTotal.WithLabelValues(model, outcome).Inc()
	m.PredictDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordBatch records the size of one batch the dynamic batcher dispatched.
func (m *ProcMetrics) RecordBatch(model string, size int) {
	m.BatchSize.WithLabelValues(model).Observe(float64(size))
}

// TrackPredict marks one predict as in flight for the given method; the
// returned func ends the tracking and must be deferred by the caller.
func (m *ProcMetrics) TrackPredict(method string) func() {
	m.tracker.Start(method)
	return func() { m.tracker.End(method) }
}

// AddQueueDropped bumps the dropped-sample counter; the aggregator's drop
// hook feeds it.
func (m *ProcMetrics) AddQueueDropped(n float64) {
	m.QueueDropped.Add(n)
}

// SetServiceInfo publishes the running build's version as a constant gauge.
func (m *ProcMetrics) SetServiceInfo(version string) {
	m.ServiceInfo.WithLabelValues(version).Set(1)
}

// Handler serves the default registry's exposition format for
// /internal/procmetrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
