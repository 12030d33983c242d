package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the orchestrator's Prometheus metrics.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Run lifecycle metrics
	runsSubmitted     prometheus.Counter
	runsCompleted     *prometheus.CounterVec
	runDuration       prometheus.Histogram
	queueDepth        prometheus.Gauge
	activeRuns        prometheus.Gauge
	provisionFailures prometheus.Counter
	outputOverflows   prometheus.Counter
	recoveredRuns     prometheus.Counter
}

// NewCollector creates a collector registered on reg. Passing a fresh
// prometheus.NewRegistry keeps tests independent; production wiring passes
// prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		runsSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Total number of runs admitted to the queue",
			},
		),
		runsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs by terminal state",
			},
			[]string{"state"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of run execution",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of runs waiting for capacity",
			},
		),
		activeRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs currently provisioning or running",
			},
		),
		provisionFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provision_failures_total",
				Help:      "Total number of failed sandbox provisioning attempts",
			},
		),
		outputOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_overflows_total",
				Help:      "Total number of runs terminated for exceeding the output cap",
			},
		),
		recoveredRuns: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovered_runs_total",
				Help:      "Total number of in-flight runs reconciled after restart",
			},
		),
	}
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSubmitted records one admitted run.
func (c *Collector) RecordSubmitted() { c.runsSubmitted.Inc() }

// RecordCompleted records a run reaching a terminal state.
func (c *Collector) RecordCompleted(state string, duration time.Duration) {
	c.runsCompleted.WithLabelValues(state).Inc()
	if duration > 0 {
		c.runDuration.Observe(duration.Seconds())
	}
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// RunStarted increments the active-run gauge.
func (c *Collector) RunStarted() { c.activeRuns.Inc() }

// RunFinished decrements the active-run gauge.
func (c *Collector) RunFinished() { c.activeRuns.Dec() }

// RecordProvisionFailure records one failed provisioning attempt.
func (c *Collector) RecordProvisionFailure() { c.provisionFailures.Inc() }

// RecordOutputOverflow records a run terminated for exceeding its output cap.
func (c *Collector) RecordOutputOverflow() { c.outputOverflows.Inc() }

// RecordRecovered records a run reconciled by the startup sweep.
func (c *Collector) RecordRecovered() { c.recoveredRuns.Inc() }
