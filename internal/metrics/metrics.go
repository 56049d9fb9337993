package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the instrumentation for a running client. All
// methods are safe on a nil receiver so callers never have to guard for
// disabled metrics.
type Collector struct {
	registry *prometheus.Registry

	positions      prometheus.Counter
	nodes          prometheus.Counter
	jobs           *prometheus.CounterVec
	jobSeconds     *prometheus.HistogramVec
	engineRestarts prometheus.Counter
	engineFailures *prometheus.CounterVec
	reportRetries  prometheus.Counter
	workerStates   *prometheus.GaugeVec
}

// NewCollector builds a collector with its own registry, so several can
// coexist in one process.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		positions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fishnet_positions_total",
			Help: "Positions searched.",
		}),
		nodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fishnet_nodes_total",
			Help: "Engine nodes crunched.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishnet_jobs_total",
			Help: "Jobs by type and outcome.",
		}, []string{"type", "outcome"}),
		jobSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fishnet_job_duration_seconds",
			Help:    "Wall time per completed job.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"type"}),
		engineRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fishnet_engine_restarts_total",
			Help: "Engine processes restarted mid job.",
		}),
		engineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fishnet_engine_failures_total",
			Help: "Engine failures by reason.",
		}, []string{"reason"}),
		reportRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fishnet_report_retries_total",
			Help: "Result deliveries that needed another attempt.",
		}),
		workerStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fishnet_workers",
			Help: "Workers by state.",
		}, []string{"state"}),
	}

	c.registry.MustRegister(
		c.positions,
		c.nodes,
		c.jobs,
		c.jobSeconds,
		c.engineRestarts,
		c.engineFailures,
		c.reportRetries,
		c.workerStates,
	)
	return c
}

// Handler serves the collector in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordPosition counts one searched position and its nodes.
func (c *Collector) RecordPosition(nodes int64) {
	if c == nil {
		return
	}
	c.positions.Inc()
	if nodes > 0 {
		c.nodes.Add(float64(nodes))
	}
}

// RecordJob counts a finished job and, for completed ones, its duration.
func (c *Collector) RecordJob(jobType, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(jobType, outcome).Inc()
	if outcome == "completed" {
		c.jobSeconds.WithLabelValues(jobType).Observe(elapsed.Seconds())
	}
}

// RecordEngineRestart counts a restart forced by a failure of the given
// reason.
func (c *Collector) RecordEngineRestart(reason string) {
	if c == nil {
		return
	}
	c.engineRestarts.Inc()
	c.engineFailures.WithLabelValues(reason).Inc()
}

// RecordEngineFailure counts a failure that did not lead to a restart.
func (c *Collector) RecordEngineFailure(reason string) {
	if c == nil {
		return
	}
	c.engineFailures.WithLabelValues(reason).Inc()
}

// RecordReportRetry counts one extra delivery attempt.
func (c *Collector) RecordReportRetry() {
	if c == nil {
		return
	}
	c.reportRetries.Inc()
}

// WorkerStateChanged moves one worker between state buckets. An empty
// from skips the decrement, for a worker entering its first state.
func (c *Collector) WorkerStateChanged(from, to string) {
	if c == nil {
		return
	}
	if from != "" {
		c.workerStates.WithLabelValues(from).Dec()
	}
	c.workerStates.WithLabelValues(to).Inc()
}
