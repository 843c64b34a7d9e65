package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var sessionStates = []string{"disconnected", "validating", "connected", "error"}

// Collector holds all Prometheus metrics for the console.
type Collector struct {
	sessionState        *prometheus.GaugeVec
	healthCheckDuration prometheus.Histogram
	healthCheckErrors   *prometheus.CounterVec
	sessionHealth       prometheus.Gauge
	pollDuration        *prometheus.HistogramVec
	pollResults         *prometheus.CounterVec
	jobUpdates          *prometheus.CounterVec
	streamFallbacks     *prometheus.CounterVec
	jobsActive          prometheus.Gauge
	jobsFinished        *prometheus.CounterVec
}

// New creates the metrics and registers them with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pldconsole_session_state",
				Help: "Current configuration session state (1 for the active state)",
			},
			[]string{"state"},
		),
		healthCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pldconsole_health_check_duration_seconds",
				Help:    "Duration of backend session status checks",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pldconsole_health_check_errors_total",
				Help: "Failed session status checks by reason",
			},
			[]string{"reason"},
		),
		sessionHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pldconsole_session_healthy",
				Help: "Health of the backend session (1=healthy, 0=unhealthy)",
			},
		),
		pollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pldconsole_monitor_poll_duration_seconds",
				Help:    "Duration of monitoring view fetches",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"view"},
		),
		pollResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pldconsole_monitor_polls_total",
				Help: "Monitoring view fetches by result",
			},
			[]string{"view", "result"},
		),
		jobUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pldconsole_job_updates_total",
				Help: "Job status updates applied, by delivery channel",
			},
			[]string{"channel"},
		),
		streamFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pldconsole_job_stream_fallbacks_total",
				Help: "Jobs that fell back from the event stream to polling",
			},
			[]string{"reason"},
		),
		jobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pldconsole_jobs_active",
				Help: "Jobs currently being synchronized",
			},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pldconsole_jobs_finished_total",
				Help: "Jobs that stopped synchronizing, by final status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		c.sessionState,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.sessionHealth,
		c.pollDuration,
		c.pollResults,
		c.jobUpdates,
		c.streamFallbacks,
		c.jobsActive,
		c.jobsFinished,
	)

	return c
}

// SetSessionState marks state as the active session state.
func (c *Collector) SetSessionState(state string) {
	for _, s := range sessionStates {
		val := 0.0
		if s == state {
			val = 1.0
		}
		c.sessionState.WithLabelValues(s).Set(val)
	}
}

// HealthCheckCompleted records one session status check.
func (c *Collector) HealthCheckCompleted(d time.Duration, healthy bool) {
	c.healthCheckDuration.Observe(d.Seconds())
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.sessionHealth.Set(val)
}

// HealthCheckError counts a failed status check.
func (c *Collector) HealthCheckError(reason string) {
	c.healthCheckErrors.WithLabelValues(reason).Inc()
}

// PollCompleted records one monitoring fetch.
func (c *Collector) PollCompleted(view string, d time.Duration, err error) {
	c.pollDuration.WithLabelValues(view).Observe(d.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.pollResults.WithLabelValues(view, result).Inc()
}

// RemoveView removes the metrics of a monitoring view.
func (c *Collector) RemoveView(view string) {
	c.pollDuration.DeleteLabelValues(view)
	c.pollResults.DeletePartialMatch(prometheus.Labels{"view": view})
}

// JobUpdate counts a status update received on channel ("stream" or "poll").
func (c *Collector) JobUpdate(channel string) {
	c.jobUpdates.WithLabelValues(channel).Inc()
}

// StreamFallback counts a job that switched to polling.
func (c *Collector) StreamFallback(reason string) {
	c.streamFallbacks.WithLabelValues(reason).Inc()
}

// JobStarted increments the active jobs gauge.
func (c *Collector) JobStarted() {
	c.jobsActive.Inc()
}

// JobFinished decrements the active jobs gauge and counts the final status.
func (c *Collector) JobFinished(status string) {
	c.jobsActive.Dec()
	c.jobsFinished.WithLabelValues(status).Inc()
}
