// Package jobmetrics instruments the asynq handlers: run counts by status, durations,
// per-item outcomes and the time of the last successful run for cron freshness alerts.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run statuses recorded on costing_jobs_total.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDropped = "dropped"
)

// Metrics holds the job collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	items       *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	now         func() time.Time
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer. Nil selects the process-wide default
// registerer, registering at most once.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker times one handler invocation.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m != nil && m.now != nil {
		t.start = m.now()
	}
	return t
}

// End records the run as success or failure and returns err unchanged.
func (t *Tracker) End(err error) error {
	if err != nil {
		t.finish(StatusFailure)
		return err
	}
	t.finish(StatusSuccess)
	return nil
}

// Drop records a run whose task was discarded without retry, such as a posting request
// that no longer exists. Dropped runs do not count as failures.
func (t *Tracker) Drop() {
	t.finish(StatusDropped)
}

func (t *Tracker) finish(status string) {
	if t == nil || t.metrics == nil || t.job == "" {
		return
	}
	m := t.metrics
	now := time.Now()
	if m.now != nil {
		now = m.now()
	}
	m.runs.WithLabelValues(t.job, status).Inc()
	m.duration.WithLabelValues(t.job).Observe(now.Sub(t.start).Seconds())
	switch status {
	case StatusFailure:
		m.failures.WithLabelValues(t.job).Inc()
	case StatusSuccess:
		m.lastSuccess.WithLabelValues(t.job).Set(float64(now.Unix()))
	}
}

// AddItems counts units of work by outcome, e.g. requests requeued by the sweep
// or rollups repaired by verification.
func (m *Metrics) AddItems(job, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.items.WithLabelValues(job, outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costing_jobs_total",
			Help: "Job runs by job and status (success, failure, dropped).",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costing_jobs_failures_total",
			Help: "Job runs that returned an error and will be retried or archived.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "costing_job_duration_seconds",
			Help:    "Handler wall time per job.",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"job"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "costing_job_items_total",
			Help: "Items handled by jobs grouped by outcome.",
		}, []string{"job", "outcome"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "costing_job_last_success_timestamp_seconds",
			Help: "Unix time of the most recent successful run per job.",
		}, []string{"job"}),
	}
	registerer.MustRegister(m.runs, m.failures, m.duration, m.items, m.lastSuccess)
	return m
}
