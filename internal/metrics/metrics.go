// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the scheduler's Prometheus collectors.
type Metrics struct {
	registry         prometheus.Registerer
	firesTotal       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	jobsLive         prometheus.Gauge
	locksTotal       *prometheus.CounterVec
	syncsTotal       *prometheus.CounterVec
}

// New registers and returns the scheduler metrics. A nil registerer uses
// the Prometheus default.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		firesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_fires_total",
				Help:      "Total number of schedule fires by outcome",
			},
			[]string{"outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_dispatch_duration_seconds",
				Help:      "Duration of task dispatches",
				Buckets:   []float64{.5, 1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		jobsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_jobs_live",
				Help:      "Number of schedules currently registered in the timer table",
			},
		),
		locksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_lock_acquisitions_total",
				Help:      "Distributed lock acquisition attempts by result",
			},
			[]string{"result"},
		),
		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_sync_passes_total",
				Help:      "Sync loop passes by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.firesTotal,
		m.dispatchDuration,
		m.jobsLive,
		m.locksTotal,
		m.syncsTotal,
	)

	return m
}

// RecordFire counts one schedule fire with its outcome.
func (m *Metrics) RecordFire(outcome string) {
	m.firesTotal.WithLabelValues(outcome).Inc()
}

// RecordDispatch observes one dispatch round-trip.
func (m *Metrics) RecordDispatch(status string, duration time.Duration) {
	m.dispatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// SetJobsLive sets the live timer count.
func (m *Metrics) SetJobsLive(count int) {
	m.jobsLive.Set(float64(count))
}

// RecordLock counts a lock acquisition attempt.
func (m *Metrics) RecordLock(result string) {
	m.locksTotal.WithLabelValues(result).Inc()
}

// RecordSync counts a sync loop pass.
func (m *Metrics) RecordSync(result string) {
	m.syncsTotal.WithLabelValues(result).Inc()
}
