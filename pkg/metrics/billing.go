package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics records scheduler job and charge outcome metadata.
type BillingMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	charges  *prometheus.CounterVec
}

// NewBillingMetrics registers the billing metrics on the provided registerer.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_job_duration_seconds",
		Help:    "Duration of scheduler jobs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_job_success",
		Help: "Successful scheduler job executions.",
	}, []string{"job"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_job_failure",
		Help: "Failed scheduler job executions.",
	}, []string{"job"})
	charges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_charge_outcomes_total",
		Help: "Recurring charge outcomes by result.",
	}, []string{"outcome"})
	reg.MustRegister(duration, success, failure, charges)
	return &BillingMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		charges:  charges,
	}
}

// ObserveDuration records the runtime of one job execution.
func (m *BillingMetrics) ObserveDuration(job string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncSuccess counts a successful job run.
func (m *BillingMetrics) IncSuccess(job string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(job).Inc()
}

// IncFailure counts a failed job run.
func (m *BillingMetrics) IncFailure(job string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(job).Inc()
}

// IncChargeOutcome counts one charge result (succeeded, declined, transient, exhausted).
func (m *BillingMetrics) IncChargeOutcome(outcome string) {
	if m == nil || m.charges == nil {
		return
	}
	m.charges.WithLabelValues(outcome).Inc()
}
