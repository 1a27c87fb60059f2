// Package metrics provides Prometheus metrics for monitoring the session
// orchestrator, billing meter, and provider integrations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestDuration tracks HTTP request latency by endpoint
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuburst_http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts HTTP requests by endpoint
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuburst_http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsByStatus tracks the number of sessions in each status
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuburst_sessions",
			Help: "Current number of sessions by status",
		},
		[]string{"status"},
	)

	// SessionsCreated counts sessions that reached the ready state
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuburst_sessions_created_total",
			Help: "Total number of sessions provisioned by provider",
		},
		[]string{"provider"},
	)

	// SessionsTerminated counts terminated sessions by provider and reason
	SessionsTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuburst_sessions_terminated_total",
			Help: "Total number of sessions terminated by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// ProvisionFailures counts failed provision attempts by provider
	ProvisionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpuburst_provision_failures_total",
			Help: "Total number of failed provision attempts by provider",
		},
		[]string{"provider"},
	)

	// BillingTicks counts successful per-minute billing ticks
	BillingTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuburst_billing_ticks_total",
			Help: "Total number of billing ticks applied",
		},
	)

	// BillingTickFailures counts billing ticks that failed to persist
	BillingTickFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuburst_billing_tick_failures_total",
			Help: "Total number of billing ticks that failed to persist",
		},
	)

	// RevenueCents tracks settled revenue from final billing events
	RevenueCents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuburst_revenue_cents_total",
			Help: "Total settled revenue in cents",
		},
	)

	// ZombiesReaped counts sessions terminated by the zombie reaper
	ZombiesReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpuburst_zombies_reaped_total",
			Help: "Total number of stale sessions terminated by the reaper",
		},
	)

	// ProviderHealth tracks provider health (1 = healthy, 0 = unhealthy)
	ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpuburst_provider_healthy",
			Help: "Provider health status (1=healthy, 0=unhealthy)",
		},
		[]string{"provider"},
	)

	// ProvisioningDuration tracks how long provisioning takes
	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpuburst_provisioning_duration_seconds",
			Help:    "Duration of session provisioning by provider",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"provider"},
	)
)

// Helper functions for common metric operations

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSessionCreated increments the session created counter
func RecordSessionCreated(provider string) {
	SessionsCreated.WithLabelValues(provider).Inc()
}

// RecordSessionTerminated increments the session terminated counter
func RecordSessionTerminated(provider, reason string) {
	SessionsTerminated.WithLabelValues(provider, reason).Inc()
}

// RecordProvisionFailure increments the provision failure counter
func RecordProvisionFailure(provider string) {
	ProvisionFailures.WithLabelValues(provider).Inc()
}

// UpdateSessionStatus moves a session between status buckets in the gauge
func UpdateSessionStatus(oldStatus, newStatus string) {
	if oldStatus != "" {
		SessionsByStatus.WithLabelValues(oldStatus).Dec()
	}
	if newStatus != "" {
		SessionsByStatus.WithLabelValues(newStatus).Inc()
	}
}

// RecordBillingTick increments the billing tick counter
func RecordBillingTick() {
	BillingTicks.Inc()
}

// RecordBillingTickFailure increments the billing tick failure counter
func RecordBillingTickFailure() {
	BillingTickFailures.Inc()
}

// RecordRevenue adds settled revenue in cents
func RecordRevenue(cents int64) {
	if cents > 0 {
		RevenueCents.Add(float64(cents))
	}
}

// RecordZombieReaped increments the zombie reaper counter
func RecordZombieReaped() {
	ZombiesReaped.Inc()
}

// UpdateProviderHealth sets the provider health gauge
func UpdateProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealth.WithLabelValues(provider).Set(v)
}

// RecordProvisioningDuration records how long session provisioning took
func RecordProvisioningDuration(provider string, duration time.Duration) {
	ProvisioningDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
