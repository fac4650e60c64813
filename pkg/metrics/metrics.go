package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TenantsTotal is the total number of tenants known to the control plane.
	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "microclaw_tenants_total",
			Help: "Total number of tenants",
		},
	)

	// TenantsByStatus tracks tenants by lifecycle status.
	TenantsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microclaw_tenants_by_status",
			Help: "Number of tenants by status",
		},
		[]string{"status"},
	)

	ProvisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmctl_tenant_provision_duration_seconds",
			Help:    "Time taken to provision a tenant microVM",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "microvmctl_tenant_provision_failures_total",
			Help: "Total number of tenant provisioning failures",
		},
	)

	LifecycleOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microvmctl_tenant_lifecycle_op_duration_seconds",
			Help:    "Time taken by tenant lifecycle operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	HypervisorAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microvmctl_hypervisor_api_duration_seconds",
			Help:    "Time taken by hypervisor control-socket API calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microvmctl_proxy_requests_total",
			Help: "Total number of tenant-routed proxy requests by result",
		},
		[]string{"result"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microvmctl_reconciliation_duration_seconds",
			Help:    "Time taken by the startup reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// TenantStatuses lists every lifecycle status the by-status gauge
// tracks, so a status with zero tenants reports 0 rather than leaving a
// stale nonzero value from before its last tenant left that state.
var TenantStatuses = []string{"Creating", "Running", "Stopped", "Paused", "Failed"}

// SetTenantCounts sets TenantsByStatus and TenantsTotal from a fresh
// status -> count tally, so the two are always recomputed together and
// can never drift out of sync.
func SetTenantCounts(counts map[string]int) {
	total := 0
	for _, status := range TenantStatuses {
		n := counts[status]
		TenantsByStatus.WithLabelValues(status).Set(float64(n))
		total += n
	}
	TenantsTotal.Set(float64(total))
}

func init() {
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(TenantsByStatus)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionFailuresTotal)
	prometheus.MustRegister(LifecycleOpDuration)
	prometheus.MustRegister(HypervisorAPIDuration)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ReconciliationDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
