/*
Package metrics provides Prometheus metrics collection and exposition for
microvmctl.

It registers the control plane's gauges/counters/histograms against the
default Prometheus registry at init time and exposes them via an HTTP
handler for scraping, plus a small component-health aggregator used by
the control API's liveness endpoint.

# Metrics

	microclaw_tenants_total                         gauge
	microclaw_tenants_by_status{status}              gauge
	microvmctl_tenant_provision_duration_seconds     histogram
	microvmctl_tenant_provision_failures_total       counter
	microvmctl_tenant_lifecycle_op_duration_seconds{op}   histogram
	microvmctl_hypervisor_api_duration_seconds{path} histogram
	microvmctl_proxy_requests_total{result}          counter
	microvmctl_reconciliation_duration_seconds       histogram

Callers time an operation with NewTimer and report it against a specific
histogram with ObserveDuration/ObserveDurationVec when the operation
completes, win or lose.
*/
package metrics
