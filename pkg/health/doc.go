// Package health provides a small Checker abstraction for probing a
// tenant's guest workload from the control plane.
//
// The control plane only probes one thing today — the guest's HTTP
// health endpoint at vm_ip:8080/health. TenantManager.CheckHealth
// builds an HTTPChecker directly; HTTPChecker is the only Checker
// implementation in this package.
package health
