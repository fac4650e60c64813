/*
Package api implements the control plane's HTTP control API: tenant
lifecycle management over a plain JSON/REST surface, mounted alongside
the tenant-routed reverse proxy from pkg/ingress.

# Architecture

A single chi router handles every inbound request on the control
plane's listener. ingress.Middleware runs first: requests carrying an
x-tenant-id header are forwarded straight to that tenant's guest and
never reach the routes below. Everything else is a control-plane
operation:

	GET    /health                      liveness + component health
	GET    /ready                       readiness (critical deps up)
	GET    /live                        bare process liveness
	GET    /metrics                     Prometheus scrape endpoint

	POST   /api/v1/tenants              provision a tenant
	GET    /api/v1/tenants              list tenants
	GET    /api/v1/tenants/{id}         get a tenant
	DELETE /api/v1/tenants/{id}         deprovision a tenant
	POST   /api/v1/tenants/{id}/start
	POST   /api/v1/tenants/{id}/stop
	POST   /api/v1/tenants/{id}/pause
	POST   /api/v1/tenants/{id}/resume
	POST   /api/v1/tenants/{id}/snapshot
	PUT    /api/v1/tenants/{id}/env
	GET    /api/v1/tenants/{id}/health

	POST   /api/v1/debug/tenants        register a tenant record directly

Responses are JSON; errors are always `{"error": "..."}` with the HTTP
status mapped from the domain error returned by tenant.Manager
(ErrNotFound -> 404, ErrDuplicate/ErrInvalidState -> 409,
ErrPoolExhausted/ErrInsufficientDisk -> 503, anything else -> 500).

There is no authentication layer here: tenant authentication, if any,
is assumed to be handled by whatever sits in front of this control
plane.
*/
package api
