// Package ingress implements the tenant-routed reverse proxy: HTTP
// middleware that inspects the x-tenant-id header on an inbound request
// and, when present, forwards the request to that tenant's guest
// workload instead of letting it reach the control API.
package ingress

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
)

const tenantHeader = "x-tenant-id"

// GuestPort is the fixed port every tenant guest's workload listens on.
const GuestPort = 8080

// TenantLookup resolves a tenant id to its VM IP. It is satisfied by
// tenant.Manager.VMIPFor, which returns the single field the router needs.
type TenantLookup interface {
	VMIPFor(tenantID string) (vmIP string, ok bool)
}

// Router is HTTP middleware mounted ahead of the control API. Requests
// carrying an x-tenant-id header are forwarded to that tenant's guest
// at <vm_ip>:8080; everything else falls through to next.
type Router struct {
	lookup TenantLookup
	next   http.Handler
}

// New builds a Router that proxies tenant-addressed requests via lookup
// and passes everything else to next.
func New(lookup TenantLookup, next http.Handler) *Router {
	return &Router{lookup: lookup, next: next}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	tenantID := req.Header.Get(tenantHeader)
	if tenantID == "" {
		r.next.ServeHTTP(w, req)
		return
	}

	vmIP, ok := r.lookup.VMIPFor(tenantID)
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues("not_found").Inc()
		http.Error(w, `{"error":"tenant not found"}`, http.StatusNotFound)
		return
	}

	upstream := fmt.Sprintf("%s:%d", vmIP, GuestPort)
	target := &url.URL{Scheme: "http", Host: upstream}

	proxy := httputil.NewSingleHostReverseProxy(target)
	originalDirector := proxy.Director
	proxy.Director = func(out *http.Request) {
		originalDirector(out)
		out.Header.Del(tenantHeader)
		out.Host = upstream
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		metrics.ProxyRequestsTotal.WithLabelValues("error").Inc()
		log.Logger.Warn().Err(err).Str("tenant_id", tenantID).Str("upstream", upstream).
			Msg("tenant proxy forward failed")
		http.Error(w, fmt.Sprintf(`{"error":"upstream unreachable: %v"}`, err), http.StatusBadGateway)
	}

	metrics.ProxyRequestsTotal.WithLabelValues("forwarded").Inc()
	proxy.ServeHTTP(w, req)
}

// ValidateHeader reports whether the raw x-tenant-id header value on
// req is well-formed UTF-8. net/http already rejects invalid header
// bytes at the wire level for most transports, but a defensive check
// here keeps the 400-on-bad-header contract explicit and testable
// independent of the transport's own leniency.
func ValidateHeader(req *http.Request) bool {
	v := req.Header.Get(tenantHeader)
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return isValidUTF8(v)
		}
	}
	return true
}

func isValidUTF8(s string) bool {
	for i := 0; i < len(s); {
		r := s[i]
		switch {
		case r < 0x80:
			i++
		case r&0xE0 == 0xC0:
			if i+1 >= len(s) || s[i+1]&0xC0 != 0x80 {
				return false
			}
			i += 2
		case r&0xF0 == 0xE0:
			if i+2 >= len(s) || s[i+1]&0xC0 != 0x80 || s[i+2]&0xC0 != 0x80 {
				return false
			}
			i += 3
		case r&0xF8 == 0xF0:
			if i+3 >= len(s) || s[i+1]&0xC0 != 0x80 || s[i+2]&0xC0 != 0x80 || s[i+3]&0xC0 != 0x80 {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

// Middleware wraps New so it can be chained with chi's middleware
// signature (func(http.Handler) http.Handler) when mounted on a router.
func Middleware(lookup TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		router := New(lookup, next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get(tenantHeader) != "" && !ValidateHeader(req) {
				http.Error(w, `{"error":"invalid x-tenant-id header"}`, http.StatusBadRequest)
				return
			}
			router.ServeHTTP(w, req)
		})
	}
}
