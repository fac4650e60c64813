/*
Package ingress implements the control plane's tenant-routed reverse
proxy.

A single control-plane listener serves both the REST control API and
tenant workload traffic. Router sits in front of the API's chi mux: any
request carrying an x-tenant-id header is forwarded straight to that
tenant's guest at <vm_ip>:8080, bypassing the control API entirely;
requests without the header fall through unchanged.

This mirrors how the control plane's ancestor routed traffic by virtual
host, but trades DNS-based host routing, load balancing, and TLS
termination for a single explicit header, since tenant-addressed
traffic here never needs virtual hosts, multiple replicas, or
certificate management — each tenant is exactly one VM.
*/
package ingress
