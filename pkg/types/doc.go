/*
Package types defines the data model shared across the control plane:
tenants, their tiers and lifecycle status, and the sentinel errors
every other package returns and the control API maps to HTTP status
codes.

A Tenant is one logical customer: one microVM, one /30 subnet, one
data volume. Tier is a fixed resource-cap class (free/pro/team/
enterprise) looked up in TierResources; Status tracks where the
tenant's VM is in its lifecycle (Creating, Running, Paused, Stopped,
Failed).
*/
package types
