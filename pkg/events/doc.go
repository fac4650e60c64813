/*
Package events provides an in-memory event broker for tenant lifecycle
notifications.

The broker broadcasts tenant.created, tenant.status_changed,
tenant.deleted, tenant.snapshotted and tenant.recovered events to any
number of subscribers over buffered channels. It is topic-agnostic:
every event goes to every subscriber, and subscribers filter by Type
themselves.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			log.Info().Str("tenant_id", event.TenantID).Msg(event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventTenantCreated,
		TenantID: "acme",
		Message:  "tenant 'acme' created",
	})

# Delivery semantics

Publish puts events onto a 100-entry buffered channel and waits only
while that channel is full (or until Stop); a single broadcast
goroutine fans them out to each subscriber's own 50-entry channel. A subscriber whose channel is full skips the event
rather than stalling the broker — this is a best-effort notification
bus, not a durable log. Callers that need guaranteed delivery (billing,
audit) should persist state changes through the Store directly rather
than relying on an event subscription.

# Integration points

  - pkg/tenant publishes lifecycle events as TenantManager mutates state.
  - pkg/api can expose a /events stream for operators (not required by
    the current control surface).
  - pkg/metrics subscribers could count events by type; today the
    control plane counts directly at the call site instead.
*/
package events
