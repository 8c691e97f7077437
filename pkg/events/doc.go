/*
Package events provides the in-process event bus of middlewared.

Producers call Send (or Publish) with a dotted event name, a change type
(ADDED, CHANGED, REMOVED), an optional id and a field map. Consumers
Subscribe with a pattern and a handler:

	sub := broker.Subscribe("core.get_jobs", func(e *events.Event) {
		fmt.Println(e.ID, e.Fields["state"])
	})
	defer sub.Close()

Patterns are an exact name, a trailing wildcard ("alert.*") or "*" for
everything.

# Delivery model

	            Publish(e)
	                │  (RLock, never blocks)
	    ┌───────────┼──────────────┐
	    ▼           ▼              ▼
	 queue A     queue B        queue C      one unbounded FIFO per
	    │           │              │         subscription
	    ▼           ▼              ▼
	 goroutine   goroutine      goroutine    handler calls are
	 handler A   handler B      handler C    sequential per subscription

Publishing appends to each matching subscription's queue and wakes its
goroutine, so a slow handler only delays its own subscription. Events for
one subscription are delivered in send order; there is no ordering across
subscriptions. A handler panic is logged and delivery continues.

Events are not persisted. Register records a name and description purely for
introspection (core.get_events).
*/
package events
