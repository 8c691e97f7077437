/*
Package hooks implements named extension points.

Components react to each other through hook slots instead of importing one
another. The HA journal, for example, registers an inline hook on
"datastore.post_execute_write" and the datastore never learns about HA.

# Inline and deferred hooks

	CallInline(ctx, slot, args...)          Call(ctx, slot, args...)
	──────────────────────────────          ─────────────────────────
	inline hooks only                       deferred hooks only
	caller's goroutine                      semaphore-bounded executor
	caller's locks still held               Sync hooks awaited,
	must not re-enter those locks           others fire-and-forget

Whether a hook is inline is part of its registration, not something the
caller decides. Failures are logged and counted; only hooks registered with
RaiseError return their error to the caller. Panics are recovered and
treated as failures.

# Identity

A hook is identified by (slot, ID). Register with an existing pair is a
no-op and Unregister of a missing pair returns false, so both operations
are idempotent.

# Blocking

Block(slots...) holds back Blockable deferred hooks until the returned
release function runs, which lets a caller finish a multi-step change
before listeners observe it.
*/
package hooks
