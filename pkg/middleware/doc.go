/*
Package middleware assembles a middlewared process from its components.

New builds every component from a *config.Config and registers the RPC
services that expose them. Start prepares the database, opens the
listeners and starts the background workers; Shutdown stops everything in
reverse order.

# Architecture

	┌──────────────────────── MIDDLEWARED ─────────────────────────┐
	│                                                                │
	│   api.Server (websocket, REST, /health, /metrics)              │
	│   api.GRPCServer (health probe for the HA peer)                │
	│                 │                                              │
	│                 ▼                                              │
	│   rpc.Dispatcher ──► auth.RoleManager, audit.Auditor           │
	│        │    └──────► jobs.Manager                              │
	│        ▼                                                       │
	│   services: core auth datastore cache failover system          │
	│             audit alert dlm                                    │
	│        │                                                       │
	│        ▼                                                       │
	│   datastore.Engine ──post-write hook──► hajournal.Queue        │
	│   cache.Cache (volatile + bbolt)          │                    │
	│   system.State (license watcher)          ▼                    │
	│   alert.Manager            hajournal.Syncer ──► peer           │
	│   dlm.Manager ◄── udev.dlm hook                                │
	└────────────────────────────────────────────────────────────────┘

# Services

	core       get_jobs, job_wait, job_abort, get_methods, get_events, ping
	auth       login, login_with_token, generate_token, me, logout
	datastore  query, insert, update, delete, sql            (private)
	cache      put, get, has_key, pop, get_timeout           (private)
	failover   status, peer_state, journal_status, journal_drop,
	           send_database; set_status and the receive_database
	           methods are private
	system     version, ready, boot_id, product_type, info, license_update
	audit      query
	alert      list, classes, dismiss, restore; oneshot_* are private
	dlm        every method is private (see package dlm)

Private methods are callable by middlewared itself and by a session logged
in with the configured HA peer account.

# Workers

Start runs the HTTP and gRPC listeners, the license watcher, the API token
cleanup and, when HA is enabled, the journal syncer in one errgroup. The
cache janitor and the metrics collector run on their own tickers. The node
reports ready, and the gRPC health service SERVING, once all of them are
running.

# Shutdown

Shutdown flags the system as shutting down, stops the listeners, aborts
pending jobs, cancels the workers, waits for deferred hooks and finally
closes the event bus and both stores.
*/
package middleware
