/*
Package datastore owns the SQLite configuration database.

# Architecture

	            ┌───────────────────────── Engine ─────────────────────────┐
	            │ generation (atomic)      pid (recorded by Setup)         │
	            │                                                          │
	 Execute ──►│ writeMu (sync.Mutex, non-reentrant)                      │
	            │   └─ writer *Conn ── exec ──► SQLite file                │
	 ExecuteWrite                                                          │
	   squirrel ─► ToSql ─► exec ─► CallInline("datastore.post_execute_   │
	            │                              write", sql, params)        │
	            │                     (lock still held)                    │
	            │                                                          │
	 Fetchall ─►│ readers chan *Conn (pool, no lock)                       │
	            └──────────────────────────────────────────────────────────┘

Every Conn remembers the generation it was opened at. Before each use it
compares that with the engine's current generation and reopens on a
mismatch. Setup and Swap bump the generation, so replacing the database
file (restore, receive from the HA peer) is transparent to every worker
that owns a connection.

# Writes

Execute runs raw SQL under the write lock and does not fire hooks; it is
used for node-local data such as audit records. ExecuteWrite takes a
squirrel statement, executes it and runs the inline post-write hooks while
still holding the lock. That ordering is what lets the HA journal record
statements in exactly the order SQLite committed them.

Because sync.Mutex is not reentrant, a hook that writes again would hang.
The context passed to hooks carries a marker and any write attempted with
it fails immediately with EDEADLK instead.

Writes from a process whose PID differs from the one that ran Setup fail
with EPERM (ForkedChildError).

# Setup

	1. bump generation, record PID
	2. PRAGMA foreign_key_check
	3. if violations: copy <db> to <db>.bak-<ts>, then for each row
	   DELETE FROM <table> WHERE rowid = <rowid>, appending each statement
	   to <dbdir>/fk-repair-<ts>.log
	4. VACUUM
	5. verify required tables, returning SchemaMismatch if any are missing

A schema mismatch is returned and logged; the engine keeps working.

# Helpers

Query, Insert, Update and Delete build squirrel statements from a table
name and column maps. Identifiers are checked against a strict pattern
because they can come from RPC callers.
*/
package datastore
