/*
Package storage provides the BoltDB-backed key-value store behind the
persistent cache.

The store is a single bbolt file (<state_dir>/cache.db) with one "cache"
bucket. Values are JSON-encoded Entry records carrying the payload and an
absolute expiry in Unix nanoseconds (0 means never). Expiry is not enforced
here: the cache package checks it on read and calls DeleteExpired from its
janitor.

	┌──────────── <state_dir>/cache.db ────────────┐
	│ bucket "cache"                               │
	│   key ─► {"value": <json>, "expires_at": n}  │
	└──────────────────────────────────────────────┘

Reads use db.View and may run concurrently; writes use db.Update and are
serialized by bbolt. The file survives restarts, which is the whole point
of the PERSISTENT cache kind.
*/
package storage
