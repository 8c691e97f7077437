/*
Package cache implements the two-tier keyed cache.

	Kind        Backing                         Survives restart
	──────────  ──────────────────────────────  ────────────────
	VOLATILE    map[string]entry (in memory)    no
	PERSISTENT  storage.Store (bbolt file)      yes

The tiers have separate key spaces: the same key can hold different
values in each. Every entry carries an absolute deadline derived from the
timeout given to Put; a zero timeout never expires. Expired entries are
treated as missing by Get, HasKey, Pop and GetTimeout and are removed
lazily on access or by the janitor started with StartJanitor.

PERSISTENT values are stored as JSON, so what comes back from Get is the
JSON decoding of what was put (numbers become float64, structs become
maps). VOLATILE values are returned as stored.

Authentication sessions, directory-service enumerations and memoised RPC
results are the main users.
*/
package cache
