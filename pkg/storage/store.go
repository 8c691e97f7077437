package storage

import "encoding/json"

// Entry is a stored cache value with its expiry.
type Entry struct {
	Value json.RawMessage `json:"value"`
	// ExpiresAt is a Unix timestamp in nanoseconds, or 0 for never.
	ExpiresAt int64 `json:"expires_at"`
	// Type names the Go type of a scalar Value so it can be restored.
	Type string `json:"type,omitempty"`
}

// Store defines the interface for durable key-value storage.
type Store interface {
	Put(key string, entry Entry) error
	// Get returns the entry and whether it exists.
	Get(key string) (Entry, bool, error)
	// Delete removes a key and reports whether it existed.
	Delete(key string) (bool, error)
	// ForEach visits every entry; returning an error stops the walk.
	ForEach(fn func(key string, entry Entry) error) error
	// DeleteExpired removes every entry that expired at or before now
	// (Unix nanoseconds) and returns how many were removed.
	DeleteExpired(now int64) (int, error)
	Len() (int, error)
	Close() error
}
