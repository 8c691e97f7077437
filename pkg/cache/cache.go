package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/cuemby/middlewared/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Kind selects the cache tier. The two tiers have disjoint key spaces.
type Kind string

const (
	Volatile   Kind = "VOLATILE"
	Persistent Kind = "PERSISTENT"
)

type entry struct {
	value     any
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Cache is a two-tier keyed cache with per-key timeouts.
type Cache struct {
	mu         sync.Mutex
	volatile   map[string]entry
	persistent storage.Store
	now        func() time.Time
	logger     zerolog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a cache whose PERSISTENT tier is backed by store. With a nil
// store only the VOLATILE tier is available.
func New(store storage.Store) *Cache {
	return &Cache{
		volatile:   make(map[string]entry),
		persistent: store,
		now:        time.Now,
		logger:     log.WithComponent("cache"),
		stopCh:     make(chan struct{}),
	}
}

func (c *Cache) checkKind(kind Kind) error {
	switch kind {
	case Volatile:
		return nil
	case Persistent:
		if c.persistent == nil {
			return apierr.New(int(unix.ENOTSUP), "persistent cache is not configured")
		}
		return nil
	default:
		return apierr.New(int(unix.EINVAL), "invalid cache kind %q", kind)
	}
}

func (c *Cache) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return c.now().Add(timeout)
}

// Put stores value under key. A zero timeout never expires.
//
// PERSISTENT values are stored as JSON. Numbers, strings and bools come
// back with the Go type they were put with; maps, slices and structs come
// back in their JSON form (map[string]any, []any, float64 numbers).
func (c *Cache) Put(key string, value any, timeout time.Duration, kind Kind) error {
	if err := c.checkKind(kind); err != nil {
		return err
	}
	expires := c.deadline(timeout)

	if kind == Volatile {
		c.mu.Lock()
		c.volatile[key] = entry{value: value, expiresAt: expires}
		c.mu.Unlock()
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	e := storage.Entry{Value: data, Type: scalarType(value)}
	if !expires.IsZero() {
		e.ExpiresAt = expires.UnixNano()
	}
	if err := c.persistent.Put(key, e); err != nil {
		return fmt.Errorf("failed to store cache value: %w", err)
	}
	return nil
}

func (c *Cache) lookup(key string, kind Kind) (entry, bool, error) {
	now := c.now()
	if kind == Volatile {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.volatile[key]
		if ok && e.expired(now) {
			delete(c.volatile, key)
			ok = false
		}
		return e, ok, nil
	}

	se, ok, err := c.persistent.Get(key)
	if err != nil || !ok {
		return entry{}, false, err
	}
	e := entry{}
	if se.ExpiresAt != 0 {
		e.expiresAt = time.Unix(0, se.ExpiresAt)
	}
	if e.expired(now) {
		if _, err := c.persistent.Delete(key); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("Failed to remove expired entry")
		}
		return entry{}, false, nil
	}
	v, err := decodeValue(se.Value, se.Type)
	if err != nil {
		return entry{}, false, fmt.Errorf("failed to decode cache value: %w", err)
	}
	e.value = v
	return e, true, nil
}

var scalarDecoders = map[string]func([]byte) (any, error){
	"int":     decodeAs[int],
	"int8":    decodeAs[int8],
	"int16":   decodeAs[int16],
	"int32":   decodeAs[int32],
	"int64":   decodeAs[int64],
	"uint":    decodeAs[uint],
	"uint8":   decodeAs[uint8],
	"uint16":  decodeAs[uint16],
	"uint32":  decodeAs[uint32],
	"uint64":  decodeAs[uint64],
	"float32": decodeAs[float32],
	"float64": decodeAs[float64],
	"string":  decodeAs[string],
	"bool":    decodeAs[bool],
}

// scalarType returns the decoder name for value, or "" when it decodes
// as plain JSON.
func scalarType(value any) string {
	if value == nil {
		return ""
	}
	name := reflect.TypeOf(value).String()
	if _, ok := scalarDecoders[name]; ok {
		return name
	}
	return ""
}

func decodeValue(data []byte, typ string) (any, error) {
	if dec, ok := scalarDecoders[typ]; ok {
		return dec(data)
	}
	var v any
	err := json.Unmarshal(data, &v)
	return v, err
}

func decodeAs[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the value for key. Missing and expired keys fail with
// NotFound.
func (c *Cache) Get(key string, kind Kind) (any, error) {
	if err := c.checkKind(kind); err != nil {
		return nil, err
	}
	e, ok, err := c.lookup(key, kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(string(kind)).Inc()
		return nil, apierr.NotFound(fmt.Sprintf("cache key %q", key))
	}
	metrics.CacheHits.WithLabelValues(string(kind)).Inc()
	return e.value, nil
}

// HasKey reports whether key is present and not expired.
func (c *Cache) HasKey(key string, kind Kind) bool {
	if c.checkKind(kind) != nil {
		return false
	}
	_, ok, err := c.lookup(key, kind)
	return err == nil && ok
}

// Pop removes key and returns its value.
func (c *Cache) Pop(key string, kind Kind) (any, error) {
	v, err := c.Get(key, kind)
	if err != nil {
		return nil, err
	}
	if kind == Volatile {
		c.mu.Lock()
		delete(c.volatile, key)
		c.mu.Unlock()
		return v, nil
	}
	if _, err := c.persistent.Delete(key); err != nil {
		return nil, fmt.Errorf("failed to remove cache value: %w", err)
	}
	return v, nil
}

// GetTimeout returns the time left before key expires, or 0 for a key
// that never expires.
func (c *Cache) GetTimeout(key string, kind Kind) (time.Duration, error) {
	if err := c.checkKind(kind); err != nil {
		return 0, err
	}
	e, ok, err := c.lookup(key, kind)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, apierr.NotFound(fmt.Sprintf("cache key %q", key))
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(c.now()), nil
}

// GetOrSet returns the cached value for key, computing and storing it with
// fn on a miss.
func (c *Cache) GetOrSet(key string, timeout time.Duration, kind Kind, fn func() (any, error)) (any, error) {
	if v, err := c.Get(key, kind); err == nil {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return nil, err
	}
	if err := c.Put(key, v, timeout, kind); err != nil {
		return nil, err
	}
	return v, nil
}

// Purge removes expired entries from both tiers.
func (c *Cache) Purge() int {
	now := c.now()

	c.mu.Lock()
	removed := 0
	for k, e := range c.volatile {
		if e.expired(now) {
			delete(c.volatile, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.persistent == nil {
		return removed
	}
	n, err := c.persistent.DeleteExpired(now.UnixNano())
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to purge persistent cache")
	}
	return removed + n
}

// Sizes returns the number of entries per tier.
func (c *Cache) Sizes() map[string]int {
	c.mu.Lock()
	v := len(c.volatile)
	c.mu.Unlock()

	p := 0
	if c.persistent != nil {
		var err error
		if p, err = c.persistent.Len(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to count persistent cache")
		}
	}
	return map[string]int{string(Volatile): v, string(Persistent): p}
}

// StartJanitor purges expired entries every interval until Stop.
func (c *Cache) StartJanitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := c.Purge(); n > 0 {
					c.logger.Debug().Int("removed", n).Msg("Purged expired cache entries")
				}
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the janitor.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
