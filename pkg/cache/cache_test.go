package cache

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := storage.NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), path
}

func TestVolatileExpiry(t *testing.T) {
	c, _ := newCache(t)

	require.NoError(t, c.Put("k", "v", time.Second, Volatile))
	v, err := c.Get("k", Volatile)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.True(t, c.HasKey("k", Volatile))

	time.Sleep(1500 * time.Millisecond)

	_, err = c.Get("k", Volatile)
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
	assert.False(t, c.HasKey("k", Volatile))
}

func TestExpiryWithFakeClock(t *testing.T) {
	tests := []struct {
		kind Kind
	}{
		{Volatile},
		{Persistent},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c, _ := newCache(t)
			now := time.Unix(1_700_000_000, 0)
			c.now = func() time.Time { return now }

			require.NoError(t, c.Put("session", "abc", 10*time.Second, tt.kind))
			left, err := c.GetTimeout("session", tt.kind)
			require.NoError(t, err)
			assert.Equal(t, 10*time.Second, left)

			now = now.Add(10 * time.Second)
			assert.False(t, c.HasKey("session", tt.kind))
		})
	}
}

func TestKindsAreDisjoint(t *testing.T) {
	c, _ := newCache(t)

	require.NoError(t, c.Put("k", "a", 0, Volatile))
	require.NoError(t, c.Put("k", "b", 0, Persistent))

	a, err := c.Get("k", Volatile)
	require.NoError(t, err)
	b, err := c.Get("k", Persistent)
	require.NoError(t, err)
	assert.Equal(t, "a", a)
	assert.Equal(t, "b", b)
}

func TestPersistentValuesKeepScalarTypes(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  any
	}{
		{"int64", int64(7), int64(7)},
		{"int", 3, 3},
		{"uint32", uint32(9), uint32(9)},
		{"float64", 2.5, 2.5},
		{"string", "tank", "tank"},
		{"bool", true, true},
		{"map", map[string]any{"id": 1}, map[string]any{"id": float64(1)}},
		{"slice", []int{1, 2}, []any{float64(1), float64(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newCache(t)
			require.NoError(t, c.Put("k", tt.value, 0, Persistent))
			got, err := c.Get("k", Persistent)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	c, _ := newCache(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put("k", 1, 0, Volatile))
	now = now.Add(24 * 365 * time.Hour)
	assert.True(t, c.HasKey("k", Volatile))

	left, err := c.GetTimeout("k", Volatile)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestPersistentSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := storage.NewBoltStore(path)
	require.NoError(t, err)
	c := New(store)
	require.NoError(t, c.Put("users", map[string]any{"count": 3}, 0, Persistent))
	require.NoError(t, store.Close())

	store, err = storage.NewBoltStore(path)
	require.NoError(t, err)
	defer store.Close()
	c = New(store)

	v, err := c.Get("users", Persistent)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": float64(3)}, v)
	assert.False(t, c.HasKey("users", Volatile))
}

func TestPop(t *testing.T) {
	for _, kind := range []Kind{Volatile, Persistent} {
		t.Run(string(kind), func(t *testing.T) {
			c, _ := newCache(t)
			require.NoError(t, c.Put("k", "v", 0, kind))

			v, err := c.Pop("k", kind)
			require.NoError(t, err)
			assert.Equal(t, "v", v)

			_, err = c.Pop("k", kind)
			assert.True(t, errors.Is(err, apierr.ErrNotFound))
		})
	}
}

func TestInvalidKind(t *testing.T) {
	c, _ := newCache(t)
	assert.Error(t, c.Put("k", 1, 0, "BOGUS"))
	_, err := c.Get("k", "BOGUS")
	assert.Error(t, err)
	assert.False(t, c.HasKey("k", "BOGUS"))
}

func TestPurgeAndSizes(t *testing.T) {
	c, _ := newCache(t)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put("a", 1, time.Second, Volatile))
	require.NoError(t, c.Put("b", 1, 0, Volatile))
	require.NoError(t, c.Put("c", 1, time.Second, Persistent))
	assert.Equal(t, map[string]int{"VOLATILE": 2, "PERSISTENT": 1}, c.Sizes())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, map[string]int{"VOLATILE": 1, "PERSISTENT": 0}, c.Sizes())
}

func TestGetOrSet(t *testing.T) {
	c, _ := newCache(t)
	calls := 0
	fn := func() (any, error) {
		calls++
		return "computed", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet("memo", time.Minute, Volatile, fn)
		require.NoError(t, err)
		assert.Equal(t, "computed", v)
	}
	assert.Equal(t, 1, calls)
}
