package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("idmap", Entry{Value: []byte(`{"uid":1000}`)}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	entry, found, err := s.Get("idmap")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"uid":1000}`, string(entry.Value))

	_, found, err = s.Get("missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltStoreDelete(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("k", Entry{Value: []byte(`1`)}))
	existed, err := s.Delete("k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete("k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestBoltStoreDeleteExpired(t *testing.T) {
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UnixNano()
	require.NoError(t, s.Put("forever", Entry{Value: []byte(`1`)}))
	require.NoError(t, s.Put("stale", Entry{Value: []byte(`2`), ExpiresAt: now - 1}))
	require.NoError(t, s.Put("fresh", Entry{Value: []byte(`3`), ExpiresAt: now + int64(time.Hour)}))

	removed, err := s.DeleteExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	var keys []string
	require.NoError(t, s.ForEach(func(k string, _ Entry) error {
		keys = append(keys, k)
		return nil
	}))
	assert.ElementsMatch(t, []string{"forever", "fresh"}, keys)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
