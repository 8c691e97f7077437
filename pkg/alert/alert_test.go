package alert

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneshotCreateDeduplicates(t *testing.T) {
	m := NewManager(nil, "A")

	first, err := m.OneshotCreate("DLMFailure", map[string]any{"operation": "join", "error": "EIO"})
	require.NoError(t, err)
	second, err := m.OneshotCreate("DLMFailure", map[string]any{"operation": "join", "error": "EIO"})
	require.NoError(t, err)

	assert.Equal(t, first.UUID, second.UUID)
	assert.Len(t, m.List(), 1)
	assert.Equal(t, "DLM operation join failed: EIO.", first.Formatted)
	assert.Equal(t, "A", first.Node)
}

func TestOneshotCreateUnknownClass(t *testing.T) {
	m := NewManager(nil, "")
	_, err := m.OneshotCreate("NoSuchClass", nil)
	assert.True(t, errors.Is(err, apierr.ErrNotFound))
}

func TestOneshotDelete(t *testing.T) {
	tests := []struct {
		name    string
		class   Class
		raise   []map[string]any
		query   map[string]any
		removed int
	}{
		{
			name:    "empty keys clear the whole class",
			class:   Class{Name: "All", Keys: []string{}},
			raise:   []map[string]any{{"a": 1}, {"a": 2}},
			removed: 2,
		},
		{
			name:    "selected keys",
			class:   Class{Name: "ByID", Keys: []string{"id"}},
			raise:   []map[string]any{{"id": 1, "n": "x"}, {"id": 2, "n": "y"}},
			query:   map[string]any{"id": 1},
			removed: 1,
		},
		{
			name:    "nil keys compare all args",
			class:   Class{Name: "Exact"},
			raise:   []map[string]any{{"id": 1, "n": "x"}, {"id": 1, "n": "y"}},
			query:   map[string]any{"id": 1, "n": "y"},
			removed: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil, "")
			require.NoError(t, m.RegisterClass(tt.class))
			for _, args := range tt.raise {
				_, err := m.OneshotCreate(tt.class.Name, args)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.removed, m.OneshotDelete(tt.class.Name, tt.query))
			assert.Len(t, m.List(), len(tt.raise)-tt.removed)
		})
	}
}

func TestListOrdersBySeverity(t *testing.T) {
	m := NewManager(nil, "")
	_, err := m.OneshotCreate("UnableToDetermineOSVersion", map[string]any{"error": "timeout"})
	require.NoError(t, err)
	_, err = m.OneshotCreate("FailoverSyncFailed", map[string]any{"error": "refused"})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "FailoverSyncFailed", list[0].Klass)
	assert.True(t, m.Has("UnableToDetermineOSVersion"))
}

func TestDismissAndEvents(t *testing.T) {
	bus := events.NewBroker()
	defer bus.Stop()
	m := NewManager(bus, "")

	var mu sync.Mutex
	var types []events.EventType
	bus.Subscribe(EventName, func(e *events.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})

	a, err := m.OneshotCreate("FailoverSyncFailed", map[string]any{"error": "x"})
	require.NoError(t, err)
	require.NoError(t, m.Dismiss(a.UUID))
	assert.True(t, m.List()[0].Dismissed)
	require.NoError(t, m.Restore(a.UUID))
	m.OneshotDelete("FailoverSyncFailed", nil)
	assert.Error(t, m.Dismiss(a.UUID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.EventType{events.Added, events.Changed, events.Changed, events.Removed}, types)
}
