package audit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuditor(t *testing.T, registry *hooks.Registry) (*Auditor, *events.Broker) {
	t.Helper()
	db, err := datastore.Open(datastore.Options{Path: filepath.Join(t.TempDir(), "freenas-v1.db")}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Setup(context.Background()))

	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	a := NewAuditor(db, bus)
	require.NoError(t, a.Setup(context.Background()))
	return a, bus
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{
			name: "flat",
			in:   map[string]any{"username": "bob", "password": "hunter2"},
			want: map[string]any{"username": "bob", "password": Redacted},
		},
		{
			name: "nested in list",
			in: []any{"ldap", map[string]any{
				"bindpw":   "x",
				"kerberos": map[string]any{"Secret": "y", "realm": "EXAMPLE"},
			}},
			want: []any{"ldap", map[string]any{
				"bindpw":   Redacted,
				"kerberos": map[string]any{"Secret": Redacted, "realm": "EXAMPLE"},
			}},
		},
		{
			name: "scalars untouched",
			in:   "token",
			want: "token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Redact(tt.in))
		})
	}

	in := map[string]any{"passphrase": "p"}
	Redact(in)
	assert.Equal(t, "p", in["passphrase"])
}

func TestBeginFinishWritesOneRecord(t *testing.T) {
	a, bus := newAuditor(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var published []map[string]any
	bus.Subscribe(EventName, func(e *events.Event) {
		mu.Lock()
		published = append(published, e.Fields)
		mu.Unlock()
	})

	rec, err := a.Begin(ctx, Entry{
		SessionID:     "s1",
		Username:      "root",
		Method:        "user.update",
		Params:        []any{1, map[string]any{"password": "hunter2"}},
		Description:   "Update user",
		Authenticated: true,
		Authorized:    true,
	})
	require.NoError(t, err)
	require.NoError(t, a.Finish(ctx, rec, true, "bob"))

	records, err := a.Query(ctx, Filter{Method: "user.update"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "Update user bob", got.Description)
	assert.Equal(t, "METHOD_CALL", got.Event)
	assert.True(t, got.Authorized)
	assert.Equal(t, []any{float64(1), map[string]any{"password": Redacted}}, got.Params)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "PENDING", published[0]["result_status"])
	assert.Equal(t, "SUCCESS", published[1]["result_status"])
}

func TestLogFailureAndFilters(t *testing.T) {
	a, _ := newAuditor(t, nil)
	ctx := context.Background()

	_, err := a.Log(ctx, Entry{Username: "guest", Method: "system.reboot", Description: "Reboot"}, false)
	require.NoError(t, err)
	_, err = a.Log(ctx, Entry{Username: "root", Method: "system.reboot", Description: "Reboot", Authenticated: true, Authorized: true}, true)
	require.NoError(t, err)

	failed, err := a.Query(ctx, Filter{Status: StatusFailure})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "guest", failed[0].Username)

	all, err := a.Query(ctx, Filter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.False(t, all[0].Timestamp.Before(all[1].Timestamp))
}

func TestRecordsAreNotReplicated(t *testing.T) {
	registry := hooks.NewRegistry(1)
	var writes int
	require.NoError(t, registry.Register(hooks.DatastorePostExecuteWrite, hooks.Hook{
		ID:     "count",
		Inline: true,
		Fn: func(context.Context, ...any) error {
			writes++
			return nil
		},
	}))
	a, _ := newAuditor(t, registry)

	_, err := a.Log(context.Background(), Entry{Method: "pool.create"}, true)
	require.NoError(t, err)
	assert.Zero(t, writes)
}
