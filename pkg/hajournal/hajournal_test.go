package hajournal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/failover"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeFailover struct {
	mu       sync.Mutex
	status   failover.Status
	local    string
	remote   string
	down     bool
	applyErr error
	peer     *datastore.Engine
	applied  []string
}

func (f *fakeFailover) Status(ctx context.Context) (failover.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeFailover) LocalVersion() string { return f.local }

func (f *fakeFailover) RemoteVersion(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", apierr.PeerUnreachable(errors.New("connection refused"))
	}
	return f.remote, nil
}

func (f *fakeFailover) ApplySQL(ctx context.Context, query string, params []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return apierr.PeerUnreachable(errors.New("connection refused"))
	}
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, query)
	if f.peer == nil {
		return nil
	}
	_, err := f.peer.Execute(ctx, query, params...)
	return err
}

func (f *fakeFailover) set(fn func(f *fakeFailover)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func newEngine(t *testing.T, registry *hooks.Registry) *datastore.Engine {
	t.Helper()
	e, err := datastore.Open(datastore.Options{Path: filepath.Join(t.TempDir(), "freenas-v1.db")}, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	_, err = e.Execute(ctx, "CREATE TABLE IF NOT EXISTS kv (id INTEGER PRIMARY KEY, k TEXT UNIQUE, v TEXT)")
	require.NoError(t, err)
	require.NoError(t, e.Setup(ctx))
	return e
}

func newAlerts(t *testing.T) *alert.Manager {
	t.Helper()
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	return alert.NewManager(bus, "A")
}

func TestJournalPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ha-journal")

	j, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Len())

	e1, err := NewEntry("INSERT INTO kv (k, v) VALUES (?,?)", []any{"a", 1})
	require.NoError(t, err)
	e2, err := NewEntry("UPDATE kv SET v = ? WHERE k = ?", []any{time.Unix(0, 0).UTC(), nil})
	require.NoError(t, err)
	j.Append(e1)
	j.Append(e2)
	require.NoError(t, j.Write())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	reopened, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())
	entries := reopened.Entries()
	assert.Equal(t, e1.SQL, entries[0].SQL)
	assert.Equal(t, []any{"a", int64(1)}, entries[0].Params)
	assert.Equal(t, time.Unix(0, 0).UTC(), entries[1].Params[0])
	assert.Nil(t, entries[1].Params[1])

	reopened.Shift()
	require.NoError(t, reopened.Write())
	again, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 1, again.Len())
	head, ok := again.Peek()
	require.True(t, ok)
	assert.Equal(t, e2.SQL, head.SQL)
}

func TestJournalCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ha-journal")
	require.NoError(t, os.WriteFile(path, []byte("not a journal"), 0o600))

	j, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, j.Len())
}

func TestQueueWait(t *testing.T) {
	q := NewQueue()

	start := time.Now()
	assert.False(t, q.Wait(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.PutReset()
	}()
	assert.True(t, q.Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	q.drain()
	cancel()
	assert.False(t, q.Wait(ctx, 0))
}

// The peer goes away, two writes accumulate in the journal and both are
// applied in order once the peer is back.
func TestSyncerReplaysAfterReconnect(t *testing.T) {
	ctx := context.Background()
	registry := hooks.NewRegistry(1)
	local := newEngine(t, registry)
	remote := newEngine(t, nil)

	q := NewQueue()
	require.NoError(t, registry.Register(hooks.DatastorePostExecuteWrite, q.Hook()))

	j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
	require.NoError(t, err)

	ha := &fakeFailover{status: failover.StatusMaster, local: "25.04.0", remote: "25.04.0", peer: remote, down: true}
	alerts := newAlerts(t)
	s := NewSyncer(j, q, ha, alerts, time.Second)

	assert.True(t, s.Process(ctx))
	assert.Equal(t, 0, j.Len())

	_, err = local.ExecuteWrite(ctx, sq.Insert("kv").Columns("k", "v").Values("a", "1"))
	require.NoError(t, err)
	assert.False(t, s.Process(ctx))
	assert.Equal(t, 1, j.Len())

	_, err = local.ExecuteWrite(ctx, sq.Update("kv").Set("v", "2").Where(sq.Eq{"k": "a"}))
	require.NoError(t, err)
	assert.False(t, s.Process(ctx))
	assert.Equal(t, 2, j.Len())
	assert.False(t, alerts.Has(alert.FailoverSyncFailed.Name), "an unreachable peer is retried silently")

	reopened, err := Open(j.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len(), "journal must be persisted before the peer returns")

	ha.set(func(f *fakeFailover) { f.down = false })
	assert.True(t, s.Process(ctx))
	assert.Equal(t, 0, j.Len())

	want, err := local.Fetchall(ctx, "SELECT k, v FROM kv ORDER BY id")
	require.NoError(t, err)
	got, err := remote.Fetchall(ctx, "SELECT k, v FROM kv ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, ha.applied, 2)
}

func TestSyncerDiscardsWhenNotMaster(t *testing.T) {
	tests := []struct {
		name   string
		status failover.Status
	}{
		{name: "single", status: failover.StatusSingle},
		{name: "backup", status: failover.StatusBackup},
		{name: "error", status: failover.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
			require.NoError(t, err)
			j.Append(Entry{SQL: "DELETE FROM kv"})

			q := NewQueue()
			q.Put(Entry{SQL: "INSERT INTO kv (k) VALUES ('x')"})

			ha := &fakeFailover{status: tt.status}
			s := NewSyncer(j, q, ha, newAlerts(t), time.Second)

			assert.True(t, s.Process(context.Background()))
			assert.Equal(t, 0, j.Len())
			assert.Equal(t, 0, q.Len())
			assert.Empty(t, ha.applied)
		})
	}
}

func TestSyncerResetMarkerClearsJournal(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
	require.NoError(t, err)

	q := NewQueue()
	ha := &fakeFailover{status: failover.StatusMaster, local: "1", remote: "1", down: true}
	s := NewSyncer(j, q, ha, newAlerts(t), time.Second)

	q.Put(Entry{SQL: "INSERT INTO kv (k) VALUES ('a')"})
	q.Put(Entry{SQL: "INSERT INTO kv (k) VALUES ('b')"})
	assert.False(t, s.Process(context.Background()))
	require.Equal(t, 2, j.Len())

	q.PutReset()
	q.Put(Entry{SQL: "INSERT INTO kv (k) VALUES ('c')"})
	assert.False(t, s.Process(context.Background()))
	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "INSERT INTO kv (k) VALUES ('c')", entries[0].SQL)
}

func TestSyncerVersionMismatchHoldsJournal(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
	require.NoError(t, err)
	j.Append(Entry{SQL: "INSERT INTO kv (k) VALUES ('a')"})

	ha := &fakeFailover{status: failover.StatusMaster, local: "25.04.0", remote: "24.10.2"}
	alerts := newAlerts(t)
	s := NewSyncer(j, NewQueue(), ha, alerts, time.Second)

	assert.False(t, s.Process(context.Background()))
	assert.Equal(t, 1, j.Len())
	assert.Empty(t, ha.applied)
	assert.True(t, alerts.Has(alert.OSVersionMismatch.Name))

	ha.set(func(f *fakeFailover) { f.remote = "25.04.0" })
	assert.True(t, s.Process(context.Background()))
	assert.Equal(t, 0, j.Len())
	assert.False(t, alerts.Has(alert.OSVersionMismatch.Name))
}

func TestSyncerFailureRaisesAlertUntilSuccess(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
	require.NoError(t, err)
	j.Append(Entry{SQL: "INSERT INTO kv (k) VALUES ('a')"})

	ha := &fakeFailover{
		status:   failover.StatusMaster,
		local:    "1",
		remote:   "1",
		applyErr: apierr.New(int(unix.EFAULT), "no such table: kv"),
	}
	alerts := newAlerts(t)
	s := NewSyncer(j, NewQueue(), ha, alerts, time.Second)

	assert.False(t, s.Process(context.Background()))
	assert.False(t, s.Process(context.Background()))
	assert.Equal(t, 1, j.Len())
	assert.True(t, alerts.Has(alert.FailoverSyncFailed.Name))
	assert.Len(t, alerts.List(), 1)

	ha.set(func(f *fakeFailover) { f.applyErr = nil })
	assert.True(t, s.Process(context.Background()))
	assert.False(t, alerts.Has(alert.FailoverSyncFailed.Name))
}

func TestSyncerRunFlushesNewWrites(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "ha-journal"))
	require.NoError(t, err)
	q := NewQueue()
	ha := &fakeFailover{status: failover.StatusMaster, local: "1", remote: "1"}
	s := NewSyncer(j, q, ha, newAlerts(t), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	q.Put(Entry{SQL: "INSERT INTO kv (k) VALUES ('a')"})
	assert.Eventually(t, func() bool {
		ha.mu.Lock()
		defer ha.mu.Unlock()
		return len(ha.applied) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("syncer did not stop")
	}
}
