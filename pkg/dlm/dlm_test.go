package dlm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// linkedPeer forwards calls to another node's dispatcher, round-tripping
// params through JSON the way the websocket link does.
type linkedPeer struct {
	d    *rpc.Dispatcher
	down atomic.Bool
}

func (p *linkedPeer) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if p.down.Load() || p.d == nil {
		return nil, apierr.PeerUnreachable(errors.New("connection refused"))
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var decoded []any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, err
	}
	res, err := p.d.Call(ctx, method, decoded...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (p *linkedPeer) Ping(ctx context.Context) error {
	if p.down.Load() || p.d == nil {
		return apierr.PeerUnreachable(errors.New("connection refused"))
	}
	return nil
}

type node struct {
	id     int
	sys    string
	config string
	m      *Manager
	d      *rpc.Dispatcher
	alerts *alert.Manager
}

func newNode(t *testing.T, id int, peer Peer) *node {
	t.Helper()
	root := t.TempDir()
	n := &node{
		id:     id,
		sys:    filepath.Join(root, "sys"),
		config: filepath.Join(root, "config"),
	}
	require.NoError(t, os.MkdirAll(n.sys, 0o755))

	k := NewKernel(n.sys, n.config)
	k.Modprobe = func(context.Context) error { return errors.New("modprobe must not run") }

	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	n.alerts = alert.NewManager(bus, strconv.Itoa(id))

	n.m = NewManager(Options{
		ClusterName:   "HA",
		Port:          21064,
		Nodes:         []Node{{ID: 1, IP: "169.254.10.1", Local: id == 1}, {ID: 2, IP: "169.254.10.2", Local: id == 2}},
		RetryInterval: time.Millisecond,
	}, k, peer, n.alerts)

	n.d = rpc.NewDispatcher(rpc.Options{})
	require.NoError(t, n.d.Register(NewService(n.m)))
	return n
}

func newPair(t *testing.T) (*node, *node, *linkedPeer, *linkedPeer) {
	t.Helper()
	toB, toA := &linkedPeer{}, &linkedPeer{}
	a := newNode(t, 1, toB)
	b := newNode(t, 2, toA)
	toB.d, toA.d = b.d, a.d
	return a, b, toB, toA
}

// online simulates the kernel creating the sysfs side of a lockspace.
func (n *node) online(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(n.sys, name), 0o755))
}

func (n *node) attr(t *testing.T, parts ...string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(parts...))
	require.NoError(t, err)
	return string(data)
}

func (n *node) members(t *testing.T, name string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(n.config, "cluster", "spaces", name, "nodes"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func TestGlobalID(t *testing.T) {
	want := crc32.ChecksumIEEE([]byte("dlm:ls:truenas\x00"))
	assert.Equal(t, want, GlobalID("truenas"))
	assert.NotEqual(t, GlobalID("truenas"), GlobalID("truenas2"))

	a, b, _, _ := newPair(t)
	for _, n := range []*node{a, b} {
		n.online(t, "truenas")
		require.NoError(t, n.m.Kernel().LockspaceSetGlobalID("truenas"))
		assert.Equal(t, strconv.FormatUint(uint64(want), 10), n.attr(t, n.sys, "truenas", "id"))
	}
}

func TestPackSockaddr(t *testing.T) {
	sa, err := packSockaddr("169.254.10.2", 21064)
	require.NoError(t, err)
	require.Len(t, sa, sockaddrSize)
	assert.Equal(t, uint16(unix.AF_INET), binary.NativeEndian.Uint16(sa[0:2]))
	assert.Equal(t, []byte{0x52, 0x48}, sa[2:4])
	assert.Equal(t, []byte{169, 254, 10, 2}, sa[4:8])
	for _, c := range sa[8:] {
		require.Zero(t, c)
	}

	_, err = packSockaddr("fe80::1", 21064)
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	a, _, toB, _ := newPair(t)
	toB.down.Store(true)

	require.NoError(t, a.m.Create(ctx))
	assert.Equal(t, "HA", a.attr(t, a.config, "cluster", "cluster_name"))
	assert.True(t, a.m.Kernel().CommsNodeReady(1))
	assert.False(t, a.m.Kernel().CommsNodeReady(2), "peer is only defined once it answers")
	assert.Equal(t, "1", a.attr(t, a.config, "cluster", "comms", "1", "local"))
	assert.Equal(t, "1", a.attr(t, a.config, "cluster", "comms", "1", "nodeid"))

	toB.down.Store(false)
	require.NoError(t, a.m.Create(ctx))
	assert.True(t, a.m.Kernel().CommsNodeReady(2))
	assert.Equal(t, "0", a.attr(t, a.config, "cluster", "comms", "2", "local"))

	ready, err := a.m.NodeReady(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, a.m.Kernel().CommsRemoveNode(2))
	assert.False(t, a.m.Kernel().CommsNodeReady(2))
}

func TestJoinAndLeaveAcrossNodes(t *testing.T) {
	ctx := context.Background()
	a, b, _, _ := newPair(t)
	const ls = "truenas"
	id := strconv.FormatUint(uint64(GlobalID(ls)), 10)

	a.online(t, ls)
	require.NoError(t, a.m.JoinLockspace(ctx, ls))
	assert.Equal(t, []string{"1"}, a.members(t, ls))
	assert.Equal(t, id, a.attr(t, a.sys, ls, "id"))
	assert.Equal(t, "1", a.attr(t, a.sys, ls, "control"))
	assert.Equal(t, "0", a.attr(t, a.sys, ls, "event_done"))
	assert.False(t, a.m.Kernel().LockspaceIsStopped(ls))

	b.online(t, ls)
	require.NoError(t, b.m.JoinLockspace(ctx, ls))
	assert.Equal(t, []string{"1", "2"}, a.members(t, ls))
	assert.Equal(t, []string{"1", "2"}, b.members(t, ls))
	assert.Equal(t, a.attr(t, a.sys, ls, "id"), b.attr(t, b.sys, ls, "id"))
	assert.Equal(t, "1", a.attr(t, a.sys, ls, "control"), "member restarted after the join")
	assert.Equal(t, "0", b.attr(t, b.sys, ls, "event_done"))

	members, err := a.m.LockspaceMembers(ctx, ls)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, members)

	shared, err := a.m.PeerLockspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ls}, shared)

	require.NoError(t, b.m.LeaveLockspace(ctx, ls))
	assert.Equal(t, []string{"1"}, a.members(t, ls))
	assert.Nil(t, b.members(t, ls))
	assert.Equal(t, "1", a.attr(t, a.sys, ls, "control"))

	mine, err := b.m.Lockspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, mine)
	mine, err = a.m.Lockspaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ls}, mine)
}

func TestJoinWithPeerDown(t *testing.T) {
	ctx := context.Background()
	a, _, toB, _ := newPair(t)
	toB.down.Store(true)

	a.online(t, "truenas")
	require.NoError(t, a.m.JoinLockspace(ctx, "truenas"))
	assert.Equal(t, []string{"1"}, a.members(t, "truenas"))
}

func TestJoinFailureReportsEventDone(t *testing.T) {
	ctx := context.Background()
	a, _, toB, _ := newPair(t)
	toB.down.Store(true)

	a.online(t, "broken")
	// A file where the lockspace directory should be makes the node add fail.
	require.NoError(t, os.MkdirAll(filepath.Join(a.config, "cluster", "spaces"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a.config, "cluster", "spaces", "broken"), nil, 0o644))

	err := a.m.JoinLockspace(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, "1", a.attr(t, a.sys, "broken", "event_done"))
	assert.True(t, a.alerts.Has(alert.DLMFailure.Name))
}

func TestEjectPeer(t *testing.T) {
	ctx := context.Background()
	a, b, toB, _ := newPair(t)

	for _, ls := range []string{"ls1", "ls2"} {
		a.online(t, ls)
		require.NoError(t, a.m.JoinLockspace(ctx, ls))
		b.online(t, ls)
		require.NoError(t, b.m.JoinLockspace(ctx, ls))
		require.Equal(t, []string{"1", "2"}, a.members(t, ls))
	}

	toB.down.Store(true)
	require.NoError(t, a.m.EjectPeer(ctx))
	for _, ls := range []string{"ls1", "ls2"} {
		assert.Equal(t, []string{"1"}, a.members(t, ls))
		assert.Equal(t, "1", a.attr(t, a.sys, ls, "control"))
	}
	shared, err := a.m.PeerLockspaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, shared)

	assert.Equal(t, []string{"1", "2"}, b.members(t, "ls1"), "peer state is untouched")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
		wantAlert bool
	}{
		{name: "success", errs: []error{nil}, wantCalls: 1},
		{name: "missing object is benign", errs: []error{&os.PathError{Op: "remove", Path: "x", Err: unix.ENOENT}}, wantCalls: 1},
		{name: "busy is retried", errs: []error{unix.EBUSY, unix.EBUSY, nil}, wantCalls: 3},
		{name: "busy gives up", errs: []error{unix.EBUSY, unix.EBUSY, unix.EBUSY, unix.EBUSY, unix.EBUSY}, wantErr: true, wantCalls: 5, wantAlert: true},
		{name: "other errors are fatal", errs: []error{unix.EIO}, wantErr: true, wantCalls: 1, wantAlert: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, 1, nil)
			calls := 0
			err := n.m.do(context.Background(), "test_op", func() error {
				e := tt.errs[calls]
				calls++
				return e
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantAlert, n.alerts.Has(alert.DLMFailure.Name))
		})
	}
}

func TestUdevHook(t *testing.T) {
	ctx := context.Background()
	a, _, toB, _ := newPair(t)
	toB.down.Store(true)
	hook := a.m.UdevHook()

	require.NoError(t, hook.Fn(ctx, map[string]any{"SUBSYSTEM": "block", "ACTION": "online", "LOCKSPACE": "x"}))
	require.NoError(t, hook.Fn(ctx, map[string]any{"SUBSYSTEM": "dlm", "ACTION": "change", "LOCKSPACE": "x"}))
	require.NoError(t, hook.Fn(ctx, map[string]any{"SUBSYSTEM": "dlm", "ACTION": "online"}))
	assert.Nil(t, a.members(t, "x"))

	a.online(t, "x")
	require.NoError(t, hook.Fn(ctx, map[string]any{"SUBSYSTEM": "dlm", "ACTION": "online", "LOCKSPACE": "x"}))
	assert.Equal(t, []string{"1"}, a.members(t, "x"))

	require.NoError(t, hook.Fn(ctx, map[string]any{"SUBSYSTEM": "dlm", "ACTION": "offline", "LOCKSPACE": "x"}))
	assert.Nil(t, a.members(t, "x"))

	assert.Error(t, hook.Fn(ctx, "not a uevent"))
}
