package dlm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/hooks"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// remoteTimeout bounds every call forwarded to the peer.
const remoteTimeout = 5 * time.Second

// Peer forwards DLM operations to the other controller.
type Peer interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

// Alerter raises and clears one-shot alerts.
type Alerter interface {
	OneshotCreate(klass string, args map[string]any) (*alert.Alert, error)
	OneshotDelete(klass string, query map[string]any) int
}

// Node is one cluster member.
type Node struct {
	ID    int
	IP    string
	Local bool
}

// Options configures a Manager.
type Options struct {
	ClusterName string
	Port        int
	Mark        *int
	Nodes       []Node

	// RetryInterval is the fixed back-off after EBUSY. Attempts caps how
	// many times an operation is tried.
	RetryInterval time.Duration
	Attempts      int
}

// Manager coordinates lockspace membership across both controllers. Every
// node-targeted operation runs on the kernel when the target is this node
// and is forwarded to the peer otherwise.
type Manager struct {
	opts   Options
	kernel *Kernel
	peer   Peer
	alerts Alerter
	logger zerolog.Logger

	localID int
	peerID  int

	mu      sync.Mutex
	created bool
}

// NewManager creates a new Manager. peer and alerts may be nil.
func NewManager(opts Options, kernel *Kernel, peer Peer, alerts Alerter) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	m := &Manager{
		opts:   opts,
		kernel: kernel,
		peer:   peer,
		alerts: alerts,
		logger: log.WithComponent("dlm"),
	}
	for _, n := range opts.Nodes {
		if n.Local {
			m.localID = n.ID
		} else {
			m.peerID = n.ID
		}
	}
	return m
}

// LocalID is the node id of this controller.
func (m *Manager) LocalID() int { return m.localID }

// PeerID is the node id of the other controller, or 0.
func (m *Manager) PeerID() int { return m.peerID }

// Kernel returns the kernel driver.
func (m *Manager) Kernel() *Kernel { return m.kernel }

// do runs one kernel operation. ENOENT is ignored, EBUSY is retried with a
// fixed back-off and anything else is logged and raised as a DLMFailure
// alert.
func (m *Manager) do(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		switch {
		case err == nil:
			metrics.DLMOperations.WithLabelValues(op, "success").Inc()
			return nil
		case errors.Is(err, unix.ENOENT):
			metrics.DLMOperations.WithLabelValues(op, "ignored").Inc()
			m.logger.Debug().Err(err).Str("op", op).Msg("DLM object already gone")
			return nil
		case errors.Is(err, unix.EBUSY) && attempt < m.opts.Attempts:
			metrics.DLMOperations.WithLabelValues(op, "retry").Inc()
			m.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("DLM busy, retrying")
			select {
			case <-time.After(m.opts.RetryInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			metrics.DLMOperations.WithLabelValues(op, "failure").Inc()
			m.logger.Error().Err(err).Str("op", op).Msg("DLM operation failed")
			if m.alerts != nil {
				if _, aerr := m.alerts.OneshotCreate(alert.DLMFailure.Name, map[string]any{"operation": op, "error": err.Error()}); aerr != nil {
					m.logger.Warn().Err(aerr).Msg("Failed to raise DLM alert")
				}
			}
			return fmt.Errorf("dlm %s: %w", op, err)
		}
	}
}

// Create loads the kernel module and defines the cluster nodes. The peer
// node is only defined once the peer answers; until then Create may be
// called again.
func (m *Manager) Create(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created {
		return nil
	}

	if err := m.do(ctx, "load_kernel_module", func() error {
		return m.kernel.LoadKernelModule(ctx, m.opts.ClusterName)
	}); err != nil {
		return err
	}

	for _, n := range m.opts.Nodes {
		if !n.Local && !m.peerConnected(ctx) {
			continue
		}
		if err := m.do(ctx, "comms_add_node", func() error {
			return m.kernel.CommsAddNode(n.ID, n.IP, n.Local, m.opts.Port, m.opts.Mark)
		}); err != nil {
			return err
		}
		if !n.Local {
			m.created = true
		}
	}
	if m.peerID == 0 {
		m.created = true
	}
	return nil
}

// NodeReady reports whether this node is defined in the kernel.
func (m *Manager) NodeReady(ctx context.Context) (bool, error) {
	if err := m.Create(ctx); err != nil {
		return false, err
	}
	return m.kernel.CommsNodeReady(m.localID), nil
}

func (m *Manager) peerConnected(ctx context.Context) bool {
	if m.peer == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()
	return m.peer.Ping(ctx) == nil
}

// remote forwards method to the peer. An unreachable peer is not an error:
// the operation is skipped and ok is false.
func (m *Manager) remote(ctx context.Context, out any, method string, params ...any) (ok bool, err error) {
	if m.peer == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	raw, err := m.peer.Call(ctx, method, params...)
	if errors.Is(err, apierr.ErrPeerUnreachable) {
		m.logger.Debug().Err(err).Str("method", method).Msg("Peer unreachable, skipping remote DLM operation")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return true, nil
}

// LockspaceMember reports whether dest has lockspace name.
func (m *Manager) LockspaceMember(ctx context.Context, dest int, name string) (bool, error) {
	if err := m.Create(ctx); err != nil {
		return false, err
	}
	if dest == m.localID {
		m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[LOCAL] Checking lockspace membership")
		return m.kernel.LockspacePresent(name), nil
	}
	m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[REMOTE] Checking lockspace membership")
	var member bool
	if _, err := m.remote(ctx, &member, "dlm.lockspace_member", dest, name); err != nil {
		return false, err
	}
	return member, nil
}

// LockspaceMembers asks every node in parallel whether it has lockspace
// name. Nodes that fail to answer are logged and left out.
func (m *Manager) LockspaceMembers(ctx context.Context, name string) ([]int, error) {
	if err := m.Create(ctx); err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		members []int
	)
	var g errgroup.Group
	for _, n := range m.opts.Nodes {
		g.Go(func() error {
			ok, err := m.LockspaceMember(ctx, n.ID, name)
			if err != nil {
				m.logger.Warn().Err(err).Str("lockspace", name).Int("node", n.ID).Msg("Failed to check lockspace membership")
				return nil
			}
			if ok {
				mu.Lock()
				members = append(members, n.ID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Ints(members)
	return members, nil
}

// StopKernelLockspace stops lockspace name on dest.
func (m *Manager) StopKernelLockspace(ctx context.Context, dest int, name string) error {
	if dest == m.localID {
		m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[LOCAL] Stopping kernel lockspace")
		return m.do(ctx, "lockspace_stop", func() error { return m.kernel.LockspaceStop(name) })
	}
	m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[REMOTE] Stopping kernel lockspace")
	_, err := m.remote(ctx, nil, "dlm.stop_kernel_lockspace", dest, name)
	return err
}

// StartKernelLockspace starts lockspace name on dest.
func (m *Manager) StartKernelLockspace(ctx context.Context, dest int, name string) error {
	if dest == m.localID {
		m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[LOCAL] Starting kernel lockspace")
		return m.do(ctx, "lockspace_start", func() error { return m.kernel.LockspaceStart(name) })
	}
	m.logger.Debug().Str("lockspace", name).Int("node", dest).Msg("[REMOTE] Starting kernel lockspace")
	_, err := m.remote(ctx, nil, "dlm.start_kernel_lockspace", dest, name)
	return err
}

// JoinKernelLockspace adds joining to lockspace name on dest. On the
// joining node itself the global id is set and every member is added.
// dest must have stopped the lockspace first.
func (m *Manager) JoinKernelLockspace(ctx context.Context, dest int, name string, joining int, members []int) error {
	if dest != m.localID {
		m.logger.Debug().Str("lockspace", name).Int("joining", joining).Int("node", dest).Msg("[REMOTE] Joining kernel lockspace")
		_, err := m.remote(ctx, nil, "dlm.join_kernel_lockspace", dest, name, joining, members)
		return err
	}

	m.logger.Debug().Str("lockspace", name).Int("joining", joining).Int("node", dest).Msg("[LOCAL] Joining kernel lockspace")
	if !m.kernel.LockspaceIsStopped(name) {
		m.logger.Warn().Str("lockspace", name).Msg("Lockspace not stopped")
		return nil
	}

	if dest == joining {
		if err := m.do(ctx, "lockspace_set_global_id", func() error { return m.kernel.LockspaceSetGlobalID(name) }); err != nil {
			return err
		}
		for _, id := range members {
			if err := m.do(ctx, "lockspace_add_node", func() error { return m.kernel.LockspaceAddNode(name, id, nil) }); err != nil {
				return err
			}
		}
	} else {
		if err := m.do(ctx, "lockspace_add_node", func() error { return m.kernel.LockspaceAddNode(name, joining, nil) }); err != nil {
			return err
		}
	}

	if err := m.do(ctx, "lockspace_start", func() error { return m.kernel.LockspaceStart(name) }); err != nil {
		return err
	}
	if dest == joining {
		return m.do(ctx, "set_event_done", func() error { return m.kernel.SetEventDone(name, 0) })
	}
	return nil
}

// LeaveKernelLockspace removes leaving from lockspace name on dest. On the
// leaving node itself the whole lockspace is torn down.
func (m *Manager) LeaveKernelLockspace(ctx context.Context, dest int, name string, leaving int) error {
	if dest != m.localID {
		m.logger.Debug().Str("lockspace", name).Int("leaving", leaving).Int("node", dest).Msg("[REMOTE] Leaving kernel lockspace")
		_, err := m.remote(ctx, nil, "dlm.leave_kernel_lockspace", dest, name, leaving)
		return err
	}

	m.logger.Debug().Str("lockspace", name).Int("leaving", leaving).Int("node", dest).Msg("[LOCAL] Leaving kernel lockspace")
	if dest == leaving {
		if err := m.do(ctx, "lockspace_leave", func() error { return m.kernel.LockspaceLeave(name) }); err != nil {
			return err
		}
		return m.do(ctx, "set_event_done", func() error { return m.kernel.SetEventDone(name, 0) })
	}
	return m.do(ctx, "lockspace_remove_node", func() error { return m.kernel.LockspaceRemoveNode(name, leaving) })
}

// forEach runs fn for every node id in parallel and returns the first
// error.
func forEach(ctx context.Context, ids []int, fn func(ctx context.Context, id int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error { return fn(gctx, id) })
	}
	return g.Wait()
}

// JoinLockspace handles the kernel's online uevent for lockspace name: it
// stops the lockspace on the current members, then has every member,
// including this node, add the others and restart.
func (m *Manager) JoinLockspace(ctx context.Context, name string) error {
	m.logger.Info().Str("lockspace", name).Msg("Joining lockspace")
	if err := m.Create(ctx); err != nil {
		return err
	}

	err := func() error {
		// The kernel stops a lockspace it is about to join.
		m.kernel.LockspaceMarkStopped(name)

		members, err := m.LockspaceMembers(ctx, name)
		if err != nil {
			return err
		}
		others := without(members, m.localID)
		if err := forEach(ctx, others, func(ctx context.Context, id int) error {
			return m.StopKernelLockspace(ctx, id, name)
		}); err != nil {
			return err
		}

		all := append(others, m.localID)
		sort.Ints(all)
		return forEach(ctx, all, func(ctx context.Context, id int) error {
			return m.JoinKernelLockspace(ctx, id, name, m.localID, all)
		})
	}()
	if err != nil {
		m.logger.Error().Err(err).Str("lockspace", name).Msg("Failed to join lockspace")
		if derr := m.kernel.SetEventDone(name, 1); derr != nil {
			m.logger.Warn().Err(derr).Str("lockspace", name).Msg("Failed to report join failure to kernel")
		}
		return err
	}
	return nil
}

// LeaveLockspace handles the kernel's offline uevent for lockspace name:
// it stops the lockspace everywhere, removes this node and restarts the
// lockspace on the remaining members.
func (m *Manager) LeaveLockspace(ctx context.Context, name string) error {
	m.logger.Info().Str("lockspace", name).Msg("Leaving lockspace")
	if err := m.Create(ctx); err != nil {
		return err
	}

	err := func() error {
		members, err := m.LockspaceMembers(ctx, name)
		if err != nil {
			return err
		}
		if err := forEach(ctx, members, func(ctx context.Context, id int) error {
			return m.StopKernelLockspace(ctx, id, name)
		}); err != nil {
			return err
		}
		if err := forEach(ctx, members, func(ctx context.Context, id int) error {
			return m.LeaveKernelLockspace(ctx, id, name, m.localID)
		}); err != nil {
			return err
		}
		return forEach(ctx, without(members, m.localID), func(ctx context.Context, id int) error {
			return m.StartKernelLockspace(ctx, id, name)
		})
	}()
	if err != nil {
		m.logger.Error().Err(err).Str("lockspace", name).Msg("Failed to leave lockspace")
		if serr := m.kernel.LockspaceStart(name); serr != nil {
			m.logger.Warn().Err(serr).Str("lockspace", name).Msg("Failed to restart lockspace")
		}
		if derr := m.kernel.SetEventDone(name, 1); derr != nil {
			m.logger.Warn().Err(derr).Str("lockspace", name).Msg("Failed to report leave failure to kernel")
		}
		return err
	}
	return nil
}

// Lockspaces lists the lockspaces this node has joined.
func (m *Manager) Lockspaces(ctx context.Context) ([]string, error) {
	if err := m.Create(ctx); err != nil {
		return nil, err
	}
	return m.kernel.NodeLockspaces(m.localID)
}

// PeerLockspaces lists the local lockspaces that include the peer.
func (m *Manager) PeerLockspaces(ctx context.Context) ([]string, error) {
	if err := m.Create(ctx); err != nil {
		return nil, err
	}
	if m.peerID == 0 {
		return nil, nil
	}
	return m.kernel.NodeLockspaces(m.peerID)
}

// LocalRemovePeer removes the peer from lockspace name without talking to
// it.
func (m *Manager) LocalRemovePeer(ctx context.Context, name string) error {
	if err := m.do(ctx, "lockspace_stop", func() error { return m.kernel.LockspaceStop(name) }); err != nil {
		return err
	}
	if err := m.do(ctx, "lockspace_remove_node", func() error { return m.kernel.LockspaceRemoveNode(name, m.peerID) }); err != nil {
		return err
	}
	return m.do(ctx, "lockspace_start", func() error { return m.kernel.LockspaceStart(name) })
}

// EjectPeer locally removes the peer from every lockspace both nodes are
// joined to.
func (m *Manager) EjectPeer(ctx context.Context) error {
	names, err := m.PeerLockspaces(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	m.logger.Info().Int("lockspaces", len(names)).Msg("Ejecting peer from lockspaces")
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error { return m.LocalRemovePeer(gctx, name) })
	}
	return g.Wait()
}

// RemoteDown records that the peer went away.
func (m *Manager) RemoteDown() {
	m.logger.Info().Int("node", m.peerID).Msg("Remote node down")
}

// UdevHook returns the hook that turns dlm uevents into lockspace joins
// and leaves. Its single argument is the uevent environment.
func (m *Manager) UdevHook() hooks.Hook {
	return hooks.Hook{
		ID: "dlm",
		Fn: func(ctx context.Context, args ...any) error {
			if len(args) == 0 {
				return nil
			}
			env, ok := args[0].(map[string]any)
			if !ok {
				return fmt.Errorf("unexpected uevent type %T", args[0])
			}
			if env["SUBSYSTEM"] != "dlm" {
				return nil
			}
			action, _ := env["ACTION"].(string)
			if action != "online" && action != "offline" {
				return nil
			}
			name, _ := env["LOCKSPACE"].(string)
			if name == "" {
				m.logger.Error().Str("action", action).Msg("Missing lockspace name")
				return nil
			}
			if action == "online" {
				return m.JoinLockspace(ctx, name)
			}
			return m.LeaveLockspace(ctx, name)
		},
	}
}

func without(ids []int, id int) []int {
	out := make([]int, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
