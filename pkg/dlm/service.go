package dlm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/middlewared/pkg/rpc"
)

var (
	nodeIDSchema = map[string]any{"type": "integer", "minimum": 1}
	nameSchema   = map[string]any{"type": "string", "minLength": 1}
)

// Service exposes the Manager as the private "dlm" namespace. The peer
// calls the node-targeted methods to run operations on this node.
type Service struct {
	m *Manager
}

// NewService creates a new Service.
func NewService(m *Manager) *Service {
	return &Service{m: m}
}

func (s *Service) Namespace() string { return "dlm" }

func (s *Service) Methods() []rpc.Method {
	lockspace := rpc.Param{Name: "lockspace", Schema: nameSchema, Required: true}
	dest := rpc.Param{Name: "dest_nodeid", Schema: nodeIDSchema, Required: true}

	return []rpc.Method{
		{
			Name:        "create",
			Description: "Define the cluster nodes in the kernel DLM",
			Private:     true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return nil, s.m.Create(ctx)
			},
		},
		{
			Name:        "node_ready",
			Description: "Whether this node is defined in the kernel DLM",
			Private:     true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return s.m.NodeReady(ctx)
			},
		},
		{
			Name:        "lockspace_member",
			Description: "Whether a node has a lockspace",
			Private:     true,
			Params:      []rpc.Param{dest, lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.m.LockspaceMember(ctx, toInt(params[0]), params[1].(string))
			},
		},
		{
			Name:        "lockspace_members",
			Description: "Node ids that have a lockspace",
			Private:     true,
			Params:      []rpc.Param{lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.m.LockspaceMembers(ctx, params[0].(string))
			},
		},
		{
			Name:        "stop_kernel_lockspace",
			Description: "Stop a lockspace on a node",
			Private:     true,
			Params:      []rpc.Param{dest, lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.StopKernelLockspace(ctx, toInt(params[0]), params[1].(string))
			},
		},
		{
			Name:        "start_kernel_lockspace",
			Description: "Start a lockspace on a node",
			Private:     true,
			Params:      []rpc.Param{dest, lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.StartKernelLockspace(ctx, toInt(params[0]), params[1].(string))
			},
		},
		{
			Name:        "join_kernel_lockspace",
			Description: "Add a joining node to a lockspace on a node",
			Private:     true,
			Params: []rpc.Param{
				dest,
				lockspace,
				{Name: "joining_nodeid", Schema: nodeIDSchema, Required: true},
				{Name: "nodeids", Schema: map[string]any{"type": "array", "items": nodeIDSchema}, Required: true},
			},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				members, err := toInts(params[3])
				if err != nil {
					return nil, err
				}
				return nil, s.m.JoinKernelLockspace(ctx, toInt(params[0]), params[1].(string), toInt(params[2]), members)
			},
		},
		{
			Name:        "leave_kernel_lockspace",
			Description: "Remove a leaving node from a lockspace on a node",
			Private:     true,
			Params:      []rpc.Param{dest, lockspace, {Name: "leaving_nodeid", Schema: nodeIDSchema, Required: true}},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.LeaveKernelLockspace(ctx, toInt(params[0]), params[1].(string), toInt(params[2]))
			},
		},
		{
			Name:        "join_lockspace",
			Description: "Join a lockspace the kernel brought online",
			Private:     true,
			Params:      []rpc.Param{lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.JoinLockspace(ctx, params[0].(string))
			},
		},
		{
			Name:        "leave_lockspace",
			Description: "Leave a lockspace the kernel took offline",
			Private:     true,
			Params:      []rpc.Param{lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.LeaveLockspace(ctx, params[0].(string))
			},
		},
		{
			Name:        "lockspaces",
			Description: "Lockspaces this node has joined",
			Private:     true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return nonNil(s.m.Lockspaces(ctx))
			},
		},
		{
			Name:        "peer_lockspaces",
			Description: "Lockspaces shared with the peer",
			Private:     true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return nonNil(s.m.PeerLockspaces(ctx))
			},
		},
		{
			Name:        "local_remove_peer",
			Description: "Remove the peer from a lockspace without contacting it",
			Private:     true,
			Params:      []rpc.Param{lockspace},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.m.LocalRemovePeer(ctx, params[0].(string))
			},
		},
		{
			Name:        "eject_peer",
			Description: "Remove the peer from every shared lockspace",
			Private:     true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return nil, s.m.EjectPeer(ctx)
			},
		},
	}
}

func nonNil(names []string, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	return names, nil
}

// toInt accepts the integer forms params arrive in, in process or decoded
// from JSON.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}

func toInts(v any) ([]int, error) {
	switch s := v.(type) {
	case []int:
		return s, nil
	case []any:
		out := make([]int, 0, len(s))
		for _, e := range s {
			out = append(out, toInt(e))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected node id list %T", v)
}
