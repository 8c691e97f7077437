package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/middlewared/pkg/alert"
	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/audit"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/cache"
	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/failover"
	"github.com/cuemby/middlewared/pkg/jobs"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/cuemby/middlewared/pkg/system"
	"golang.org/x/sys/unix"
)

var (
	tableParam = rpc.Param{Name: "table", Schema: map[string]any{"type": "string", "minLength": 1}, Required: true}
	keyParam   = rpc.Param{Name: "key", Schema: map[string]any{"type": "string", "minLength": 1}, Required: true}
	kindParam  = rpc.Param{Name: "kind", Schema: map[string]any{"enum": []any{string(cache.Volatile), string(cache.Persistent)}}, Default: string(cache.Volatile)}
	uuidParam  = rpc.Param{Name: "uuid", Schema: stringSchema, Required: true}
)

// datastoreService is the private table API. Writes through it are
// replicated like any other write.
type datastoreService struct {
	db *datastore.Engine
}

func (s *datastoreService) Namespace() string { return "datastore" }

func (s *datastoreService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:        "query",
			Description: "Select rows whose columns equal filters",
			Private:     true,
			Params: []rpc.Param{
				tableParam,
				{Name: "filters", Schema: objectSchema, Default: map[string]any{}},
				{Name: "options", Schema: objectSchema, Default: map[string]any{}},
			},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				filters, _ := params[1].(map[string]any)
				rows, err := s.db.Query(ctx, params[0].(string), filters, queryOptions(params[2]))
				if err != nil {
					return nil, err
				}
				if rows == nil {
					rows = []datastore.Row{}
				}
				return rows, nil
			},
		},
		{
			Name:        "insert",
			Description: "Insert a row and return its id",
			Private:     true,
			Params:      []rpc.Param{tableParam, {Name: "row", Schema: objectSchema, Required: true}},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.db.Insert(ctx, params[0].(string), params[1].(map[string]any))
			},
		},
		{
			Name:        "update",
			Description: "Update a row by id and return the number of rows changed",
			Private:     true,
			Params:      []rpc.Param{tableParam, {Name: "id", Required: true}, {Name: "fields", Schema: objectSchema, Required: true}},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.db.Update(ctx, params[0].(string), params[1], params[2].(map[string]any))
			},
		},
		{
			Name:        "delete",
			Description: "Delete a row by id and return the number of rows removed",
			Private:     true,
			Params:      []rpc.Param{tableParam, {Name: "id", Required: true}},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.db.Delete(ctx, params[0].(string), params[1])
			},
		},
		{
			Name:        "sql",
			Description: "Execute a statement shipped by the HA peer",
			Private:     true,
			Params: []rpc.Param{
				{Name: "query", Schema: stringSchema, Required: true},
				{Name: "params", Schema: map[string]any{"type": "array"}, Default: []any{}},
			},
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				query := params[0].(string)
				args, _ := params[1].([]any)
				if isSelect(query) {
					rows, err := s.db.Fetchall(ctx, query, args...)
					if err != nil {
						return nil, err
					}
					if rows == nil {
						rows = []datastore.Row{}
					}
					return rows, nil
				}
				// Raw execute: statements from the peer must not be
				// journaled back to it.
				_, err := s.db.Execute(ctx, query, args...)
				return nil, err
			},
		},
	}
}

func queryOptions(v any) datastore.QueryOptions {
	m, _ := v.(map[string]any)
	var opts datastore.QueryOptions
	if order, ok := m["order_by"].([]any); ok {
		for _, col := range order {
			if s, ok := col.(string); ok {
				opts.OrderBy = append(opts.OrderBy, s)
			}
		}
	}
	if n := toInt64(m["limit"]); n > 0 {
		opts.Limit = uint64(n)
	}
	if n := toInt64(m["offset"]); n > 0 {
		opts.Offset = uint64(n)
	}
	return opts
}

// cacheService exposes both cache tiers to the process and the peer.
type cacheService struct {
	c *cache.Cache
}

func (s *cacheService) Namespace() string { return "cache" }

func (s *cacheService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:    "put",
			Private: true,
			Params: []rpc.Param{
				keyParam,
				{Name: "value", Required: true},
				{Name: "timeout", Schema: map[string]any{"type": "number", "minimum": 0}, Default: 0},
				kindParam,
			},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				timeout := time.Duration(toFloat(params[2]) * float64(time.Second))
				return nil, s.c.Put(params[0].(string), params[1], timeout, cache.Kind(params[3].(string)))
			},
		},
		{
			Name:    "get",
			Private: true,
			Params:  []rpc.Param{keyParam, kindParam},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.c.Get(params[0].(string), cache.Kind(params[1].(string)))
			},
		},
		{
			Name:    "has_key",
			Private: true,
			Params:  []rpc.Param{keyParam, kindParam},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.c.HasKey(params[0].(string), cache.Kind(params[1].(string))), nil
			},
		},
		{
			Name:    "pop",
			Private: true,
			Params:  []rpc.Param{keyParam, kindParam},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return s.c.Pop(params[0].(string), cache.Kind(params[1].(string)))
			},
		},
		{
			Name:    "get_timeout",
			Private: true,
			Params:  []rpc.Param{keyParam, kindParam},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				d, err := s.c.GetTimeout(params[0].(string), cache.Kind(params[1].(string)))
				if err != nil {
					return nil, err
				}
				return d.Seconds(), nil
			},
		},
	}
}

// failoverService exposes the HA role, the journal and database shipping.
type failoverService struct {
	m *Middleware
}

func (s *failoverService) Namespace() string { return "failover" }

func (s *failoverService) Methods() []rpc.Method {
	f := s.m.Failover
	return []rpc.Method{
		{
			Name:        "status",
			Description: "HA role of this node",
			Roles:       []string{auth.RoleFailoverRead},
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return f.Status(ctx)
			},
		},
		{
			Name:        "set_status",
			Description: "Record a role change decided by the failover machinery",
			Private:     true,
			Params: []rpc.Param{{
				Name:     "status",
				Schema:   map[string]any{"enum": []any{"MASTER", "BACKUP", "ERROR"}},
				Required: true,
			}},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, f.SetStatus(failover.Status(params[0].(string)))
			},
		},
		{
			Name:        "peer_state",
			Description: "Role, reachability and versions of the HA pair",
			Roles:       []string{auth.RoleFailoverRead},
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return f.PeerState(ctx), nil
			},
		},
		{
			Name:        "journal_status",
			Description: "Statements waiting to be replicated",
			Roles:       []string{auth.RoleFailoverRead},
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				st := map[string]any{"enabled": s.m.Syncer != nil, "journal": 0, "queue": 0}
				if s.m.Syncer != nil {
					st["journal"] = s.m.Syncer.Journal().Len()
					st["queue"] = s.m.Syncer.Queue().Len()
				}
				return st, nil
			},
		},
		{
			Name:        "journal_drop",
			Description: "Discard statements waiting to be replicated",
			Roles:       []string{auth.RoleFailoverJournalDrop},
			Audit:       "Drop HA journal",
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				if s.m.Syncer == nil {
					return nil, apierr.New(int(unix.EINVAL), "HA is not enabled")
				}
				s.m.Syncer.Queue().PutReset()
				return nil, nil
			},
		},
		{
			Name:        "send_database",
			Description: "Copy the whole database to the standby controller",
			Roles:       []string{auth.RoleFailoverWrite},
			Audit:       "Send database to standby controller",
			Job:         &jobs.Options{Lock: "failover_send_database", LockQueueSize: jobs.QueueSize(1)},
			JobHandler: func(ctx context.Context, job *jobs.Job, _ *rpc.Call, _ []any) (any, error) {
				if s.m.Syncer == nil {
					return nil, apierr.New(int(unix.EINVAL), "HA is not enabled")
				}
				_ = job.SetProgress(0, "Sending database", nil)
				if err := f.SendDatabase(ctx, s.m.Syncer.Queue()); err != nil {
					return nil, err
				}
				_ = job.SetProgress(100, "Database sent", nil)
				return nil, nil
			},
		},
		{
			Name:    "receive_database_chunk",
			Private: true,
			Params: []rpc.Param{
				{Name: "chunk", Schema: stringSchema, Required: true},
				{Name: "append", Schema: map[string]any{"type": "boolean"}, Default: false},
			},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, f.ReceiveDatabaseChunk(params[0].(string), params[1].(bool))
			},
		},
		{
			Name:    "receive_database",
			Private: true,
			Handler: func(ctx context.Context, _ *rpc.Call, _ []any) (any, error) {
				return nil, f.ReceiveDatabase(ctx)
			},
		},
	}
}

// systemService exposes boot state and the license.
type systemService struct {
	state *system.State
}

func (s *systemService) Namespace() string { return "system" }

func (s *systemService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:    "version",
			NoAuthz: true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.state.Version(), nil
			},
		},
		{
			Name:    "ready",
			NoAuthz: true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.state.Ready(), nil
			},
		},
		{
			Name:    "boot_id",
			NoAuthz: true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.state.BootID(), nil
			},
		},
		{
			Name:    "product_type",
			NoAuthz: true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.state.ProductType(), nil
			},
		},
		{
			Name:    "info",
			Roles:   []string{auth.RoleSystemRead},
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.state.Info(), nil
			},
		},
		{
			Name:        "license_update",
			Description: "Validate and install a license",
			Params:      []rpc.Param{{Name: "license", Schema: map[string]any{"type": "string", "minLength": 1}, Required: true}},
			Roles:       []string{auth.RoleSystemWrite},
			Audit:       "Update license",
			Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.state.UpdateLicense(ctx, []byte(params[0].(string)))
			},
		},
	}
}

// auditService queries the local audit log.
type auditService struct {
	a *audit.Auditor
}

func (s *auditService) Namespace() string { return "audit" }

func (s *auditService) Methods() []rpc.Method {
	return []rpc.Method{{
		Name:        "query",
		Description: "Audit records, newest first",
		Params:      []rpc.Param{{Name: "filters", Schema: objectSchema, Default: map[string]any{}}},
		Roles:       []string{auth.RoleAuditRead},
		Handler: func(ctx context.Context, _ *rpc.Call, params []any) (any, error) {
			f, err := auditFilter(params[0])
			if err != nil {
				return nil, err
			}
			return s.a.Query(ctx, f)
		},
	}}
}

func auditFilter(v any) (audit.Filter, error) {
	m, _ := v.(map[string]any)
	f := audit.Filter{
		Username: asString(m["username"]),
		Method:   asString(m["method"]),
		Status:   audit.Status(asString(m["status"])),
	}
	if n := toInt64(m["limit"]); n > 0 {
		f.Limit = uint64(n)
	}
	if since := asString(m["since"]); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, apierr.New(int(unix.EINVAL), "invalid since %q: %v", since, err).WithExtra("attribute", "filters.since")
		}
		f.Since = t
	}
	return f, nil
}

// alertService lists and dismisses alerts.
type alertService struct {
	alerts *alert.Manager
}

func (s *alertService) Namespace() string { return "alert" }

func (s *alertService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:    "list",
			Roles:   []string{auth.RoleAlertRead},
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.alerts.List(), nil
			},
		},
		{
			Name:    "classes",
			Roles:   []string{auth.RoleAlertRead},
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.alerts.Classes(), nil
			},
		},
		{
			Name:    "dismiss",
			Params:  []rpc.Param{uuidParam},
			Roles:   []string{auth.RoleAlertWrite},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.alerts.Dismiss(params[0].(string))
			},
		},
		{
			Name:    "restore",
			Params:  []rpc.Param{uuidParam},
			Roles:   []string{auth.RoleAlertWrite},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				return nil, s.alerts.Restore(params[0].(string))
			},
		},
		{
			Name:    "oneshot_create",
			Private: true,
			Params: []rpc.Param{
				{Name: "klass", Schema: stringSchema, Required: true},
				{Name: "args", Schema: objectSchema, Default: map[string]any{}},
			},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				args, _ := params[1].(map[string]any)
				return s.alerts.OneshotCreate(params[0].(string), args)
			},
		},
		{
			Name:    "oneshot_delete",
			Private: true,
			Params: []rpc.Param{
				{Name: "klass", Schema: stringSchema, Required: true},
				{Name: "query", Schema: objectSchema, Default: map[string]any{}},
			},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) {
				query, _ := params[1].(map[string]any)
				return s.alerts.OneshotDelete(params[0].(string), query), nil
			},
		},
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func isSelect(query string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT")
}
