package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/jobs"
	"github.com/cuemby/middlewared/pkg/rpc"
)

// defaultTokenTTL is the lifetime of tokens from auth.generate_token.
const defaultTokenTTL = 600

var (
	idSchema     = map[string]any{"type": "integer", "minimum": 1}
	stringSchema = map[string]any{"type": "string"}
	objectSchema = map[string]any{"type": "object"}
)

// coreService exposes the job manager and introspection.
type coreService struct {
	m *Middleware
}

func (s *coreService) Namespace() string { return "core" }

func (s *coreService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:        "get_jobs",
			Description: "List jobs, optionally filtered by id, method or state",
			Params:      []rpc.Param{{Name: "filters", Schema: objectSchema, Default: map[string]any{}}},
			NoAuthz:     true,
			Handler:     s.getJobs,
		},
		{
			Name:        "job_wait",
			Description: "Wait for a job and return its result",
			Params: []rpc.Param{
				{Name: "id", Schema: idSchema, Required: true},
				{Name: "timeout", Schema: map[string]any{"type": "number", "minimum": 0}, Default: 0},
			},
			NoAuthz: true,
			Handler: func(ctx context.Context, call *rpc.Call, params []any) (any, error) {
				id := toInt64(params[0])
				if err := s.checkJobAccess(call, id, auth.RoleJobRead); err != nil {
					return nil, err
				}
				timeout := time.Duration(toFloat(params[1]) * float64(time.Second))
				return s.m.Jobs.Wait(ctx, id, timeout, true)
			},
		},
		{
			Name:        "job_abort",
			Description: "Abort a job",
			Params:      []rpc.Param{{Name: "id", Schema: idSchema, Required: true}},
			NoAuthz:     true,
			Handler: func(_ context.Context, call *rpc.Call, params []any) (any, error) {
				id := toInt64(params[0])
				if err := s.checkJobAccess(call, id, auth.RoleJobWrite); err != nil {
					return nil, err
				}
				return nil, s.m.Jobs.Abort(id)
			},
		},
		{
			Name:        "get_methods",
			Description: "Describe every public method",
			NoAuthz:     true,
			Handler: func(_ context.Context, call *rpc.Call, _ []any) (any, error) {
				trusted := isTrusted(call.Credentials())
				out := make([]rpc.MethodInfo, 0)
				for _, mi := range s.m.Dispatcher.Methods() {
					if mi.Private && !trusted {
						continue
					}
					out = append(out, mi)
				}
				return out, nil
			},
		},
		{
			Name:        "get_events",
			Description: "Describe every event that can be subscribed to",
			NoAuthz:     true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return s.m.Bus.Registered(), nil
			},
		},
		{
			Name:    "ping",
			NoAuthz: true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) {
				return "pong", nil
			},
		},
	}
}

func (s *coreService) getJobs(_ context.Context, call *rpc.Call, params []any) (any, error) {
	filters, _ := params[0].(map[string]any)
	creds := call.Credentials()
	all := isTrusted(creds) || s.m.Roles.Allowed(creds.Roles, []string{auth.RoleJobRead})

	out := make([]jobs.Info, 0)
	for _, info := range s.m.Jobs.List() {
		if !all && !ownsJob(creds, info) {
			continue
		}
		if v, ok := filters["id"]; ok && toInt64(v) != info.ID {
			continue
		}
		if v, ok := filters["method"]; ok && v != info.Method {
			continue
		}
		if v, ok := filters["state"]; ok && v != string(info.State) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// checkJobAccess admits the job owner, trusted callers and holders of role.
func (s *coreService) checkJobAccess(call *rpc.Call, id int64, role string) error {
	creds := call.Credentials()
	if isTrusted(creds) || s.m.Roles.Allowed(creds.Roles, []string{role}) {
		return nil
	}
	info, err := s.m.Jobs.Get(id)
	if err != nil {
		return err
	}
	if !ownsJob(creds, info) {
		return apierr.AccessDenied("Not authorized")
	}
	return nil
}

func ownsJob(creds *auth.Credentials, info jobs.Info) bool {
	return info.Credentials != nil && info.Credentials.Username == creds.Username
}

func isTrusted(creds *auth.Credentials) bool {
	return creds != nil && (creds.Kind == auth.KindInternal || creds.Kind == auth.KindPeer)
}

// authService logs sessions in and issues API tokens.
type authService struct {
	m *Middleware
}

func (s *authService) Namespace() string { return "auth" }

func (s *authService) Methods() []rpc.Method {
	return []rpc.Method{
		{
			Name:        "login",
			Description: "Authenticate the session with a username and password",
			Params: []rpc.Param{
				{Name: "username", Schema: stringSchema, Required: true},
				{Name: "password", Schema: stringSchema, Required: true},
			},
			NoAuth: true,
			Handler: func(_ context.Context, call *rpc.Call, params []any) (any, error) {
				creds, err := s.m.AuthenticatePassword(params[0].(string), params[1].(string))
				return s.login(call, creds, err)
			},
		},
		{
			Name:        "login_with_token",
			Description: "Authenticate the session with an API token",
			Params:      []rpc.Param{{Name: "token", Schema: stringSchema, Required: true}},
			NoAuth:      true,
			Handler: func(_ context.Context, call *rpc.Call, params []any) (any, error) {
				creds, err := s.m.AuthenticateToken(params[0].(string))
				return s.login(call, creds, err)
			},
		},
		{
			Name:        "generate_token",
			Description: "Issue a token carrying the caller's credentials",
			Params: []rpc.Param{
				{Name: "ttl", Schema: map[string]any{"type": "integer", "minimum": 1}, Default: defaultTokenTTL},
			},
			NoAuthz: true,
			Handler: func(_ context.Context, call *rpc.Call, params []any) (any, error) {
				ttl := time.Duration(toInt64(params[0])) * time.Second
				tok, err := s.m.Tokens.GenerateToken(call.Credentials(), ttl)
				if err != nil {
					return nil, err
				}
				return tok.Token, nil
			},
		},
		{
			Name:        "me",
			Description: "Credentials of the calling session",
			NoAuthz:     true,
			Handler: func(_ context.Context, call *rpc.Call, _ []any) (any, error) {
				return call.Credentials(), nil
			},
		},
		{
			Name:        "logout",
			Description: "Drop the session credentials",
			NoAuthz:     true,
			Handler: func(_ context.Context, call *rpc.Call, _ []any) (any, error) {
				call.Session.SetCredentials(nil)
				return true, nil
			},
		},
	}
}

// login reports bad credentials as false rather than as an error.
func (s *authService) login(call *rpc.Call, creds *auth.Credentials, err error) (any, error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return false, nil
	}
	if err != nil {
		return nil, err
	}
	call.Session.SetCredentials(creds)
	return true, nil
}

// AuthenticatePassword checks a username and password. The configured HA
// peer account authenticates as the peer.
func (m *Middleware) AuthenticatePassword(username, password string) (*auth.Credentials, error) {
	ha := m.cfg.HA
	if ha.Enabled && ha.PeerUsername != "" && username == ha.PeerUsername {
		if subtle.ConstantTimeCompare([]byte(password), []byte(ha.PeerPassword)) != 1 {
			return nil, auth.ErrInvalidCredentials
		}
		return &auth.Credentials{Kind: auth.KindPeer, Username: username, Roles: []string{auth.RoleFullAdmin}}, nil
	}
	return m.Users.Authenticate(username, password)
}

// AuthenticateToken resolves an API token.
func (m *Middleware) AuthenticateToken(token string) (*auth.Credentials, error) {
	creds, err := m.Tokens.ValidateToken(token)
	if err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	return creds, nil
}
