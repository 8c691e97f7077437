package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type service struct {
	ns      string
	methods []rpc.Method
}

func (s service) Namespace() string      { return s.ns }
func (s service) Methods() []rpc.Method { return s.methods }

type fakeAuth struct{}

func (fakeAuth) AuthenticatePassword(username, password string) (*auth.Credentials, error) {
	if username == "root" && password == "secret" {
		return &auth.Credentials{Kind: auth.KindPassword, Username: "root", Roles: []string{auth.RoleFullAdmin}}, nil
	}
	return nil, apierr.AccessDenied("Invalid username or password")
}

func (fakeAuth) AuthenticateToken(token string) (*auth.Credentials, error) {
	if token == "good-token" {
		return &auth.Credentials{Kind: auth.KindToken, Username: "root", Roles: []string{auth.RoleFullAdmin}}, nil
	}
	return nil, apierr.AccessDenied("Invalid token")
}

type fakeState struct {
	ready    bool
	shutdown bool
}

func (s *fakeState) BootID() string     { return "boot-1" }
func (s *fakeState) Version() string    { return "25.04.0" }
func (s *fakeState) Ready() bool        { return s.ready }
func (s *fakeState) ShuttingDown() bool { return s.shutdown }

func newTestServer(t *testing.T, state State) (*Server, *events.Broker) {
	t.Helper()
	bus := events.NewBroker()
	t.Cleanup(bus.Stop)
	bus.Register("test.event", "Test event")

	d := rpc.NewDispatcher(rpc.Options{})
	require.NoError(t, d.Register(service{ns: "test", methods: []rpc.Method{
		{
			Name:    "echo",
			NoAuthz: true,
			Params:  []rpc.Param{{Name: "value"}},
			Handler: func(_ context.Context, _ *rpc.Call, params []any) (any, error) { return params[0], nil },
		},
		{
			Name:    "public",
			NoAuth:  true,
			Handler: func(context.Context, *rpc.Call, []any) (any, error) { return "hello", nil },
		},
		{
			Name:   "login",
			NoAuth: true,
			Handler: func(_ context.Context, call *rpc.Call, _ []any) (any, error) {
				call.Session.SetCredentials(&auth.Credentials{Kind: auth.KindPassword, Username: "root", Roles: []string{auth.RoleFullAdmin}})
				return true, nil
			},
		},
		{
			Name:    "whoami",
			NoAuthz: true,
			Handler: func(_ context.Context, call *rpc.Call, _ []any) (any, error) {
				return string(call.Credentials().Kind), nil
			},
		},
	}}))

	return NewServer(Options{Dispatcher: d, Bus: bus, Authenticator: fakeAuth{}, State: state}), bus
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func readMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func TestWebsocketHandshake(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name    string
		req     rpc.Request
		wantMsg string
	}{
		{name: "supported version", req: rpc.Request{Msg: rpc.MsgConnect, Version: "1"}, wantMsg: rpc.MsgConnected},
		{name: "unsupported version", req: rpc.Request{Msg: rpc.MsgConnect, Version: "2"}, wantMsg: rpc.MsgFailed},
		{name: "method before connect", req: rpc.Request{Msg: rpc.MsgMethod, Method: "test.public"}, wantMsg: rpc.MsgFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dialWS(t, ts)
			require.NoError(t, ws.WriteJSON(tt.req))
			m := readMsg(t, ws)
			assert.Equal(t, tt.wantMsg, m["msg"])
			if tt.wantMsg == rpc.MsgConnected {
				assert.NotEmpty(t, m["session"])
			} else {
				assert.Equal(t, "1", m["version"])
			}
		})
	}
}

func TestWebsocketMethodCalls(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts)
	require.NoError(t, ws.WriteJSON(rpc.Request{Msg: rpc.MsgConnect, Version: "1"}))
	require.Equal(t, rpc.MsgConnected, readMsg(t, ws)["msg"])

	call := func(id, method string, params ...any) map[string]any {
		require.NoError(t, ws.WriteJSON(rpc.Request{ID: id, Msg: rpc.MsgMethod, Method: method, Params: params}))
		m := readMsg(t, ws)
		require.Equal(t, id, m["id"])
		return m
	}

	m := call("1", "test.public")
	assert.Equal(t, rpc.MsgResult, m["msg"])
	assert.Equal(t, "hello", m["result"])

	m = call("2", "test.echo", "x")
	assert.Equal(t, rpc.MsgError, m["msg"])
	assert.Equal(t, float64(unix.EACCES), m["error"].(map[string]any)["errno"])

	m = call("3", "test.nope")
	assert.Equal(t, rpc.MsgError, m["msg"])

	m = call("4", "test.login")
	assert.Equal(t, true, m["result"])

	m = call("5", "test.echo", map[string]any{"a": float64(1)})
	assert.Equal(t, rpc.MsgResult, m["msg"])
	assert.Equal(t, map[string]any{"a": float64(1)}, m["result"])

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "6", Msg: rpc.MsgPing}))
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgPong, m["msg"])
	assert.Equal(t, "6", m["id"])

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "7", Msg: "bogus"}))
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgError, m["msg"])
	assert.Equal(t, float64(unix.EINVAL), m["error"].(map[string]any)["errno"])
}

func TestWebsocketSubscriptions(t *testing.T) {
	srv, bus := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ws := dialWS(t, ts)
	require.NoError(t, ws.WriteJSON(rpc.Request{Msg: rpc.MsgConnect, Version: "1"}))
	readMsg(t, ws)

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "s1", Msg: rpc.MsgSub, Name: "test.event"}))
	m := readMsg(t, ws)
	assert.Equal(t, rpc.MsgNoSub, m["msg"], "subscriptions require a login")

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "l", Msg: rpc.MsgMethod, Method: "test.login"}))
	readMsg(t, ws)

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "s2", Msg: rpc.MsgSub, Name: "no.such.event"}))
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgNoSub, m["msg"])
	assert.Equal(t, "s2", m["id"])

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "s3", Msg: rpc.MsgSub, Name: "test.event"}))
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgReady, m["msg"])
	assert.Equal(t, []any{"s3"}, m["subs"])

	bus.Send("test.event", events.Added, float64(7), map[string]any{"name": "x"})
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgAdded, m["msg"])
	assert.Equal(t, "test.event", m["collection"])
	assert.Equal(t, float64(7), m["id"])
	assert.Equal(t, map[string]any{"name": "x"}, m["fields"])

	require.NoError(t, ws.WriteJSON(rpc.Request{ID: "s3", Msg: rpc.MsgUnsub}))
	m = readMsg(t, ws)
	assert.Equal(t, rpc.MsgNoSub, m["msg"])
	assert.Equal(t, "s3", m["id"])
}

func TestREST(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name       string
		method     string
		body       string
		setAuth    func(r *http.Request)
		wantStatus int
		wantBody   any
	}{
		{name: "public without credentials", method: "test.public", wantStatus: http.StatusOK, wantBody: "hello"},
		{name: "protected without credentials", method: "test.echo", body: `["x"]`, wantStatus: http.StatusUnauthorized},
		{
			name:       "basic auth",
			method:     "test.whoami",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret") },
			wantStatus: http.StatusOK,
			wantBody:   string(auth.KindPassword),
		},
		{
			name:       "bad basic auth",
			method:     "test.whoami",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "nope") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "bearer token",
			method:     "test.whoami",
			setAuth:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer good-token") },
			wantStatus: http.StatusOK,
			wantBody:   string(auth.KindToken),
		},
		{
			name:       "single param body",
			method:     "test.echo",
			body:       `{"k":"v"}`,
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret") },
			wantStatus: http.StatusOK,
			wantBody:   map[string]any{"k": "v"},
		},
		{
			name:       "unknown method",
			method:     "test.nope",
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret") },
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "too many params",
			method:     "test.echo",
			body:       `[1, 2]`,
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret") },
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid body",
			method:     "test.echo",
			body:       `[1,`,
			setAuth:    func(r *http.Request) { r.SetBasicAuth("root", "secret") },
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/current/"+tt.method, strings.NewReader(tt.body))
			require.NoError(t, err)
			if tt.setAuth != nil {
				tt.setAuth(req)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantBody != nil {
				var got any
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
				assert.Equal(t, tt.wantBody, got)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	metrics.SetCriticalComponents()
	defer metrics.SetCriticalComponents(metrics.DefaultCriticalComponents...)

	state := &fakeState{}
	srv, _ := newTestServer(t, state)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "25.04.0", health.Version)
	assert.Equal(t, "boot-1", health.BootID)

	tests := []struct {
		name       string
		ready      bool
		shutdown   bool
		wantStatus int
		wantCheck  string
	}{
		{name: "booting", wantStatus: http.StatusServiceUnavailable, wantCheck: "booting"},
		{name: "ready", ready: true, wantStatus: http.StatusOK, wantCheck: "ready"},
		{name: "shutting down", ready: true, shutdown: true, wantStatus: http.StatusServiceUnavailable, wantCheck: "shutting down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state.ready, state.shutdown = tt.ready, tt.shutdown
			w := get("/ready")
			assert.Equal(t, tt.wantStatus, w.Code)
			var resp ReadyResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCheck, resp.Checks["system"])
		})
	}

	assert.Equal(t, http.StatusOK, get("/health/components").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get("/nope").Code)
}

func TestGRPCHealth(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer()
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hc := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	srv.SetServing(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}
