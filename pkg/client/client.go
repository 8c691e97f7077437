package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultDialTimeout bounds the websocket handshake and the connect
// exchange.
const DefaultDialTimeout = 10 * time.Second

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client is closed")

// Event is an event pushed to a subscription.
type Event struct {
	Type       string
	Collection string
	ID         any
	Fields     map[string]any
}

// EventHandler receives events of a subscription on the client's read
// goroutine. It must not block.
type EventHandler func(*Event)

type message struct {
	Msg        string          `json:"msg"`
	ID         json.RawMessage `json:"id,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *apierr.Error   `json:"error,omitempty"`
	Subs       []string        `json:"subs,omitempty"`
	Collection string          `json:"collection,omitempty"`
	Fields     map[string]any  `json:"fields,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

type subscription struct {
	name    string
	handler EventHandler
	ready   chan error
}

// Client is a websocket RPC client for middlewared. It is safe for
// concurrent use; calls are multiplexed over one connection.
type Client struct {
	conn    *websocket.Conn
	session string
	logger  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	subs    map[string]*subscription
	err     error

	nextID atomic.Uint64
	done   chan struct{}
}

// Dial connects to the websocket endpoint at url, for example
// ws://127.0.0.1:6000/websocket, and performs the connect exchange.
// Network failures are reported as PeerUnreachable.
func Dial(ctx context.Context, url string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, apierr.PeerUnreachable(err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteJSON(rpc.Request{Msg: rpc.MsgConnect, Version: rpc.ProtocolVersion}); err != nil {
		conn.Close()
		return nil, apierr.PeerUnreachable(err)
	}
	var reply message
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, apierr.PeerUnreachable(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch reply.Msg {
	case rpc.MsgConnected:
	case rpc.MsgFailed:
		conn.Close()
		return nil, fmt.Errorf("server only supports protocol version %s", reply.Version)
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected connect reply %q", reply.Msg)
	}

	c := &Client{
		conn:    conn,
		session: reply.Session,
		logger:  log.WithComponent("client").With().Str("url", url).Logger(),
		pending: make(map[string]chan response),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Session returns the server-side session id.
func (c *Client) Session() string {
	return c.session
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}

// Call invokes method and returns its raw JSON result. For job methods the
// result is the job id; use CallJob to wait for the job instead.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if params == nil {
		params = []any{}
	}
	id := c.newID()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpc.Request{ID: id, Msg: rpc.MsgMethod, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// CallInto invokes method and decodes its result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// CallJob invokes a job method and waits for the job to finish, returning
// the job result.
func (c *Client) CallJob(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var id int64
	if err := c.CallInto(ctx, &id, method, params...); err != nil {
		return nil, err
	}
	return c.Call(ctx, "core.job_wait", id)
}

// Login authenticates the session with a username and password.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var ok bool
	if err := c.CallInto(ctx, &ok, "auth.login", username, password); err != nil {
		return err
	}
	if !ok {
		return apierr.AccessDenied("Invalid username or password")
	}
	return nil
}

// LoginWithToken authenticates the session with a token from
// auth.generate_token.
func (c *Client) LoginWithToken(ctx context.Context, token string) error {
	var ok bool
	if err := c.CallInto(ctx, &ok, "auth.login_with_token", token); err != nil {
		return err
	}
	if !ok {
		return apierr.AccessDenied("Invalid token")
	}
	return nil
}

// Ping checks the connection round trip.
func (c *Client) Ping(ctx context.Context) error {
	id := c.newID()
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpc.Request{ID: id, Msg: rpc.MsgPing}); err != nil {
		c.forget(id)
		return err
	}
	select {
	case r := <-ch:
		return r.err
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Subscribe starts receiving events named name, which may end in a "*"
// wildcard. The returned function ends the subscription.
func (c *Client) Subscribe(ctx context.Context, name string, handler EventHandler) (func(), error) {
	id := c.newID()
	sub := &subscription{name: name, handler: handler, ready: make(chan error, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.write(rpc.Request{ID: id, Msg: rpc.MsgSub, Name: name}); err != nil {
		c.dropSub(id)
		return nil, err
	}

	select {
	case err := <-sub.ready:
		if err != nil {
			c.dropSub(id)
			return nil, err
		}
	case <-ctx.Done():
		c.dropSub(id)
		return nil, ctx.Err()
	}

	return func() {
		if c.dropSub(id) {
			_ = c.write(rpc.Request{ID: id, Msg: rpc.MsgUnsub})
		}
	}, nil
}

func (c *Client) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(v); err != nil {
		return apierr.PeerUnreachable(err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) dropSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

func (c *Client) readLoop() {
	for {
		var m message
		if err := c.conn.ReadJSON(&m); err != nil {
			c.shutdown(apierr.PeerUnreachable(err))
			return
		}
		c.handle(&m)
	}
}

func (c *Client) handle(m *message) {
	switch m.Msg {
	case rpc.MsgResult, rpc.MsgError, rpc.MsgPong:
		id := rawID(m.ID)
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			return
		}
		if m.Msg == rpc.MsgError {
			ch <- response{err: remoteError(m.Error)}
			return
		}
		ch <- response{result: m.Result}

	case rpc.MsgReady:
		c.mu.Lock()
		var subs []*subscription
		for _, id := range m.Subs {
			if s, ok := c.subs[id]; ok {
				subs = append(subs, s)
			}
		}
		c.mu.Unlock()
		for _, s := range subs {
			select {
			case s.ready <- nil:
			default:
			}
		}

	case rpc.MsgNoSub:
		id := rawID(m.ID)
		c.mu.Lock()
		s, ok := c.subs[id]
		c.mu.Unlock()
		if !ok {
			return
		}
		err := remoteError(m.Error)
		if err == nil {
			err = fmt.Errorf("subscription to %s ended", s.name)
		}
		select {
		case s.ready <- err:
		default:
		}

	case rpc.MsgAdded, rpc.MsgChanged, rpc.MsgRemoved:
		e := &Event{
			Type:       m.Msg,
			Collection: m.Collection,
			ID:         decodeAny(m.ID),
			Fields:     m.Fields,
		}
		c.mu.Lock()
		var handlers []EventHandler
		for _, s := range c.subs {
			if events.Match(s.name, m.Collection) {
				handlers = append(handlers, s.handler)
			}
		}
		c.mu.Unlock()
		for _, h := range handlers {
			h(e)
		}

	default:
		c.logger.Debug().Str("msg", m.Msg).Msg("Ignoring unexpected message")
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[string]chan response)
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- response{err: err}
	}
	close(c.done)
}

func remoteError(e *apierr.Error) error {
	if e == nil {
		return nil
	}
	if e.Kind == "" {
		e.Kind = apierr.KindService
	}
	return e
}

func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
