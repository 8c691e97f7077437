package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// conn is one websocket client. Calls are served concurrently; writes are
// serialized.
type conn struct {
	server  *Server
	ws      *websocket.Conn
	session *rpc.Session
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*events.Subscription
}

func (s *Server) handleWebsocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Problem initiating websocket")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	sess := rpc.NewSession(c.ClientIP(), rpc.TransportWebsocket)
	ctx, cancel := context.WithCancel(context.Background())
	cn := &conn{
		server:  s,
		ws:      ws,
		session: sess,
		logger:  log.WithSessionID(sess.ID),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*events.Subscription),
	}
	cn.serve()
}

func (c *conn) serve() {
	defer c.close()
	c.logger.Debug().Str("origin", c.session.Origin).Msg("Websocket client connected")

	if !c.handshake() {
		return
	}

	for {
		var req rpc.Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Websocket read failed")
			}
			return
		}
		c.handle(&req)
	}
}

func (c *conn) handshake() bool {
	var req rpc.Request
	if err := c.ws.ReadJSON(&req); err != nil {
		return false
	}
	if req.Msg != rpc.MsgConnect || req.Version != rpc.ProtocolVersion {
		_ = c.send(&rpc.FailedMessage{Msg: rpc.MsgFailed, Version: rpc.ProtocolVersion})
		return false
	}
	return c.send(&rpc.ConnectedMessage{Msg: rpc.MsgConnected, Session: c.session.ID}) == nil
}

func (c *conn) handle(req *rpc.Request) {
	switch req.Msg {
	case rpc.MsgMethod:
		c.calls.Add(1)
		go func() {
			defer c.calls.Done()
			c.call(req)
		}()
	case rpc.MsgSub:
		c.subscribe(req)
	case rpc.MsgUnsub:
		c.unsubscribe(req.ID)
	case rpc.MsgPing:
		_ = c.send(&rpc.PongMessage{Msg: rpc.MsgPong, ID: req.ID})
	default:
		_ = c.send(rpc.NewError(req.ID, apierr.New(int(unix.EINVAL), "Unknown message type %q", req.Msg)))
	}
}

func (c *conn) call(req *rpc.Request) {
	result, err := c.server.dispatcher.Dispatch(c.ctx, c.session, req.ID, req.Method, req.Params)
	if err != nil {
		_ = c.send(rpc.NewError(req.ID, err))
		return
	}
	_ = c.send(rpc.NewResult(req.ID, result))
}

func (c *conn) subscribe(req *rpc.Request) {
	if !c.session.Authenticated() {
		_ = c.send(&rpc.SubscriptionMessage{Msg: rpc.MsgNoSub, ID: req.ID, Error: apierr.AccessDenied("Not authenticated")})
		return
	}
	if req.Name == "" || !c.server.knownEvent(req.Name) {
		_ = c.send(&rpc.SubscriptionMessage{Msg: rpc.MsgNoSub, ID: req.ID, Error: apierr.NotFound("event " + req.Name)})
		return
	}

	sub := c.server.bus.Subscribe(req.Name, func(e *events.Event) {
		_ = c.send(rpc.NewEvent(e))
	})

	c.mu.Lock()
	if old, ok := c.subs[req.ID]; ok {
		old.Close()
	}
	c.subs[req.ID] = sub
	c.mu.Unlock()

	_ = c.send(&rpc.SubscriptionMessage{Msg: rpc.MsgReady, Subs: []string{req.ID}})
}

func (c *conn) unsubscribe(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
		_ = c.send(&rpc.SubscriptionMessage{Msg: rpc.MsgNoSub, ID: id})
	}
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode message")
		data, _ = json.Marshal(rpc.NewError(messageID(v), apierr.New(int(unix.EFAULT), "Failed to encode result: %v", err)))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug().Err(err).Msg("Websocket write failed")
		c.cancel()
		return err
	}
	return nil
}

func (c *conn) close() {
	c.cancel()

	c.mu.Lock()
	for id, sub := range c.subs {
		sub.Close()
		delete(c.subs, id)
	}
	c.mu.Unlock()

	c.calls.Wait()
	_ = c.ws.Close()
	c.logger.Debug().Msg("Websocket client disconnected")
}

func (s *Server) knownEvent(name string) bool {
	if strings.HasSuffix(name, "*") {
		return true
	}
	for _, e := range s.bus.Registered() {
		if e.Name == name {
			return true
		}
	}
	return false
}

func messageID(v any) string {
	if r, ok := v.(*rpc.ResultMessage); ok {
		return r.ID
	}
	return ""
}
