package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/cuemby/middlewared/pkg/rpc"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Authenticator checks REST credentials.
type Authenticator interface {
	AuthenticatePassword(username, password string) (*auth.Credentials, error)
	AuthenticateToken(token string) (*auth.Credentials, error)
}

// State is the node state exposed by the health endpoints.
type State interface {
	BootID() string
	Version() string
	Ready() bool
	ShuttingDown() bool
}

// Options configures a Server.
type Options struct {
	Dispatcher    *rpc.Dispatcher
	Bus           *events.Broker
	Authenticator Authenticator
	State         State
}

// Server serves the websocket and REST RPC surfaces plus the health and
// metrics endpoints.
type Server struct {
	dispatcher *rpc.Dispatcher
	bus        *events.Broker
	authn      Authenticator
	state      State
	router     *gin.Engine
	http       *http.Server
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		dispatcher: opts.Dispatcher,
		bus:        opts.Bus,
		authn:      opts.Authenticator,
		state:      opts.State,
		logger:     log.WithComponent("api"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/websocket", s.handleWebsocket)
	r.POST("/api/current/:method", s.restAuth(), s.handleREST)
	r.GET("/health", s.healthHandler)
	r.GET("/health/components", gin.WrapF(metrics.HealthHandler()))
	r.GET("/ready", s.readyHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.router = r
	return s
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP API listening")
	if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/live" {
			return
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

const sessionKey = "middlewared_session"

// restAuth authenticates a REST request with Basic or Bearer credentials.
// Requests without credentials get an unauthenticated session, so NoAuth
// methods remain callable.
func (s *Server) restAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := rpc.NewSession(c.ClientIP(), rpc.TransportREST)

		header := c.GetHeader("Authorization")
		if header != "" && s.authn != nil {
			var (
				creds *auth.Credentials
				err   error
			)
			if token, ok := strings.CutPrefix(header, "Bearer "); ok {
				creds, err = s.authn.AuthenticateToken(strings.TrimSpace(token))
			} else if user, pass, ok := c.Request.BasicAuth(); ok {
				creds, err = s.authn.AuthenticatePassword(user, pass)
			} else {
				err = apierr.AccessDenied("Unsupported authorization scheme")
			}
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, apierr.ToWire(err))
				return
			}
			sess.SetCredentials(creds)
		}

		c.Set(sessionKey, sess)
		c.Next()
	}
}

func (s *Server) handleREST(c *gin.Context) {
	sess := c.MustGet(sessionKey).(*rpc.Session)
	method := c.Param("method")

	params, err := decodeParams(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, apierr.ToWire(apierr.New(int(unix.EINVAL), "Invalid request body: %v", err)))
		return
	}

	result, err := s.dispatcher.Dispatch(c.Request.Context(), sess, "", method, params)
	if err != nil {
		werr := apierr.ToWire(err)
		c.JSON(httpStatus(err, sess), werr)
		return
	}
	c.JSON(http.StatusOK, result)
}

// decodeParams reads a JSON array of positional params. Any other JSON
// value is a single param and an empty body means no params.
func decodeParams(body io.Reader) ([]any, error) {
	data, err := io.ReadAll(io.LimitReader(body, 64<<20))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	if arr, ok := v.([]any); ok {
		return arr, nil
	}
	return []any{v}, nil
}

func httpStatus(err error, sess *rpc.Session) int {
	switch {
	case errors.Is(err, apierr.ErrMethodNotFound):
		return http.StatusNotFound
	case errors.Is(err, apierr.ErrAccessDenied):
		if !sess.Authenticated() {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.Is(err, apierr.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apierr.ErrQueueFull):
		return http.StatusConflict
	case errors.Is(err, apierr.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
