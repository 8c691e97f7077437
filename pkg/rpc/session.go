package rpc

import (
	"sync"

	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/google/uuid"
)

// Transports a session can arrive on.
const (
	TransportWebsocket = "WEBSOCKET"
	TransportREST      = "REST"
	TransportInternal  = "INTERNAL"
)

// Session is one client connection. Credentials are nil until the client
// authenticates.
type Session struct {
	ID        string
	Origin    string
	Transport string

	mu          sync.RWMutex
	credentials *auth.Credentials
}

// NewSession creates a new unauthenticated session
func NewSession(origin, transport string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		Origin:    origin,
		Transport: transport,
	}
}

// InternalSession is the session of calls made by middlewared itself.
func InternalSession() *Session {
	s := NewSession("", TransportInternal)
	s.credentials = auth.Internal()
	return s
}

// Credentials returns the session credentials, or nil.
func (s *Session) Credentials() *auth.Credentials {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credentials
}

// SetCredentials authenticates the session.
func (s *Session) SetCredentials(c *auth.Credentials) {
	s.mu.Lock()
	s.credentials = c
	s.mu.Unlock()
}

// Authenticated reports whether the session has credentials.
func (s *Session) Authenticated() bool {
	return s.Credentials() != nil
}

// Username returns the authenticated user name, or "".
func (s *Session) Username() string {
	if c := s.Credentials(); c != nil {
		return c.Username
	}
	return ""
}

// Call is the context of one dispatched call.
type Call struct {
	ID      string
	Method  string
	Session *Session

	mu       sync.Mutex
	messages []string
}

// AuditMessage adds detail to the call's audit record description, e.g. the
// name of the object the call resolved to.
func (c *Call) AuditMessage(msg string) {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

func (c *Call) auditMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// Credentials returns the caller's credentials.
func (c *Call) Credentials() *auth.Credentials {
	return c.Session.Credentials()
}
