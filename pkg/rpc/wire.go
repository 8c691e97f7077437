package rpc

import (
	"strings"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
)

// Message types of the duplex protocol.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgError     = "error"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgReady     = "ready"
	MsgNoSub     = "nosub"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
)

// ProtocolVersion is the only protocol version spoken.
const ProtocolVersion = "1"

// Request is any client message.
type Request struct {
	ID      string `json:"id,omitempty"`
	Msg     string `json:"msg"`
	Method  string `json:"method,omitempty"`
	Params  []any  `json:"params,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// ConnectedMessage acknowledges a connect.
type ConnectedMessage struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

// FailedMessage rejects a connect.
type FailedMessage struct {
	Msg     string `json:"msg"`
	Version string `json:"version"`
}

// ResultMessage carries a successful call result. For job methods Result is
// the job id.
type ResultMessage struct {
	ID     string `json:"id"`
	Msg    string `json:"msg"`
	Result any    `json:"result"`
}

// ErrorMessage carries a failed call.
type ErrorMessage struct {
	ID    string        `json:"id"`
	Msg   string        `json:"msg"`
	Error *apierr.Error `json:"error"`
}

// SubscriptionMessage answers sub (ready) or reports a refused or ended
// subscription (nosub).
type SubscriptionMessage struct {
	Msg   string        `json:"msg"`
	ID    string        `json:"id,omitempty"`
	Subs  []string      `json:"subs,omitempty"`
	Error *apierr.Error `json:"error,omitempty"`
}

// PongMessage answers ping.
type PongMessage struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// EventMessage pushes an event to a subscriber.
type EventMessage struct {
	Msg        string         `json:"msg"`
	Collection string         `json:"collection"`
	ID         any            `json:"id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewResult builds a result message.
func NewResult(id string, result any) *ResultMessage {
	return &ResultMessage{ID: id, Msg: MsgResult, Result: result}
}

// NewError builds an error message from any error.
func NewError(id string, err error) *ErrorMessage {
	return &ErrorMessage{ID: id, Msg: MsgError, Error: apierr.ToWire(err)}
}

// NewEvent converts a bus event into its wire form.
func NewEvent(e *events.Event) *EventMessage {
	return &EventMessage{
		Msg:        strings.ToLower(string(e.Type)),
		Collection: e.Name,
		ID:         e.ID,
		Fields:     e.Fields,
	}
}
