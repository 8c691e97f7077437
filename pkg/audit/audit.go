package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuemby/middlewared/pkg/datastore"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// EventName is the event audit records are published on.
	EventName = "audit.record"

	// Table holds the audit trail.
	Table = "audit_log"

	// Redacted replaces the value of sensitive fields.
	Redacted = "********"

	// fixed width so that timestamps sort lexically
	tsLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Status is the outcome of an audited call
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// sensitive lists the field names whose values never reach storage or the
// event bus.
var sensitive = map[string]bool{
	"password":   true,
	"secret":     true,
	"bindpw":     true,
	"passphrase": true,
	"token":      true,
}

// Entry describes an audited call when it starts.
type Entry struct {
	SessionID     string
	Username      string
	Address       string
	Event         string
	Method        string
	Params        any
	Description   string
	Authenticated bool
	Authorized    bool
}

// Record is a persisted audit record
type Record struct {
	ID            string    `json:"audit_id"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session"`
	Username      string    `json:"username"`
	Address       string    `json:"address"`
	Event         string    `json:"event"`
	Method        string    `json:"method"`
	Params        any       `json:"params"`
	Description   string    `json:"description"`
	Authenticated bool      `json:"authenticated"`
	Authorized    bool      `json:"authorized"`
	Status        Status    `json:"result_status"`
}

func (r *Record) fields() map[string]any {
	return map[string]any{
		"audit_id":      r.ID,
		"timestamp":     r.Timestamp,
		"session":       r.SessionID,
		"username":      r.Username,
		"address":       r.Address,
		"event":         r.Event,
		"method":        r.Method,
		"params":        r.Params,
		"description":   r.Description,
		"authenticated": r.Authenticated,
		"authorized":    r.Authorized,
		"result_status": string(r.Status),
	}
}

// Auditor writes the audit trail. Records go through the datastore's raw
// Execute so they stay local to this node and are never replicated.
type Auditor struct {
	db     *datastore.Engine
	bus    *events.Broker
	logger zerolog.Logger
}

// NewAuditor creates a new auditor
func NewAuditor(db *datastore.Engine, bus *events.Broker) *Auditor {
	if bus == nil {
		bus = events.NewBroker()
	}
	bus.Register(EventName, "Audit record written or completed")
	return &Auditor{
		db:     db,
		bus:    bus,
		logger: log.WithComponent("audit"),
	}
}

// Setup creates the audit table if needed.
func (a *Auditor) Setup(ctx context.Context) error {
	_, err := a.db.Execute(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
		audit_id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		session TEXT,
		username TEXT,
		address TEXT,
		event TEXT NOT NULL,
		method TEXT,
		params TEXT,
		description TEXT,
		authenticated INTEGER NOT NULL DEFAULT 0,
		authorized INTEGER NOT NULL DEFAULT 0,
		result_status TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

// Begin persists a PENDING record for a call about to be dispatched and
// publishes it.
func (a *Auditor) Begin(ctx context.Context, e Entry) (*Record, error) {
	if e.Event == "" {
		e.Event = "METHOD_CALL"
	}
	rec := &Record{
		ID:            uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SessionID:     e.SessionID,
		Username:      e.Username,
		Address:       e.Address,
		Event:         e.Event,
		Method:        e.Method,
		Params:        Redact(e.Params),
		Description:   e.Description,
		Authenticated: e.Authenticated,
		Authorized:    e.Authorized,
		Status:        StatusPending,
	}

	params, err := json.Marshal(rec.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit params: %w", err)
	}
	query, args, err := sq.Insert(Table).
		Columns("audit_id", "timestamp", "session", "username", "address", "event", "method",
			"params", "description", "authenticated", "authorized", "result_status").
		Values(rec.ID, rec.Timestamp.Format(tsLayout), rec.SessionID, rec.Username, rec.Address,
			rec.Event, rec.Method, string(params), rec.Description, rec.Authenticated, rec.Authorized,
			string(rec.Status)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build audit insert: %w", err)
	}
	if _, err := a.db.Execute(ctx, query, args...); err != nil {
		metrics.AuditRecords.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to write audit record: %w", err)
	}

	a.bus.Send(EventName, events.Added, rec.ID, rec.fields())
	return rec, nil
}

// Finish records the outcome of the call on the record created by Begin.
// Messages reported by the handler are appended to the description.
func (a *Auditor) Finish(ctx context.Context, rec *Record, success bool, messages ...string) error {
	rec.Status = StatusFailure
	if success {
		rec.Status = StatusSuccess
	}
	if len(messages) > 0 {
		rec.Description = strings.TrimSpace(rec.Description + " " + strings.Join(messages, "; "))
	}

	query, args, err := sq.Update(Table).
		Set("result_status", string(rec.Status)).
		Set("description", rec.Description).
		Where(sq.Eq{"audit_id": rec.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build audit update: %w", err)
	}
	if _, err := a.db.Execute(ctx, query, args...); err != nil {
		metrics.AuditRecords.WithLabelValues("error").Inc()
		a.logger.Error().Err(err).Str("audit_id", rec.ID).Msg("Failed to complete audit record")
		return fmt.Errorf("failed to update audit record: %w", err)
	}
	metrics.AuditRecords.WithLabelValues(string(rec.Status)).Inc()

	a.bus.Send(EventName, events.Changed, rec.ID, rec.fields())
	return nil
}

// Log writes a record that is complete from the start, e.g. a call that was
// rejected before dispatch.
func (a *Auditor) Log(ctx context.Context, e Entry, success bool) (*Record, error) {
	rec, err := a.Begin(ctx, e)
	if err != nil {
		return nil, err
	}
	return rec, a.Finish(ctx, rec, success)
}

// Filter narrows Query.
type Filter struct {
	Username string
	Method   string
	Status   Status
	Since    time.Time
	Limit    uint64
}

// Query returns records matching f, newest first.
func (a *Auditor) Query(ctx context.Context, f Filter) ([]Record, error) {
	q := sq.Select("audit_id", "timestamp", "session", "username", "address", "event", "method",
		"params", "description", "authenticated", "authorized", "result_status").
		From(Table).
		OrderBy("timestamp DESC")
	if f.Username != "" {
		q = q.Where(sq.Eq{"username": f.Username})
	}
	if f.Method != "" {
		q = q.Where(sq.Eq{"method": f.Method})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"result_status": string(f.Status)})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": f.Since.UTC().Format(tsLayout)})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	rows, err := a.db.Fetchall(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func fromRow(row datastore.Row) Record {
	rec := Record{
		ID:            asString(row["audit_id"]),
		SessionID:     asString(row["session"]),
		Username:      asString(row["username"]),
		Address:       asString(row["address"]),
		Event:         asString(row["event"]),
		Method:        asString(row["method"]),
		Description:   asString(row["description"]),
		Authenticated: asBool(row["authenticated"]),
		Authorized:    asBool(row["authorized"]),
		Status:        Status(asString(row["result_status"])),
	}
	rec.Timestamp, _ = time.Parse(tsLayout, asString(row["timestamp"]))
	if p := asString(row["params"]); p != "" {
		_ = json.Unmarshal([]byte(p), &rec.Params)
	}
	return rec
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asBool(v any) bool {
	switch b := v.(type) {
	case int64:
		return b != 0
	case bool:
		return b
	default:
		return false
	}
}

// Redact returns a copy of v with every sensitive field replaced by
// Redacted, at any depth. v is not modified.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitive[strings.ToLower(k)] {
				out[k] = Redacted
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}
