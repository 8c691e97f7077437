package alert

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventName is the event alerts are published on.
const EventName = "alert.list"

// Level is the severity of an alert
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Class describes a kind of alert. Text may reference args as {name}.
type Class struct {
	Name  string
	Level Level
	Title string
	Text  string
	// Keys selects the args compared by OneshotDelete. nil compares all
	// args, an empty slice matches every alert of the class.
	Keys []string
}

// Built-in alert classes raised by the runtime itself.
var (
	FailoverSyncFailed = Class{
		Name:  "FailoverSyncFailed",
		Level: LevelCritical,
		Title: "Database Replication to Standby Controller Failed",
		Text:  "Failed to replicate database changes to the standby controller: {error}.",
		Keys:  []string{},
	}
	OSVersionMismatch = Class{
		Name:  "OSVersionMismatch",
		Level: LevelCritical,
		Title: "Controllers Run Different Software Versions",
		Text:  "Local version {local} differs from standby version {remote}. Database changes are held until both match.",
		Keys:  []string{},
	}
	UnableToDetermineOSVersion = Class{
		Name:  "UnableToDetermineOSVersion",
		Level: LevelWarning,
		Title: "Unable to Determine Standby Software Version",
		Text:  "Unable to determine the software version of the standby controller: {error}.",
		Keys:  []string{},
	}
	DLMFailure = Class{
		Name:  "DLMFailure",
		Level: LevelCritical,
		Title: "Distributed Lock Manager Operation Failed",
		Text:  "DLM operation {operation} failed: {error}.",
		Keys:  []string{"operation"},
	}
)

// Alert is a single raised alert
type Alert struct {
	UUID           string         `json:"uuid"`
	Klass          string         `json:"klass"`
	Level          Level          `json:"level"`
	Args           map[string]any `json:"args"`
	Key            string         `json:"key"`
	Formatted      string         `json:"formatted"`
	Node           string         `json:"node,omitempty"`
	Datetime       time.Time      `json:"datetime"`
	LastOccurrence time.Time      `json:"last_occurrence"`
	Dismissed      bool           `json:"dismissed"`
}

func (a *Alert) fields() map[string]any {
	return map[string]any{
		"uuid":            a.UUID,
		"klass":           a.Klass,
		"level":           string(a.Level),
		"args":            a.Args,
		"key":             a.Key,
		"formatted":       a.Formatted,
		"node":            a.Node,
		"datetime":        a.Datetime,
		"last_occurrence": a.LastOccurrence,
		"dismissed":       a.Dismissed,
	}
}

// Manager keeps the one-shot alerts raised on this node.
type Manager struct {
	bus    *events.Broker
	node   string
	logger zerolog.Logger

	mu      sync.RWMutex
	classes map[string]Class
	alerts  map[string]*Alert // by uuid
}

// NewManager creates a new alert manager with the built-in classes
// registered.
func NewManager(bus *events.Broker, node string) *Manager {
	if bus == nil {
		bus = events.NewBroker()
	}
	bus.Register(EventName, "Alert raised, dismissed or cleared")
	m := &Manager{
		bus:     bus,
		node:    node,
		logger:  log.WithComponent("alert"),
		classes: make(map[string]Class),
		alerts:  make(map[string]*Alert),
	}
	for _, c := range []Class{FailoverSyncFailed, OSVersionMismatch, UnableToDetermineOSVersion, DLMFailure} {
		_ = m.RegisterClass(c)
	}
	return m
}

// RegisterClass adds an alert class. Registering a name twice replaces
// the class.
func (m *Manager) RegisterClass(c Class) error {
	if c.Name == "" {
		return fmt.Errorf("alert class name is required")
	}
	if c.Level == "" {
		c.Level = LevelWarning
	}
	m.mu.Lock()
	m.classes[c.Name] = c
	m.mu.Unlock()
	return nil
}

// OneshotCreate raises an alert of the named class. An alert with the same
// class and args only has its last occurrence refreshed.
func (m *Manager) OneshotCreate(klass string, args map[string]any) (*Alert, error) {
	m.mu.Lock()
	c, ok := m.classes[klass]
	if !ok {
		m.mu.Unlock()
		return nil, apierr.NotFound(fmt.Sprintf("alert class %s", klass))
	}
	key := alertKey(args)
	now := time.Now().UTC()

	for _, a := range m.alerts {
		if a.Klass == klass && a.Key == key {
			a.LastOccurrence = now
			out := *a
			m.mu.Unlock()
			return &out, nil
		}
	}

	a := &Alert{
		UUID:           uuid.New().String(),
		Klass:          klass,
		Level:          c.Level,
		Args:           args,
		Key:            key,
		Formatted:      format(c, args),
		Node:           m.node,
		Datetime:       now,
		LastOccurrence: now,
	}
	m.alerts[a.UUID] = a
	out := *a
	m.mu.Unlock()

	m.logger.Warn().Str("klass", klass).Str("level", string(a.Level)).Msg(a.Formatted)
	m.bus.Send(EventName, events.Added, a.UUID, out.fields())
	return &out, nil
}

// OneshotDelete clears alerts of the named class matching query, according
// to the class Keys. It returns how many were removed.
func (m *Manager) OneshotDelete(klass string, query map[string]any) int {
	m.mu.Lock()
	c := m.classes[klass]
	var removed []*Alert
	for id, a := range m.alerts {
		if a.Klass != klass || !matches(c, a.Args, query) {
			continue
		}
		delete(m.alerts, id)
		removed = append(removed, a)
	}
	m.mu.Unlock()

	for _, a := range removed {
		m.logger.Info().Str("klass", klass).Msg("Alert cleared")
		m.bus.Send(EventName, events.Removed, a.UUID, nil)
	}
	return len(removed)
}

// Dismiss marks an alert as seen by the operator.
func (m *Manager) Dismiss(id string) error {
	return m.setDismissed(id, true)
}

// Restore undoes Dismiss.
func (m *Manager) Restore(id string) error {
	return m.setDismissed(id, false)
}

func (m *Manager) setDismissed(id string, dismissed bool) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFound(fmt.Sprintf("alert %s", id))
	}
	a.Dismissed = dismissed
	fields := a.fields()
	m.mu.Unlock()

	m.bus.Send(EventName, events.Changed, id, fields)
	return nil
}

// Has reports whether an alert of the named class is raised.
func (m *Manager) Has(klass string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.Klass == klass {
			return true
		}
	}
	return false
}

// List returns all alerts, most severe first, then oldest first.
func (m *Manager) List() []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, *a)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if li, lj := severity(out[i].Level), severity(out[j].Level); li != lj {
			return li > lj
		}
		return out[i].Datetime.Before(out[j].Datetime)
	})
	return out
}

// Classes returns the registered classes sorted by name.
func (m *Manager) Classes() []Class {
	m.mu.RLock()
	out := make([]Class, 0, len(m.classes))
	for _, c := range m.classes {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func severity(l Level) int {
	switch l {
	case LevelCritical:
		return 4
	case LevelError:
		return 3
	case LevelWarning:
		return 2
	default:
		return 1
	}
}

func alertKey(args map[string]any) string {
	// encoding/json sorts map keys
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprint(args)
	}
	return string(b)
}

func matches(c Class, args, query map[string]any) bool {
	if c.Keys == nil {
		return reflect.DeepEqual(normalize(args), normalize(query))
	}
	for _, k := range c.Keys {
		if !reflect.DeepEqual(normalize(args[k]), normalize(query[k])) {
			return false
		}
	}
	return true
}

// normalize round-trips v through JSON so that values from the wire and
// values built in Go compare equal.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func format(c Class, args map[string]any) string {
	text := c.Text
	if text == "" {
		return c.Title
	}
	pairs := make([]string, 0, 2*len(args))
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
