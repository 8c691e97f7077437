package events

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
)

// EventType represents the type of change an event describes
type EventType string

const (
	Added   EventType = "ADDED"
	Changed EventType = "CHANGED"
	Removed EventType = "REMOVED"
)

// Event is a single notification on the bus
type Event struct {
	Name      string         `json:"name"`
	Type      EventType      `json:"type"`
	ID        any            `json:"id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events for a subscription. Handlers for one
// subscription are called sequentially in send order.
type Handler func(*Event)

// Broker manages event subscriptions and distribution
type Broker struct {
	mu          sync.RWMutex
	subscribers map[uint64]*Subscription
	registered  map[string]string
	nextID      uint64
	closed      bool
	logger      zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[uint64]*Subscription),
		registered:  make(map[string]string),
		logger:      log.WithComponent("events"),
	}
}

// Register declares an event name for introspection.
func (b *Broker) Register(name, doc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered[name] = doc
}

// Registered returns the declared events sorted by name.
func (b *Broker) Registered() []EventInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]EventInfo, 0, len(b.registered))
	for name, doc := range b.registered {
		out = append(out, EventInfo{Name: name, Description: doc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EventInfo describes a registered event.
type EventInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Subscribe registers handler for every event whose name matches pattern.
// A pattern is an exact name, "prefix.*" or "*". The returned subscription
// must be closed to stop delivery.
func (b *Broker) Subscribe(pattern string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		handler: handler,
		broker:  b,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if b.closed {
		close(sub.done)
		return sub
	}
	b.subscribers[sub.id] = sub
	metrics.EventSubscribers.Inc()
	go sub.run(b.logger)
	return sub
}

// Send publishes an event built from its parts.
func (b *Broker) Send(name string, typ EventType, id any, fields map[string]any) {
	b.Publish(&Event{Name: name, Type: typ, ID: id, Fields: fields})
}

// Publish publishes an event to all matching subscribers. It never blocks
// on a subscriber: each subscription has its own unbounded queue.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	metrics.EventsPublished.Inc()
	for _, sub := range b.subscribers {
		if Match(sub.pattern, event.Name) {
			sub.enqueue(event)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stop closes every subscription. Publishing afterwards is a no-op.
func (b *Broker) Stop() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		metrics.EventSubscribers.Dec()
	}
}

// Match reports whether name matches a subscription pattern.
func Match(pattern, name string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(name, pattern[:len(pattern)-1])
	default:
		return pattern == name
	}
}

// Subscription is one registered (pattern, handler) pair.
type Subscription struct {
	id      uint64
	pattern string
	handler Handler
	broker  *Broker

	mu    sync.Mutex
	queue []*Event
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Pattern returns the subscription pattern.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Close stops delivery. Events already queued are dropped. Calling Close
// more than once is a no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.id)
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	})
}

func (s *Subscription) enqueue(e *Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(logger zerolog.Logger) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, e := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.deliver(logger, e)
			}
		}
	}
}

func (s *Subscription) deliver(logger zerolog.Logger, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event", e.Name).
				Str("pattern", s.pattern).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	s.handler(e)
}
