package hajournal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/hooks"
)

// HookID identifies the post-write hook that feeds the queue.
const HookID = "hajournal"

type item struct {
	entry Entry
	reset bool
}

// Queue is an unbounded in-memory queue between committed writes and the
// syncer. Put never blocks, so it is safe to call with the datastore
// write lock held.
type Queue struct {
	mu     sync.Mutex
	items  []item
	notify chan struct{}
}

// NewQueue creates a new Queue
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Put enqueues a statement.
func (q *Queue) Put(e Entry) {
	q.push(item{entry: e})
}

// PutReset enqueues the marker telling the syncer that the whole database
// was shipped to the peer and pending entries are obsolete.
func (q *Queue) PutReset() {
	q.push(item{reset: true})
}

func (q *Queue) push(it item) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) drain() []item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Wait blocks until an item is queued, ctx is done or timeout elapses.
// A timeout of zero waits indefinitely. It reports whether items are
// available.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-q.notify:
		return q.Len() > 0
	case <-expired:
	case <-ctx.Done():
	}
	return q.Len() > 0
}

// Hook returns the inline post-write hook that enqueues every committed
// statement.
func (q *Queue) Hook() hooks.Hook {
	return hooks.Hook{
		ID:     HookID,
		Inline: true,
		Fn: func(ctx context.Context, args ...any) error {
			if len(args) < 2 {
				return fmt.Errorf("unexpected post-write hook args: %v", args)
			}
			query, ok := args[0].(string)
			if !ok {
				return fmt.Errorf("unexpected statement type %T", args[0])
			}
			params, _ := args[1].([]any)
			e, err := NewEntry(query, params)
			if err != nil {
				return fmt.Errorf("failed to journal %q: %w", query, err)
			}
			q.Put(e)
			return nil
		},
	}
}
