package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recorder) handle(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"core.get_jobs", "core.get_jobs", true},
		{"core.get_jobs", "core.get_job", false},
		{"core.*", "core.get_jobs", true},
		{"core.*", "corex.get_jobs", false},
		{"core.*", "core", false},
		{"*", "anything.at.all", true},
		{"system", "system", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestSubscribeAndSend(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	var exact, wildcard recorder
	b.Subscribe("alert.list", exact.handle)
	b.Subscribe("alert.*", wildcard.handle)

	b.Send("alert.list", Added, "FailoverSyncFailed", map[string]any{"level": "CRITICAL"})
	b.Send("alert.other", Changed, nil, nil)
	b.Send("system", Changed, nil, nil)

	assert.Eventually(t, func() bool { return exact.len() == 1 && wildcard.len() == 2 },
		time.Second, 5*time.Millisecond)

	exact.mu.Lock()
	e := exact.events[0]
	exact.mu.Unlock()
	assert.Equal(t, Added, e.Type)
	assert.Equal(t, "FailoverSyncFailed", e.ID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	var got []int
	var mu sync.Mutex
	b.Subscribe("core.get_jobs", func(e *Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Fields["n"].(int))
	})

	const n = 500
	for i := 0; i < n; i++ {
		b.Send("core.get_jobs", Changed, 1, map[string]any{"n": i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	release := make(chan struct{})
	b.Subscribe("disk.*", func(*Event) { <-release })

	var fast recorder
	b.Subscribe("disk.*", fast.handle)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Send("disk.query", Changed, i, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Eventually(t, func() bool { return fast.len() == 100 }, time.Second, 5*time.Millisecond)
	close(release)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	var r recorder
	sub := b.Subscribe("*", r.handle)
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	b.Send("x", Added, nil, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, r.len())
}

func TestPanickingHandlerKeepsSubscription(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	var r recorder
	b.Subscribe("x", func(e *Event) {
		if e.ID == 1 {
			panic("boom")
		}
		r.handle(e)
	})

	b.Send("x", Added, 1, nil)
	b.Send("x", Added, 2, nil)
	assert.Eventually(t, func() bool { return r.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistered(t *testing.T) {
	b := NewBroker()
	b.Register("system", "System state changed")
	b.Register("alert.list", "Alert raised or cleared")

	infos := b.Registered()
	require.Len(t, infos, 2)
	assert.Equal(t, "alert.list", infos[0].Name)
}
