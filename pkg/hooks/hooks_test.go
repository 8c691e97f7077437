package hooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(2)
	fn := func(context.Context, ...any) error { return nil }

	require.NoError(t, r.Register("x", Hook{ID: "journal", Fn: fn, Inline: true}))
	require.NoError(t, r.Register("x", Hook{ID: "journal", Fn: fn, Inline: true}))
	assert.Len(t, r.Hooks("x"), 1)

	assert.True(t, r.Unregister("x", "journal"))
	assert.False(t, r.Unregister("x", "journal"))
	assert.Empty(t, r.Hooks("x"))
	assert.Empty(t, r.Slots())
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry(1)
	fn := func(context.Context, ...any) error { return nil }

	tests := []struct {
		name string
		hook Hook
	}{
		{"missing id", Hook{Fn: fn}},
		{"missing fn", Hook{ID: "a"}},
		{"inline blockable", Hook{ID: "a", Fn: fn, Inline: true, Blockable: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.Register("slot", tt.hook))
		})
	}
}

func TestCallInlineOrderAndErrors(t *testing.T) {
	r := NewRegistry(1)
	var order []string

	record := func(id string, err error) Func {
		return func(context.Context, ...any) error {
			order = append(order, id)
			return err
		}
	}

	require.NoError(t, r.Register("s", Hook{ID: "late", Fn: record("late", nil), Inline: true, Order: 10}))
	require.NoError(t, r.Register("s", Hook{ID: "swallowed", Fn: record("swallowed", errors.New("ignored")), Inline: true}))
	require.NoError(t, r.Register("s", Hook{ID: "raises", Fn: record("raises", errors.New("boom")), Inline: true, Order: 5, RaiseError: true}))
	require.NoError(t, r.Register("s", Hook{ID: "deferred", Fn: record("deferred", nil)}))

	err := r.CallInline(context.Background(), "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NotContains(t, err.Error(), "ignored")
	assert.Equal(t, []string{"swallowed", "raises", "late"}, order)
}

func TestCallInlineRunsOnCallerGoroutine(t *testing.T) {
	r := NewRegistry(1)
	var mu sync.Mutex
	mu.Lock()
	held := false
	require.NoError(t, r.Register("s", Hook{ID: "check", Inline: true, Fn: func(context.Context, ...any) error {
		held = !mu.TryLock()
		return nil
	}}))

	require.NoError(t, r.CallInline(context.Background(), "s"))
	mu.Unlock()
	assert.True(t, held)
}

func TestInlinePanicIsRecovered(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.Register("s", Hook{ID: "p", Inline: true, RaiseError: true, Fn: func(context.Context, ...any) error {
		panic("bad hook")
	}}))
	err := r.CallInline(context.Background(), "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad hook")
}

func TestCallDeferred(t *testing.T) {
	r := NewRegistry(4)
	var syncRan, asyncRan atomic.Bool

	require.NoError(t, r.Register("license", Hook{ID: "sync", Sync: true, RaiseError: true, Fn: func(_ context.Context, args ...any) error {
		syncRan.Store(true)
		if args[0] == "fail" {
			return errors.New("sync failure")
		}
		return nil
	}}))
	require.NoError(t, r.Register("license", Hook{ID: "async", Fn: func(context.Context, ...any) error {
		time.Sleep(10 * time.Millisecond)
		asyncRan.Store(true)
		return errors.New("logged only")
	}}))

	require.NoError(t, r.Call(context.Background(), "license", "ok"))
	assert.True(t, syncRan.Load())

	r.Wait()
	assert.True(t, asyncRan.Load())

	err := r.Call(context.Background(), "license", "fail")
	assert.ErrorContains(t, err, "sync failure")
	r.Wait()
}

func TestDeferredTimeout(t *testing.T) {
	r := NewRegistry(1)
	require.NoError(t, r.Register("slow", Hook{ID: "slow", Sync: true, RaiseError: true, Timeout: 20 * time.Millisecond,
		Fn: func(ctx context.Context, _ ...any) error {
			<-ctx.Done()
			return ctx.Err()
		}}))

	err := r.Call(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBlock(t *testing.T) {
	r := NewRegistry(2)
	var ran atomic.Int32
	require.NoError(t, r.Register("mounted", Hook{ID: "b", Blockable: true, Fn: func(context.Context, ...any) error {
		ran.Add(1)
		return nil
	}}))

	release := r.Block("mounted")
	require.NoError(t, r.Call(context.Background(), "mounted"))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())

	release()
	release()
	r.Wait()
	assert.Equal(t, int32(1), ran.Load())
}
