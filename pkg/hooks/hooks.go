package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Well-known hook slots.
const (
	DatastorePostExecuteWrite = "datastore.post_execute_write"
	SystemPostLicenseUpdate   = "system.post_license_update"
	DatasetMounted            = "zfs.dataset.mounted"
	UdevDLM                   = "udev.dlm"
)

// Func is a hook callback. Inline callbacks must pass ctx, or a context
// derived from it, to any datastore call they make.
type Func func(ctx context.Context, args ...any) error

// Hook is one registered callback for a slot. A hook is identified by its
// slot name and ID, so registering the same pair twice is a no-op.
type Hook struct {
	ID string
	Fn Func

	// Inline hooks run on the caller's goroutine from CallInline, while the
	// caller still holds whatever locks it holds. They must not re-enter
	// those locks. The datastore marks ctx while its write lock is held, so
	// a write made with that ctx fails with EDEADLK; a write made with a
	// fresh context blocks forever.
	Inline bool

	// Sync deferred hooks are awaited by Call; others are fire-and-forget.
	Sync bool

	// Order sorts hooks within a slot, lowest first. Ties keep
	// registration order.
	Order int

	// RaiseError makes a failure propagate to the caller instead of only
	// being logged.
	RaiseError bool

	// Blockable hooks wait while their slot is blocked with Block.
	Blockable bool

	// Timeout bounds a deferred invocation. Zero means no timeout.
	Timeout time.Duration
}

// Registry holds hooks by slot name and runs them.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string][]Hook
	blocked map[string]*gate
	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

type gate struct {
	count int
	open  chan struct{}
}

// NewRegistry creates a registry whose deferred hooks run on at most
// workers goroutines at a time.
func NewRegistry(workers int) *Registry {
	if workers <= 0 {
		workers = 8
	}
	return &Registry{
		hooks:   make(map[string][]Hook),
		blocked: make(map[string]*gate),
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  log.WithComponent("hooks"),
	}
}

// Register adds h to slot name. Registering an already present (name, ID)
// pair leaves the registry unchanged.
func (r *Registry) Register(name string, h Hook) error {
	if h.ID == "" {
		return fmt.Errorf("hook for %q has no id", name)
	}
	if h.Fn == nil {
		return fmt.Errorf("hook %q for %q has no callback", h.ID, name)
	}
	if h.Inline && h.Blockable {
		return fmt.Errorf("inline hook %q for %q cannot be blockable", h.ID, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.hooks[name] {
		if existing.ID == h.ID {
			return nil
		}
	}
	list := append(r.hooks[name], h)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	r.hooks[name] = list
	return nil
}

// Unregister removes the hook with the given ID. It reports whether a hook
// was removed; removing a missing hook is a no-op.
func (r *Registry) Unregister(name, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.hooks[name]
	for i, h := range list {
		if h.ID == id {
			r.hooks[name] = append(list[:i:i], list[i+1:]...)
			if len(r.hooks[name]) == 0 {
				delete(r.hooks, name)
			}
			return true
		}
	}
	return false
}

// Hooks returns a snapshot of the hooks registered for name.
func (r *Registry) Hooks(name string) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Hook, len(r.hooks[name]))
	copy(out, r.hooks[name])
	return out
}

// Slots returns every slot name that has at least one hook.
func (r *Registry) Slots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CallInline runs the inline hooks of name on the calling goroutine in
// order. Failures are logged; hooks flagged RaiseError have their errors
// joined and returned.
func (r *Registry) CallInline(ctx context.Context, name string, args ...any) error {
	var errs []error
	for _, h := range r.Hooks(name) {
		if !h.Inline {
			continue
		}
		if err := r.invoke(ctx, name, h, args); err != nil && h.RaiseError {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Call schedules the deferred hooks of name on the executor. Sync hooks are
// awaited; the rest run in the background. Errors from sync hooks flagged
// RaiseError are returned, all other failures are only logged.
func (r *Registry) Call(ctx context.Context, name string, args ...any) error {
	var (
		mu   sync.Mutex
		errs []error
		wait sync.WaitGroup
	)

	for _, h := range r.Hooks(name) {
		if h.Inline {
			continue
		}
		h := h

		if h.Sync {
			wait.Add(1)
			r.spawn(ctx, name, h, args, func(err error) {
				defer wait.Done()
				if err != nil && h.RaiseError {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
			continue
		}
		r.spawn(context.WithoutCancel(ctx), name, h, args, nil)
	}

	wait.Wait()
	return errors.Join(errs...)
}

func (r *Registry) spawn(ctx context.Context, name string, h Hook, args []any, done func(error)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var err error
		if h.Blockable {
			err = r.waitUnblocked(ctx, name)
		}
		if err == nil {
			err = r.sem.Acquire(ctx, 1)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("hook", name).Str("id", h.ID).Msg("Hook not run")
			if done != nil {
				done(err)
			}
			return
		}
		defer r.sem.Release(1)

		hctx := ctx
		if h.Timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, h.Timeout)
			defer cancel()
		}
		err = r.invoke(hctx, name, h, args)
		if done != nil {
			done(err)
		}
	}()
}

func (r *Registry) invoke(ctx context.Context, name string, h Hook, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panicked: %v", p)
		}
		if err != nil {
			metrics.HookFailures.WithLabelValues(name).Inc()
			r.logger.Error().Err(err).Str("hook", name).Str("id", h.ID).Msg("Hook failed")
		}
	}()
	return h.Fn(ctx, args...)
}

// Block holds back blockable hooks of the given slots until the returned
// release function is called. Blocks nest.
func (r *Registry) Block(names ...string) (release func()) {
	r.mu.Lock()
	for _, name := range names {
		g, ok := r.blocked[name]
		if !ok {
			g = &gate{open: make(chan struct{})}
			r.blocked[name] = g
		}
		g.count++
	}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, name := range names {
				g := r.blocked[name]
				g.count--
				if g.count == 0 {
					close(g.open)
					delete(r.blocked, name)
				}
			}
		})
	}
}

func (r *Registry) waitUnblocked(ctx context.Context, name string) error {
	for {
		r.mu.RLock()
		g, ok := r.blocked[name]
		r.mu.RUnlock()
		if !ok {
			return nil
		}
		select {
		case <-g.open:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait blocks until every deferred hook started so far has finished.
func (r *Registry) Wait() {
	r.wg.Wait()
}
