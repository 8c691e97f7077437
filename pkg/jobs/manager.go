package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/events"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/cuemby/middlewared/pkg/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// EventName is the event jobs are published on.
const EventName = "core.get_jobs"

// Config configures a Manager.
type Config struct {
	// RingSize is how many terminal jobs are kept for inspection.
	RingSize int
	// AbortTimeout is how long an aborted running job may take to stop
	// before it is marked ABORTED anyway.
	AbortTimeout time.Duration
	// ProgressRate caps progress events per second per job.
	ProgressRate float64
	// LogsDir holds per-job log files.
	LogsDir string
}

type lockQueue struct {
	running *Job
	waiting []*Job
}

// Manager schedules and tracks jobs. Jobs are held in an arena keyed by
// id; terminal jobs stay there until evicted from the ring.
type Manager struct {
	cfg    Config
	bus    *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*Job
	queues   map[string]*lockQueue
	finished []int64
	stopped  bool

	wg sync.WaitGroup
}

// NewManager creates a new job manager
func NewManager(cfg Config, bus *events.Broker) *Manager {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 1024
	}
	if cfg.AbortTimeout <= 0 {
		cfg.AbortTimeout = 10 * time.Second
	}
	if cfg.ProgressRate <= 0 {
		cfg.ProgressRate = 10
	}
	if bus == nil {
		bus = events.NewBroker()
	}
	bus.Register(EventName, "Job created, updated or finished")
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: log.WithComponent("jobs"),
		jobs:   make(map[int64]*Job),
		queues: make(map[string]*lockQueue),
	}
}

func logPath(dir string, id int64) string {
	return filepath.Join(dir, strconv.FormatInt(id, 10)+".log")
}

// Submit creates a job and schedules it. The job starts immediately unless
// another job holds its lock, in which case it waits in submission order.
func (m *Manager) Submit(method string, args []any, opts Options, handler Handler, creds *auth.Credentials) (*Job, error) {
	if handler == nil {
		return nil, fmt.Errorf("job %s has no handler", method)
	}

	lock := opts.Lock
	if opts.LockFunc != nil {
		lock = opts.LockFunc(args)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, apierr.New(int(unix.ESHUTDOWN), "Job manager is shutting down")
	}

	var superseded *Job
	if lock != "" && opts.LockQueueSize != nil {
		q := m.queue(lock)
		switch size := *opts.LockQueueSize; {
		case size <= 0:
			if q.running != nil {
				m.mu.Unlock()
				metrics.JobsQueueFull.WithLabelValues(lock).Inc()
				return nil, apierr.QueueFull(lock)
			}
		case size == 1:
			if n := len(q.waiting); n > 0 {
				superseded = q.waiting[n-1]
				q.waiting = q.waiting[:n-1]
			}
		default:
			active := len(q.waiting)
			if q.running != nil {
				active++
			}
			if active >= size {
				m.mu.Unlock()
				metrics.JobsQueueFull.WithLabelValues(lock).Inc()
				return nil, apierr.QueueFull(lock)
			}
		}
	}

	m.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:          m.nextID,
		Method:      method,
		Args:        args,
		Options:     opts,
		Lock:        lock,
		Credentials: creds.Clone(),
		manager:     m,
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       Waiting,
		description: opts.Description,
		timeCreated: time.Now(),
		limiter:     rate.NewLimiter(rate.Limit(m.cfg.ProgressRate), 1),
	}
	m.jobs[job.ID] = job
	// Published under m.mu so that ADDED precedes any transition event.
	m.publish(job, events.Added)
	start := m.enqueueLocked(job)
	m.mu.Unlock()

	metrics.JobsSubmitted.WithLabelValues(method).Inc()

	if superseded != nil {
		m.logger.Info().Int64("job_id", superseded.ID).Int64("replaced_by", job.ID).Msg("Queued job replaced")
		m.finish(superseded, Aborted, nil, apierr.Aborted(fmt.Sprintf("Replaced by job %d", job.ID)))
	}
	if start {
		m.start(job)
	}
	return job, nil
}

func (m *Manager) queue(lock string) *lockQueue {
	q, ok := m.queues[lock]
	if !ok {
		q = &lockQueue{}
		m.queues[lock] = q
	}
	return q
}

// enqueueLocked places job in its lock queue and reports whether it may
// start right away. The caller holds m.mu.
func (m *Manager) enqueueLocked(job *Job) bool {
	if job.Lock == "" {
		return true
	}
	q := m.queue(job.Lock)
	if q.running == nil && len(q.waiting) == 0 {
		q.running = job
		return true
	}
	q.waiting = append(q.waiting, job)
	return false
}

func (m *Manager) start(job *Job) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		m.finish(job, Aborted, nil, apierr.Aborted("Shutting down"))
		return
	}

	// An abort may be in flight for this job; Abort finishes it and hands
	// the lock on.
	job.mu.Lock()
	if job.state != Waiting || job.abortRequested {
		job.mu.Unlock()
		return
	}
	job.state = Running
	job.timeStarted = time.Now()
	job.openLog(m.cfg.LogsDir)
	job.mu.Unlock()

	m.publish(job, events.Changed)

	m.wg.Add(1)
	go m.run(job)
}

func (m *Manager) run(job *Job) {
	defer m.wg.Done()

	ctx, span := otel.Tracer("github.com/cuemby/middlewared/pkg/jobs").Start(job.ctx, "job."+job.Method)
	span.SetAttributes(attribute.Int64("job.id", job.ID), attribute.String("job.lock", job.Lock))
	defer span.End()

	result, err := m.call(ctx, job)

	job.mu.Lock()
	aborting := job.abortRequested
	job.mu.Unlock()

	switch {
	case err == nil:
		m.finish(job, Success, result, nil)
	case aborting && (errors.Is(err, context.Canceled) || errors.Is(err, apierr.ErrAborted)):
		span.SetStatus(codes.Error, "aborted")
		m.finish(job, Aborted, nil, apierr.Aborted(""))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job.logger.Error().Err(err).Msg("Job failed")
		m.finish(job, Failed, nil, apierr.ToWire(err))
	}
}

func (m *Manager) call(ctx context.Context, job *Job) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panicked: %v", p)
		}
	}()
	return job.handler(ctx, job)
}

// finish moves job into a terminal state, releases its lock, starts the
// next waiting job and records the job in the ring. A job that is already
// terminal is left alone.
func (m *Manager) finish(job *Job, state State, result any, jerr *apierr.Error) {
	job.mu.Lock()
	if job.state.Terminal() {
		job.mu.Unlock()
		return
	}
	started := job.timeStarted
	job.state = state
	job.result = result
	job.err = jerr
	job.timeFinished = time.Now()
	if state == Success {
		job.progress.Percent = 100
	}
	if job.flushTimer != nil {
		job.flushTimer.Stop()
		job.flushTimer = nil
	}
	job.closeLog()
	job.mu.Unlock()
	job.cancel()

	if !started.IsZero() {
		metrics.JobDuration.WithLabelValues(job.Method, string(state)).Observe(time.Since(started).Seconds())
	}

	var next *Job
	var evicted []*Job
	m.mu.Lock()
	if job.Lock != "" {
		q := m.queue(job.Lock)
		if q.running == job {
			q.running = nil
			if len(q.waiting) > 0 {
				next = q.waiting[0]
				q.waiting = q.waiting[1:]
				q.running = next
			}
		} else {
			for i, w := range q.waiting {
				if w == job {
					q.waiting = append(q.waiting[:i:i], q.waiting[i+1:]...)
					break
				}
			}
		}
		if q.running == nil && len(q.waiting) == 0 {
			delete(m.queues, job.Lock)
		}
	}
	m.finished = append(m.finished, job.ID)
	for len(m.finished) > m.cfg.RingSize {
		id := m.finished[0]
		m.finished = m.finished[1:]
		if old, ok := m.jobs[id]; ok {
			delete(m.jobs, id)
			evicted = append(evicted, old)
		}
	}
	m.mu.Unlock()

	m.publish(job, events.Changed)
	close(job.done)

	for _, old := range evicted {
		if old.logsPath != "" {
			if err := os.Remove(old.logsPath); err != nil && !os.IsNotExist(err) {
				m.logger.Warn().Err(err).Int64("job_id", old.ID).Msg("Failed to remove job log")
			}
		}
	}

	if next != nil {
		m.start(next)
	}
}

// Abort cancels a job. A waiting job is aborted at once. A running job must
// be abortable; its context is cancelled and, if it has not stopped after
// the abort timeout, it is marked ABORTED regardless.
func (m *Manager) Abort(id int64) error {
	job, err := m.get(id)
	if err != nil {
		return err
	}

	job.mu.Lock()
	state := job.state
	switch {
	case state.Terminal():
		job.mu.Unlock()
		return nil
	case state == Running && !job.Options.Abortable:
		job.mu.Unlock()
		return apierr.New(int(unix.EBUSY), "Job %d is not abortable", id)
	}
	job.abortRequested = true
	job.mu.Unlock()

	if state == Waiting {
		m.finish(job, Aborted, nil, apierr.Aborted(""))
		return nil
	}

	job.logger.Info().Msg("Abort requested")
	job.cancel()
	time.AfterFunc(m.cfg.AbortTimeout, func() {
		if !job.State().Terminal() {
			m.logger.Warn().Int64("job_id", job.ID).Msg("Job did not stop in time, marking aborted")
			m.finish(job, Aborted, nil, apierr.Aborted("Job did not respond to abort in time"))
		}
	})
	return nil
}

// Wait blocks until the job is terminal, the timeout expires or ctx is
// done. A zero timeout waits indefinitely. On timeout the job is left
// untouched. With raiseError, a failed or aborted job returns its error.
func (m *Manager) Wait(ctx context.Context, id int64, timeout time.Duration, raiseError bool) (any, error) {
	job, err := m.get(id)
	if err != nil {
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-job.done:
	case <-timer:
		return nil, apierr.Timeout(fmt.Sprintf("job %d", id))
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	info := job.Info()
	if raiseError && info.Error != nil {
		return nil, info.Error
	}
	return info.Result, nil
}

// Watch calls fn with a snapshot every time the job changes. If the job is
// already terminal, fn receives its final snapshot immediately so late
// watchers still see the outcome. The returned function stops watching.
func (m *Manager) Watch(id int64, fn func(Info)) (unwatch func()) {
	sub := m.bus.Subscribe(EventName, func(e *events.Event) {
		if e.ID != id {
			return
		}
		if job, err := m.get(id); err == nil {
			fn(job.Info())
		}
	})

	if job, err := m.get(id); err == nil {
		if info := job.Info(); info.State.Terminal() {
			fn(info)
		}
	}
	return sub.Close
}

// Get returns a snapshot of a job.
func (m *Manager) Get(id int64) (Info, error) {
	job, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return job.Info(), nil
}

func (m *Manager) get(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apierr.NotFound(fmt.Sprintf("job %d", id))
	}
	return job, nil
}

// List returns snapshots of every known job ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()

	sort.Slice(all, func(a, b int) bool { return all[a].ID < all[b].ID })
	out := make([]Info, 0, len(all))
	for _, j := range all {
		out = append(out, j.Info())
	}
	return out
}

// JobCounts returns the number of known jobs per state.
func (m *Manager) JobCounts() map[string]int {
	counts := map[string]int{
		string(Waiting): 0, string(Running): 0, string(Success): 0, string(Failed): 0, string(Aborted): 0,
	}
	for _, info := range m.List() {
		counts[string(info.State)]++
	}
	return counts
}

// RunningWithLock returns the id of the job holding lock, or 0.
func (m *Manager) RunningWithLock(lock string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[lock]; ok && q.running != nil {
		return q.running.ID
	}
	return 0
}

// Stop rejects new submissions, aborts everything still pending and waits
// for handlers to return or ctx to expire.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	pending := make([]*Job, 0)
	for _, j := range m.jobs {
		pending = append(pending, j)
	}
	m.mu.Unlock()

	for _, j := range pending {
		j.mu.Lock()
		state := j.state
		j.abortRequested = true
		j.mu.Unlock()
		switch state {
		case Waiting:
			m.finish(j, Aborted, nil, apierr.Aborted("Shutting down"))
		case Running:
			j.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(job *Job, typ events.EventType) {
	if job.Options.Transient {
		return
	}
	info := job.Info()
	m.bus.Send(EventName, typ, info.ID, info.Fields())
}

// progressChanged publishes a progress update, or schedules one if the
// job's rate limit is exhausted. Only the newest state is ever sent.
func (m *Manager) progressChanged(job *Job) {
	job.mu.Lock()
	if job.state != Running {
		job.mu.Unlock()
		return
	}
	if job.limiter.Allow() {
		job.mu.Unlock()
		m.publish(job, events.Changed)
		return
	}
	if job.flushTimer == nil {
		interval := time.Duration(float64(time.Second) / m.cfg.ProgressRate)
		job.flushTimer = time.AfterFunc(interval, func() {
			job.mu.Lock()
			job.flushTimer = nil
			running := job.state == Running
			job.mu.Unlock()
			if running {
				m.publish(job, events.Changed)
			}
		})
	}
	job.mu.Unlock()
}
