package jobs

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/middlewared/pkg/apierr"
	"github.com/cuemby/middlewared/pkg/audit"
	"github.com/cuemby/middlewared/pkg/auth"
	"github.com/cuemby/middlewared/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// State is a job lifecycle state
type State string

const (
	Waiting State = "WAITING"
	Running State = "RUNNING"
	Success State = "SUCCESS"
	Failed  State = "FAILED"
	Aborted State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Aborted
}

// Progress is the last progress report of a job
type Progress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description"`
	Extra       any     `json:"extra"`
}

// Handler runs a job. It should call job.SetProgress at natural
// checkpoints and stop when ctx is cancelled.
type Handler func(ctx context.Context, job *Job) (any, error)

// Options are the per-method job settings.
type Options struct {
	// Lock serializes jobs with the same name. LockFunc, when set,
	// derives the lock from the job arguments instead.
	Lock     string
	LockFunc func(args []any) string

	// LockQueueSize caps how many jobs may hold or wait for the lock.
	// nil means unlimited. 0 rejects a job while another one holds the
	// lock. 1 lets a new job replace the one already waiting. Larger
	// values reject submissions once that many jobs are running or
	// waiting.
	LockQueueSize *int

	Abortable bool

	// Transient jobs publish no events.
	Transient bool

	// Logs gives the job a log file under <logs_dir>/jobs/<id>.log.
	Logs bool

	Description string
}

// QueueSize is a helper for Options.LockQueueSize.
func QueueSize(n int) *int {
	return &n
}

// Job is a single invocation of a job method.
type Job struct {
	ID          int64
	Method      string
	Args        []any
	Options     Options
	Lock        string
	Credentials *auth.Credentials

	manager *Manager
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu             sync.Mutex
	state          State
	progress       Progress
	result         any
	err            *apierr.Error
	description    string
	timeCreated    time.Time
	timeStarted    time.Time
	timeFinished   time.Time
	abortRequested bool
	logsPath       string
	logsExcerpt    string
	logFile        *os.File
	logger         zerolog.Logger
	limiter        *rate.Limiter
	flushTimer     *time.Timer
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Context returns the context the handler runs with.
func (j *Job) Context() context.Context {
	return j.ctx
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Logger returns the job's logger. With Options.Logs it writes JSON lines
// to the job log file; otherwise it is the job manager's logger.
func (j *Job) Logger() *zerolog.Logger {
	return &j.logger
}

// LogWriter returns the job log file, or io.Discard when the job has none.
func (j *Job) LogWriter() io.Writer {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logFile == nil {
		return io.Discard
	}
	return j.logFile
}

// SetDescription replaces the human readable description.
func (j *Job) SetDescription(desc string) {
	j.mu.Lock()
	j.description = desc
	j.mu.Unlock()
	j.manager.progressChanged(j)
}

// SetProgress records progress and publishes it, coalescing bursts. It is
// also the handler's cancellation point: once the job is aborted it
// returns an Aborted error that the handler should return.
func (j *Job) SetProgress(percent float64, description string, extra any) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	j.mu.Lock()
	j.progress.Percent = percent
	if description != "" {
		j.progress.Description = description
	}
	j.progress.Extra = extra
	running := j.state == Running
	j.mu.Unlock()

	if running {
		j.manager.progressChanged(j)
	}
	if j.ctx.Err() != nil {
		return apierr.Aborted("")
	}
	return nil
}

// Wrap waits for sub to finish, mirroring its progress into j, and
// returns sub's result. A failed or aborted sub job is returned as error.
func (j *Job) Wrap(ctx context.Context, sub *Job) (any, error) {
	unwatch := j.manager.Watch(sub.ID, func(info Info) {
		_ = j.SetProgress(info.Progress.Percent, info.Progress.Description, info.Progress.Extra)
	})
	defer unwatch()
	return j.manager.Wait(ctx, sub.ID, 0, true)
}

// Info is an immutable snapshot of a job.
type Info struct {
	ID           int64             `json:"id"`
	Method       string            `json:"method"`
	Arguments    []any             `json:"arguments"`
	State        State             `json:"state"`
	Progress     Progress          `json:"progress"`
	Result       any               `json:"result"`
	Error        *apierr.Error     `json:"error"`
	Description  string            `json:"description"`
	Abortable    bool              `json:"abortable"`
	Transient    bool              `json:"transient"`
	Lock         string            `json:"lock,omitempty"`
	LogsPath     string            `json:"logs_path,omitempty"`
	LogsExcerpt  string            `json:"logs_excerpt,omitempty"`
	Credentials  *auth.Credentials `json:"credentials,omitempty"`
	TimeCreated  time.Time         `json:"time_created"`
	TimeStarted  *time.Time        `json:"time_started"`
	TimeFinished *time.Time        `json:"time_finished"`
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.infoLocked()
}

func (j *Job) infoLocked() Info {
	info := Info{
		ID:          j.ID,
		Method:      j.Method,
		Arguments:   redactArgs(j.Args),
		State:       j.state,
		Progress:    j.progress,
		Result:      j.result,
		Error:       j.err,
		Description: j.description,
		Abortable:   j.Options.Abortable,
		Transient:   j.Options.Transient,
		Lock:        j.Lock,
		LogsPath:    j.logsPath,
		LogsExcerpt: j.logsExcerpt,
		Credentials: j.Credentials,
		TimeCreated: j.timeCreated,
	}
	if !j.timeStarted.IsZero() {
		t := j.timeStarted
		info.TimeStarted = &t
	}
	if !j.timeFinished.IsZero() {
		t := j.timeFinished
		info.TimeFinished = &t
	}
	return info
}

// redactArgs masks secrets in job arguments before they leave the
// manager. Handlers still receive the original values.
func redactArgs(args []any) []any {
	if args == nil {
		return nil
	}
	return audit.Redact(args).([]any)
}

// Fields renders the snapshot as an event field map.
func (i Info) Fields() map[string]any {
	f := map[string]any{
		"id":            i.ID,
		"method":        i.Method,
		"arguments":     i.Arguments,
		"state":         string(i.State),
		"progress":      i.Progress,
		"result":        i.Result,
		"error":         nil,
		"description":   i.Description,
		"abortable":     i.Abortable,
		"transient":     i.Transient,
		"logs_path":     i.LogsPath,
		"logs_excerpt":  i.LogsExcerpt,
		"time_created":  i.TimeCreated,
		"time_started":  i.TimeStarted,
		"time_finished": i.TimeFinished,
	}
	if i.Error != nil {
		f["error"] = i.Error.Reason
		f["errno"] = i.Error.Errno
		f["exc_info"] = map[string]any{"type": string(i.Error.Kind), "errno": i.Error.Errno, "extra": i.Error.Extra}
	}
	return f
}

func (j *Job) openLog(dir string) {
	if !j.Options.Logs || dir == "" {
		j.logger = log.WithJobID(j.ID)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		j.manager.logger.Warn().Err(err).Int64("job_id", j.ID).Msg("Failed to create job log directory")
		j.logger = log.WithJobID(j.ID)
		return
	}
	path := logPath(dir, j.ID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		j.manager.logger.Warn().Err(err).Int64("job_id", j.ID).Msg("Failed to open job log")
		j.logger = log.WithJobID(j.ID)
		return
	}
	j.logFile = f
	j.logsPath = path
	j.logger = log.NewFileLogger(f).With().Int64("job_id", j.ID).Str("method", j.Method).Logger()
}

func (j *Job) closeLog() {
	if j.logFile == nil {
		return
	}
	_ = j.logFile.Sync()
	_ = j.logFile.Close()
	j.logFile = nil
	j.logsExcerpt = excerpt(j.logsPath, excerptLines)
}

const excerptLines = 10

// excerpt returns the first and last n lines of a log file.
func excerpt(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	var head, tail []string
	total := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		total++
		if len(head) < n {
			head = append(head, line)
			continue
		}
		tail = append(tail, line)
		if len(tail) > n {
			tail = tail[1:]
		}
	}

	lines := head
	if total > 2*n {
		lines = append(lines, "...")
	}
	lines = append(lines, tail...)
	return strings.Join(lines, "\n")
}
