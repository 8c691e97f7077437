package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components derive child loggers from
// it with WithComponent, so Init must run before they are constructed.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a log level name as written in the config file.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(l Level) zerolog.Level {
	if lvl, ok := levels[l]; ok {
		return lvl
	}
	return zerolog.InfoLevel
}

// Init replaces the global logger. Console output is the default; the
// daemon switches to JSON when its logs are shipped elsewhere.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID creates a child logger with job_id field
func WithJobID(jobID int64) zerolog.Logger {
	return Logger.With().Int64("job_id", jobID).Logger()
}

// WithSessionID creates a child logger with session_id field
func WithSessionID(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}

// NewFileLogger returns a JSON logger that writes to w. Job handlers use it
// for their per-job log file; it does not inherit the global logger's fields.
func NewFileLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}
