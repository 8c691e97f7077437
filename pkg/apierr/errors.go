package apierr

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Error is a service error with a POSIX errno, a human readable reason and
// optional structured extra data. It is what every handler error turns into
// on the wire.
type Error struct {
	Errno  int            `json:"errno"`
	Reason string         `json:"reason"`
	Extra  map[string]any `json:"extra,omitempty"`
	Kind   Kind           `json:"-"`
}

// Kind classifies an error independently of its errno.
type Kind string

const (
	KindService           Kind = "ServiceError"
	KindValidation        Kind = "ValidationError"
	KindAccessDenied      Kind = "AccessDenied"
	KindMethodNotFound    Kind = "MethodNotFound"
	KindQueueFull         Kind = "QueueFull"
	KindAborted           Kind = "Aborted"
	KindForkedChild       Kind = "ForkedChildError"
	KindPeerUnreachable   Kind = "PeerUnreachable"
	KindOSVersionMismatch Kind = "OSVersionMismatch"
	KindUnknownOSVersion  Kind = "UnableToDetermineOSVersion"
	KindSchemaMismatch    Kind = "SchemaMismatch"
	KindNotFound          Kind = "NotFound"
	KindTimeout           Kind = "Timeout"
	KindDeadlock          Kind = "Deadlock"
)

func (e *Error) Error() string {
	name := ErrnoName(e.Errno)
	if name == "" {
		return e.Reason
	}
	return fmt.Sprintf("[%s] %s", name, e.Reason)
}

// Is matches errors of the same kind so callers can use errors.Is with the
// sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" {
		return t.Kind == e.Kind
	}
	return t.Errno == e.Errno
}

// New creates a service error.
func New(errno int, format string, args ...any) *Error {
	return &Error{Errno: errno, Reason: fmt.Sprintf(format, args...), Kind: KindService}
}

// WithExtra attaches extra data and returns the error.
func (e *Error) WithExtra(key string, value any) *Error {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
	return e
}

// Sentinels for errors.Is.
var (
	ErrAccessDenied      = &Error{Kind: KindAccessDenied}
	ErrMethodNotFound    = &Error{Kind: KindMethodNotFound}
	ErrQueueFull         = &Error{Kind: KindQueueFull}
	ErrAborted           = &Error{Kind: KindAborted}
	ErrForkedChild       = &Error{Kind: KindForkedChild}
	ErrPeerUnreachable   = &Error{Kind: KindPeerUnreachable}
	ErrOSVersionMismatch = &Error{Kind: KindOSVersionMismatch}
	ErrUnknownOSVersion  = &Error{Kind: KindUnknownOSVersion}
	ErrSchemaMismatch    = &Error{Kind: KindSchemaMismatch}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrDeadlock          = &Error{Kind: KindDeadlock}
	ErrValidation        = &Error{Kind: KindValidation}
)

func MethodNotFound(method string) *Error {
	return &Error{Errno: int(unix.ENOENT), Reason: fmt.Sprintf("Method %q not found", method), Kind: KindMethodNotFound}
}

func AccessDenied(reason string) *Error {
	if reason == "" {
		reason = "Not authorized"
	}
	return &Error{Errno: int(unix.EACCES), Reason: reason, Kind: KindAccessDenied}
}

func QueueFull(lock string) *Error {
	return &Error{Errno: int(unix.EBUSY), Reason: fmt.Sprintf("Job queue for lock %q is full", lock), Kind: KindQueueFull}
}

func Aborted(reason string) *Error {
	if reason == "" {
		reason = "Job aborted"
	}
	return &Error{Errno: int(unix.ECANCELED), Reason: reason, Kind: KindAborted}
}

func ForkedChild() *Error {
	return &Error{Errno: int(unix.EPERM), Reason: "Database write attempted from a forked process", Kind: KindForkedChild}
}

func PeerUnreachable(err error) *Error {
	return &Error{Errno: int(unix.EHOSTDOWN), Reason: fmt.Sprintf("Remote node is unreachable: %v", err), Kind: KindPeerUnreachable}
}

func OSVersionMismatch(local, remote string) *Error {
	return &Error{
		Errno:  int(unix.EPROTO),
		Reason: fmt.Sprintf("Operating system version mismatch: local %s, remote %s", local, remote),
		Kind:   KindOSVersionMismatch,
	}
}

func UnknownOSVersion(err error) *Error {
	return &Error{Errno: int(unix.EAGAIN), Reason: fmt.Sprintf("Unable to determine remote operating system version: %v", err), Kind: KindUnknownOSVersion}
}

func SchemaMismatch(missing []string) *Error {
	return &Error{
		Errno:  int(unix.EINVAL),
		Reason: fmt.Sprintf("Database schema is missing tables: %s", strings.Join(missing, ", ")),
		Extra:  map[string]any{"missing_tables": missing},
		Kind:   KindSchemaMismatch,
	}
}

func NotFound(what string) *Error {
	return &Error{Errno: int(unix.ENOENT), Reason: fmt.Sprintf("%s not found", what), Kind: KindNotFound}
}

func Timeout(what string) *Error {
	return &Error{Errno: int(unix.ETIMEDOUT), Reason: fmt.Sprintf("Timed out waiting for %s", what), Kind: KindTimeout}
}

func Deadlock(reason string) *Error {
	return &Error{Errno: int(unix.EDEADLK), Reason: reason, Kind: KindDeadlock}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ToWire converts any error into the wire error shape. Validation errors keep
// their per-attribute list, plain errors become EFAULT.
func ToWire(err error) *Error {
	if err == nil {
		return nil
	}
	var verr *ValidationErrors
	if errors.As(err, &verr) {
		return verr.AsError()
	}
	if e, ok := As(err); ok {
		return e
	}
	return &Error{Errno: int(unix.EFAULT), Reason: err.Error(), Kind: KindService}
}

// ErrnoName returns the symbolic name of a POSIX errno, or "" if unknown.
func ErrnoName(errno int) string {
	if errno <= 0 {
		return ""
	}
	return unix.ErrnoName(unix.Errno(errno))
}
