package apierr

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// FieldError is one failed attribute of a request.
type FieldError struct {
	Attribute string `json:"attribute"`
	Message   string `json:"message"`
	Errno     int    `json:"errno"`
}

// ValidationErrors accumulates field errors for a whole request. Validators
// add to it and the caller checks Err once at the end, so every problem is
// reported together.
type ValidationErrors struct {
	Errors []FieldError
}

// NewValidationErrors creates an empty accumulator.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add records one failed attribute. errno defaults to EINVAL.
func (v *ValidationErrors) Add(attribute, message string, errno int) {
	if errno == 0 {
		errno = int(unix.EINVAL)
	}
	v.Errors = append(v.Errors, FieldError{Attribute: attribute, Message: message, Errno: errno})
}

// Extend merges another accumulator, prefixing its attributes.
func (v *ValidationErrors) Extend(prefix string, other *ValidationErrors) {
	if other == nil {
		return
	}
	for _, fe := range other.Errors {
		attr := fe.Attribute
		if prefix != "" {
			attr = prefix + "." + attr
		}
		v.Errors = append(v.Errors, FieldError{Attribute: attr, Message: fe.Message, Errno: fe.Errno})
	}
}

// Len returns the number of accumulated errors.
func (v *ValidationErrors) Len() int {
	return len(v.Errors)
}

// Err returns v when it holds errors and nil otherwise.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, fe := range v.Errors {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s", ErrnoName(fe.Errno), fe.Attribute, fe.Message))
	}
	return strings.Join(parts, "\n")
}

// Is lets errors.Is(err, ErrValidation) match.
func (v *ValidationErrors) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindValidation
}

// AsError converts the accumulator into the wire error with extra.errors.
func (v *ValidationErrors) AsError() *Error {
	list := make([]FieldError, len(v.Errors))
	copy(list, v.Errors)
	return &Error{
		Errno:  int(unix.EINVAL),
		Reason: v.Error(),
		Extra:  map[string]any{"errors": list},
		Kind:   KindValidation,
	}
}
