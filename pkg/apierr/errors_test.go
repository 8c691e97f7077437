package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestToWire(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErrno int
		wantKind  Kind
	}{
		{"method not found", MethodNotFound("foo.bar"), int(unix.ENOENT), KindMethodNotFound},
		{"access denied", AccessDenied(""), int(unix.EACCES), KindAccessDenied},
		{"queue full", QueueFull("pool_sync"), int(unix.EBUSY), KindQueueFull},
		{"forked child", ForkedChild(), int(unix.EPERM), KindForkedChild},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("key")), int(unix.ENOENT), KindNotFound},
		{"plain", errors.New("boom"), int(unix.EFAULT), KindService},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ToWire(tt.err)
			require.NotNil(t, w)
			assert.Equal(t, tt.wantErrno, w.Errno)
			assert.Equal(t, tt.wantKind, w.Kind)
		})
	}

	assert.Nil(t, ToWire(nil))
}

func TestErrorsIs(t *testing.T) {
	err := fmt.Errorf("submit: %w", QueueFull("x"))
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.False(t, errors.Is(err, ErrAborted))
}

func TestValidationErrorsAggregate(t *testing.T) {
	v := NewValidationErrors()
	assert.NoError(t, v.Err())

	v.Add("pool.name", "required", 0)
	v.Add("pool.size", "must be positive", int(unix.ERANGE))

	err := v.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	w := ToWire(err)
	assert.Equal(t, int(unix.EINVAL), w.Errno)
	list, ok := w.Extra["errors"].([]FieldError)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "pool.name", list[0].Attribute)
	assert.Equal(t, int(unix.EINVAL), list[0].Errno)
	assert.Equal(t, int(unix.ERANGE), list[1].Errno)
}

func TestValidationErrorsExtend(t *testing.T) {
	inner := NewValidationErrors()
	inner.Add("name", "too long", 0)

	outer := NewValidationErrors()
	outer.Extend("user", inner)
	require.Equal(t, 1, outer.Len())
	assert.Equal(t, "user.name", outer.Errors[0].Attribute)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "[ENOENT] Method \"a.b\" not found", MethodNotFound("a.b").Error())
}
