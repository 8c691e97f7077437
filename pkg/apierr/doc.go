/*
Package apierr defines the error taxonomy that crosses the RPC boundary.

Handlers return ordinary Go errors. Anything that should reach a client
with a specific errno is an *Error; input problems are collected in a
*ValidationErrors so that a request reports all of its bad attributes at
once. The dispatcher calls ToWire on whatever comes back:

	*ValidationErrors  ──►  {errno: EINVAL, reason, extra: {errors: [...]}}
	*Error             ──►  {errno, reason, extra}
	any other error    ──►  {errno: EFAULT, reason: err.Error()}

Errnos are POSIX values taken from golang.org/x/sys/unix. Kinds allow
errors.Is checks against the package sentinels regardless of errno:

	if errors.Is(err, apierr.ErrQueueFull) { ... }
*/
package apierr
