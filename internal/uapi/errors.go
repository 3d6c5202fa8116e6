package uapi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Errno represents a control-channel error code (positive integral value).
type Errno int32

// Error codes surfaced across the control channel. The broker reports failures
// as the negated value.
const (
	Success Errno = 0
	EFAULT  Errno = Errno(unix.EFAULT)
	ENOMEM  Errno = Errno(unix.ENOMEM)
	EBADF   Errno = Errno(unix.EBADF)
	EINVAL  Errno = Errno(unix.EINVAL)
	ENOTTY  Errno = Errno(unix.ENOTTY)
	ENODEV  Errno = Errno(unix.ENODEV)
	EEXIST  Errno = Errno(unix.EEXIST)
	EIO     Errno = Errno(unix.EIO)
	EPERM   Errno = Errno(unix.EPERM)
	EPROTO  Errno = Errno(unix.EPROTO)
	ENOSYS  Errno = Errno(unix.ENOSYS)
)

// Error returns the human-readable string as produced by strerror.
func (e Errno) Error() string {
	return e.String()
}

// String returns the system message for the Errno.
func (e Errno) String() string {
	if e == Success {
		return "success"
	}
	return unix.Errno(e).Error()
}

// WithOp adds operation context to the provided Errno.
func (e Errno) WithOp(op string) error {
	if op == "" {
		return e
	}
	return fmt.Errorf("%s: %w", op, e)
}

// ErrorFromStatus converts a broker status code into a Go error. Status values
// are 0 on success and negative on failure. Positive values are treated as
// success.
func ErrorFromStatus(status int64, op string) error {
	if status >= 0 {
		return nil
	}
	code := Errno(-status)
	if code == Success {
		return nil
	}
	return code.WithOp(op)
}

// Status converts err into a negative status code. Errors that carry neither an
// Errno nor a unix.Errno are reported as EIO.
func Status(err error) int64 {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return -int64(e)
	}
	var se unix.Errno
	if errors.As(err, &se) {
		return -int64(se)
	}
	return -int64(EIO)
}
