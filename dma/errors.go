package dma

import (
	"errors"

	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// Errno re-exports the control-channel errno type for consumers of the dma package.
type Errno = uapi.Errno

// Failure classes reported by the registry, the broker and the client library.
const (
	// ErrBoundaryCopy indicates caller memory could not be read or written.
	ErrBoundaryCopy Errno = uapi.EFAULT
	// ErrResourceExhausted indicates memory could not be allocated or pinned.
	ErrResourceExhausted Errno = uapi.ENOMEM
	// ErrBadDescriptor indicates a file descriptor or handle does not name a usable object.
	ErrBadDescriptor Errno = uapi.EBADF
	// ErrInvalidArgument indicates a request failed validation.
	ErrInvalidArgument Errno = uapi.EINVAL
	// ErrUnsupported indicates an unknown control command.
	ErrUnsupported Errno = uapi.ENOTTY
)

// ErrRegistryClosed indicates the registry has been closed.
var ErrRegistryClosed = errors.New("dma: registry closed")
