package broker

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/dma"
)

// Caller is the view of the requesting process available to the broker: its
// address space and its descriptor table. Every address and descriptor passed
// through a Caller is untrusted.
type Caller interface {
	// CopyIn fills dst from caller memory at addr. A short copy is an error.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)
	// CopyOut writes src to caller memory at addr. A short copy is an error.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)
	// GetFile returns a new reference to the caller's descriptor fd. The
	// broker closes it when done.
	GetFile(fd int32) (*os.File, error)
	// Attach queues f for delivery to the caller with the reply and returns
	// its index among the reply attachments. The Caller owns f afterwards.
	Attach(f *os.File) (int32, error)
}

// ProcessCaller is a Caller for another process on the same host. Memory is
// accessed with process_vm_readv/process_vm_writev and descriptors are
// duplicated with pidfd_getfd, so the broker needs ptrace access to the
// caller.
type ProcessCaller struct {
	pid   int
	pidfd int
	local bool

	mu       sync.Mutex
	attached []*os.File
}

var _ Caller = (*ProcessCaller)(nil)

// NewProcessCaller opens a pidfd for pid.
func NewProcessCaller(pid int) (*ProcessCaller, error) {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("broker: pidfd_open %d: %w", pid, err)
	}
	return &ProcessCaller{pid: pid, pidfd: pidfd}, nil
}

// NewProcessCallerPidfd returns a Caller for pid backed by pidfd, which it
// takes ownership of. Use it with the pidfd of a socket peer
// (SO_PEERPIDFD) so that the caller cannot be confused with a later process
// reusing the pid.
func NewProcessCallerPidfd(pid, pidfd int) *ProcessCaller {
	return &ProcessCaller{pid: pid, pidfd: pidfd}
}

// NewLocalCaller returns a Caller for the current process, for brokers
// embedded in the process that uses them. Descriptors are duplicated
// directly instead of through a pidfd.
func NewLocalCaller() *ProcessCaller {
	return &ProcessCaller{pid: os.Getpid(), pidfd: -1, local: true}
}

// Pid returns the process id of the caller.
func (c *ProcessCaller) Pid() int { return c.pid }

// alive fails once the process the pidfd refers to has exited, after which
// c.pid may name another process.
func (c *ProcessCaller) alive() error {
	if c.local {
		return nil
	}
	if c.pidfd < 0 {
		return fmt.Errorf("pid %d: caller closed: %w", c.pid, dma.ErrBadDescriptor)
	}
	if err := unix.PidfdSendSignal(c.pidfd, 0, nil, 0); err != nil {
		return fmt.Errorf("pid %d: %v: %w", c.pid, err, dma.ErrBadDescriptor)
	}
	return nil
}

// CopyIn implements Caller.
func (c *ProcessCaller) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	if err := c.alive(); err != nil {
		return 0, err
	}
	local := []unix.Iovec{{Base: &dst[0]}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(dst)}}
	n, err := unix.ProcessVMReadv(c.pid, local, remote, 0)
	if aerr := c.alive(); aerr != nil {
		return 0, aerr
	}
	if err != nil {
		return n, fmt.Errorf("read %d bytes at %#x: %w: %w", len(dst), addr, err, dma.ErrBoundaryCopy)
	}
	if n != len(dst) {
		return n, fmt.Errorf("short read of %d/%d bytes at %#x: %w", n, len(dst), addr, dma.ErrBoundaryCopy)
	}
	return n, nil
}

// CopyOut implements Caller.
func (c *ProcessCaller) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if err := c.alive(); err != nil {
		return 0, err
	}
	local := []unix.Iovec{{Base: &src[0]}}
	local[0].SetLen(len(src))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(src)}}
	n, err := unix.ProcessVMWritev(c.pid, local, remote, 0)
	if aerr := c.alive(); aerr != nil {
		return 0, aerr
	}
	if err != nil {
		return n, fmt.Errorf("write %d bytes at %#x: %w: %w", len(src), addr, err, dma.ErrBoundaryCopy)
	}
	if n != len(src) {
		return n, fmt.Errorf("short write of %d/%d bytes at %#x: %w", n, len(src), addr, dma.ErrBoundaryCopy)
	}
	return n, nil
}

// GetFile implements Caller.
func (c *ProcessCaller) GetFile(fd int32) (*os.File, error) {
	if fd < 0 {
		return nil, fmt.Errorf("descriptor %d: %w", fd, dma.ErrBadDescriptor)
	}
	var (
		nfd int
		err error
	)
	if c.local {
		nfd, err = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	} else {
		nfd, err = unix.PidfdGetfd(c.pidfd, int(fd), 0)
	}
	if err != nil {
		return nil, fmt.Errorf("descriptor %d of pid %d: %v: %w", fd, c.pid, err, dma.ErrBadDescriptor)
	}
	return os.NewFile(uintptr(nfd), fmt.Sprintf("pid:%d/fd:%d", c.pid, fd)), nil
}

// Attach implements Caller.
func (c *ProcessCaller) Attach(f *os.File) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, f)
	return int32(len(c.attached) - 1), nil
}

// TakeAttachments returns and forgets the files queued by Attach.
func (c *ProcessCaller) TakeAttachments() []*os.File {
	c.mu.Lock()
	defer c.mu.Unlock()
	files := c.attached
	c.attached = nil
	return files
}

// Close releases the pidfd and any undelivered attachments.
func (c *ProcessCaller) Close() error {
	var err error
	for _, f := range c.TakeAttachments() {
		err = multierr.Append(err, f.Close())
	}
	if c.pidfd >= 0 {
		err = multierr.Append(err, unix.Close(c.pidfd))
		c.pidfd = -1
	}
	return err
}

func dupFile(f *os.File) (*os.File, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
