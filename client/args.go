package client

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
)

// maxArgBytes bounds the argument memory of one command.
const maxArgBytes = 1 << 30

// argArena is anonymous memory outside the Go heap that holds command
// arguments while the broker reads and writes them. Commands using it are
// serialized.
type argArena struct {
	mu  sync.Mutex
	mem []byte
}

func newArgArena() (*argArena, error) {
	a := &argArena{}
	if err := a.grow(os.Getpagesize()); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *argArena) grow(n int) error {
	page := os.Getpagesize()
	size := (n + page - 1) &^ (page - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return err
	}
	if a.mem != nil {
		unix.Munmap(a.mem)
	}
	a.mem = mem
	return nil
}

// with calls fn with n zeroed bytes of arena memory and their address.
func (a *argArena) with(n int, fn func(arg []byte, addr uintptr) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return ErrClosed
	}
	if n <= 0 || n > maxArgBytes {
		return fmt.Errorf("argument of %d bytes: %w", n, dma.ErrInvalidArgument)
	}
	if n > len(a.mem) {
		if err := a.grow(n); err != nil {
			return err
		}
	}
	arg := a.mem[:n]
	clear(arg)
	return fn(arg, uintptr(unsafe.Pointer(&arg[0])))
}

func (a *argArena) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem != nil {
		unix.Munmap(a.mem)
		a.mem = nil
	}
}

// argAddr returns the address of arg[off] as seen by the broker.
func argAddr(arg []byte, off int) uintptr {
	return uintptr(unsafe.Pointer(&arg[off]))
}
