// Package hostmem provides page-locked, shareable host memory backed by a
// memfd, plus virtual-to-physical translation through the pagemap interface.
package hostmem

import (
	"fmt"
	"os"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// Mapping is a locked shared mapping of an anonymous memory file.
type Mapping struct {
	file *os.File
	mem  []byte
}

// Allocate creates a memory file of size bytes, maps it shared into the
// current process and locks it. size must be a multiple of the system page
// size.
func Allocate(name string, size int) (*Mapping, error) {
	if size <= 0 || size%os.Getpagesize() != 0 {
		return nil, fmt.Errorf("hostmem: size %d is not a positive page multiple: %w", size, unix.EINVAL)
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hostmem: memfd_create: %w", err)
	}
	file := os.NewFile(uintptr(fd), name)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("hostmem: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("hostmem: mmap: %w", err)
	}
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		file.Close()
		return nil, fmt.Errorf("hostmem: mlock: %w", err)
	}
	return &Mapping{file: file, mem: mem}, nil
}

// Addr returns the address of the first mapped byte.
func (m *Mapping) Addr() uintptr {
	if m == nil || len(m.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.mem[0]))
}

// Bytes returns the mapped memory.
func (m *Mapping) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.mem
}

// File returns the memory file backing the mapping.
func (m *Mapping) File() *os.File {
	if m == nil {
		return nil
	}
	return m.file
}

// Release unlocks and unmaps the memory and closes the memory file.
func (m *Mapping) Release() error {
	if m == nil {
		return nil
	}
	var err error
	if m.mem != nil {
		err = multierr.Append(err, unix.Munlock(m.mem))
		err = multierr.Append(err, unix.Munmap(m.mem))
		m.mem = nil
	}
	if m.file != nil {
		err = multierr.Append(err, m.file.Close())
		m.file = nil
	}
	return err
}
