// Package dmatest provides in-memory collaborators for tests of code built on
// the dma package.
package dmatest

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
)

// BusBase is the first bus address handed out by an Allocator.
const BusBase uint64 = 0x1_0000_0000

// Allocator is a dma.Allocator backed by unlocked memory files. It fabricates
// bus addresses and counts pin and unpin calls.
type Allocator struct {
	// Page is the reported page size. Defaults to the system page size.
	Page uint64
	// Scatter leaves a one-page hole between consecutive pages so that no
	// two pages are physically contiguous.
	Scatter bool
	// Err, when set, fails every Pin.
	Err error

	mu      sync.Mutex
	nextBus uint64
	pins    int
	unpins  int
	live    map[*Region]struct{}
}

var _ dma.Allocator = (*Allocator)(nil)

// PageSize implements dma.Allocator.
func (a *Allocator) PageSize() uint64 {
	if a.Page != 0 {
		return a.Page
	}
	return uint64(os.Getpagesize())
}

// Pin implements dma.Allocator.
func (a *Allocator) Pin(size uint64) (dma.Region, error) {
	if a.Err != nil {
		return nil, a.Err
	}
	pageSize := a.PageSize()
	if size == 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("dmatest: pin of %d bytes is not page aligned", size)
	}

	fd, err := unix.MemfdCreate("dmatest", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	file := os.NewFile(uintptr(fd), "dmatest")
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		file.Close()
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nextBus == 0 {
		a.nextBus = BusBase
	}
	stride := pageSize
	if a.Scatter {
		stride = 2 * pageSize
	}
	pages := make([]uint64, size/pageSize)
	for i := range pages {
		pages[i] = a.nextBus
		a.nextBus += stride
	}
	r := &Region{owner: a, file: file, mem: mem, bus: pages}
	if a.live == nil {
		a.live = make(map[*Region]struct{})
	}
	a.live[r] = struct{}{}
	a.pins++
	return r, nil
}

// Pins returns the number of successful Pin calls.
func (a *Allocator) Pins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pins
}

// Unpins returns the number of Unpin calls.
func (a *Allocator) Unpins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unpins
}

// Live returns the number of regions pinned and not yet unpinned.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Region is a pinned range handed out by Allocator.
type Region struct {
	owner *Allocator
	file  *os.File
	mem   []byte
	bus   []uint64
}

// ErrDoubleUnpin is returned by Unpin on an already released region.
var ErrDoubleUnpin = errors.New("dmatest: region unpinned twice")

// Addr implements dma.Region.
func (r *Region) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size implements dma.Region.
func (r *Region) Size() uint64 { return uint64(len(r.bus)) * r.owner.PageSize() }

// BusAddrs implements dma.Region.
func (r *Region) BusAddrs() []uint64 { return r.bus }

// File implements dma.Region.
func (r *Region) File() *os.File { return r.file }

// Bytes returns the memory of the region as seen by the allocating process.
func (r *Region) Bytes() []byte { return r.mem }

// Unpin implements dma.Region.
func (r *Region) Unpin() error {
	a := r.owner
	a.mu.Lock()
	_, ok := a.live[r]
	delete(a.live, r)
	a.unpins++
	a.mu.Unlock()
	if !ok {
		return ErrDoubleUnpin
	}

	var err error
	err = multierr.Append(err, unix.Munmap(r.mem))
	err = multierr.Append(err, r.file.Close())
	r.mem = nil
	return err
}
