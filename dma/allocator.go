package dma

import (
	"fmt"
	"os"

	"github.com/rocketbitz/ssddma-go/internal/hostmem"
)

// Allocator pins memory of one memory space (host or an accelerator) and
// reports the bus address of every page it pins.
type Allocator interface {
	// PageSize is the physical page granularity of the memory space.
	PageSize() uint64
	// Pin allocates and pins size bytes. size is a multiple of PageSize.
	Pin(size uint64) (Region, error)
}

// Region is a pinned range returned by an Allocator.
type Region interface {
	Addr() uintptr
	Size() uint64
	// BusAddrs returns one bus address per page of the region.
	BusAddrs() []uint64
	// File returns a descriptor through which the region can be mapped by
	// another process, or nil.
	File() *os.File
	Unpin() error
}

// HostAllocator pins page-locked host memory backed by an anonymous memory
// file, so the broker can hand the same pages to its caller.
type HostAllocator struct {
	// Name labels the memory files. Defaults to "ssd-dma".
	Name string
	// Translate maps the pinned pages to bus addresses. Defaults to
	// hostmem.PhysAddrs.
	Translate func(addr uintptr, pages, pageSize int) ([]uint64, error)
}

var _ Allocator = HostAllocator{}

// PageSize returns the system page size.
func (a HostAllocator) PageSize() uint64 {
	return uint64(os.Getpagesize())
}

// Pin allocates a locked shared mapping of size bytes.
func (a HostAllocator) Pin(size uint64) (Region, error) {
	name := a.Name
	if name == "" {
		name = "ssd-dma"
	}
	translate := a.Translate
	if translate == nil {
		translate = hostmem.PhysAddrs
	}
	pageSize := os.Getpagesize()

	m, err := hostmem.Allocate(name, int(size))
	if err != nil {
		return nil, err
	}
	addrs, err := translate(m.Addr(), int(size)/pageSize, pageSize)
	if err != nil {
		_ = m.Release()
		return nil, fmt.Errorf("translate host pages: %w", err)
	}
	return &hostRegion{mapping: m, addrs: addrs}, nil
}

type hostRegion struct {
	mapping *hostmem.Mapping
	addrs   []uint64
}

func (r *hostRegion) Addr() uintptr { return r.mapping.Addr() }
func (r *hostRegion) Size() uint64 { return uint64(len(r.mapping.Bytes())) }
func (r *hostRegion) BusAddrs() []uint64 { return r.addrs }
func (r *hostRegion) File() *os.File { return r.mapping.File() }
func (r *hostRegion) Unpin() error { return r.mapping.Release() }
