// Package dma tracks page-locked memory that storage devices may reach by
// DMA, and defines the collaborators that carry out a transfer.
package dma

import (
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"go.uber.org/multierr"
)

// Handle identifies a pinned buffer or page inside a Registry.
type Handle = uint64

// Buffer is a pinned memory range split into fixed-size units, each with its
// own bus address.
type Buffer struct {
	Handle    Handle
	Device    int32
	VirtAddr  uintptr
	RangeSize uint64
	PageSize  uint64
	UnitSize  uint64
	BusAddrs  []uint64

	region Region
}

// NAddrs returns the unit count of the buffer.
func (b *Buffer) NAddrs() int {
	if b == nil {
		return 0
	}
	return len(b.BusAddrs)
}

// File returns the shareable descriptor of the pinned memory, or nil.
func (b *Buffer) File() *os.File {
	if b == nil || b.region == nil {
		return nil
	}
	return b.region.File()
}

// Page is a single pinned device page.
type Page struct {
	Handle   Handle
	Device   int32
	VirtAddr uintptr
	PageSize uint64
	BusAddr  uint64

	region Region
}

// File returns the shareable descriptor of the pinned page, or nil.
func (p *Page) File() *os.File {
	if p == nil || p.region == nil {
		return nil
	}
	return p.region.File()
}

type entry struct {
	handle Handle
	buffer *Buffer
	page   *Page
}

func (e *entry) region() Region {
	if e.buffer != nil {
		return e.buffer.region
	}
	return e.page.region
}

func entryLess(a, b *entry) bool { return a.handle < b.handle }

// Option configures a Registry.
type Option func(*Registry)

// WithHostAllocator replaces the allocator used for HostMemory.
func WithHostAllocator(a Allocator) Option {
	return func(r *Registry) { r.devices[HostMemory] = a }
}

// WithDevice registers the allocator of an accelerator memory space.
func WithDevice(id int32, a Allocator) Option {
	return func(r *Registry) { r.devices[id] = a }
}

// WithLogger sets the registry logger.
func WithLogger(l Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry creates and destroys pinned buffers and pages. It is safe for
// concurrent use; pinning happens outside the bookkeeping lock.
type Registry struct {
	mu      sync.Mutex
	entries *btree.BTreeG[*entry]
	next    Handle
	closed  bool
	devices map[int32]Allocator
	logger  Logger
}

// NewRegistry returns a Registry that pins host memory with HostAllocator
// unless overridden.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: btree.NewG[*entry](16, entryLess),
		devices: map[int32]Allocator{HostMemory: HostAllocator{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterDevice adds or replaces the allocator of device id.
func (r *Registry) RegisterDevice(id int32, a Allocator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = a
}

func (r *Registry) allocator(device int32) (Allocator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	a, ok := r.devices[device]
	if !ok || a == nil {
		return nil, fmt.Errorf("dma: unknown device %d: %w", device, ErrInvalidArgument)
	}
	return a, nil
}

// Geometry computes the unit count and pinned range size for a buffer of
// size bytes split into unitSize units on pages of pageSize bytes. unitSize
// and pageSize must be powers of two.
func Geometry(size, unitSize, pageSize uint64) (units, rangeSize uint64, err error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("dma: empty buffer: %w", ErrInvalidArgument)
	}
	if !isPow2(unitSize) || !isPow2(pageSize) {
		return 0, 0, fmt.Errorf("dma: unit size %d and page size %d must be powers of two: %w", unitSize, pageSize, ErrInvalidArgument)
	}
	units = size / unitSize
	if size%unitSize != 0 {
		units++
	}
	hi, unitBytes := bits.Mul64(units, unitSize)
	if hi != 0 {
		return 0, 0, fmt.Errorf("dma: buffer of %d bytes overflows: %w", size, ErrInvalidArgument)
	}
	rangeSize, carry := bits.Add64(unitBytes, pageSize-1, 0)
	if carry != 0 {
		return 0, 0, fmt.Errorf("dma: buffer of %d bytes overflows: %w", size, ErrInvalidArgument)
	}
	rangeSize &^= pageSize - 1
	return units, rangeSize, nil
}

func isPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// unitAddrs derives one bus address per unit from the per-page addresses of a
// region. Units larger than a page must be physically contiguous.
func unitAddrs(pages []uint64, pageSize, unitSize, units uint64) ([]uint64, error) {
	addrs := make([]uint64, units)
	for i := range addrs {
		off := uint64(i) * unitSize
		first := off / pageSize
		span := uint64(1)
		if unitSize > pageSize {
			span = unitSize / pageSize
		}
		if first+span > uint64(len(pages)) {
			return nil, fmt.Errorf("dma: unit %d beyond %d pinned pages", i, len(pages))
		}
		for k := uint64(1); k < span; k++ {
			if pages[first+k] != pages[first]+k*pageSize {
				return nil, fmt.Errorf("dma: unit %d spans discontiguous pages %#x and %#x", i, pages[first], pages[first+k])
			}
		}
		addrs[i] = pages[first] + off%pageSize
	}
	return addrs, nil
}

// AllocateBuffer pins a buffer of at least size bytes in the memory space of
// device and returns one bus address per unitSize unit.
func (r *Registry) AllocateBuffer(device int32, size, unitSize uint64) (*Buffer, error) {
	a, err := r.allocator(device)
	if err != nil {
		return nil, err
	}
	pageSize := a.PageSize()
	units, rangeSize, err := Geometry(size, unitSize, pageSize)
	if err != nil {
		return nil, err
	}

	region, err := a.Pin(rangeSize)
	if err != nil {
		return nil, fmt.Errorf("dma: pin %s on device %d: %v: %w", humanize.IBytes(rangeSize), device, err, ErrResourceExhausted)
	}
	addrs, err := unitAddrs(region.BusAddrs(), pageSize, unitSize, units)
	if err != nil {
		r.unpin(region)
		return nil, fmt.Errorf("%v: %w", err, ErrResourceExhausted)
	}

	buf := &Buffer{
		Device:    device,
		VirtAddr:  region.Addr(),
		RangeSize: rangeSize,
		PageSize:  pageSize,
		UnitSize:  unitSize,
		BusAddrs:  addrs,
		region:    region,
	}
	if err := r.insert(&entry{buffer: buf}, func(h Handle) { buf.Handle = h }); err != nil {
		r.unpin(region)
		return nil, err
	}
	r.debugf("pinned buffer handle=%d device=%d size=%s units=%d", buf.Handle, device, humanize.IBytes(rangeSize), units)
	return buf, nil
}

// AllocatePage pins a single page in the memory space of device.
func (r *Registry) AllocatePage(device int32) (*Page, error) {
	a, err := r.allocator(device)
	if err != nil {
		return nil, err
	}
	pageSize := a.PageSize()
	region, err := a.Pin(pageSize)
	if err != nil {
		return nil, fmt.Errorf("dma: pin page on device %d: %v: %w", device, err, ErrResourceExhausted)
	}
	pages := region.BusAddrs()
	if len(pages) != 1 {
		r.unpin(region)
		return nil, fmt.Errorf("dma: page pin returned %d addresses: %w", len(pages), ErrResourceExhausted)
	}

	page := &Page{
		Device:   device,
		VirtAddr: region.Addr(),
		PageSize: pageSize,
		BusAddr:  pages[0],
		region:   region,
	}
	if err := r.insert(&entry{page: page}, func(h Handle) { page.Handle = h }); err != nil {
		r.unpin(region)
		return nil, err
	}
	r.debugf("pinned page handle=%d device=%d bus=%#x", page.Handle, device, page.BusAddr)
	return page, nil
}

func (r *Registry) insert(e *entry, assign func(Handle)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.next++
	e.handle = r.next
	assign(e.handle)
	r.entries.ReplaceOrInsert(e)
	return nil
}

// ReleaseBuffer unpins the buffer named by h.
func (r *Registry) ReleaseBuffer(h Handle) error {
	e, err := r.remove(h, func(e *entry) bool { return e.buffer != nil })
	if err != nil {
		return err
	}
	r.debugf("released buffer handle=%d units=%d", h, e.buffer.NAddrs())
	return r.unpinErr(e.region())
}

// ReleasePage unpins the page named by h.
func (r *Registry) ReleasePage(h Handle) error {
	e, err := r.remove(h, func(e *entry) bool { return e.page != nil })
	if err != nil {
		return err
	}
	r.debugf("released page handle=%d", h)
	return r.unpinErr(e.region())
}

func (r *Registry) remove(h Handle, match func(*entry) bool) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Get(&entry{handle: h})
	if !ok || !match(e) {
		return nil, fmt.Errorf("dma: handle %d: %w", h, ErrBadDescriptor)
	}
	r.entries.Delete(e)
	return e, nil
}

// Lookup returns the live buffer named by h.
func (r *Registry) Lookup(h Handle) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Get(&entry{handle: h})
	if !ok || e.buffer == nil {
		return nil, false
	}
	return e.buffer, true
}

// Pin is a live buffer or page. Exactly one field is set.
type Pin struct {
	Buffer *Buffer
	Page   *Page
}

// Extent returns the byte length addressable through the pin.
func (p Pin) Extent() uint64 {
	switch {
	case p.Buffer != nil:
		return p.Buffer.RangeSize
	case p.Page != nil:
		return p.Page.PageSize
	default:
		return 0
	}
}

// Pin returns the live buffer or page named by h.
func (r *Registry) Pin(h Handle) (Pin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries.Get(&entry{handle: h})
	if !ok {
		return Pin{}, false
	}
	return Pin{Buffer: e.buffer, Page: e.page}, true
}

// Extent returns the byte length addressable through the live buffer or page
// named by h.
func (r *Registry) Extent(h Handle) (uint64, bool) {
	p, ok := r.Pin(h)
	return p.Extent(), ok
}

// PageSize returns the pinning granularity of device.
func (r *Registry) PageSize(device int32) (uint64, error) {
	a, err := r.allocator(device)
	if err != nil {
		return 0, err
	}
	return a.PageSize(), nil
}

// Outstanding returns the number of live buffers and pages.
func (r *Registry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries.Len()
}

// Close unpins every outstanding buffer and page and rejects further
// allocations.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var live []*entry
	r.entries.Ascend(func(e *entry) bool {
		live = append(live, e)
		return true
	})
	r.entries.Clear(false)
	r.mu.Unlock()

	var err error
	for _, e := range live {
		r.warnf("unpinning handle=%d left at close", e.handle)
		err = multierr.Append(err, e.region().Unpin())
	}
	return err
}

func (r *Registry) unpin(region Region) {
	if err := region.Unpin(); err != nil {
		r.warnf("unpin %#x: %v", region.Addr(), err)
	}
}

func (r *Registry) unpinErr(region Region) error {
	if err := region.Unpin(); err != nil {
		return fmt.Errorf("dma: unpin %#x: %w", region.Addr(), err)
	}
	return nil
}

func (r *Registry) debugf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Debugf(format, args...)
	}
}

func (r *Registry) warnf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Warnf(format, args...)
	}
}
