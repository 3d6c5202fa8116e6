package dma_test

import (
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/dma/dmatest"
)

func newRegistry(t *testing.T, alloc *dmatest.Allocator) *dma.Registry {
	t.Helper()
	reg := dma.NewRegistry(dma.WithHostAllocator(alloc))
	t.Cleanup(func() {
		if err := reg.Close(); err != nil {
			t.Errorf("registry close: %v", err)
		}
	})
	return reg
}

func TestGeometry(t *testing.T) {
	cases := []struct {
		size, unit, page uint64
		units, rng       uint64
	}{
		{size: 10000, unit: 4096, page: 4096, units: 3, rng: 12288},
		{size: 1, unit: 4096, page: 4096, units: 1, rng: 4096},
		{size: 4096, unit: 4096, page: 4096, units: 1, rng: 4096},
		{size: 1000, unit: 512, page: 4096, units: 2, rng: 4096},
		{size: 10000, unit: 8192, page: 4096, units: 2, rng: 16384},
		{size: 65536, unit: 65536, page: 65536, units: 1, rng: 65536},
	}
	for _, tc := range cases {
		units, rng, err := dma.Geometry(tc.size, tc.unit, tc.page)
		if err != nil {
			t.Fatalf("Geometry(%d, %d, %d): %v", tc.size, tc.unit, tc.page, err)
		}
		if units != tc.units || rng != tc.rng {
			t.Fatalf("Geometry(%d, %d, %d) = (%d, %d), want (%d, %d)", tc.size, tc.unit, tc.page, units, rng, tc.units, tc.rng)
		}
	}
}

func TestGeometryRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name             string
		size, unit, page uint64
	}{
		{"empty", 0, 4096, 4096},
		{"zero unit", 100, 0, 4096},
		{"odd unit", 100, 3000, 4096},
		{"odd page", 100, 4096, 3000},
		{"overflow", ^uint64(0), 1 << 20, 4096},
	}
	for _, tc := range cases {
		if _, _, err := dma.Geometry(tc.size, tc.unit, tc.page); !errors.Is(err, dma.ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}

func TestAllocateBufferUnitAddresses(t *testing.T) {
	alloc := &dmatest.Allocator{Page: 4096}
	reg := newRegistry(t, alloc)

	buf, err := reg.AllocateBuffer(dma.HostMemory, 10000, 4096)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	if buf.NAddrs() != 3 || buf.RangeSize != 12288 || buf.UnitSize != 4096 || buf.PageSize != 4096 {
		t.Fatalf("unexpected geometry: %+v", buf)
	}
	want := []uint64{dmatest.BusBase, dmatest.BusBase + 4096, dmatest.BusBase + 8192}
	if diff := cmp.Diff(want, buf.BusAddrs); diff != "" {
		t.Fatalf("unexpected bus addresses (-want +got):\n%s", diff)
	}
	if buf.Device != dma.HostMemory || buf.VirtAddr == 0 || buf.File() == nil {
		t.Fatalf("unexpected buffer identity: %+v", buf)
	}

	if err := reg.ReleaseBuffer(buf.Handle); err != nil {
		t.Fatalf("ReleaseBuffer: %v", err)
	}
	if alloc.Pins() != 1 || alloc.Unpins() != 1 || alloc.Live() != 0 {
		t.Fatalf("pin accounting: pins=%d unpins=%d live=%d", alloc.Pins(), alloc.Unpins(), alloc.Live())
	}
	if reg.Outstanding() != 0 {
		t.Fatalf("expected no outstanding handles, got %d", reg.Outstanding())
	}
}

func TestAllocateBufferSubPageUnits(t *testing.T) {
	alloc := &dmatest.Allocator{Page: 4096}
	reg := newRegistry(t, alloc)

	buf, err := reg.AllocateBuffer(dma.HostMemory, 3000, 1024)
	if err != nil {
		t.Fatalf("AllocateBuffer: %v", err)
	}
	want := []uint64{dmatest.BusBase, dmatest.BusBase + 1024, dmatest.BusBase + 2048}
	if diff := cmp.Diff(want, buf.BusAddrs); diff != "" {
		t.Fatalf("unexpected bus addresses (-want +got):\n%s", diff)
	}
	if buf.RangeSize != 4096 {
		t.Fatalf("expected range rounded to a page, got %d", buf.RangeSize)
	}
}

func TestAllocateBufferUnitCountProperty(t *testing.T) {
	alloc := &dmatest.Allocator{Page: 4096}
	reg := newRegistry(t, alloc)

	for _, unit := range []uint64{512, 4096, 16384} {
		for _, size := range []uint64{1, 511, 512, 4095, 4097, 40000} {
			buf, err := reg.AllocateBuffer(dma.HostMemory, size, unit)
			if err != nil {
				t.Fatalf("AllocateBuffer(%d, %d): %v", size, unit, err)
			}
			want := int((size + unit - 1) / unit)
			if buf.NAddrs() != want {
				t.Fatalf("AllocateBuffer(%d, %d) units = %d, want %d", size, unit, buf.NAddrs(), want)
			}
			if err := reg.ReleaseBuffer(buf.Handle); err != nil {
				t.Fatalf("ReleaseBuffer: %v", err)
			}
		}
	}
	if alloc.Live() != 0 || alloc.Pins() != alloc.Unpins() {
		t.Fatalf("pins leaked: pins=%d unpins=%d", alloc.Pins(), alloc.Unpins())
	}
}

func TestAllocateBufferDiscontiguousUnit(t *testing.T) {
	alloc := &dmatest.Allocator{Page: 4096, Scatter: true}
	reg := newRegistry(t, alloc)

	if _, err := reg.AllocateBuffer(dma.HostMemory, 8192, 8192); !errors.Is(err, dma.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if alloc.Live() != 0 {
		t.Fatalf("discontiguous pin not released: live=%d", alloc.Live())
	}

	buf, err := reg.AllocateBuffer(dma.HostMemory, 8192, 4096)
	if err != nil {
		t.Fatalf("page-sized units should tolerate scattered pages: %v", err)
	}
	if buf.BusAddrs[1] != buf.BusAddrs[0]+8192 {
		t.Fatalf("unexpected scattered addresses %#x", buf.BusAddrs)
	}
}

func TestAllocateBufferPinFailure(t *testing.T) {
	alloc := &dmatest.Allocator{Err: unix.ENOMEM}
	reg := newRegistry(t, alloc)

	if _, err := reg.AllocateBuffer(dma.HostMemory, 4096, 4096); !errors.Is(err, dma.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if _, err := reg.AllocatePage(dma.HostMemory); !errors.Is(err, dma.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted for page, got %v", err)
	}
	if reg.Outstanding() != 0 {
		t.Fatalf("failed pin left bookkeeping behind")
	}
}

func TestAllocateUnknownDevice(t *testing.T) {
	reg := newRegistry(t, &dmatest.Allocator{})
	if _, err := reg.AllocateBuffer(3, 4096, 4096); !errors.Is(err, dma.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	gpu := &dmatest.Allocator{Page: 65536}
	reg.RegisterDevice(3, gpu)
	buf, err := reg.AllocateBuffer(3, 100000, 65536)
	if err != nil {
		t.Fatalf("AllocateBuffer on device 3: %v", err)
	}
	if buf.Device != 3 || buf.PageSize != 65536 || buf.NAddrs() != 2 || gpu.Pins() != 1 {
		t.Fatalf("unexpected accelerator buffer %+v", buf)
	}
}

func TestReleaseUnknownHandle(t *testing.T) {
	alloc := &dmatest.Allocator{}
	reg := newRegistry(t, alloc)

	if err := reg.ReleaseBuffer(42); !errors.Is(err, dma.ErrBadDescriptor) {
		t.Fatalf("expected ErrBadDescriptor, got %v", err)
	}

	page, err := reg.AllocatePage(dma.HostMemory)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if err := reg.ReleaseBuffer(page.Handle); !errors.Is(err, dma.ErrBadDescriptor) {
		t.Fatalf("releasing a page as a buffer should fail, got %v", err)
	}
	if err := reg.ReleasePage(page.Handle); err != nil {
		t.Fatalf("ReleasePage: %v", err)
	}
	if err := reg.ReleasePage(page.Handle); !errors.Is(err, dma.ErrBadDescriptor) {
		t.Fatalf("expected ErrBadDescriptor on double release, got %v", err)
	}
	if alloc.Unpins() != 1 {
		t.Fatalf("double release reached the allocator: unpins=%d", alloc.Unpins())
	}
}

func TestAllocatePage(t *testing.T) {
	alloc := &dmatest.Allocator{Page: 4096}
	reg := newRegistry(t, alloc)

	page, err := reg.AllocatePage(dma.HostMemory)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	want := &dma.Page{Handle: page.Handle, Device: dma.HostMemory, PageSize: 4096, BusAddr: dmatest.BusBase}
	if diff := cmp.Diff(want, page, cmpopts.IgnoreUnexported(dma.Page{}), cmpopts.IgnoreFields(dma.Page{}, "VirtAddr")); diff != "" {
		t.Fatalf("unexpected page (-want +got):\n%s", diff)
	}
	if _, ok := reg.Lookup(page.Handle); ok {
		t.Fatalf("pages must not resolve as buffers")
	}
	if err := reg.ReleasePage(page.Handle); err != nil {
		t.Fatalf("ReleasePage: %v", err)
	}
}

func TestCloseReleasesOutstanding(t *testing.T) {
	alloc := &dmatest.Allocator{}
	reg := dma.NewRegistry(dma.WithHostAllocator(alloc))

	for i := 0; i < 3; i++ {
		if _, err := reg.AllocateBuffer(dma.HostMemory, 4096, 4096); err != nil {
			t.Fatalf("AllocateBuffer: %v", err)
		}
	}
	if _, err := reg.AllocatePage(dma.HostMemory); err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if alloc.Live() != 0 || reg.Outstanding() != 0 {
		t.Fatalf("close leaked pins: live=%d outstanding=%d", alloc.Live(), reg.Outstanding())
	}
	if _, err := reg.AllocatePage(dma.HostMemory); !errors.Is(err, dma.ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestConcurrentAllocationsUniqueHandles(t *testing.T) {
	alloc := &dmatest.Allocator{}
	reg := newRegistry(t, alloc)

	const workers = 8
	handles := make(chan dma.Handle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := reg.AllocateBuffer(dma.HostMemory, 4096, 4096)
			if err != nil {
				t.Errorf("AllocateBuffer: %v", err)
				return
			}
			handles <- buf.Handle
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[dma.Handle]bool)
	for h := range handles {
		if seen[h] {
			t.Fatalf("duplicate handle %d", h)
		}
		seen[h] = true
		if err := reg.ReleaseBuffer(h); err != nil {
			t.Fatalf("ReleaseBuffer(%d): %v", h, err)
		}
	}
	if alloc.Live() != 0 {
		t.Fatalf("expected no live pins, got %d", alloc.Live())
	}
}

func TestHostAllocatorTranslation(t *testing.T) {
	pageSize := os.Getpagesize()
	var calls int
	alloc := dma.HostAllocator{Translate: func(addr uintptr, pages, size int) ([]uint64, error) {
		calls++
		out := make([]uint64, pages)
		for i := range out {
			out[i] = uint64(addr) + uint64(i*size)
		}
		return out, nil
	}}
	region, err := alloc.Pin(uint64(2 * pageSize))
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOSYS) {
			t.Skipf("locked memory unavailable: %v", err)
		}
		t.Fatalf("Pin: %v", err)
	}
	if calls != 1 || len(region.BusAddrs()) != 2 || region.Size() != uint64(2*pageSize) {
		t.Fatalf("unexpected region: calls=%d addrs=%d size=%d", calls, len(region.BusAddrs()), region.Size())
	}
	if region.File() == nil {
		t.Fatalf("host regions must be shareable")
	}
	if err := region.Unpin(); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
}

func TestHostAllocatorTranslationFailure(t *testing.T) {
	alloc := dma.HostAllocator{Translate: func(uintptr, int, int) ([]uint64, error) {
		return nil, unix.EPERM
	}}
	reg := dma.NewRegistry(dma.WithHostAllocator(alloc))
	defer reg.Close()

	_, err := reg.AllocatePage(dma.HostMemory)
	if !errors.Is(err, dma.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}
