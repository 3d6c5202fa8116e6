package hostmem

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// PagemapPath is the pagemap file consulted by PhysAddrs.
var PagemapPath = "/proc/self/pagemap"

const (
	pagemapEntrySize = 8
	pagemapPresent   = 1 << 63
	pagemapPFNMask   = (1 << 55) - 1
)

// PhysAddrs returns the physical address of each of the pages pages starting
// at the page-aligned address addr. The pages must be resident. Without
// CAP_SYS_ADMIN the kernel reports zero frame numbers, which is returned as
// EPERM.
func PhysAddrs(addr uintptr, pages int, pageSize int) ([]uint64, error) {
	f, err := os.Open(PagemapPath)
	if err != nil {
		return nil, fmt.Errorf("hostmem: open pagemap: %w", err)
	}
	defer f.Close()
	return readPagemap(f, addr, pages, pageSize)
}

func readPagemap(r io.ReaderAt, addr uintptr, pages int, pageSize int) ([]uint64, error) {
	if pageSize <= 0 || addr%uintptr(pageSize) != 0 {
		return nil, fmt.Errorf("hostmem: address %#x is not page aligned: %w", addr, unix.EINVAL)
	}
	raw := make([]byte, pages*pagemapEntrySize)
	off := int64(addr/uintptr(pageSize)) * pagemapEntrySize
	if _, err := r.ReadAt(raw, off); err != nil {
		return nil, fmt.Errorf("hostmem: read pagemap: %w", err)
	}
	phys := make([]uint64, pages)
	for i := range phys {
		entry := hostarch.ByteOrder.Uint64(raw[i*pagemapEntrySize:])
		if entry&pagemapPresent == 0 {
			return nil, fmt.Errorf("hostmem: page %d at %#x not resident: %w", i, addr+uintptr(i*pageSize), unix.EFAULT)
		}
		pfn := entry & pagemapPFNMask
		if pfn == 0 {
			return nil, fmt.Errorf("hostmem: frame numbers hidden by the kernel: %w", unix.EPERM)
		}
		phys[i] = pfn * uint64(pageSize)
	}
	return phys, nil
}
