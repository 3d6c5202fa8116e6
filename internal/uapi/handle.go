package uapi

import (
	"fmt"
	"math/bits"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// SizeofHandleHeader is the size of the fixed part of an encoded buffer handle.
const SizeofHandleHeader = 56

// HandleHeader holds the fixed fields of a pinned buffer handle. NAddrs is the
// number of bus addresses that trail the header.
type HandleHeader struct {
	Handle    uint64
	Device    int32
	VirtAddr  uint64
	RangeSize uint64
	PageSize  uint64
	UnitSize  uint64
	NAddrs    uint64
}

// MarshalHandle encodes h followed by addrs. h.NAddrs is taken from len(addrs).
func MarshalHandle(h HandleHeader, addrs []uint64) []byte {
	buf := make([]byte, SizeofHandleHeader+8*len(addrs))
	dst := buf
	hostarch.ByteOrder.PutUint64(dst[:8], h.Handle)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(h.Device))
	dst = dst[8:]
	for _, v := range []uint64{h.VirtAddr, h.RangeSize, h.PageSize, h.UnitSize, uint64(len(addrs))} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	PutAddrs(dst, addrs)
	return buf
}

// UnmarshalHandle decodes a buffer handle. The trailing address count must
// match the encoded NAddrs exactly.
func UnmarshalHandle(src []byte) (HandleHeader, []uint64, error) {
	var h HandleHeader
	if len(src) < SizeofHandleHeader {
		return h, nil, fmt.Errorf("handle header truncated (%d bytes): %w", len(src), EINVAL)
	}
	h.Handle = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	h.Device = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[8:]
	for _, v := range []*uint64{&h.VirtAddr, &h.RangeSize, &h.PageSize, &h.UnitSize, &h.NAddrs} {
		*v = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	hi, size := bits.Mul64(h.NAddrs, 8)
	if hi != 0 || size != uint64(len(src)) {
		return h, nil, fmt.Errorf("handle carries %d addresses in %d bytes: %w", h.NAddrs, len(src), EINVAL)
	}
	addrs := make([]uint64, h.NAddrs)
	UnmarshalAddrs(addrs, src)
	return h, addrs, nil
}

// PutAddrs encodes addrs into dst, which must hold 8*len(addrs) bytes.
func PutAddrs(dst []byte, addrs []uint64) {
	for i, a := range addrs {
		hostarch.ByteOrder.PutUint64(dst[8*i:], a)
	}
}

// UnmarshalAddrs decodes len(dst) bus addresses from src.
func UnmarshalAddrs(dst []uint64, src []byte) {
	for i := range dst {
		dst[i] = hostarch.ByteOrder.Uint64(src[8*i:])
	}
}
