// Package uapi defines the control-channel ABI shared by the broker and the
// client library: command codes, argument layouts and the errno taxonomy.
package uapi

import (
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Magic is the ioctl type byte of every control command.
const Magic = 'S'

// Command numbers (the IOC_NR part of a command).
const (
	NrStartTransfer = 1
	NrMapBuffer     = 2
	NrUnmapBuffer   = 3
	NrMapPage       = 4
	NrUnmapPage     = 5
)

// HostDevice selects page-locked host memory instead of accelerator memory.
const HostDevice int32 = -1

// NoAttachment marks a map reply that carries no memory descriptor.
const NoAttachment int32 = -1

// FlagWrite marks a transfer element that moves data from memory to the device.
const FlagWrite uint32 = 1 << 0

// Argument sizes.
const (
	SizeofStartRequest   = 16
	SizeofTransferVector = 40
	SizeofMapBuffer      = 80
	SizeofMapPage        = 40
	SizeofUnmap          = 8
)

// Control commands.
var (
	StartTransfer = linux.IOWR(Magic, NrStartTransfer, SizeofStartRequest)
	MapBuffer     = linux.IOWR(Magic, NrMapBuffer, SizeofMapBuffer)
	UnmapBuffer   = linux.IOWR(Magic, NrUnmapBuffer, SizeofUnmap)
	MapPage       = linux.IOWR(Magic, NrMapPage, SizeofMapPage)
	UnmapPage     = linux.IOWR(Magic, NrUnmapPage, SizeofUnmap)
)

// CommandName returns a short label for cmd, used in logs and metrics.
func CommandName(cmd uint32) string {
	switch cmd {
	case StartTransfer:
		return "start_transfer"
	case MapBuffer:
		return "map_buffer"
	case UnmapBuffer:
		return "unmap_buffer"
	case MapPage:
		return "map_page"
	case UnmapPage:
		return "unmap_page"
	default:
		return "unknown"
	}
}

// StartRequest is the transfer-start header read from caller memory.
type StartRequest struct {
	FileDesc     int32
	VectorLength uint32
	VectorElems  uint64
}

// SizeBytes returns the encoded size of the header.
func (r *StartRequest) SizeBytes() int {
	return SizeofStartRequest
}

// MarshalBytes encodes r into dst and returns the remainder.
func (r *StartRequest) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(r.FileDesc))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], r.VectorLength)
	dst = dst[4:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.VectorElems)
	return dst[8:]
}

// UnmarshalBytes decodes r from src and returns the remainder.
func (r *StartRequest) UnmarshalBytes(src []byte) []byte {
	r.FileDesc = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	r.VectorLength = hostarch.ByteOrder.Uint32(src[:4])
	src = src[4:]
	r.VectorElems = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}

// TransferVector describes one unit of a transfer: a byte range of a pinned
// buffer and the matching device offset.
type TransferVector struct {
	Handle       uint64
	Offset       uint64
	Length       uint64
	DeviceOffset uint64
	Flags        uint32
}

// SizeBytes returns the encoded size of an element.
func (v *TransferVector) SizeBytes() int {
	return SizeofTransferVector
}

// MarshalBytes encodes v into dst and returns the remainder.
func (v *TransferVector) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], v.Handle)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], v.Offset)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], v.Length)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], v.DeviceOffset)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint32(dst[:4], v.Flags)
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], 0)
	return dst[4:]
}

// UnmarshalBytes decodes v from src and returns the remainder.
func (v *TransferVector) UnmarshalBytes(src []byte) []byte {
	v.Handle = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	v.Offset = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	v.Length = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	v.DeviceOffset = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	v.Flags = hostarch.ByteOrder.Uint32(src[:4])
	return src[8:]
}

// MarshalVector encodes a transfer vector into one contiguous buffer.
func MarshalVector(vec []TransferVector) []byte {
	buf := make([]byte, len(vec)*SizeofTransferVector)
	dst := buf
	for i := range vec {
		dst = vec[i].MarshalBytes(dst)
	}
	return buf
}

// UnmarshalVector decodes len(src)/SizeofTransferVector elements into dst,
// which must be large enough.
func UnmarshalVector(dst []TransferVector, src []byte) {
	for i := range dst {
		if len(src) < SizeofTransferVector {
			return
		}
		src = dst[i].UnmarshalBytes(src)
	}
}

// MapBufferParams is the in/out argument of MapBuffer.
type MapBufferParams struct {
	Device   int32
	MemFD    int32
	Size     uint64
	UnitSize uint64
	Addrs    uint64
	AddrsCap uint32

	Handle    uint64
	VirtAddr  uint64
	RangeSize uint64
	PageSize  uint64
	NAddrs    uint64
}

// SizeBytes returns the encoded size of the parameters.
func (p *MapBufferParams) SizeBytes() int {
	return SizeofMapBuffer
}

// MarshalBytes encodes p into dst and returns the remainder.
func (p *MapBufferParams) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(p.Device))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(p.MemFD))
	dst = dst[4:]
	for _, v := range []uint64{p.Size, p.UnitSize, p.Addrs} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	hostarch.ByteOrder.PutUint32(dst[:4], p.AddrsCap)
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], 0)
	dst = dst[4:]
	for _, v := range []uint64{p.Handle, p.VirtAddr, p.RangeSize, p.PageSize, p.NAddrs} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes decodes p from src and returns the remainder.
func (p *MapBufferParams) UnmarshalBytes(src []byte) []byte {
	p.Device = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	p.MemFD = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	for _, v := range []*uint64{&p.Size, &p.UnitSize, &p.Addrs} {
		*v = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	p.AddrsCap = hostarch.ByteOrder.Uint32(src[:4])
	src = src[8:]
	for _, v := range []*uint64{&p.Handle, &p.VirtAddr, &p.RangeSize, &p.PageSize, &p.NAddrs} {
		*v = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	return src
}

// MapPageParams is the in/out argument of MapPage.
type MapPageParams struct {
	Device   int32
	MemFD    int32
	Handle   uint64
	VirtAddr uint64
	PageSize uint64
	BusAddr  uint64
}

// SizeBytes returns the encoded size of the parameters.
func (p *MapPageParams) SizeBytes() int {
	return SizeofMapPage
}

// MarshalBytes encodes p into dst and returns the remainder.
func (p *MapPageParams) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(p.Device))
	dst = dst[4:]
	hostarch.ByteOrder.PutUint32(dst[:4], uint32(p.MemFD))
	dst = dst[4:]
	for _, v := range []uint64{p.Handle, p.VirtAddr, p.PageSize, p.BusAddr} {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	return dst
}

// UnmarshalBytes decodes p from src and returns the remainder.
func (p *MapPageParams) UnmarshalBytes(src []byte) []byte {
	p.Device = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	p.MemFD = int32(hostarch.ByteOrder.Uint32(src[:4]))
	src = src[4:]
	for _, v := range []*uint64{&p.Handle, &p.VirtAddr, &p.PageSize, &p.BusAddr} {
		*v = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	return src
}

// UnmapParams is the argument of UnmapBuffer and UnmapPage.
type UnmapParams struct {
	Handle uint64
}

// SizeBytes returns the encoded size of the parameters.
func (p *UnmapParams) SizeBytes() int {
	return SizeofUnmap
}

// MarshalBytes encodes p into dst and returns the remainder.
func (p *UnmapParams) MarshalBytes(dst []byte) []byte {
	hostarch.ByteOrder.PutUint64(dst[:8], p.Handle)
	return dst[8:]
}

// UnmarshalBytes decodes p from src and returns the remainder.
func (p *UnmapParams) UnmarshalBytes(src []byte) []byte {
	p.Handle = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}
