package client

import (
	"context"
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// Buffer is a pinned, unit-addressed range. BusAddrs[i] is the bus address of
// unit i as seen by the storage device.
type Buffer struct {
	Handle    dma.Handle
	Device    int32
	VirtAddr  uint64
	RangeSize uint64
	PageSize  uint64
	UnitSize  uint64
	BusAddrs  []uint64

	mem []byte
}

// NAddrs returns the number of units.
func (b *Buffer) NAddrs() int { return len(b.BusAddrs) }

// Bytes returns the buffer memory mapped into this process, or nil for
// buffers without a shareable mapping.
func (b *Buffer) Bytes() []byte { return b.mem }

// Unit returns the memory of unit i.
func (b *Buffer) Unit(i int) []byte {
	if b.mem == nil || i < 0 || i >= len(b.BusAddrs) {
		return nil
	}
	off := uint64(i) * b.UnitSize
	return b.mem[off : off+b.UnitSize]
}

// MarshalBinary encodes the buffer descriptor so it can be handed to another
// component. The local mapping is not part of the encoding.
func (b *Buffer) MarshalBinary() ([]byte, error) {
	h := uapi.HandleHeader{
		Handle:    b.Handle,
		Device:    b.Device,
		VirtAddr:  b.VirtAddr,
		RangeSize: b.RangeSize,
		PageSize:  b.PageSize,
		UnitSize:  b.UnitSize,
		NAddrs:    uint64(len(b.BusAddrs)),
	}
	return uapi.MarshalHandle(h, b.BusAddrs), nil
}

// UnmarshalBuffer decodes a descriptor produced by MarshalBinary. The result
// has no local mapping.
func UnmarshalBuffer(data []byte) (*Buffer, error) {
	h, addrs, err := uapi.UnmarshalHandle(data)
	if err != nil {
		return nil, err
	}
	return &Buffer{
		Handle:    h.Handle,
		Device:    h.Device,
		VirtAddr:  h.VirtAddr,
		RangeSize: h.RangeSize,
		PageSize:  h.PageSize,
		UnitSize:  h.UnitSize,
		BusAddrs:  addrs,
	}, nil
}

func (b *Buffer) unmap() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// GetBuffer pins size bytes on device (dma.HostMemory for host memory) split
// into units of unitSize bytes and maps them into this process. On failure
// nothing stays pinned and the returned buffer is nil.
func (c *Client) GetBuffer(ctx context.Context, device int32, size, unitSize uint64) (*Buffer, error) {
	units, _, err := dma.Geometry(size, unitSize, unitSize)
	if err != nil {
		return nil, fmt.Errorf("get_buffer: %w", err)
	}
	if units > math.MaxUint32 || units > uint64(maxArgBytes-uapi.SizeofMapBuffer)/8 {
		return nil, fmt.Errorf("get_buffer: %d units: %w", units, dma.ErrInvalidArgument)
	}

	var (
		buf    *Buffer
		mapErr error
	)
	addrsOff := uapi.SizeofMapBuffer
	err = c.command(ctx, "get_buffer", uapi.MapBuffer, addrsOff+8*int(units),
		func(arg []byte) {
			p := uapi.MapBufferParams{
				Device:   device,
				Size:     size,
				UnitSize: unitSize,
				Addrs:    uint64(argAddr(arg, addrsOff)),
				AddrsCap: uint32(units),
			}
			p.MarshalBytes(arg)
		},
		func(arg []byte, files []*os.File) error {
			defer closeFiles(files)
			var p uapi.MapBufferParams
			p.UnmarshalBytes(arg)
			buf = &Buffer{
				Handle:    p.Handle,
				Device:    device,
				VirtAddr:  p.VirtAddr,
				RangeSize: p.RangeSize,
				PageSize:  p.PageSize,
				UnitSize:  unitSize,
			}
			if p.NAddrs != units {
				mapErr = fmt.Errorf("reply carries %d of %d unit addresses: %w", p.NAddrs, units, uapi.EPROTO)
				return mapErr
			}
			buf.BusAddrs = make([]uint64, units)
			uapi.UnmarshalAddrs(buf.BusAddrs, arg[addrsOff:])
			mem, merr := mapAttachment(files, p.MemFD, p.RangeSize)
			if merr != nil {
				mapErr = fmt.Errorf("map memory: %w", merr)
				return mapErr
			}
			buf.mem = mem
			return nil
		},
		logKV(labelDevice, device), logKV("size", size), logKV("unit_size", unitSize))
	if mapErr != nil {
		c.unpin(ctx, "get_buffer", uapi.UnmapBuffer, buf.Handle)
		return nil, fmt.Errorf("get_buffer: %w", mapErr)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.buffers == nil {
		c.mu.Unlock()
		buf.unmap()
		return nil, ErrClosed
	}
	c.buffers[buf] = struct{}{}
	c.mu.Unlock()
	c.stats.buffersMapped.Add(1)
	return buf, nil
}

// PutBuffer unmaps b and releases its pin.
func (c *Client) PutBuffer(ctx context.Context, b *Buffer) error {
	if b == nil {
		return uapi.EINVAL.WithOp("put_buffer")
	}
	c.mu.Lock()
	_, owned := c.buffers[b]
	delete(c.buffers, b)
	c.mu.Unlock()
	if owned {
		if err := b.unmap(); err != nil {
			c.logEvent("munmap_failed", logKV("handle", b.Handle), logKV("error", err))
		}
	}
	if err := c.release(ctx, "put_buffer", uapi.UnmapBuffer, b.Handle); err != nil {
		return err
	}
	c.stats.buffersReleased.Add(1)
	return nil
}

func (c *Client) release(ctx context.Context, op string, cmd uint32, h dma.Handle) error {
	return c.command(ctx, op, cmd, uapi.SizeofUnmap,
		func(arg []byte) {
			p := uapi.UnmapParams{Handle: h}
			p.MarshalBytes(arg)
		},
		func(_ []byte, files []*os.File) error {
			closeFiles(files)
			return nil
		},
		logKV("handle", h))
}

// unpin undoes a map whose memory could not be used locally.
func (c *Client) unpin(ctx context.Context, op string, cmd uint32, h dma.Handle) {
	if err := c.release(ctx, op+"_rollback", cmd, h); err != nil {
		c.logEvent("rollback_failed", logKV(labelOperation, op), logKV("handle", h), logKV("error", err))
	}
}

// mapAttachment maps size bytes of the reply attachment at index idx.
func mapAttachment(files []*os.File, idx int32, size uint64) ([]byte, error) {
	if idx == uapi.NoAttachment {
		return nil, nil
	}
	if idx < 0 || int(idx) >= len(files) {
		return nil, fmt.Errorf("attachment %d of %d: %w", idx, len(files), uapi.EPROTO)
	}
	mem, err := unix.Mmap(int(files[idx].Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return mem, nil
}
