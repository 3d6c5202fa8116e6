package broker

import (
	"context"
	"fmt"
	"os"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// ioctlState holds the state of one call to Session.Ioctl.
type ioctlState struct {
	ctx     context.Context
	session *Session
	caller  Caller
	cmd     uint32
	arg     hostarch.Addr
}

type handler func(*ioctlState) (uintptr, error)

func (b *Broker) ioctl(is *ioctlState) (uintptr, error) {
	name := uapi.CommandName(is.cmd)
	h, ok := b.handlers[is.cmd]
	if !ok {
		b.warnEvent("unknown_command", logKV("session", is.session.id), logKV("cmd", fmt.Sprintf("%#x", is.cmd)))
		err := fmt.Errorf("command %#x: %w", is.cmd, dma.ErrUnsupported)
		b.metricIoctl(name, err)
		return 0, err
	}
	ret, err := h(is)
	if err != nil {
		b.logEvent("command_failed", logKV("session", is.session.id), logKV("command", name), logKV("error", err))
	}
	b.metricIoctl(name, err)
	return ret, err
}

func copyIn(is *ioctlState, addr hostarch.Addr, dst []byte, what string) error {
	if _, err := is.caller.CopyIn(addr, dst); err != nil {
		return fmt.Errorf("copy in %s: %w", what, asBoundary(err))
	}
	return nil
}

func copyOut(is *ioctlState, addr hostarch.Addr, src []byte, what string) error {
	if _, err := is.caller.CopyOut(addr, src); err != nil {
		return fmt.Errorf("copy out %s: %w", what, asBoundary(err))
	}
	return nil
}

// asBoundary makes sure a failed copy is reported as a boundary-copy error
// whatever the Caller returned. A caller that has gone away stays EBADF.
func asBoundary(err error) error {
	switch uapi.Status(err) {
	case -int64(dma.ErrBoundaryCopy), -int64(dma.ErrBadDescriptor):
		return err
	}
	return fmt.Errorf("%v: %w", err, dma.ErrBoundaryCopy)
}

// attachFile hands a duplicate of the memory file backing a pinned range to
// the caller. Ranges without a file yield NoAttachment.
func (b *Broker) attachFile(is *ioctlState, f *os.File) (int32, error) {
	if f == nil {
		return uapi.NoAttachment, nil
	}
	dup, err := dupFile(f)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, dma.ErrResourceExhausted)
	}
	idx, err := is.caller.Attach(dup)
	if err != nil {
		dup.Close()
		return 0, fmt.Errorf("attach memory file: %v: %w", err, dma.ErrBoundaryCopy)
	}
	return idx, nil
}

func (b *Broker) mapBuffer(is *ioctlState) (uintptr, error) {
	var p uapi.MapBufferParams
	raw := make([]byte, p.SizeBytes())
	if err := copyIn(is, is.arg, raw, "map parameters"); err != nil {
		return 0, err
	}
	p.UnmarshalBytes(raw)

	pageSize, err := b.registry.PageSize(p.Device)
	if err != nil {
		return 0, err
	}
	units, rangeSize, err := dma.Geometry(p.Size, p.UnitSize, pageSize)
	if err != nil {
		return 0, err
	}
	if uint64(p.AddrsCap) < units {
		return 0, fmt.Errorf("address array holds %d of %d units: %w", p.AddrsCap, units, dma.ErrInvalidArgument)
	}

	if err := b.reservePinned(rangeSize); err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { b.releasePinned(int64(rangeSize)) })
	defer cu.Clean()

	buf, err := b.registry.AllocateBuffer(p.Device, p.Size, p.UnitSize)
	if err != nil {
		return 0, err
	}
	cu.Add(func() {
		if err := b.registry.ReleaseBuffer(buf.Handle); err != nil {
			b.warnEvent("unpin_failed", logKV("handle", buf.Handle), logKV("error", err))
		}
	})

	addrs := make([]byte, 8*len(buf.BusAddrs))
	uapi.PutAddrs(addrs, buf.BusAddrs)
	if err := copyOut(is, hostarch.Addr(p.Addrs), addrs, "bus addresses"); err != nil {
		return 0, err
	}

	p.MemFD, err = b.attachFile(is, buf.File())
	if err != nil {
		return 0, err
	}
	p.Handle = buf.Handle
	p.VirtAddr = uint64(buf.VirtAddr)
	p.RangeSize = buf.RangeSize
	p.PageSize = buf.PageSize
	p.NAddrs = uint64(len(buf.BusAddrs))
	p.MarshalBytes(raw)
	if err := copyOut(is, is.arg, raw, "map parameters"); err != nil {
		return 0, err
	}

	if !is.session.track(pinBuffer, buf.Handle, int64(rangeSize)) {
		return 0, fmt.Errorf("session %d released: %w", is.session.id, dma.ErrBadDescriptor)
	}
	cu.Release()
	b.metricPinAcquired("buffer")
	b.logEvent("map_buffer", logKV("session", is.session.id), logKV("handle", buf.Handle),
		logKV("device", p.Device), logKV("units", len(buf.BusAddrs)), logKV("range_size", buf.RangeSize))
	return 0, nil
}

func (b *Broker) unmapBuffer(is *ioctlState) (uintptr, error) {
	var p uapi.UnmapParams
	raw := make([]byte, p.SizeBytes())
	if err := copyIn(is, is.arg, raw, "unmap parameters"); err != nil {
		return 0, err
	}
	p.UnmarshalBytes(raw)

	return 0, b.retire(is, pinBuffer, p.Handle)
}

func (b *Broker) mapPage(is *ioctlState) (uintptr, error) {
	var p uapi.MapPageParams
	raw := make([]byte, p.SizeBytes())
	if err := copyIn(is, is.arg, raw, "page parameters"); err != nil {
		return 0, err
	}
	p.UnmarshalBytes(raw)

	pageSize, err := b.registry.PageSize(p.Device)
	if err != nil {
		return 0, err
	}
	if err := b.reservePinned(pageSize); err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { b.releasePinned(int64(pageSize)) })
	defer cu.Clean()

	page, err := b.registry.AllocatePage(p.Device)
	if err != nil {
		return 0, err
	}
	cu.Add(func() {
		if err := b.registry.ReleasePage(page.Handle); err != nil {
			b.warnEvent("unpin_failed", logKV("handle", page.Handle), logKV("error", err))
		}
	})

	p.MemFD, err = b.attachFile(is, page.File())
	if err != nil {
		return 0, err
	}
	p.Handle = page.Handle
	p.VirtAddr = uint64(page.VirtAddr)
	p.PageSize = page.PageSize
	p.BusAddr = page.BusAddr
	p.MarshalBytes(raw)
	if err := copyOut(is, is.arg, raw, "page parameters"); err != nil {
		return 0, err
	}

	if !is.session.track(pinPage, page.Handle, int64(pageSize)) {
		return 0, fmt.Errorf("session %d released: %w", is.session.id, dma.ErrBadDescriptor)
	}
	cu.Release()
	b.metricPinAcquired("page")
	b.logEvent("map_page", logKV("session", is.session.id), logKV("handle", page.Handle), logKV("device", p.Device))
	return 0, nil
}

func (b *Broker) unmapPage(is *ioctlState) (uintptr, error) {
	var p uapi.UnmapParams
	raw := make([]byte, p.SizeBytes())
	if err := copyIn(is, is.arg, raw, "unmap parameters"); err != nil {
		return 0, err
	}
	p.UnmarshalBytes(raw)

	return 0, b.retire(is, pinPage, p.Handle)
}

// retire removes h from the session and unpins it, unless a transfer in
// flight still holds it.
func (b *Broker) retire(is *ioctlState, kind pinKind, h dma.Handle) error {
	pin, ok := is.session.retire(kind, h)
	if !ok {
		return fmt.Errorf("%s %d not owned by session %d: %w", kind, h, is.session.id, dma.ErrBadDescriptor)
	}
	if pin == nil {
		b.logEvent("unmap_deferred", logKV("session", is.session.id), logKV("handle", h), logKV("kind", kind.String()))
		return nil
	}
	if err := b.unpin(h, pin); err != nil {
		return err
	}
	b.logEvent("unmap_"+kind.String(), logKV("session", is.session.id), logKV("handle", h))
	return nil
}
