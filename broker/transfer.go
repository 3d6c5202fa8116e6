package broker

import (
	"fmt"
	"math"
	"math/bits"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// maxVectorBytes is the largest vector storage the int64 budget can account
// for.
const maxVectorBytes = math.MaxInt64

// vectorBytes returns the size of a transfer vector of n elements, or an
// invalid-argument error if n is above max or the size exceeds
// maxVectorBytes.
func vectorBytes(n, max uint32) (int64, error) {
	if n > max {
		return 0, fmt.Errorf("vector length %d exceeds %d: %w", n, max, dma.ErrInvalidArgument)
	}
	hi, lo := bits.Mul64(uint64(n), uapi.SizeofTransferVector)
	if hi != 0 || lo > maxVectorBytes {
		return 0, fmt.Errorf("vector length %d overflows: %w", n, dma.ErrInvalidArgument)
	}
	return int64(lo), nil
}

func (b *Broker) startTransfer(is *ioctlState) (uintptr, error) {
	var req uapi.StartRequest
	raw := make([]byte, req.SizeBytes())
	if err := copyIn(is, is.arg, raw, "transfer request"); err != nil {
		return 0, err
	}
	req.UnmarshalBytes(raw)

	size, err := vectorBytes(req.VectorLength, b.cfg.MaxVectorLength)
	if err != nil {
		return 0, err
	}

	var cu cleanup.Cleanup
	defer cu.Clean()

	if size > 0 {
		if !b.budget.TryAcquire(size) {
			return 0, fmt.Errorf("transfer vector of %d bytes: %w", size, dma.ErrResourceExhausted)
		}
		b.vectorBytes.Add(size)
		cu.Add(func() {
			b.vectorBytes.Add(-size)
			b.budget.Release(size)
		})
	}
	storage := make([]byte, size)
	if size > 0 {
		if err := copyIn(is, hostarch.Addr(req.VectorElems), storage, "transfer vector"); err != nil {
			return 0, err
		}
	}
	vec := make([]dma.TransferVector, req.VectorLength)
	uapi.UnmarshalVector(vec, storage)

	file, err := is.caller.GetFile(req.FileDesc)
	if err != nil {
		return 0, fmt.Errorf("transfer file: %v: %w", err, dma.ErrBadDescriptor)
	}
	cu.Add(func() {
		if err := file.Close(); err != nil {
			b.warnEvent("file_close_failed", logKV("session", is.session.id), logKV("error", err))
		}
	})

	dev, err := b.resolver.Resolve(file)
	if err != nil {
		return 0, fmt.Errorf("device for descriptor %d: %v: %w", req.FileDesc, err, dma.ErrBadDescriptor)
	}
	cu.Add(func() { b.resolver.Release(dev) })

	held, err := is.session.hold(vec)
	if err != nil {
		return 0, err
	}
	cu.Add(func() {
		for _, hp := range is.session.unhold(held) {
			if err := b.unpin(hp.handle, hp.pin); err != nil {
				b.warnEvent("unpin_failed", logKV("session", is.session.id), logKV("handle", hp.handle), logKV("error", err))
			}
		}
	})
	pins := make([]dma.Pin, len(vec))
	for i := range vec {
		pin, ok := b.registry.Pin(vec[i].Handle)
		if !ok {
			return 0, fmt.Errorf("vector element %d: handle %d not pinned: %w", i, vec[i].Handle, dma.ErrInvalidArgument)
		}
		pins[i] = pin
	}

	b.logEvent("start_transfer", logKV("session", is.session.id), logKV("device", dev.Name()),
		logKV("vector_length", req.VectorLength))
	if err := b.engine.Transfer(is.ctx, &dma.Transfer{File: file, Device: dev, Vector: vec, Pins: pins}); err != nil {
		return 0, err
	}
	return 0, nil
}
