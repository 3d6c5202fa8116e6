package broker

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
)

// InspectEngine is the default dma.Engine. It checks a transfer against the
// registry and reports the size of the target file without moving data.
type InspectEngine struct {
	registry *dma.Registry
	logger   dma.Logger
}

var _ dma.Engine = (*InspectEngine)(nil)

// NewInspectEngine returns an InspectEngine validating against reg.
func NewInspectEngine(reg *dma.Registry, logger dma.Logger) *InspectEngine {
	return &InspectEngine{registry: reg, logger: logger}
}

// Transfer implements dma.Engine.
func (e *InspectEngine) Transfer(ctx context.Context, t *dma.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(t.File.Fd()), &st); err != nil {
		return fmt.Errorf("stat %s: %v: %w", t.File.Name(), err, dma.ErrBadDescriptor)
	}
	if e.logger != nil {
		e.logger.Debugf("transfer target %s on %s is %s", t.File.Name(), t.Device.Name(), humanize.IBytes(uint64(st.Size)))
	}
	for i := range t.Vector {
		var pin dma.Pin
		if i < len(t.Pins) {
			pin = t.Pins[i]
		}
		if err := e.check(&t.Vector[i], pin); err != nil {
			return fmt.Errorf("vector element %d: %w", i, err)
		}
	}
	return nil
}

// check validates v against pin, or against the registry when the broker
// did not resolve the element.
func (e *InspectEngine) check(v *dma.TransferVector, pin dma.Pin) error {
	if v.Flags&^dma.FlagWrite != 0 {
		return fmt.Errorf("reserved flags %#x: %w", v.Flags, dma.ErrInvalidArgument)
	}
	if v.Length == 0 {
		return fmt.Errorf("zero length: %w", dma.ErrInvalidArgument)
	}
	extent := pin.Extent()
	ok := extent != 0
	if !ok {
		extent, ok = e.registry.Extent(v.Handle)
	}
	if !ok {
		return fmt.Errorf("handle %d not pinned: %w", v.Handle, dma.ErrInvalidArgument)
	}
	if end := v.Offset + v.Length; end < v.Offset || end > extent {
		return fmt.Errorf("extent [%d,+%d) outside %d bytes: %w", v.Offset, v.Length, extent, dma.ErrInvalidArgument)
	}
	return nil
}
