package dma

import (
	"context"
	"os"

	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// HostMemory is the device identifier that selects page-locked host memory.
const HostMemory = uapi.HostDevice

// FlagWrite marks a transfer element that moves data from memory to the device.
const FlagWrite = uapi.FlagWrite

// TransferVector describes one unit of a transfer.
type TransferVector = uapi.TransferVector

// DeviceContext identifies the storage device behind an open file. Contexts
// are reference counted by the Resolver that produced them.
type DeviceContext interface {
	Name() string
}

// Resolver maps an open file to the storage device it lives on. Every
// successful Resolve is balanced by exactly one Release.
type Resolver interface {
	Resolve(f *os.File) (DeviceContext, error)
	Release(dev DeviceContext)
}

// Transfer is a validated transfer request handed to an Engine. The broker
// owns every field and releases them once Transfer returns. Pins[i] is the
// memory named by Vector[i]; it stays pinned until Transfer returns.
type Transfer struct {
	File   *os.File
	Device DeviceContext
	Vector []TransferVector
	Pins   []Pin
}

// Engine performs or schedules the data movement described by a Transfer.
type Engine interface {
	Transfer(ctx context.Context, t *Transfer) error
}

// EngineFunc adapts an ordinary function to the Engine interface.
type EngineFunc func(ctx context.Context, t *Transfer) error

// Transfer calls f(ctx, t).
func (f EngineFunc) Transfer(ctx context.Context, t *Transfer) error {
	return f(ctx, t)
}

// Logger provides debug and warning hooks. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
}
