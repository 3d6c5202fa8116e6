// Package broker implements the privileged side of the control channel: it
// validates requests from unprivileged callers, pins memory on their behalf
// and hands validated transfers to a dma.Engine.
package broker

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// Defaults applied by New.
const (
	DefaultMaxVectorLength = 4096
	DefaultVectorBudget    = 16 << 20
	DefaultPinBudget       = 1 << 30
)

// Config controls New.
type Config struct {
	Registry *dma.Registry
	Resolver dma.Resolver
	// Engine receives validated transfers. Defaults to an InspectEngine.
	Engine dma.Engine
	// MaxVectorLength bounds the element count of a transfer vector.
	MaxVectorLength uint32
	// VectorBudget bounds the bytes of transfer vectors held at once across
	// all sessions.
	VectorBudget int64
	// PinBudget bounds the bytes of buffers and pages pinned at once across
	// all sessions.
	PinBudget int64

	Logger           dma.Logger
	StructuredLogger dma.StructuredLogger
	Metrics          MetricHook
}

// Broker serves control commands. Calls run synchronously in the calling
// goroutine; the broker keeps no per-request state between calls.
type Broker struct {
	cfg      Config
	registry *dma.Registry
	resolver dma.Resolver
	engine   dma.Engine
	handlers map[uint32]handler

	budget      *semaphore.Weighted
	vectorBytes atomic.Int64
	pinBudget   *semaphore.Weighted
	pinnedBytes atomic.Int64
	node        atomic.Pointer[string]

	logger           dma.Logger
	structuredLogger dma.StructuredLogger
	metrics          MetricHook
}

// New validates cfg, applies defaults and returns a Broker.
func New(cfg Config) (*Broker, error) {
	if cfg.Registry == nil {
		return nil, errors.New("broker: registry required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("broker: resolver required")
	}
	if cfg.MaxVectorLength == 0 {
		cfg.MaxVectorLength = DefaultMaxVectorLength
	}
	if cfg.VectorBudget <= 0 {
		cfg.VectorBudget = DefaultVectorBudget
	}
	if cfg.PinBudget <= 0 {
		cfg.PinBudget = DefaultPinBudget
	}
	if cfg.Engine == nil {
		cfg.Engine = NewInspectEngine(cfg.Registry, cfg.Logger)
	}
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(dma.StructuredLogger); ok {
			structured = logger
		}
	}

	b := &Broker{
		cfg:              cfg,
		registry:         cfg.Registry,
		resolver:         cfg.Resolver,
		engine:           cfg.Engine,
		budget:           semaphore.NewWeighted(cfg.VectorBudget),
		pinBudget:        semaphore.NewWeighted(cfg.PinBudget),
		logger:           cfg.Logger,
		structuredLogger: structured,
		metrics:          cfg.Metrics,
	}
	b.handlers = map[uint32]handler{
		uapi.StartTransfer: b.startTransfer,
		uapi.MapBuffer:     b.mapBuffer,
		uapi.UnmapBuffer:   b.unmapBuffer,
		uapi.MapPage:       b.mapPage,
		uapi.UnmapPage:     b.unmapPage,
	}
	return b, nil
}

// Registry returns the registry the broker pins memory with.
func (b *Broker) Registry() *dma.Registry {
	return b.registry
}

// VectorBytesInUse reports the transfer-vector bytes currently held.
func (b *Broker) VectorBytesInUse() int64 {
	return b.vectorBytes.Load()
}

// PinnedBytesInUse reports the bytes of buffers and pages currently pinned
// through the broker.
func (b *Broker) PinnedBytesInUse() int64 {
	return b.pinnedBytes.Load()
}

// reservePinned takes n bytes from the pin budget.
func (b *Broker) reservePinned(n uint64) error {
	if n > uint64(b.cfg.PinBudget) || !b.pinBudget.TryAcquire(int64(n)) {
		return fmt.Errorf("pin of %s exceeds budget with %s pinned: %w",
			humanize.IBytes(n), humanize.IBytes(uint64(b.pinnedBytes.Load())), dma.ErrResourceExhausted)
	}
	b.pinnedBytes.Add(int64(n))
	return nil
}

func (b *Broker) releasePinned(n int64) {
	b.pinnedBytes.Add(-n)
	b.pinBudget.Release(n)
}

// unpin releases a pin removed from its session and returns its bytes to
// the budget.
func (b *Broker) unpin(h dma.Handle, p *sessionPin) error {
	var err error
	if p.kind == pinPage {
		err = b.registry.ReleasePage(h)
	} else {
		err = b.registry.ReleaseBuffer(h)
	}
	b.releasePinned(p.bytes)
	if err != nil {
		return err
	}
	b.metricPinReleased(p.kind.String())
	return nil
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (b *Broker) logEvent(event string, fields ...logField) {
	if b.structuredLogger != nil {
		b.structuredLogger.Debugw("ssd-dma broker", kv(event, fields)...)
		return
	}
	if b.logger == nil {
		return
	}
	b.logger.Debugf("broker %s", flatten(event, fields))
}

func (b *Broker) warnEvent(event string, fields ...logField) {
	if b.structuredLogger != nil {
		b.structuredLogger.Warnw("ssd-dma broker", kv(event, fields)...)
		return
	}
	if b.logger == nil {
		return
	}
	b.logger.Warnf("broker %s", flatten(event, fields))
}

func kv(event string, fields []logField) []any {
	out := make([]any, 0, len(fields)*2+2)
	out = append(out, "event", event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		out = append(out, field.key, field.value)
	}
	return out
}

func flatten(event string, fields []logField) string {
	var sb strings.Builder
	sb.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		sb.WriteString(" ")
		sb.WriteString(field.key)
		sb.WriteString("=")
		sb.WriteString(fmt.Sprint(field.value))
	}
	return sb.String()
}
