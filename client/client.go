// Package client is the unprivileged handle library. It asks a broker for
// pinned buffers and pages, maps their memory into the calling process and
// submits transfers.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/channel"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("ssd-dma client: closed")

// Transport carries one control command to a broker and returns the reply
// attachments. *channel.Conn and *channel.Local implement it.
type Transport interface {
	Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, []*os.File, error)
	Close() error
}

var (
	_ Transport = (*channel.Conn)(nil)
	_ Transport = (*channel.Local)(nil)
)

// Config controls Dial behaviour.
type Config struct {
	// SocketPath is the broker socket. Defaults to channel.DefaultSocketPath.
	SocketPath string
	// Transport, when set, is used instead of dialing SocketPath. The client
	// closes it.
	Transport Transport
	// Timeout bounds each command. Zero means 5s; negative disables it.
	Timeout          time.Duration
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns one broker session. Buffers and pages obtained through it stay
// pinned until they are put back or the client is closed.
type Client struct {
	cfg       Config
	transport Transport
	args      *argArena
	closed    atomic.Bool

	mu      sync.Mutex
	buffers map[*Buffer]struct{}
	pages   map[*Page]struct{}

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// Logger provides debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to command spans.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap broker commands.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events and errors of one command.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	BuffersMapped   uint64
	BuffersReleased uint64
	PagesMapped     uint64
	PagesReleased   uint64
	Transfers       uint64
	Errors          uint64
}

type clientStats struct {
	buffersMapped   atomic.Uint64
	buffersReleased atomic.Uint64
	pagesMapped     atomic.Uint64
	pagesReleased   atomic.Uint64
	transfers       atomic.Uint64
	errors          atomic.Uint64
}

// MetricHook captures command telemetry.
type MetricHook interface {
	CommandCompleted(attrs map[string]string)
	CommandFailed(err error, attrs map[string]string)
}

const (
	labelOperation = "operation"
	labelDevice    = "device"
	labelStatus    = "status"
	labelErrno     = "errno"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// Dial opens a session with the broker.
func Dial(cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = channel.DefaultSocketPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	args, err := newArgArena()
	if err != nil {
		return nil, fmt.Errorf("argument memory: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		ctx, cancel := contextWithTimeout(context.Background(), cfg.Timeout)
		conn, err := channel.Dial(ctx, cfg.SocketPath)
		cancel()
		if err != nil {
			args.close()
			return nil, err
		}
		transport = conn
	}

	c := &Client{
		cfg:              cfg,
		transport:        transport,
		args:             args,
		buffers:          make(map[*Buffer]struct{}),
		pages:            make(map[*Page]struct{}),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
	if c.structuredLogger == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			c.structuredLogger = logger
		}
	}
	c.logEvent("dial", logKV("socket", cfg.SocketPath))
	return c, nil
}

// Close unmaps every buffer and page still held and ends the session, which
// makes the broker unpin them.
func (c *Client) Close() error {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	buffers, pages := c.buffers, c.pages
	c.buffers, c.pages = nil, nil
	c.mu.Unlock()

	var err error
	for b := range buffers {
		err = multierr.Append(err, b.unmap())
	}
	for p := range pages {
		err = multierr.Append(err, p.unmap())
	}
	err = multierr.Append(err, c.transport.Close())
	c.args.close()
	c.logEvent("close", logKV("buffers", len(buffers)), logKV("pages", len(pages)))
	return err
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		BuffersMapped:   c.stats.buffersMapped.Load(),
		BuffersReleased: c.stats.buffersReleased.Load(),
		PagesMapped:     c.stats.pagesMapped.Load(),
		PagesReleased:   c.stats.pagesReleased.Load(),
		Transfers:       c.stats.transfers.Load(),
		Errors:          c.stats.errors.Load(),
	}
}

// command runs cmd with the argument block prepared by fill, which receives
// scratch memory of argSize bytes visible to the broker, and hands the
// memory back to done once the reply arrived.
func (c *Client) command(ctx context.Context, op string, cmd uint32, argSize int, fill func([]byte), done func([]byte, []*os.File) error, fields ...logField) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := contextWithTimeout(ensureContext(ctx), c.cfg.Timeout)
	defer cancel()

	fields = append([]logField{logKV(labelOperation, op)}, fields...)
	span := c.startSpan(op, fields...)

	err := c.args.with(argSize, func(arg []byte, addr uintptr) error {
		fill(arg)
		_, files, err := c.transport.Ioctl(ctx, cmd, addr)
		if err != nil {
			return err
		}
		return done(arg, files)
	})

	if err != nil {
		c.stats.errors.Add(1)
		errno := unix.ErrnoName(unix.Errno(-uapi.Status(err)))
		fields = append(fields, logKV(labelStatus, "error"), logKV(labelErrno, errno), logKV("error", err))
		c.logEvent("command_failed", fields...)
		spanAddEvent(span, "failed", fields...)
		spanRecordError(span, err)
		c.metricCommandFailed(err, fields...)
	} else {
		fields = append(fields, logKV(labelStatus, "ok"))
		c.logEvent("command", fields...)
		c.metricCommandCompleted(fields...)
	}
	if span != nil {
		span.End(err)
	}
	return err
}

func (c *Client) startSpan(op string, fields ...logField) Span {
	if c.tracer == nil {
		return nil
	}
	return c.tracer.StartSpan("ssd-dma."+op, attributesFromFields(fields...)...)
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields))
	for _, field := range fields {
		if field.key == "" || field.key == "error" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) metricCommandCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.CommandCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricCommandFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.CommandFailed(err, c.metricAttrs(fields...))
}

func (c *Client) logEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("ssd-dma client", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client %s", b.String())
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
