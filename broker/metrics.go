package broker

import (
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// MetricHook captures broker telemetry events.
type MetricHook interface {
	IoctlCompleted(attrs map[string]string)
	IoctlFailed(err error, attrs map[string]string)
	PinAcquired(attrs map[string]string)
	PinReleased(attrs map[string]string)
}

const (
	labelNode    = "node"
	labelCommand = "command"
	labelErrno   = "errno"
	labelKind    = "kind"
)

func (b *Broker) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	if name := b.nodeName(); name != "" {
		attrs[labelNode] = name
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		if s, ok := field.value.(string); ok {
			attrs[field.key] = s
		}
	}
	return attrs
}

func (b *Broker) metricIoctl(command string, err error) {
	if b.metrics == nil {
		return
	}
	if err == nil {
		b.metrics.IoctlCompleted(b.metricAttrs(logKV(labelCommand, command)))
		return
	}
	errno := unix.ErrnoName(unix.Errno(-uapi.Status(err)))
	b.metrics.IoctlFailed(err, b.metricAttrs(logKV(labelCommand, command), logKV(labelErrno, errno)))
}

func (b *Broker) metricPinAcquired(kind string) {
	if b.metrics == nil {
		return
	}
	b.metrics.PinAcquired(b.metricAttrs(logKV(labelKind, kind)))
}

func (b *Broker) metricPinReleased(kind string) {
	if b.metrics == nil {
		return
	}
	b.metrics.PinReleased(b.metricAttrs(logKV(labelKind, kind)))
}

func (b *Broker) nodeName() string {
	if name := b.node.Load(); name != nil {
		return *name
	}
	return ""
}
