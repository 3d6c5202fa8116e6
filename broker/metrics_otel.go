package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter          metric.Meter
	ioctlCompleted metric.Int64Counter
	ioctlFailed    metric.Int64Counter
	pinAcquired    metric.Int64Counter
	pinReleased    metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/ssddma-go/broker"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	ioctlCompleted, err := meter.Int64Counter("ssd_dma.broker.commands.completed")
	if err != nil {
		return nil, err
	}
	ioctlFailed, err := meter.Int64Counter("ssd_dma.broker.commands.failed")
	if err != nil {
		return nil, err
	}
	pinAcquired, err := meter.Int64Counter("ssd_dma.broker.pins.acquired")
	if err != nil {
		return nil, err
	}
	pinReleased, err := meter.Int64Counter("ssd_dma.broker.pins.released")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:          meter,
		ioctlCompleted: ioctlCompleted,
		ioctlFailed:    ioctlFailed,
		pinAcquired:    pinAcquired,
		pinReleased:    pinReleased,
	}, nil
}

// IoctlCompleted records a successful control command.
func (o *OTelMetrics) IoctlCompleted(attrs map[string]string) {
	o.ioctlCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelCommand)...))
}

// IoctlFailed records a failed control command.
func (o *OTelMetrics) IoctlFailed(_ error, attrs map[string]string) {
	o.ioctlFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelCommand, labelErrno)...))
}

// PinAcquired records a buffer or page pinned for a caller.
func (o *OTelMetrics) PinAcquired(attrs map[string]string) {
	o.pinAcquired.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind)...))
}

// PinReleased records a buffer or page unpinned.
func (o *OTelMetrics) PinReleased(attrs map[string]string) {
	o.pinReleased.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelKind)...))
}

func otelAttrs(attrs map[string]string, keys ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelNode, attrs[labelNode])}
	for _, key := range keys {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
