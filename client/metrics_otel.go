package client

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
	meter            metric.Meter
	commandCompleted metric.Int64Counter
	commandFailed    metric.Int64Counter
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
			name = "github.com/rocketbitz/ssddma-go/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	commandCompleted, err := meter.Int64Counter("ssd_dma.client.commands.completed")
	if err != nil {
		return nil, err
	}
	commandFailed, err := meter.Int64Counter("ssd_dma.client.commands.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:            meter,
		commandCompleted: commandCompleted,
		commandFailed:    commandFailed,
	}, nil
}

// CommandCompleted records a successful broker command.
func (o *OTelMetrics) CommandCompleted(attrs map[string]string) {
	o.commandCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// CommandFailed records a failed broker command.
func (o *OTelMetrics) CommandFailed(_ error, attrs map[string]string) {
	o.commandFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelErrno)...))
}

func otelAttrs(attrs map[string]string, extra string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{attribute.String(labelOperation, attrs[labelOperation])}
	if v := attrs[labelDevice]; v != "" {
		kvs = append(kvs, attribute.String(labelDevice, v))
	}
	if v := attrs[extra]; v != "" {
		kvs = append(kvs, attribute.String(extra, v))
	}
	return kvs
}
