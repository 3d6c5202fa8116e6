package client

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	metrics.CommandCompleted(map[string]string{labelOperation: "get_page", labelDevice: "-1", labelStatus: "ok"})
	metrics.CommandFailed(errors.New("fail"), map[string]string{labelOperation: "put_page", labelErrno: "EBADF"})
	metrics.CommandFailed(errors.New("fail"), map[string]string{labelOperation: "put_page", labelErrno: "EBADF"})

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"ssd_dma.client.commands.completed": 1,
		"ssd_dma.client.commands.failed":    2,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if !otelCounterHasAttr(rm, "ssd_dma.client.commands.failed", attribute.String(labelErrno, "EBADF")) {
		t.Fatalf("failed counter missing errno attribute")
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func otelCounterHasAttr(rm metricdata.ResourceMetrics, name string, kv attribute.KeyValue) bool {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			data, ok := metric.Data.(metricdata.Sum[int64])
			if metric.Name != name || !ok {
				continue
			}
			for _, dp := range data.DataPoints {
				if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
					return true
				}
			}
		}
	}
	return false
}
