package broker_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

type metricRecorder struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	acquired  []string
	released  []string
	nodes     map[string]bool
}

func (m *metricRecorder) record(dst *[]string, value string, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*dst = append(*dst, value)
	if m.nodes == nil {
		m.nodes = make(map[string]bool)
	}
	m.nodes[attrs["node"]] = true
}

func (m *metricRecorder) IoctlCompleted(attrs map[string]string) {
	m.record(&m.completed, attrs["command"], attrs)
}

func (m *metricRecorder) IoctlFailed(_ error, attrs map[string]string) {
	m.record(&m.failed, attrs["command"]+":"+attrs["errno"], attrs)
}

func (m *metricRecorder) PinAcquired(attrs map[string]string) {
	m.record(&m.acquired, attrs["kind"], attrs)
}

func (m *metricRecorder) PinReleased(attrs map[string]string) {
	m.record(&m.released, attrs["kind"], attrs)
}

func TestMetricHookSeesCommands(t *testing.T) {
	rec := &metricRecorder{}
	fx := newFixture(t, broker.Config{Metrics: rec})

	p, err := mapBuffer(t, fx.session, fx.caller, 4096, 4096, 1)
	if err != nil {
		t.Fatalf("MAP_BUFFER: %v", err)
	}
	if err := unmap(t, fx.session, fx.caller, uapi.UnmapBuffer, p.Handle); err != nil {
		t.Fatalf("UNMAP_BUFFER: %v", err)
	}
	_, err = fx.session.Ioctl(context.Background(), 0x1234, 0)
	requireErrno(t, err, dma.ErrUnsupported)
	_, err = fx.session.Ioctl(context.Background(), uapi.StartTransfer, fx.caller.put(marshalStart(99, nil, fx.caller)))
	requireErrno(t, err, dma.ErrBadDescriptor)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff([]string{"map_buffer", "unmap_buffer"}, rec.completed); diff != "" {
		t.Fatalf("completed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"unknown:ENOTTY", "start_transfer:EBADF"}, rec.failed); diff != "" {
		t.Fatalf("failed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"buffer"}, rec.acquired); diff != "" {
		t.Fatalf("acquired (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"buffer"}, rec.released); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
	if len(rec.nodes) != 1 || !rec.nodes[fx.node.Name()] {
		t.Fatalf("metrics not labelled with the node name: %v", rec.nodes)
	}
}
