package broker_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/dma/dmatest"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

const arenaBase hostarch.Addr = 0x10000

// fakeCaller models a caller address space as a flat arena starting at
// arenaBase. Anything outside the arena faults.
type fakeCaller struct {
	mu       sync.Mutex
	mem      []byte
	next     int
	files    map[int32]*os.File
	opened   []*os.File
	attached []*os.File
	copies   int
}

func newFakeCaller(t *testing.T) *fakeCaller {
	c := &fakeCaller{mem: make([]byte, 1<<16), files: make(map[int32]*os.File)}
	t.Cleanup(func() {
		for _, f := range c.attached {
			f.Close()
		}
	})
	return c
}

// put copies b into the arena and returns its address.
func (c *fakeCaller) put(b []byte) hostarch.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := arenaBase + hostarch.Addr(c.next)
	copy(c.mem[c.next:], b)
	c.next += (len(b) + 7) &^ 7
	return addr
}

// reserve returns the address of n zeroed bytes.
func (c *fakeCaller) reserve(n int) hostarch.Addr {
	return c.put(make([]byte, n))
}

func (c *fakeCaller) read(addr hostarch.Addr, n int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := int(addr - arenaBase)
	return append([]byte(nil), c.mem[off:off+n]...)
}

func (c *fakeCaller) span(addr hostarch.Addr, n int) (int, error) {
	if addr < arenaBase || int(addr-arenaBase)+n > len(c.mem) {
		return 0, fmt.Errorf("fake caller %#x+%d: %w", addr, n, dma.ErrBoundaryCopy)
	}
	return int(addr - arenaBase), nil
}

func (c *fakeCaller) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copies++
	off, err := c.span(addr, len(dst))
	if err != nil {
		return 0, err
	}
	return copy(dst, c.mem[off:]), nil
}

func (c *fakeCaller) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.copies++
	off, err := c.span(addr, len(src))
	if err != nil {
		return 0, err
	}
	return copy(c.mem[off:], src), nil
}

func (c *fakeCaller) GetFile(fd int32) (*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[fd]
	if !ok {
		return nil, unix.EBADF
	}
	nfd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, err
	}
	dup := os.NewFile(uintptr(nfd), f.Name())
	c.opened = append(c.opened, dup)
	return dup, nil
}

func (c *fakeCaller) Attach(f *os.File) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached = append(c.attached, f)
	return int32(len(c.attached) - 1), nil
}

// addFile installs a temp file as descriptor fd of the caller.
func (c *fakeCaller) addFile(t *testing.T, fd int32) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "target")
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	c.mu.Lock()
	c.files[fd] = f
	c.mu.Unlock()
	return f
}

// requireClosed fails unless every file handed to the broker was closed.
func (c *fakeCaller) requireClosed(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.opened {
		if err := f.Close(); !errors.Is(err, os.ErrClosed) {
			t.Fatalf("file %s left open by broker (close: %v)", f.Name(), err)
		}
	}
}

type fakeDevice struct{ name string }

func (d *fakeDevice) Name() string { return d.name }

type fakeResolver struct {
	mu        sync.Mutex
	err       error
	resolves  int
	releases  int
	onRelease func()
}

func (r *fakeResolver) Resolve(f *os.File) (dma.DeviceContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.resolves++
	return &fakeDevice{name: "nvme0"}, nil
}

func (r *fakeResolver) Release(dma.DeviceContext) {
	r.mu.Lock()
	r.releases++
	hook := r.onRelease
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (r *fakeResolver) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolves, r.releases
}

type fixture struct {
	alloc    *dmatest.Allocator
	registry *dma.Registry
	resolver *fakeResolver
	broker   *broker.Broker
	node     *broker.Node
	caller   *fakeCaller
	session  *broker.Session
}

func newFixture(t *testing.T, cfg broker.Config) *fixture {
	t.Helper()
	fx := &fixture{alloc: &dmatest.Allocator{Page: 4096}, resolver: &fakeResolver{}}
	fx.registry = dma.NewRegistry(dma.WithHostAllocator(fx.alloc))
	t.Cleanup(func() { fx.registry.Close() })

	cfg.Registry = fx.registry
	if cfg.Resolver == nil {
		cfg.Resolver = fx.resolver
	}
	b, err := broker.New(cfg)
	if err != nil {
		t.Fatalf("broker.New: %v", err)
	}
	fx.broker = b

	node, err := broker.Register(nodeName(t), b)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() { node.Deregister() })
	fx.node = node

	fx.caller = newFakeCaller(t)
	s, err := node.Open(fx.caller)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fx.session = s
	return fx
}

func nodeName(t *testing.T) string {
	return strings.ReplaceAll(t.Name(), "/", "_")
}

func newObservedLogger(level zapcore.Level) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return zap.New(core).Sugar(), logs
}

func marshalStart(fd int32, vec []dma.TransferVector, c *fakeCaller) []byte {
	req := uapi.StartRequest{FileDesc: fd, VectorLength: uint32(len(vec))}
	if len(vec) > 0 {
		req.VectorElems = uint64(c.put(uapi.MarshalVector(vec)))
	}
	raw := make([]byte, req.SizeBytes())
	req.MarshalBytes(raw)
	return raw
}

func requireErrno(t *testing.T, err error, want uapi.Errno) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", unix.ErrnoName(unix.Errno(want)), err)
	}
}
