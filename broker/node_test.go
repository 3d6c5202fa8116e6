package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

func TestRegisterRejectsDuplicateName(t *testing.T) {
	fx := newFixture(t, broker.Config{})

	if _, err := broker.Register(fx.node.Name(), fx.broker); !errors.Is(err, uapi.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
	if n, ok := broker.Lookup(fx.node.Name()); !ok || n != fx.node {
		t.Fatalf("Lookup did not return the registered node")
	}
}

func TestDeregisterTearsDownSessions(t *testing.T) {
	fx := newFixture(t, broker.Config{})
	if _, err := mapBuffer(t, fx.session, fx.caller, 4096, 4096, 1); err != nil {
		t.Fatalf("MAP_BUFFER: %v", err)
	}

	if err := fx.node.Deregister(); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := fx.node.Deregister(); err != nil {
		t.Fatalf("second Deregister: %v", err)
	}
	if fx.alloc.Live() != 0 {
		t.Fatalf("pins survived deregister")
	}
	if _, ok := broker.Lookup(fx.node.Name()); ok {
		t.Fatalf("node still registered")
	}

	if _, err := fx.node.Open(newFakeCaller(t)); !errors.Is(err, uapi.ENODEV) {
		t.Fatalf("expected ENODEV from Open, got %v", err)
	}
	_, err := fx.session.Ioctl(context.Background(), uapi.UnmapBuffer, fx.caller.reserve(8))
	requireErrno(t, err, uapi.ENODEV)

	again, err := broker.Register(fx.node.Name(), fx.broker)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	again.Deregister()
}

func TestOpenRequiresCaller(t *testing.T) {
	fx := newFixture(t, broker.Config{})
	_, err := fx.node.Open(nil)
	requireErrno(t, err, dma.ErrInvalidArgument)
}

func TestConcurrentSessions(t *testing.T) {
	fx := newFixture(t, broker.Config{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newFakeCaller(t)
			s, err := fx.node.Open(c)
			if err != nil {
				errs <- err
				return
			}
			defer s.Release()
			for j := 0; j < 16; j++ {
				p, err := mapBuffer(t, s, c, 8192, 4096, 2)
				if err != nil {
					errs <- err
					return
				}
				if err := unmap(t, s, c, uapi.UnmapBuffer, p.Handle); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker: %v", err)
	}
	if fx.alloc.Live() != 0 || fx.alloc.Pins() != workers*16 {
		t.Fatalf("unbalanced pins: live=%d pins=%d", fx.alloc.Live(), fx.alloc.Pins())
	}
}
