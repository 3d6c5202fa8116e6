package client

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ErrPoolClosed indicates the page pool has been closed.
var ErrPoolClosed = errors.New("ssd-dma client: page pool closed")

// PagePool keeps pinned pages of one device for reuse.
type PagePool struct {
	client *Client
	device int32
	pool   chan *Page
	closed atomic.Bool
}

// NewPagePool constructs a pool that pins pages on device lazily and keeps up
// to capacity of them idle.
func NewPagePool(c *Client, device int32, capacity int) (*PagePool, error) {
	if c == nil {
		return nil, errors.New("ssd-dma client: nil client")
	}
	if capacity < 0 {
		capacity = 0
	}
	return &PagePool{
		client: c,
		device: device,
		pool:   make(chan *Page, capacity),
	}, nil
}

// Acquire returns an idle page, pinning a new one when none is available.
// Callers must Release the page when finished.
func (p *PagePool) Acquire(ctx context.Context) (*Page, error) {
	if p == nil {
		return nil, errors.New("ssd-dma client: nil page pool")
	}
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	select {
	case page := <-p.pool:
		return page, nil
	default:
		return p.client.GetPage(ctx, p.device)
	}
}

// Release returns page to the pool. Pages of another device, or released
// while the pool is full or closed, are put back to the broker.
func (p *PagePool) Release(ctx context.Context, page *Page) error {
	if p == nil || page == nil {
		return nil
	}
	if p.closed.Load() || page.Device != p.device {
		return p.client.PutPage(ctx, page)
	}
	select {
	case p.pool <- page:
		return nil
	default:
		return p.client.PutPage(ctx, page)
	}
}

// Idle returns the number of pages waiting in the pool.
func (p *PagePool) Idle() int {
	if p == nil {
		return 0
	}
	return len(p.pool)
}

// Close puts every idle page back and prevents further acquisitions.
func (p *PagePool) Close(ctx context.Context) error {
	if p == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for {
		select {
		case page := <-p.pool:
			err = multierr.Append(err, p.client.PutPage(ctx, page))
		default:
			return err
		}
	}
}
