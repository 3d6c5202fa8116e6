package client

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// Page is a single pinned page.
type Page struct {
	Handle   dma.Handle
	Device   int32
	VirtAddr uint64
	PageSize uint64
	BusAddr  uint64

	mem []byte
}

// Bytes returns the page memory mapped into this process, or nil.
func (p *Page) Bytes() []byte { return p.mem }

func (p *Page) unmap() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// GetPage pins one page on device and maps it into this process.
func (c *Client) GetPage(ctx context.Context, device int32) (*Page, error) {
	var (
		page   *Page
		mapErr error
	)
	err := c.command(ctx, "get_page", uapi.MapPage, uapi.SizeofMapPage,
		func(arg []byte) {
			p := uapi.MapPageParams{Device: device}
			p.MarshalBytes(arg)
		},
		func(arg []byte, files []*os.File) error {
			defer closeFiles(files)
			var p uapi.MapPageParams
			p.UnmarshalBytes(arg)
			page = &Page{
				Handle:   p.Handle,
				Device:   device,
				VirtAddr: p.VirtAddr,
				PageSize: p.PageSize,
				BusAddr:  p.BusAddr,
			}
			page.mem, mapErr = mapAttachment(files, p.MemFD, p.PageSize)
			return mapErr
		},
		logKV(labelDevice, device))
	if mapErr != nil {
		c.unpin(ctx, "get_page", uapi.UnmapPage, page.Handle)
		return nil, fmt.Errorf("get_page: map memory: %w", mapErr)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.pages == nil {
		c.mu.Unlock()
		page.unmap()
		return nil, ErrClosed
	}
	c.pages[page] = struct{}{}
	c.mu.Unlock()
	c.stats.pagesMapped.Add(1)
	return page, nil
}

// PutPage unmaps p and releases its pin.
func (c *Client) PutPage(ctx context.Context, p *Page) error {
	if p == nil {
		return uapi.EINVAL.WithOp("put_page")
	}
	c.mu.Lock()
	_, owned := c.pages[p]
	delete(c.pages, p)
	c.mu.Unlock()
	if owned {
		if err := p.unmap(); err != nil {
			c.logEvent("munmap_failed", logKV("handle", p.Handle), logKV("error", err))
		}
	}
	if err := c.release(ctx, "put_page", uapi.UnmapPage, p.Handle); err != nil {
		return err
	}
	c.stats.pagesReleased.Add(1)
	return nil
}
