package client

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// StartTransfer asks the broker to move data between the file open as fd in
// this process and the units named by vec.
func (c *Client) StartTransfer(ctx context.Context, fd int, vec []dma.TransferVector) error {
	if fd > math.MaxInt32 {
		return fmt.Errorf("start_transfer: descriptor %d: %w", fd, dma.ErrBadDescriptor)
	}
	elems := uapi.MarshalVector(vec)
	off := uapi.SizeofStartRequest
	err := c.command(ctx, "start_transfer", uapi.StartTransfer, off+len(elems),
		func(arg []byte) {
			req := uapi.StartRequest{FileDesc: int32(fd), VectorLength: uint32(len(vec))}
			if len(vec) > 0 {
				copy(arg[off:], elems)
				req.VectorElems = uint64(argAddr(arg, off))
			}
			req.MarshalBytes(arg)
		},
		func(_ []byte, files []*os.File) error {
			closeFiles(files)
			return nil
		},
		logKV("fd", fd), logKV("vector_length", len(vec)))
	if err != nil {
		return err
	}
	c.stats.transfers.Add(1)
	return nil
}
