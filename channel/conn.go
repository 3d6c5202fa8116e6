package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// ErrConnBroken is returned after a command was abandoned mid-flight; the
// reply stream can no longer be matched to requests.
var ErrConnBroken = errors.New("channel: connection broken")

// Conn is the client end of a control socket. Commands are serialized; one
// request is outstanding at a time.
type Conn struct {
	mu     sync.Mutex
	conn   *net.UnixConn
	broken bool
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", path, err)
	}
	return &Conn{conn: c.(*net.UnixConn)}, nil
}

// Ioctl sends cmd with an argument address in this process and waits for the
// reply. Descriptors attached to the reply are returned in order; the caller
// owns them.
func (c *Conn) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, []*os.File, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return 0, nil, ErrConnBroken
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := c.conn.Write(request{cmd: cmd, arg: uint64(arg)}.marshal()); err != nil {
		return 0, nil, c.fail(ctx, err)
	}

	buf := make([]byte, 2*replySize)
	oob := make([]byte, unix.CmsgSpace(4*maxAttachments))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, c.fail(ctx, err)
	}
	files, err := parseRights(oob[:oobn])
	if err != nil {
		closeFiles(files)
		return 0, nil, c.fail(ctx, err)
	}

	var rep reply
	if !rep.unmarshal(buf[:n]) {
		closeFiles(files)
		return 0, nil, c.fail(ctx, fmt.Errorf("reply of %d bytes: %w", n, uapi.EPROTO))
	}
	if err := uapi.ErrorFromStatus(rep.status, uapi.CommandName(cmd)); err != nil {
		closeFiles(files)
		return 0, nil, err
	}
	return uintptr(rep.ret), files, nil
}

func (c *Conn) fail(ctx context.Context, err error) error {
	c.broken = true
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("channel: %w", err)
}

// Close closes the connection. The broker releases everything still held by
// the session.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var (
		files []*os.File
		errs  error
	)
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ssd-dma-memory"))
		}
	}
	return files, errs
}
