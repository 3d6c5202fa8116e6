package channel

import (
	"context"
	"os"

	"go.uber.org/multierr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/broker"
)

// Local is an in-process connection to a broker node, for programs that embed
// the broker. It behaves like a Conn without the socket.
type Local struct {
	caller  *broker.ProcessCaller
	session *broker.Session
}

// OpenLocal opens a session on node for the current process.
func OpenLocal(node *broker.Node) (*Local, error) {
	caller := broker.NewLocalCaller()
	session, err := node.Open(caller)
	if err != nil {
		return nil, err
	}
	return &Local{caller: caller, session: session}, nil
}

// Ioctl runs cmd on the session and returns the queued attachments.
func (l *Local) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, []*os.File, error) {
	ret, err := l.session.Ioctl(ctx, cmd, hostarch.Addr(arg))
	files := l.caller.TakeAttachments()
	if err != nil {
		closeFiles(files)
		return 0, nil, err
	}
	return ret, files, nil
}

// Close releases the session.
func (l *Local) Close() error {
	return multierr.Combine(l.session.Release(), l.caller.Close())
}
