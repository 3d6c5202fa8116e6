package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/broker"
	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("channel: server closed")

// Caller is the broker view of a connected peer. Attachments queued during a
// command are collected with TakeAttachments and sent with the reply.
type Caller interface {
	broker.Caller
	TakeAttachments() []*os.File
	Close() error
}

// CallerFactory builds the Caller for a peer identified by SO_PEERCRED.
type CallerFactory func(pid int) (Caller, error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCallerFactory replaces the pidfd based caller construction. By default
// the peer pidfd comes from SO_PEERPIDFD, falling back to pidfd_open of the
// SO_PEERCRED pid on kernels without it.
func WithCallerFactory(f CallerFactory) ServerOption {
	return func(s *Server) { s.newCaller = f }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l dma.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithSocketMode sets the permission bits of the socket file.
func WithSocketMode(mode os.FileMode) ServerOption {
	return func(s *Server) { s.mode = mode }
}

// Server accepts connections for a broker node. Each connection is one
// session; closing it releases everything the peer still holds.
type Server struct {
	node      *broker.Node
	path      string
	mode      os.FileMode
	newCaller CallerFactory
	logger    dma.Logger

	ln *net.UnixListener

	mu     sync.Mutex
	conns  map[*net.UnixConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds a SOCK_SEQPACKET socket at path. A stale socket file left by a
// previous run is removed first.
func Listen(path string, node *broker.Node, opts ...ServerOption) (*Server, error) {
	if node == nil {
		return nil, errors.New("channel: node required")
	}
	s := &Server{
		node:      node,
		path:      path,
		mode:      0o660,
		conns:     make(map[*net.UnixConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("channel: remove stale socket: %w", err)
		}
	}
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("channel: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, s.mode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("channel: chmod %s: %w", path, err)
	}
	s.ln = ln
	return s, nil
}

// Addr returns the socket path.
func (s *Server) Addr() string { return s.path }

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("channel: accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes live connections and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*net.UnixConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	if rerr := os.Remove(s.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = multierr.Append(err, rerr)
	}
	return err
}

func (s *Server) track(c *net.UnixConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func peerPid(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		cred *unix.Ucred
		cerr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if cerr != nil {
		return 0, cerr
	}
	return int(cred.Pid), nil
}

// peerPidfd returns a pidfd for the process that connected, or an error on
// kernels before 6.5.
func peerPidfd(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var (
		pidfd = -1
		perr  error
	)
	if err := raw.Control(func(fd uintptr) {
		pidfd, perr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PEERPIDFD)
	}); err != nil {
		return -1, err
	}
	return pidfd, perr
}

func (s *Server) callerFor(conn *net.UnixConn, pid int) (Caller, error) {
	if s.newCaller != nil {
		return s.newCaller(pid)
	}
	pidfd, err := peerPidfd(conn)
	if err == nil {
		return broker.NewProcessCallerPidfd(pid, pidfd), nil
	}
	s.debugf("SO_PEERPIDFD for pid %d: %v", pid, err)
	return broker.NewProcessCaller(pid)
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	pid, err := peerPid(conn)
	if err != nil {
		s.warnf("peer credentials: %v", err)
		return
	}
	caller, err := s.callerFor(conn, pid)
	if err != nil {
		s.warnf("caller for pid %d: %v", pid, err)
		return
	}
	defer caller.Close()

	session, err := s.node.Open(caller)
	if err != nil {
		s.warnf("open session for pid %d: %v", pid, err)
		return
	}
	defer func() {
		if err := session.Release(); err != nil {
			s.warnf("release session %d: %v", session.ID(), err)
		}
	}()
	s.debugf("session %d opened for pid %d", session.ID(), pid)

	buf := make([]byte, 2*requestSize)
	for {
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			s.debugf("session %d closed by pid %d", session.ID(), pid)
			return
		}
		var req request
		var rep reply
		var files []*os.File
		if !req.unmarshal(buf[:n]) {
			rep.status = -int64(uapi.EPROTO)
		} else {
			ret, err := session.Ioctl(ctx, req.cmd, hostarch.Addr(req.arg))
			files = caller.TakeAttachments()
			rep.status, rep.ret = uapi.Status(err), uint64(ret)
			if err != nil {
				closeFiles(files)
				files = nil
			}
		}
		werr := s.send(conn, rep, files)
		closeFiles(files)
		if werr != nil {
			s.warnf("session %d reply: %v", session.ID(), werr)
			return
		}
	}
}

func (s *Server) send(conn *net.UnixConn, rep reply, files []*os.File) error {
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	_, _, err := conn.WriteMsgUnix(rep.marshal(), oob, nil)
	return err
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func (s *Server) debugf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, args...)
	}
}

func (s *Server) warnf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
