package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rocketbitz/ssddma-go/dma"
	"github.com/rocketbitz/ssddma-go/internal/uapi"
)

// DefaultNodeName is the name the daemon registers its control node under.
const DefaultNodeName = "ssd_dma"

var nodes = struct {
	sync.Mutex
	m map[string]*Node
}{m: make(map[string]*Node)}

// Node is a registered control endpoint. Callers open sessions on it and
// issue commands through those sessions until the node is deregistered.
type Node struct {
	name   string
	broker *Broker

	// mu is held shared for the duration of every call and exclusively
	// by Deregister.
	mu     sync.RWMutex
	closed bool

	smu      sync.Mutex
	sessions map[*Session]struct{}
	nextID   atomic.Uint64
}

// Register installs a control node named name served by b.
func Register(name string, b *Broker) (*Node, error) {
	if b == nil {
		return nil, fmt.Errorf("broker: nil broker for node %q", name)
	}
	nodes.Lock()
	defer nodes.Unlock()
	if _, ok := nodes.m[name]; ok {
		return nil, uapi.EEXIST.WithOp("register " + name)
	}
	n := &Node{name: name, broker: b, sessions: make(map[*Session]struct{})}
	nodes.m[name] = n
	b.node.Store(&name)
	b.logEvent("register", logKV("node", name))
	return n, nil
}

// Lookup returns the registered node named name.
func Lookup(name string) (*Node, bool) {
	nodes.Lock()
	defer nodes.Unlock()
	n, ok := nodes.m[name]
	return n, ok
}

// Name returns the registered name of the node.
func (n *Node) Name() string { return n.name }

// Broker returns the broker serving the node.
func (n *Node) Broker() *Broker { return n.broker }

// Open starts a session for caller.
func (n *Node) Open(caller Caller) (*Session, error) {
	if caller == nil {
		return nil, fmt.Errorf("broker: nil caller: %w", dma.ErrInvalidArgument)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, uapi.ENODEV.WithOp("open " + n.name)
	}
	s := &Session{
		id:      n.nextID.Add(1),
		node:    n,
		caller:  caller,
		pins:   make(map[dma.Handle]*sessionPin),
	}
	n.smu.Lock()
	n.sessions[s] = struct{}{}
	n.smu.Unlock()
	n.broker.logEvent("open", logKV("node", n.name), logKV("session", s.id))
	return s, nil
}

// Sessions returns the number of open sessions.
func (n *Node) Sessions() int {
	n.smu.Lock()
	defer n.smu.Unlock()
	return len(n.sessions)
}

// Deregister removes the node. New opens and commands fail with ENODEV;
// in-flight commands finish first. Sessions still open are released.
func (n *Node) Deregister() error {
	nodes.Lock()
	if cur, ok := nodes.m[n.name]; ok && cur == n {
		delete(nodes.m, n.name)
	}
	nodes.Unlock()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.smu.Lock()
	open := make([]*Session, 0, len(n.sessions))
	for s := range n.sessions {
		open = append(open, s)
	}
	n.smu.Unlock()

	var err error
	for _, s := range open {
		err = multierr.Append(err, s.Release())
	}
	n.broker.logEvent("deregister", logKV("node", n.name), logKV("released_sessions", len(open)))
	return err
}

type pinKind uint8

const (
	pinBuffer pinKind = iota + 1
	pinPage
)

func (k pinKind) String() string {
	if k == pinPage {
		return "page"
	}
	return "buffer"
}

// sessionPin is a handle mapped through a session. A retired pin has been
// unmapped by the caller but is still held by a transfer in flight; the last
// hold unpins it.
type sessionPin struct {
	kind    pinKind
	bytes   int64
	holds   int
	retired bool
}

type heldPin struct {
	handle dma.Handle
	pin    *sessionPin
}

// Session is one open of a control node. It remembers the buffers and pages
// created through it so they can be unpinned when the session is released.
type Session struct {
	id     uint64
	node   *Node
	caller Caller

	mu       sync.Mutex
	released bool
	pins     map[dma.Handle]*sessionPin
}

// ID returns the session identifier, unique within its node.
func (s *Session) ID() uint64 { return s.id }

// Caller returns the caller the session was opened for.
func (s *Session) Caller() Caller { return s.caller }

// Ioctl executes control command cmd with argument address arg in caller
// memory. The returned error wraps an errno from the dma taxonomy.
func (s *Session) Ioctl(ctx context.Context, cmd uint32, arg hostarch.Addr) (uintptr, error) {
	n := s.node
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return 0, uapi.ENODEV.WithOp(uapi.CommandName(cmd))
	}
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return 0, uapi.EBADF.WithOp(uapi.CommandName(cmd))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return n.broker.ioctl(&ioctlState{ctx: ctx, session: s, caller: s.caller, cmd: cmd, arg: arg})
}

// Release unpins every buffer and page the session still holds. It is the
// close operation of the control file and is idempotent. Pins held by a
// transfer in flight are unpinned when that transfer finishes.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	var leaked []heldPin
	for h, p := range s.pins {
		if p.retired {
			continue
		}
		if p.holds > 0 {
			p.retired = true
			continue
		}
		delete(s.pins, h)
		leaked = append(leaked, heldPin{handle: h, pin: p})
	}
	s.mu.Unlock()

	n := s.node
	n.smu.Lock()
	delete(n.sessions, s)
	n.smu.Unlock()

	b := n.broker
	var err error
	for _, lp := range leaked {
		b.warnEvent("leaked_"+lp.pin.kind.String(), logKV("session", s.id), logKV("handle", lp.handle))
		err = multierr.Append(err, b.unpin(lp.handle, lp.pin))
	}
	b.logEvent("release", logKV("session", s.id), logKV("leaked", len(leaked)))
	return err
}

func (s *Session) track(kind pinKind, h dma.Handle, bytes int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.pins[h] = &sessionPin{kind: kind, bytes: bytes}
	return true
}

// retire removes h from the session. It returns the pin for the caller to
// unpin, or nil if a transfer still holds it. ok is false if the session
// does not own a live pin of that kind named h.
func (s *Session) retire(kind pinKind, h dma.Handle) (pin *sessionPin, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.pins[h]
	if !found || p.kind != kind || p.retired {
		return nil, false
	}
	if p.holds > 0 {
		p.retired = true
		return nil, true
	}
	delete(s.pins, h)
	return p, true
}

// hold keeps every handle named by vec pinned until unhold. Each element
// must name a live pin owned by the session.
func (s *Session) hold(vec []dma.TransferVector) ([]dma.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, fmt.Errorf("session %d released: %w", s.id, dma.ErrBadDescriptor)
	}
	for i := range vec {
		if p, ok := s.pins[vec[i].Handle]; !ok || p.retired {
			return nil, fmt.Errorf("vector element %d: handle %d not mapped by session %d: %w", i, vec[i].Handle, s.id, dma.ErrInvalidArgument)
		}
	}
	held := make([]dma.Handle, len(vec))
	for i := range vec {
		s.pins[vec[i].Handle].holds++
		held[i] = vec[i].Handle
	}
	return held, nil
}

// unhold drops the holds taken by hold and returns the retired pins whose
// last hold it dropped.
func (s *Session) unhold(held []dma.Handle) []heldPin {
	s.mu.Lock()
	defer s.mu.Unlock()
	var done []heldPin
	for _, h := range held {
		p := s.pins[h]
		p.holds--
		if p.holds == 0 && p.retired {
			delete(s.pins, h)
			done = append(done, heldPin{handle: h, pin: p})
		}
	}
	return done
}

// Held reports how many transfer holds the session has on h.
func (s *Session) Held(h dma.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pins[h]; ok {
		return p.holds
	}
	return 0
}
