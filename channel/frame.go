// Package channel carries control commands between client processes and a
// broker node over a SOCK_SEQPACKET unix socket.
//
// Every request is one packet {cmd uint32, pad uint32, arg uint64} and every
// reply is one packet {status int64, ret uint64}, optionally carrying memory
// descriptors as SCM_RIGHTS. The argument is an address in the client's
// memory; the server reads and writes it directly.
package channel

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	requestSize = 16
	replySize   = 16

	// maxAttachments bounds the descriptors carried by one reply.
	maxAttachments = 4
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
const DefaultSocketPath = "/run/ssd_dma.sock"

type request struct {
	cmd uint32
	arg uint64
}

func (r request) marshal() []byte {
	b := make([]byte, requestSize)
	hostarch.ByteOrder.PutUint32(b[0:], r.cmd)
	hostarch.ByteOrder.PutUint64(b[8:], r.arg)
	return b
}

func (r *request) unmarshal(b []byte) bool {
	if len(b) != requestSize {
		return false
	}
	r.cmd = hostarch.ByteOrder.Uint32(b[0:])
	r.arg = hostarch.ByteOrder.Uint64(b[8:])
	return true
}

type reply struct {
	status int64
	ret    uint64
}

func (r reply) marshal() []byte {
	b := make([]byte, replySize)
	hostarch.ByteOrder.PutUint64(b[0:], uint64(r.status))
	hostarch.ByteOrder.PutUint64(b[8:], r.ret)
	return b
}

func (r *reply) unmarshal(b []byte) bool {
	if len(b) != replySize {
		return false
	}
	r.status = int64(hostarch.ByteOrder.Uint64(b[0:]))
	r.ret = hostarch.ByteOrder.Uint64(b[8:])
	return true
}
