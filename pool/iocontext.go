// File: pool/iocontext.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IoContext is the per-operation descriptor: buffer view, operation kind,
// transfer lengths, peer address and completion token of one in-flight request.
// Contexts are created once with their pool and reused for its whole lifetime.

package pool

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/momentics/hioload-aio/api"
)

type slotState uint32

const (
	stateFree slotState = iota
	stateReserved
	stateSubmitting
	stateInFlight
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateReserved:
		return "reserved"
	case stateSubmitting:
		return "submitting"
	case stateInFlight:
		return "inflight"
	}
	return "unknown"
}

// IoContext carries the state of a single asynchronous operation.
// Setters are valid only between Acquire and Submit.
type IoContext struct {
	op          api.OpKind
	buf         []byte // caller view, nil when pool storage is used
	storage     []byte // pool-owned, fixed for the life of the pool
	requested   int
	transferred int
	peer        netip.AddrPort
	family      int
	handle      uintptr
	accepted    uintptr
	err         error
	onComplete  func(*IoContext)

	token api.Token
	gen   uint32 // guarded by the pool mutex
	index uint16
	state atomic.Uint32
}

// Reset clears everything but the pool-owned storage.
func (c *IoContext) Reset() {
	c.op = api.OpNone
	c.buf = nil
	c.requested = 0
	c.transferred = 0
	c.peer = netip.AddrPort{}
	c.family = 0
	c.handle = 0
	c.accepted = 0
	c.err = nil
	c.onComplete = nil
}

func (c *IoContext) slotState() slotState {
	return slotState(c.state.Load())
}

func (c *IoContext) prepared() error {
	if st := c.slotState(); st != stateReserved {
		return fmt.Errorf("slot %d is %s: %w", c.index, st, api.ErrContextNotPrepared)
	}
	return nil
}

// SetOperation sets the operation kind.
func (c *IoContext) SetOperation(kind api.OpKind) error {
	if err := c.prepared(); err != nil {
		return err
	}
	if !kind.Valid() {
		return fmt.Errorf("operation %d: %w", kind, api.ErrInvalidArgument)
	}
	c.op = kind
	return nil
}

// BindBuffer attaches a caller-owned byte range and records its length as the
// requested transfer length. Empty views are rejected for writes.
func (c *IoContext) BindBuffer(view []byte) error {
	if err := c.prepared(); err != nil {
		return err
	}
	if len(view) == 0 && c.op == api.OpWrite {
		return fmt.Errorf("empty write buffer: %w", api.ErrInvalidArgument)
	}
	c.buf = view
	c.requested = len(view)
	return nil
}

// SetExpectedLength narrows the requested transfer length. Without a bound
// buffer the limit is the pool-owned storage.
func (c *IoContext) SetExpectedLength(n int) error {
	if err := c.prepared(); err != nil {
		return err
	}
	limit := len(c.storage)
	if c.buf != nil {
		limit = len(c.buf)
	}
	if n < 0 || n > limit {
		return fmt.Errorf("expected length %d outside [0,%d]: %w", n, limit, api.ErrInvalidArgument)
	}
	c.requested = n
	return nil
}

// SetPeer sets the datagram destination or connect target.
func (c *IoContext) SetPeer(addr netip.AddrPort) error {
	if err := c.prepared(); err != nil {
		return err
	}
	c.peer = addr
	return nil
}

// SetHandle records the socket handle the operation is issued on.
func (c *IoContext) SetHandle(handle uintptr, family int) error {
	if err := c.prepared(); err != nil {
		return err
	}
	c.handle = handle
	c.family = family
	return nil
}

// OnComplete installs a continuation that replaces the per-kind handler for
// this operation only.
func (c *IoContext) OnComplete(fn func(*IoContext)) error {
	if err := c.prepared(); err != nil {
		return err
	}
	c.onComplete = fn
	return nil
}

// Complete copies an OS completion into the context. Only the completion path
// calls it, after resolving the token.
func (c *IoContext) Complete(res api.Completion) {
	c.transferred = res.Bytes
	if c.transferred < 0 {
		c.transferred = 0
	}
	c.err = api.CompletionFailed(c.op, res.Err)
	c.accepted = res.Accepted
	if res.Peer.IsValid() {
		c.peer = res.Peer
	}
}

// Request builds the operation handed to the completion port.
func (c *IoContext) Request() api.Operation {
	return api.Operation{
		Token:  c.token,
		Op:     c.op,
		Handle: c.handle,
		Buf:    c.Buffer(),
		Peer:   c.peer,
		Family: c.family,
	}
}

// Buffer returns the view the operation transfers, bound or pool-owned.
func (c *IoContext) Buffer() []byte {
	if c.buf != nil {
		return c.buf[:c.requested]
	}
	return c.storage[:c.requested]
}

// Data returns the transferred prefix of Buffer.
func (c *IoContext) Data() []byte {
	b := c.Buffer()
	if c.transferred < len(b) {
		return b[:c.transferred]
	}
	return b
}

func (c *IoContext) Kind() api.OpKind { return c.op }
func (c *IoContext) Storage() []byte { return c.storage }
func (c *IoContext) ExpectedLength() int { return c.requested }
func (c *IoContext) Transferred() int { return c.transferred }
func (c *IoContext) Peer() netip.AddrPort { return c.peer }
func (c *IoContext) Handle() uintptr { return c.handle }
func (c *IoContext) Accepted() uintptr { return c.accepted }
func (c *IoContext) Err() error { return c.err }
func (c *IoContext) Token() api.Token { return c.token }
func (c *IoContext) Continuation() func(*IoContext) { return c.onComplete }
