// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the completion-port contract implemented by the platform binding layer
// (IOCP on Windows, epoll-driven completion emulation on Linux, fakes in tests).

package api

import (
	"net/netip"
	"time"
)

// Operation is one asynchronous request handed to a CompletionPort.
// Buf must stay untouched by the submitter until the completion is delivered.
type Operation struct {
	Token  Token
	Op     OpKind
	Handle uintptr        // socket handle the operation runs on
	Buf    []byte         // bytes to send, or space to receive into
	Peer   netip.AddrPort // datagram destination or connect target; zero for streams
	Family int            // address family, needed to pre-create accept sockets
}

// Completion is the raw outcome of an Operation as reported by the OS.
type Completion struct {
	Token    Token
	Bytes    int
	Err      error
	Accepted uintptr        // new socket handle for OpAccept
	Peer     netip.AddrPort // source address for datagram reads and accepts
}

// CompletionPort submits operations to the OS and yields their completions.
type CompletionPort interface {
	// Submit issues op. A non-nil error means no completion will ever be
	// delivered for op.Token.
	Submit(op Operation) error

	// Wait blocks until a completion is available, the timeout expires
	// (ErrWaitTimeout) or the port is closed (ErrPortClosed). timeout <= 0 waits forever.
	Wait(timeout time.Duration) (Completion, error)

	// Post enqueues a synthetic completion.
	Post(c Completion) error

	// Cancel requests cancellation of all outstanding operations on handle.
	// Each of them still completes, with ErrCanceled. The port also drops its
	// registration of handle, so the OS may reuse the value once it is closed.
	Cancel(handle uintptr) error

	// Close wakes all waiters with ErrPortClosed and releases OS resources.
	Close() error
}
