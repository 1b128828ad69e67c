//go:build windows
// +build windows

// File: reactor/port_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows completion port on IOCP. Every pool slot has one overlapped record,
// allocated with the port; the kernel hands the record back with the
// completion and the record carries the token back to the dispatcher.

package reactor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/internal/sockaddr"
	"github.com/puzpuzpuz/xsync/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

const (
	keySocket uintptr = iota
	keyPosted
)

// acceptAddrLen is the per-address space AcceptEx requires.
const acceptAddrLen = uint32(unsafe.Sizeof(windows.RawSockaddrAny{})) + 16

// overlappedOp must keep ov as its first field: the kernel returns &ov.
type overlappedOp struct {
	ov      windows.Overlapped
	owner   atomic.Uint64 // token the kernel holds the record for; 0 while idle
	op      api.Operation
	wsabuf  windows.WSABuf
	qty     uint32
	flags   uint32
	from    windows.RawSockaddrAny
	fromLen int32
	to      windows.RawSockaddrAny
	accept  windows.Handle
	addrBuf [2 * acceptAddrLen]byte
}

func (rec *overlappedOp) reset(op api.Operation) {
	rec.ov = windows.Overlapped{}
	rec.op = op
	rec.wsabuf = windows.WSABuf{}
	rec.qty = 0
	rec.flags = 0
	rec.fromLen = 0
	rec.accept = 0
}

// iocpPort implements api.CompletionPort on Windows.
type iocpPort struct {
	iocp   windows.Handle
	log    *zap.Logger
	posted *Queue

	// Records stay reachable here while the kernel owns them.
	records *slotTable[overlappedOp]
	assoc   *xsync.MapOf[uintptr, struct{}]

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPort constructs the platform completion port.
func NewPort(opts ...PortOption) (api.CompletionPort, error) {
	cfg := newPortConfig(opts)
	var data windows.WSAData
	if err := windows.WSAStartup(uint32(0x202), &data); err != nil {
		return nil, fmt.Errorf("WSAStartup: %w", err)
	}
	iocp, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	p := &iocpPort{
		iocp:    iocp,
		log:     cfg.logger,
		posted:  NewQueue(cfg.queueCapacity),
		records: newSlotTable[overlappedOp](cfg.slots),
		assoc:   xsync.NewIntegerMapOf[uintptr, struct{}](),
	}
	return p, nil
}

func (p *iocpPort) associate(handle uintptr) error {
	if _, ok := p.assoc.Load(handle); ok {
		return nil
	}
	_, err := windows.CreateIoCompletionPort(windows.Handle(handle), p.iocp, keySocket, 0)
	if err != nil && !errors.Is(err, windows.ERROR_INVALID_PARAMETER) {
		return fmt.Errorf("iocp associate: %w", err)
	}
	p.assoc.Store(handle, struct{}{})
	return nil
}

// Submit issues op as an overlapped Winsock call.
func (p *iocpPort) Submit(op api.Operation) error {
	if p.closed.Load() {
		return api.ErrPortClosed
	}
	rec, err := p.records.at(op.Token)
	if err != nil {
		return err
	}
	if op.Token.IsZero() || !rec.owner.CompareAndSwap(0, uint64(op.Token)) {
		return fmt.Errorf("token %s: record still owned: %w", op.Token, api.ErrInvalidArgument)
	}
	if err := p.associate(op.Handle); err != nil {
		rec.owner.Store(0)
		return err
	}
	rec.reset(op)

	if err := p.issue(rec); err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		if rec.accept != 0 {
			windows.Closesocket(rec.accept)
		}
		rec.owner.Store(0)
		return fmt.Errorf("%s: %w", op.Op, err)
	}
	return nil
}

func (p *iocpPort) issue(rec *overlappedOp) error {
	op := rec.op
	h := windows.Handle(op.Handle)
	switch op.Op {
	case api.OpRead:
		rec.wsabuf = windows.WSABuf{Len: uint32(len(op.Buf)), Buf: bufPtr(op.Buf)}
		rec.fromLen = int32(unsafe.Sizeof(rec.from))
		return windows.WSARecvFrom(h, &rec.wsabuf, 1, &rec.qty, &rec.flags, &rec.from, &rec.fromLen, &rec.ov, nil)
	case api.OpWrite:
		rec.wsabuf = windows.WSABuf{Len: uint32(len(op.Buf)), Buf: bufPtr(op.Buf)}
		if op.Peer.IsValid() {
			tolen := sockaddr.EncodeRaw(op.Peer, &rec.to)
			return windows.WSASendTo(h, &rec.wsabuf, 1, &rec.qty, 0, &rec.to, tolen, &rec.ov, nil)
		}
		return windows.WSASend(h, &rec.wsabuf, 1, &rec.qty, 0, &rec.ov, nil)
	case api.OpAccept:
		family := op.Family
		if family == 0 {
			family = windows.AF_INET
		}
		s, err := windows.WSASocket(int32(family), windows.SOCK_STREAM, windows.IPPROTO_TCP, nil, 0, windows.WSA_FLAG_OVERLAPPED)
		if err != nil {
			return fmt.Errorf("WSASocket: %w", err)
		}
		rec.accept = s
		return windows.AcceptEx(h, s, &rec.addrBuf[0], 0, acceptAddrLen, acceptAddrLen, &rec.qty, &rec.ov)
	case api.OpConnect:
		if !op.Peer.IsValid() {
			return fmt.Errorf("connect without peer: %w", api.ErrInvalidArgument)
		}
		// ConnectEx needs a bound socket.
		local := sockaddr.Unspecified(sockaddr.Family(op.Peer))
		if err := windows.Bind(h, sockaddr.Encode(local)); err != nil && !errors.Is(err, windows.WSAEINVAL) {
			return fmt.Errorf("bind: %w", err)
		}
		return windows.ConnectEx(h, sockaddr.Encode(op.Peer), nil, 0, &rec.qty, &rec.ov)
	}
	return fmt.Errorf("operation %s: %w", op.Op, api.ErrInvalidArgument)
}

func bufPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

// Wait dequeues one completion packet.
func (p *iocpPort) Wait(timeout time.Duration) (api.Completion, error) {
	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	for {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(p.iocp, &qty, &key, &ov, ms)
		if ov == nil {
			switch {
			case err == nil && key == keyPosted:
				return p.posted.Wait(0)
			case err == nil:
				continue
			case errors.Is(err, windows.WAIT_TIMEOUT):
				return api.Completion{}, api.ErrWaitTimeout
			case p.closed.Load(), errors.Is(err, windows.ERROR_ABANDONED_WAIT_0), errors.Is(err, windows.ERROR_INVALID_HANDLE):
				return api.Completion{}, api.ErrPortClosed
			default:
				return api.Completion{}, fmt.Errorf("GetQueuedCompletionStatus: %w", err)
			}
		}
		rec := (*overlappedOp)(unsafe.Pointer(ov))
		// The owner carries the generation, so a stale packet never matches.
		if owner := api.Token(rec.owner.Load()); owner.IsZero() || owner != rec.op.Token {
			p.log.Error("completion for unowned overlapped record", zap.Stringer("token", rec.op.Token))
			continue
		}
		c := p.finish(rec, qty, err)
		rec.owner.Store(0)
		return c, nil
	}
}

// finish translates a dequeued packet into a Completion.
func (p *iocpPort) finish(rec *overlappedOp, qty uint32, err error) api.Completion {
	op := rec.op
	c := api.Completion{Token: op.Token, Bytes: int(qty)}
	if err != nil {
		if errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
			err = api.ErrCanceled
		}
		c.Err = err
		if rec.accept != 0 {
			windows.Closesocket(rec.accept)
		}
		return c
	}
	switch op.Op {
	case api.OpRead:
		c.Peer = sockaddr.DecodeRaw(&rec.from)
	case api.OpAccept:
		ls := windows.Handle(op.Handle)
		if serr := windows.Setsockopt(rec.accept, windows.SOL_SOCKET, windows.SO_UPDATE_ACCEPT_CONTEXT,
			(*byte)(unsafe.Pointer(&ls)), int32(unsafe.Sizeof(ls))); serr != nil {
			p.log.Debug("SO_UPDATE_ACCEPT_CONTEXT", zap.Error(serr))
		}
		var lrsa, rrsa *windows.RawSockaddrAny
		var llen, rlen int32
		windows.GetAcceptExSockaddrs(&rec.addrBuf[0], 0, acceptAddrLen, acceptAddrLen, &lrsa, &llen, &rrsa, &rlen)
		c.Peer = sockaddr.DecodeRaw(rrsa)
		c.Accepted = uintptr(rec.accept)
	case api.OpConnect:
		if serr := windows.Setsockopt(windows.Handle(op.Handle), windows.SOL_SOCKET, windows.SO_UPDATE_CONNECT_CONTEXT, nil, 0); serr != nil {
			p.log.Debug("SO_UPDATE_CONNECT_CONTEXT", zap.Error(serr))
		}
		c.Peer = op.Peer
	}
	return c
}

// Post enqueues a synthetic completion and wakes one waiter for it.
func (p *iocpPort) Post(c api.Completion) error {
	if p.closed.Load() {
		return api.ErrPortClosed
	}
	if err := p.posted.Post(c); err != nil {
		return err
	}
	return windows.PostQueuedCompletionStatus(p.iocp, 0, keyPosted, nil)
}

// Cancel aborts every outstanding operation on handle; each still completes,
// with api.ErrCanceled.
func (p *iocpPort) Cancel(handle uintptr) error {
	p.assoc.Delete(handle)
	err := windows.CancelIoEx(windows.Handle(handle), nil)
	if err != nil && !errors.Is(err, windows.ERROR_NOT_FOUND) {
		return fmt.Errorf("CancelIoEx: %w", err)
	}
	return nil
}

// Close releases the port; blocked waiters return api.ErrPortClosed.
func (p *iocpPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		_ = p.posted.Close()
		if n := p.records.count(func(r *overlappedOp) bool { return r.owner.Load() != 0 }); n > 0 {
			p.log.Warn("closing port with operations in flight", zap.Int("count", n))
		}
		err = windows.CloseHandle(p.iocp)
	})
	return err
}
