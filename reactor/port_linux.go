//go:build linux
// +build linux

// File: reactor/port_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux completion port: an edge-triggered epoll proactor. Operations are
// attempted immediately; those that would block are parked per descriptor
// and retried when epoll reports readiness. Every outcome is posted to the
// completion Queue, so callers see the same model as IOCP.

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
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 128

// pending is a parked operation and its progress for partial stream writes.
type pending struct {
	op   api.Operation
	done int
}

// fdState holds the parked operations of one descriptor. Reads and accepts
// wait for EPOLLIN, writes and connects for EPOLLOUT.
type fdState struct {
	in  []pending
	out []pending
}

// epollPort implements api.CompletionPort on Linux.
type epollPort struct {
	epfd   int
	wakefd int
	queue  *Queue
	log    *zap.Logger

	mu  sync.Mutex
	fds map[int]*fdState

	closed    atomic.Bool
	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewPort constructs the platform completion port.
func NewPort(opts ...PortOption) (api.CompletionPort, error) {
	cfg := newPortConfig(opts)
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add eventfd: %w", err)
	}
	p := &epollPort{
		epfd:     epfd,
		wakefd:   wakefd,
		queue:    NewQueue(cfg.queueCapacity),
		log:      cfg.logger,
		fds:      make(map[int]*fdState),
		loopDone: make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

// Submit performs op now when possible, otherwise parks it until readiness.
func (p *epollPort) Submit(op api.Operation) error {
	if p.closed.Load() {
		return api.ErrPortClosed
	}
	fd := int(op.Handle)
	if op.Handle == 0 {
		return fmt.Errorf("handle 0: %w", api.ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	st, err := p.registerLocked(fd)
	if err != nil {
		return err
	}

	switch op.Op {
	case api.OpConnect:
		if !op.Peer.IsValid() {
			return fmt.Errorf("connect without peer: %w", api.ErrInvalidArgument)
		}
		err := unix.Connect(fd, sockaddr.Encode(op.Peer))
		switch {
		case err == nil:
			return p.post(api.Completion{Token: op.Token, Peer: op.Peer})
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
			st.out = append(st.out, pending{op: op})
			return nil
		default:
			return fmt.Errorf("connect: %w", err)
		}
	case api.OpRead, api.OpAccept:
		if len(st.in) == 0 {
			if c, ok := p.perform(&pending{op: op}); ok {
				return p.post(c)
			}
		}
		st.in = append(st.in, pending{op: op})
	case api.OpWrite:
		if len(st.out) == 0 {
			pd := pending{op: op}
			if c, ok := p.perform(&pd); ok {
				return p.post(c)
			}
			st.out = append(st.out, pd)
			return nil
		}
		st.out = append(st.out, pending{op: op})
	default:
		return fmt.Errorf("operation %s: %w", op.Op, api.ErrInvalidArgument)
	}
	return nil
}

func (p *epollPort) registerLocked(fd int) (*fdState, error) {
	if st, ok := p.fds[fd]; ok {
		return st, nil
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	st := &fdState{}
	p.fds[fd] = st
	return st, nil
}

// perform runs one non-blocking attempt. ok is false when the operation
// would block and must stay parked.
func (p *epollPort) perform(pd *pending) (api.Completion, bool) {
	op := pd.op
	fd := int(op.Handle)
	c := api.Completion{Token: op.Token}
	for {
		var err error
		switch op.Op {
		case api.OpRead:
			var n int
			var from unix.Sockaddr
			n, from, err = unix.Recvfrom(fd, op.Buf, 0)
			if err == nil {
				c.Bytes = n
				c.Peer = sockaddr.Decode(from)
			}
		case api.OpWrite:
			var to unix.Sockaddr
			if op.Peer.IsValid() {
				to = sockaddr.Encode(op.Peer)
			}
			var n int
			n, err = unix.SendmsgN(fd, op.Buf[pd.done:], nil, to, unix.MSG_NOSIGNAL)
			if n > 0 {
				pd.done += n
			}
			if err == nil && to == nil && pd.done < len(op.Buf) {
				// Short stream write: push the rest.
				continue
			}
			c.Bytes = pd.done
		case api.OpAccept:
			var nfd int
			var sa unix.Sockaddr
			nfd, sa, err = unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
			if err == nil {
				c.Accepted = uintptr(nfd)
				c.Peer = sockaddr.Decode(sa)
			}
		case api.OpConnect:
			var soerr int
			soerr, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err == nil && soerr != 0 {
				err = unix.Errno(soerr)
			}
			if err == nil {
				// A socket still connecting has no peer and no error yet.
				if _, perr := unix.Getpeername(fd); errors.Is(perr, unix.ENOTCONN) {
					return c, false
				}
				c.Peer = op.Peer
			}
		}
		switch {
		case err == nil:
			return c, true
		case errors.Is(err, unix.EINTR):
			continue
		case isWouldBlock(err), errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EALREADY):
			return c, false
		default:
			c.Err = err
			return c, true
		}
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func (p *epollPort) post(c api.Completion) error {
	if err := p.queue.Post(c); err != nil {
		p.log.Warn("completion dropped", zap.Stringer("token", c.Token), zap.Error(err))
		return err
	}
	return nil
}

// loop turns readiness into completions until Close.
func (p *epollPort) loop() {
	defer close(p.loopDone)
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.log.Error("epoll wait", zap.Error(err))
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == p.wakefd {
				var buf [8]byte
				_, _ = unix.Read(p.wakefd, buf[:])
				if p.closed.Load() {
					return
				}
				continue
			}
			p.ready(int(ev.Fd), ev.Events)
		}
	}
}

func (p *epollPort) ready(fd int, events uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.fds[fd]
	if !ok {
		return
	}
	const failed = unix.EPOLLERR | unix.EPOLLHUP
	if events&(unix.EPOLLIN|unix.EPOLLRDHUP|failed) != 0 {
		st.in = p.flush(st.in)
	}
	if events&(unix.EPOLLOUT|failed) != 0 {
		st.out = p.flush(st.out)
	}
}

// flush completes parked operations in order until one would block.
func (p *epollPort) flush(q []pending) []pending {
	for len(q) > 0 {
		c, ok := p.perform(&q[0])
		if !ok {
			break
		}
		_ = p.post(c)
		q[0] = pending{}
		q = q[1:]
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

func (p *epollPort) Wait(timeout time.Duration) (api.Completion, error) {
	return p.queue.Wait(timeout)
}

func (p *epollPort) Post(c api.Completion) error {
	if p.closed.Load() {
		return api.ErrPortClosed
	}
	return p.queue.Post(c)
}

// Cancel completes every parked operation on handle with api.ErrCanceled and
// forgets the descriptor. A later socket with the same number starts clean.
func (p *epollPort) Cancel(handle uintptr) error {
	fd := int(handle)
	p.mu.Lock()
	st, ok := p.fds[fd]
	delete(p.fds, fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		p.log.Debug("epoll ctl del", zap.Int("fd", fd), zap.Error(err))
	}
	var n int
	for _, q := range [][]pending{st.in, st.out} {
		for _, pd := range q {
			_ = p.post(api.Completion{Token: pd.op.Token, Bytes: pd.done, Err: api.ErrCanceled})
			n++
		}
	}
	if n > 0 {
		p.log.Debug("operations canceled", zap.Int("fd", fd), zap.Int("count", n))
	}
	return nil
}

// Close stops the readiness loop and wakes every waiter.
func (p *epollPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		one := uint64(1)
		if _, werr := unix.Write(p.wakefd, (*[8]byte)(unsafe.Pointer(&one))[:]); werr != nil {
			err = fmt.Errorf("eventfd wake: %w", werr)
		}
		<-p.loopDone
		_ = p.queue.Close()
		if cerr := unix.Close(p.wakefd); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := unix.Close(p.epfd); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
