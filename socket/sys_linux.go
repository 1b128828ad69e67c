//go:build linux
// +build linux

// File: socket/sys_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"net/netip"

	"github.com/momentics/hioload-aio/internal/sockaddr"
	"golang.org/x/sys/unix"
)

const (
	afInet     = unix.AF_INET
	afInet6    = unix.AF_INET6
	sockStream = unix.SOCK_STREAM
	sockDgram  = unix.SOCK_DGRAM
	protoTCP   = unix.IPPROTO_TCP
	protoUDP   = unix.IPPROTO_UDP

	solSocket   = unix.SOL_SOCKET
	soReuseAddr = unix.SO_REUSEADDR
	soRcvBuf    = unix.SO_RCVBUF
	soSndBuf    = unix.SO_SNDBUF
	soKeepAlive = unix.SO_KEEPALIVE
	tcpNoDelay  = unix.TCP_NODELAY
)

func sysSocket(family, sotype, proto int) (uintptr, error) {
	fd, err := unix.Socket(family, sotype|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func sysBind(h uintptr, ap netip.AddrPort) error {
	return unix.Bind(int(h), sockaddr.Encode(ap))
}

func sysListen(h uintptr, backlog int) error {
	return unix.Listen(int(h), backlog)
}

func sysLocalAddr(h uintptr) (netip.AddrPort, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sockaddr.Decode(sa), nil
}

func sysGetsockopt(h uintptr, level, opt int) (int, error) {
	return unix.GetsockoptInt(int(h), level, opt)
}

func sysSetsockopt(h uintptr, level, opt, value int) error {
	return unix.SetsockoptInt(int(h), level, opt, value)
}

func sysClose(h uintptr) error {
	return unix.Close(int(h))
}

// isTransient reports completion errors worth retrying on the same socket.
func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EINTR)
}
