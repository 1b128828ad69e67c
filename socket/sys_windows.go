//go:build windows
// +build windows

// File: socket/sys_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"net/netip"
	"sync"

	"github.com/momentics/hioload-aio/internal/sockaddr"
	"golang.org/x/sys/windows"
)

const (
	afInet     = windows.AF_INET
	afInet6    = windows.AF_INET6
	sockStream = windows.SOCK_STREAM
	sockDgram  = windows.SOCK_DGRAM
	protoTCP   = windows.IPPROTO_TCP
	protoUDP   = windows.IPPROTO_UDP

	solSocket   = windows.SOL_SOCKET
	soReuseAddr = windows.SO_REUSEADDR
	soRcvBuf    = windows.SO_RCVBUF
	soSndBuf    = windows.SO_SNDBUF
	soKeepAlive = windows.SO_KEEPALIVE
	tcpNoDelay  = windows.TCP_NODELAY
)

var (
	wsaOnce sync.Once
	wsaErr  error
)

func sysSocket(family, sotype, proto int) (uintptr, error) {
	wsaOnce.Do(func() {
		var data windows.WSAData
		wsaErr = windows.WSAStartup(uint32(0x202), &data)
	})
	if wsaErr != nil {
		return 0, wsaErr
	}
	s, err := windows.WSASocket(int32(family), int32(sotype), int32(proto), nil, 0, windows.WSA_FLAG_OVERLAPPED)
	if err != nil {
		return 0, err
	}
	return uintptr(s), nil
}

func sysBind(h uintptr, ap netip.AddrPort) error {
	return windows.Bind(windows.Handle(h), sockaddr.Encode(ap))
}

func sysListen(h uintptr, backlog int) error {
	return windows.Listen(windows.Handle(h), backlog)
}

func sysLocalAddr(h uintptr) (netip.AddrPort, error) {
	sa, err := windows.Getsockname(windows.Handle(h))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return sockaddr.Decode(sa), nil
}

func sysGetsockopt(h uintptr, level, opt int) (int, error) {
	return windows.GetsockoptInt(windows.Handle(h), level, opt)
}

func sysSetsockopt(h uintptr, level, opt, value int) error {
	return windows.SetsockoptInt(windows.Handle(h), level, opt, value)
}

func sysClose(h uintptr) error {
	return windows.Closesocket(windows.Handle(h))
}

// isTransient reports completion errors worth retrying on the same socket.
func isTransient(err error) bool {
	return errors.Is(err, windows.WSAENOBUFS) || errors.Is(err, windows.WSAEWOULDBLOCK)
}
