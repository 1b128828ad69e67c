//go:build !linux && !windows
// +build !linux,!windows

// File: socket/sys_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"net/netip"

	"github.com/momentics/hioload-aio/api"
)

const (
	afInet     = 2
	afInet6    = 10
	sockStream = 1
	sockDgram  = 2
	protoTCP   = 6
	protoUDP   = 17

	solSocket   = 0xffff
	soReuseAddr = 0x4
	soRcvBuf    = 0x1002
	soSndBuf    = 0x1001
	soKeepAlive = 0x8
	tcpNoDelay  = 0x1
)

func sysSocket(family, sotype, proto int) (uintptr, error) { return 0, api.ErrNotSupported }
func sysBind(uintptr, netip.AddrPort) error { return api.ErrNotSupported }
func sysListen(uintptr, int) error { return api.ErrNotSupported }
func sysLocalAddr(uintptr) (netip.AddrPort, error) { return netip.AddrPort{}, api.ErrNotSupported }
func sysGetsockopt(uintptr, int, int) (int, error) { return 0, api.ErrNotSupported }
func sysSetsockopt(uintptr, int, int, int) error { return api.ErrNotSupported }
func sysClose(uintptr) error { return api.ErrNotSupported }
func isTransient(error) bool { return false }
