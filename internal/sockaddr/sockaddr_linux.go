//go:build linux
// +build linux

// File: internal/sockaddr/sockaddr_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sockaddr

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

const (
	afInet  = unix.AF_INET
	afInet6 = unix.AF_INET6
)

// Encode converts ap for use with unix socket calls.
func Encode(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

// Decode converts a unix address; unknown families yield the zero value.
func Decode(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
