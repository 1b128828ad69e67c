//go:build windows
// +build windows

// File: internal/sockaddr/sockaddr_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sockaddr

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	afInet  = windows.AF_INET
	afInet6 = windows.AF_INET6
)

// Encode converts ap for use with Winsock calls.
func Encode(ap netip.AddrPort) windows.Sockaddr {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &windows.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return &windows.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

// Decode converts a Winsock address; unknown families yield the zero value.
func Decode(sa windows.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *windows.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *windows.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// DecodeRaw converts a raw address filled in by the kernel.
func DecodeRaw(rsa *windows.RawSockaddrAny) netip.AddrPort {
	if rsa == nil {
		return netip.AddrPort{}
	}
	sa, err := rsa.Sockaddr()
	if err != nil {
		return netip.AddrPort{}
	}
	return Decode(sa)
}

// EncodeRaw fills raw with ap in the layout Winsock expects and returns the
// length to pass alongside it.
func EncodeRaw(ap netip.AddrPort, raw *windows.RawSockaddrAny) int32 {
	*raw = windows.RawSockaddrAny{}
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		sa := (*windows.RawSockaddrInet4)(unsafe.Pointer(raw))
		sa.Family = windows.AF_INET
		putPort(&sa.Port, ap.Port())
		sa.Addr = addr.Unmap().As4()
		return int32(unsafe.Sizeof(*sa))
	}
	sa := (*windows.RawSockaddrInet6)(unsafe.Pointer(raw))
	sa.Family = windows.AF_INET6
	putPort(&sa.Port, ap.Port())
	sa.Addr = addr.As16()
	return int32(unsafe.Sizeof(*sa))
}

// putPort stores port in network byte order.
func putPort(dst *uint16, port uint16) {
	b := (*[2]byte)(unsafe.Pointer(dst))
	b[0] = byte(port >> 8)
	b[1] = byte(port)
}
