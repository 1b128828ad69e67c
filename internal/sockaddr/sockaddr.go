// File: internal/sockaddr/sockaddr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package sockaddr converts between netip.AddrPort and the x/sys socket
// address types of the current platform.
package sockaddr

import "net/netip"

// Family returns the address family constant matching ap for the platform.
func Family(ap netip.AddrPort) int {
	if ap.Addr().Is4() || ap.Addr().Is4In6() {
		return afInet
	}
	return afInet6
}

// Unspecified returns the wildcard address of family with port 0.
func Unspecified(family int) netip.AddrPort {
	if family == afInet6 {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), 0)
	}
	return netip.AddrPortFrom(netip.IPv4Unspecified(), 0)
}
