// File: socket/addr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/internal/sockaddr"
)

// Hints narrows name resolution the way getaddrinfo hints do.
type Hints struct {
	// Family is IPv4, IPv6 or 0 for either.
	Family int
	// Passive resolves an empty host to the wildcard address of Family,
	// for sockets that will be bound and listened on.
	Passive bool
}

func (h Hints) network() (string, error) {
	switch h.Family {
	case 0:
		return "ip", nil
	case IPv4:
		return "ip4", nil
	case IPv6:
		return "ip6", nil
	}
	return "", fmt.Errorf("family %d: %w", h.Family, api.ErrInvalidArgument)
}

// Resolve returns every address of host for port matching hints. Errors wrap
// api.ErrSocketOp.
func Resolve(ctx context.Context, host string, port uint16, hints Hints) ([]netip.AddrPort, error) {
	network, err := hints.network()
	if err != nil {
		return nil, err
	}
	if host == "" {
		if !hints.Passive {
			return nil, api.SocketOpFailed("resolve", fmt.Errorf("empty host: %w", api.ErrInvalidArgument))
		}
		any := sockaddr.Unspecified(hints.Family)
		return []netip.AddrPort{netip.AddrPortFrom(any.Addr(), port)}, nil
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip.Unmap(), port)}, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, api.SocketOpFailed("resolve", err)
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip.Unmap(), port))
	}
	if len(out) == 0 {
		return nil, api.SocketOpFailed("resolve", fmt.Errorf("%s: no addresses", host))
	}
	return out, nil
}

// FamilyOf returns the address family constant for ap.
func FamilyOf(ap netip.AddrPort) int { return sockaddr.Family(ap) }
