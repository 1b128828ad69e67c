package socket_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/momentics/hioload-aio/api"
	"github.com/momentics/hioload-aio/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	ctx := context.Background()

	got, err := socket.Resolve(ctx, "127.0.0.1", 8080, socket.Hints{Family: socket.IPv4})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:8080")}, got)

	got, err = socket.Resolve(ctx, "", 9000, socket.Hints{Family: socket.IPv6, Passive: true})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("[::]:9000")}, got)

	got, err = socket.Resolve(ctx, "", 9000, socket.Hints{Passive: true})
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("0.0.0.0:9000")}, got)

	_, err = socket.Resolve(ctx, "", 1, socket.Hints{})
	assert.ErrorIs(t, err, api.ErrSocketOp)
	_, err = socket.Resolve(ctx, "localhost", 1, socket.Hints{Family: 12345})
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, socket.IPv4, socket.FamilyOf(netip.MustParseAddrPort("10.0.0.1:1")))
	assert.Equal(t, socket.IPv6, socket.FamilyOf(netip.MustParseAddrPort("[2001:db8::1]:1")))
}
