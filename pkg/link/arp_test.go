package link

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolverLookup(t *testing.T) {
	r := NewResolver()
	ip := netip.MustParseAddr("10.0.0.1")
	addr := netip.MustParseAddrPort("127.0.0.1:5000")
	r.Add("eth0", ip, addr)

	iface, got, ok := r.Resolve(ip)
	require.True(t, ok)
	require.Equal(t, "eth0", iface)
	require.Equal(t, addr, got)

	_, _, ok = r.Resolve(netip.MustParseAddr("10.0.0.2"))
	require.False(t, ok)
}
