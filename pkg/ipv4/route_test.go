package ipv4

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLookupPrefersLongestPrefixMatch(t *testing.T) {
	tbl := NewTable()
	tbl.AddLocal(netip.MustParsePrefix("10.0.0.0/24"), "eth0")
	tbl.AddStatic(netip.MustParsePrefix("0.0.0.0/0"), netip.MustParseAddr("10.0.0.1"))

	route, ok := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
	require.True(t, route.Local)

	route, ok = tbl.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	require.False(t, route.Local)
	require.Equal(t, "0.0.0.0/0", route.Prefix.String())
}

func TestUpdateRIPNeverOverridesLocalOrStatic(t *testing.T) {
	tbl := NewTable()
	tbl.AddLocal(netip.MustParsePrefix("10.0.0.0/24"), "eth0")

	changed := tbl.UpdateRIP(netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddr("10.0.0.9"), 1, "eth1")
	require.False(t, changed)

	route, _ := tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, route.Local)
}

func TestUpdateRIPInfiniteCostRejectsNewRoute(t *testing.T) {
	tbl := NewTable()
	changed := tbl.UpdateRIP(netip.MustParsePrefix("192.168.0.0/24"), netip.MustParseAddr("10.0.0.9"), infiniteCost, "eth1")
	require.False(t, changed)
	_, ok := tbl.Lookup(netip.MustParseAddr("192.168.0.5"))
	require.False(t, ok)
}

func TestExpireStaleRemovesOldRIPRoutesOnly(t *testing.T) {
	tbl := NewTable()
	tbl.AddLocal(netip.MustParsePrefix("10.0.0.0/24"), "eth0")
	tbl.UpdateRIP(netip.MustParsePrefix("192.168.0.0/24"), netip.MustParseAddr("10.0.0.9"), 1, "eth0")

	tbl.mu.Lock()
	tbl.routes[netip.MustParsePrefix("192.168.0.0/24")].UpdatedAt = time.Now().Add(-time.Minute)
	tbl.mu.Unlock()

	expired := tbl.ExpireStale(10 * time.Second)
	require.Len(t, expired, 1)
	_, ok := tbl.Lookup(netip.MustParseAddr("192.168.0.5"))
	require.False(t, ok)
	_, ok = tbl.Lookup(netip.MustParseAddr("10.0.0.5"))
	require.True(t, ok)
}
