package link

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterfaceSendReceive(t *testing.T) {
	a, err := NewInterface("a", netip.MustParseAddr("10.0.0.1"), netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewInterface("b", netip.MustParseAddr("10.0.0.2"), netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.Up(func(ifaceName string, raw []byte) { received <- raw })
	a.Up(nil)

	bAddr := netip.MustParseAddrPort(b.conn.LocalAddr().String())
	require.NoError(t, a.SendFrame(bAddr, []byte("frame")))

	select {
	case raw := <-received:
		require.Equal(t, "frame", string(raw))
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
}

func TestInterfaceDownDropsFrames(t *testing.T) {
	a, err := NewInterface("a", netip.MustParseAddr("10.0.0.1"), netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer a.Close()
	b, err := NewInterface("b", netip.MustParseAddr("10.0.0.2"), netip.MustParsePrefix("10.0.0.0/24"), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer b.Close()

	received := make(chan []byte, 1)
	b.Up(func(ifaceName string, raw []byte) { received <- raw })
	b.Down()

	bAddr := netip.MustParseAddrPort(b.conn.LocalAddr().String())
	require.NoError(t, a.SendFrame(bAddr, []byte("frame")))

	select {
	case <-received:
		t.Fatal("frame delivered to a down interface")
	case <-time.After(100 * time.Millisecond):
	}
}
