package ipv4

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseHeaderRoundTrip(t *testing.T) {
	h := &Header{TOS: 0, ID: 42, TTL: 64, Protocol: 6, Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")}
	payload := []byte("hello")
	raw := append(EncodeHeader(h, len(payload)), payload...)

	parsed, err := ParseHeader(raw)
	require.NoError(t, err)
	require.Equal(t, h.Src, parsed.Src)
	require.Equal(t, h.Dst, parsed.Dst)
	require.Equal(t, h.Protocol, parsed.Protocol)
	require.EqualValues(t, len(raw), parsed.TotalLen)
}

func TestParseHeaderRejectsCorruptChecksum(t *testing.T) {
	h := &Header{TTL: 64, Protocol: 6, Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2")}
	raw := EncodeHeader(h, 0)
	raw[1] ^= 0xff
	_, err := ParseHeader(raw)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	_, err := ParseHeader(make([]byte, 10))
	require.ErrorIs(t, err, ErrShortHeader)
}
