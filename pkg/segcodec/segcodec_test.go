package segcodec

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")

	seg := &Segment{
		SrcPort: 5000,
		DstPort: 5501,
		Seq:     100,
		Ack:     200,
		Flags:   FlagAck | FlagPsh,
		Window:  65535,
		Payload: []byte("Ping!"),
		DataLen: 5,
	}

	raw := Encode(seg, src, dst)
	got, err := Parse(raw, src, dst)
	require.NoError(t, err)
	require.Equal(t, seg.SrcPort, got.SrcPort)
	require.Equal(t, seg.DstPort, got.DstPort)
	require.Equal(t, seg.Seq, got.Seq)
	require.Equal(t, seg.Ack, got.Ack)
	require.Equal(t, seg.Flags, got.Flags)
	require.Equal(t, seg.Payload, got.Payload)
}

func TestParseRejectsBadChecksum(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := &Segment{SrcPort: 1, DstPort: 2, Seq: 1, Flags: FlagSyn}
	raw := Encode(seg, src, dst)
	raw[0] ^= 0xff // no payload, so corrupt the header: flip the source port's high byte
	_, err := Parse(raw, src, dst)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestSynOptionsRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := &Segment{
		SrcPort: 1, DstPort: 2, Seq: 500, Flags: FlagSyn,
		Options: SynOptions(1200),
	}
	raw := Encode(seg, src, dst)
	got, err := Parse(raw, src, dst)
	require.NoError(t, err)
	require.True(t, got.Options.HasMSS)
	require.EqualValues(t, 1200, got.Options.MSS)
}

func TestUnknownOptionAbortsParseLoop(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	seg := &Segment{SrcPort: 1, DstPort: 2, Seq: 1, Flags: FlagAck, Options: SynOptions(1000)}
	raw := Encode(seg, src, dst)
	// Corrupt the checksum-independent path by re-encoding with a bogus
	// trailing kind byte appended to the option area is awkward without
	// touching layout; instead assert parseOptions directly.
	opts, err := parseOptions([]byte{99, 4, 0, 0})
	require.NoError(t, err)
	require.False(t, opts.HasMSS)
	_ = raw
}
