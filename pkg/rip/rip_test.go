package rip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	msg := &Message{
		Command: CommandResponse,
		Entries: []Entry{
			{Cost: 1, Address: 0x0a000000, Mask: 0xffffff00},
			{Cost: 16, Address: 0xc0a80000, Mask: 0xffffff00},
		},
	}
	raw := Serialize(msg)
	got, err := Deserialize(raw)
	require.NoError(t, err)
	require.Equal(t, msg.Command, got.Command)
	require.Equal(t, msg.Entries, got.Entries)
}

func TestDeserializeRejectsTruncatedBuffer(t *testing.T) {
	_, err := Deserialize([]byte{0, 2, 0, 3}) // claims 3 entries, none present
	require.Error(t, err)
}

func TestPrefixEntryRoundTrip(t *testing.T) {
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	e := prefixToEntry(prefix, 5)
	require.EqualValues(t, 5, e.Cost)

	got := entryToPrefix(e)
	require.Equal(t, prefix, got)
}
