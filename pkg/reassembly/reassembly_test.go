package reassembly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptcp/pkg/seqnum"
)

func TestInOrderInsertRead(t *testing.T) {
	b := NewBuffer(100)
	require.NoError(t, b.Insert(100, []byte("hello"), false))
	out := make([]byte, 5)
	n, err := b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
}

func TestOutOfOrderInsertYieldsInOrderRead(t *testing.T) {
	// S3 from spec.md §8: (seq=101,"AB"), (seq=105,"EF"), (seq=103,"CD")
	b := NewBuffer(101)
	require.NoError(t, b.Insert(101, []byte("AB"), false))
	require.NoError(t, b.Insert(105, []byte("EF"), false))
	require.Equal(t, seqnum.Size(2), b.BytesBuffered())
	require.NoError(t, b.Insert(103, []byte("CD"), false))
	require.Equal(t, seqnum.Size(6), b.BytesBuffered())

	out := make([]byte, 6)
	n, err := b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "ABCDEF", string(out))

	seq, ok := b.Ackable()
	require.False(t, ok) // fully drained, nothing left to ack
	require.Equal(t, seqnum.Value(107), seq)
}

func TestDuplicateInsertDropped(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.Insert(0, []byte("XXXXX"), false))
	require.NoError(t, b.Insert(0, []byte("XXXXX"), false))
	require.Equal(t, seqnum.Size(5), b.BytesBuffered())
}

func TestPartialReadAdvancesEntrySeq(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.Insert(0, []byte("abcdef"), false))
	out := make([]byte, 3)
	n, err := b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(out))

	out2 := make([]byte, 3)
	n, err = b.Read(out2)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "def", string(out2))
}

func TestPshUnblocksShortRead(t *testing.T) {
	b := NewBuffer(0)
	done := make(chan struct{})
	var n int
	var err error
	out := make([]byte, 100) // far larger than what's available
	go func() {
		n, err = b.Read(out)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Insert(0, []byte("Ping!"), true))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on PSH")
	}
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "Ping!", string(out[:n]))
}

// TestOverlappingInsertStartingEarlierStaysSequenceOrdered guards
// against an insertion-point regression: a segment that starts before
// an already-buffered entry but only partially overlaps it (neither
// fully contains it nor is fully contained by it) must still land in
// sequence-ordered position, or rescan sees the later-starting entry
// first and falsely reports a gap that never closes.
func TestOverlappingInsertStartingEarlierStaysSequenceOrdered(t *testing.T) {
	b := NewBuffer(100)
	require.NoError(t, b.Insert(102, []byte("XYX"), false))
	require.NoError(t, b.Insert(100, []byte("ABXY"), false))

	seq, ok := b.Ackable()
	require.True(t, ok)
	require.Equal(t, seqnum.Value(105), seq)
	require.Equal(t, seqnum.Size(5), b.BytesBuffered())

	out := make([]byte, 5)
	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = b.Read(out)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read blocked on data that was already contiguous")
	}
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "ABXYX", string(out))
}

func TestZeroLengthPshMarkerYieldsErrNoDataThenBlocksAgain(t *testing.T) {
	b := NewBuffer(0)
	require.NoError(t, b.Insert(0, []byte("hi"), false))
	require.NoError(t, b.Insert(2, nil, true)) // FIN marker at the contiguous boundary

	out := make([]byte, 2)
	n, err := b.Read(out)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "hi", string(out))

	// The only thing left is the zero-length FIN marker: Read must
	// consume it and report the boundary instead of busy-returning
	// (0, nil) forever.
	n, err = b.Read(out)
	require.ErrorIs(t, err, ErrNoData)
	require.Equal(t, 0, n)

	// The marker must not be handed out twice: a second call blocks
	// (would deadlock the test if returned again) until Close.
	done := make(chan error, 1)
	go func() {
		_, err := b.Read(out)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("Read returned without any new data or close")
	case <-time.After(50 * time.Millisecond):
	}
	b.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoData)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on Close")
	}
}

func TestCloseUnblocksReader(t *testing.T) {
	b := NewBuffer(0)
	done := make(chan error)
	go func() {
		_, err := b.Read(make([]byte, 10))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNoData)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on Close")
	}
}
