package retransmit

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testID() ConnID {
	return ConnID{
		LocalAddr:  netip.MustParseAddr("10.0.0.1"),
		LocalPort:  5501,
		RemoteAddr: netip.MustParseAddr("10.0.0.2"),
		RemotePort: 6000,
	}
}

func TestEnqueueDequeueFiresImmediately(t *testing.T) {
	q := NewQueue(50*time.Millisecond, time.Second)
	id := testID()
	q.Enqueue(id, 101, []byte("data"))

	start := time.Now()
	e, err := q.Dequeue()
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, e.RetryCount)
	require.EqualValues(t, 101, e.SegEndSeq)
}

func TestAckRemovesCoveredEntries(t *testing.T) {
	q := NewQueue(50*time.Millisecond, time.Second)
	id := testID()
	q.Enqueue(id, 100, []byte("a"))
	q.Enqueue(id, 200, []byte("b"))
	q.Ack(id, 150)
	require.Equal(t, 1, q.PendingCount(id))
}

func TestExponentialBackoffNonDecreasing(t *testing.T) {
	q := NewQueue(10*time.Millisecond, time.Second)
	id := testID()
	q.Enqueue(id, 100, []byte("a"))

	var deadlines []time.Time
	for i := 0; i < 3; i++ {
		e, err := q.Dequeue()
		require.NoError(t, err)
		deadlines = append(deadlines, e.NextDeadline)
	}
	for i := 1; i < len(deadlines); i++ {
		require.True(t, !deadlines[i].Before(deadlines[i-1]))
	}
}

func TestPurgeRemovesAll(t *testing.T) {
	q := NewQueue(10*time.Millisecond, time.Second)
	id := testID()
	q.Enqueue(id, 100, []byte("a"))
	q.Enqueue(id, 200, []byte("b"))
	q.Purge(id)
	require.Equal(t, 0, q.PendingCount(id))
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := NewQueue(time.Second, time.Second)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue()
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
}
