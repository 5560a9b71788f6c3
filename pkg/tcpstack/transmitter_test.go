package tcpstack

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptcp/pkg/retransmit"
	"iptcp/pkg/seqnum"
	"iptcp/pkg/tcpconn"
)

type recordingSender struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func (s *recordingSender) Send(src *netip.Addr, dst netip.Addr, proto uint8, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	s.buf = append([]byte(nil), payload...)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

var (
	txAddrA = netip.MustParseAddr("10.0.0.1")
	txAddrB = netip.MustParseAddr("10.0.0.2")
)

func TestTransmitterRetransmitsUntilAcked(t *testing.T) {
	rq := retransmit.NewQueue(20*time.Millisecond, 200*time.Millisecond)
	sender := &recordingSender{}
	demux := tcpconn.NewDemux(sender, rq, nil)

	id := retransmit.ConnID{LocalAddr: txAddrA, LocalPort: 6000, RemoteAddr: txAddrB, RemotePort: 5501}
	rq.Enqueue(id, seqnum.Value(101), []byte("payload"))

	tx := New(rq, sender, demux)
	go tx.Run()
	defer tx.Stop()

	require.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second, 5*time.Millisecond)

	rq.Ack(id, seqnum.Value(101))
	n := sender.count()
	require.Eventually(t, func() bool { return sender.count() == n }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestTransmitterGivesUpAfterMaxRetries(t *testing.T) {
	rq := retransmit.NewQueue(time.Millisecond, time.Millisecond)
	sender := &recordingSender{}
	demux := tcpconn.NewDemux(sender, rq, nil)

	connID := tcpconn.ConnID{LocalAddr: txAddrA, LocalPort: 6000, RemoteAddr: txAddrB, RemotePort: 5501}
	conn, err := demux.Connect(connID, 4000)
	require.NoError(t, err)
	require.Equal(t, tcpconn.StateSynSent, conn.State())

	for i := 0; i < retransmit.MaxRetries; i++ {
		_, err := rq.Dequeue()
		require.NoError(t, err)
	}

	tx := New(rq, sender, demux)
	go tx.Run()
	defer tx.Stop()

	require.Eventually(t, func() bool {
		_, ok := demux.Lookup(connID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, tcpconn.StateClosed, conn.State())
}
