package tcpconn

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"iptcp/pkg/retransmit"
	"iptcp/pkg/segcodec"
)

// captureSender is a fake IPSender that records every segment it is
// asked to send and can hand it straight to a peer connection's
// HandleSegment, letting these tests exercise the state machine without
// any IPv4 or link-layer plumbing.
type captureSender struct {
	mu   sync.Mutex
	sent []capturedSeg
}

type capturedSeg struct {
	src, dst netip.Addr
	raw      []byte
}

func (s *captureSender) Send(src *netip.Addr, dst netip.Addr, proto uint8, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var from netip.Addr
	if src != nil {
		from = *src
	}
	buf := append([]byte(nil), payload...)
	s.sent = append(s.sent, capturedSeg{src: from, dst: dst, raw: buf})
	return nil
}

func (s *captureSender) last() capturedSeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

func newTestQueue() *retransmit.Queue {
	return retransmit.NewQueue(50*time.Millisecond, time.Second)
}

// TestPassiveAcceptHandshake exercises S1 from spec.md §8: a listening
// connection parks an incoming SYN, and the accepted child completes
// the three-way handshake to ESTABLISHED.
func TestPassiveAcceptHandshake(t *testing.T) {
	sender := &captureSender{}
	rq := newTestQueue()
	demux := NewDemux(sender, rq, nil)

	listener, err := demux.Listen(addrA, 5501, 4)
	require.NoError(t, err)
	require.Equal(t, StateListen, listener.State())

	syn := &segcodec.Segment{SrcPort: 6000, DstPort: 5501, Seq: 1000, Flags: segcodec.FlagSyn, Window: 65535}
	require.NoError(t, listener.HandleSegment(addrB, syn))

	pending, ok := listener.NextPending()
	require.True(t, ok)
	require.EqualValues(t, 1000, pending.Seq)

	child, err := demux.CompleteAccept(listener.ID(), pending, 5000)
	require.NoError(t, err)
	require.Equal(t, StateSynReceived, child.State())
	require.Equal(t, 1, sender.count())

	ack := &segcodec.Segment{SrcPort: 6000, DstPort: 5501, Seq: 1001, Ack: 5001, Flags: segcodec.FlagAck, Window: 65535}
	require.NoError(t, child.HandleSegment(addrB, ack))
	require.Equal(t, StateEstablished, child.State())
}

// TestActiveOpenHandshake exercises the SYN_SENT -> ESTABLISHED path of
// an active open, including the final ACK it must send back.
func TestActiveOpenHandshake(t *testing.T) {
	sender := &captureSender{}
	rq := newTestQueue()
	demux := NewDemux(sender, rq, nil)

	id := ConnID{LocalAddr: addrA, LocalPort: 6000, RemoteAddr: addrB, RemotePort: 5501}
	conn, err := demux.Connect(id, 4000)
	require.NoError(t, err)
	require.Equal(t, StateSynSent, conn.State())
	require.Equal(t, 1, sender.count())

	synAck := &segcodec.Segment{SrcPort: 5501, DstPort: 6000, Seq: 9000, Ack: 4001, Flags: segcodec.FlagSyn | segcodec.FlagAck, Window: 65535}
	require.NoError(t, conn.HandleSegment(addrB, synAck))
	require.Equal(t, StateEstablished, conn.State())
	require.Equal(t, 2, sender.count())
}

// TestOrphanSegmentGetsReset exercises S5 from spec.md §8: a segment
// addressed to nobody gets a synthesized RST.
func TestOrphanSegmentGetsReset(t *testing.T) {
	sender := &captureSender{}
	rq := newTestQueue()
	demux := NewDemux(sender, rq, nil)

	seg := &segcodec.Segment{SrcPort: 6000, DstPort: 5501, Seq: 500, Flags: segcodec.FlagAck, Ack: 12345, Window: 65535}
	raw := segcodec.Encode(seg, addrB, addrA)
	demux.Handle(addrA, addrB, raw)

	require.Equal(t, 1, sender.count())
	parsed, err := segcodec.Parse(sender.last().raw, addrA, addrB)
	require.NoError(t, err)
	require.NotZero(t, parsed.Flags&segcodec.FlagRst)
	require.Zero(t, parsed.Flags&segcodec.FlagAck)
	require.Equal(t, seg.Ack, parsed.Seq)
}

// TestOrphanResetIsDropped exercises spec.md §4.4 step 5: an unmatched
// segment that is itself a RST must be dropped, never answered with
// another RST.
func TestOrphanResetIsDropped(t *testing.T) {
	sender := &captureSender{}
	rq := newTestQueue()
	demux := NewDemux(sender, rq, nil)

	seg := &segcodec.Segment{SrcPort: 6000, DstPort: 5501, Seq: 500, Flags: segcodec.FlagRst, Window: 65535}
	raw := segcodec.Encode(seg, addrB, addrA)
	demux.Handle(addrA, addrB, raw)

	require.Equal(t, 0, sender.count())
}

// TestGracefulCloseFromEstablished walks an ESTABLISHED connection
// through active close via FIN_WAIT1/FIN_WAIT2 to TIME_WAIT; the
// placeholder timer's later reap to CLOSED is not waited for.
func TestGracefulCloseFromEstablished(t *testing.T) {
	sender := &captureSender{}
	rq := newTestQueue()
	c := NewConnection(ConnID{LocalAddr: addrA, LocalPort: 6000, RemoteAddr: addrB, RemotePort: 5501}, sender, rq, nil)

	c.mu.Lock()
	c.tcb.iss = 1000
	c.tcb.sndUNA = 1001
	c.tcb.sndNXT = 1001
	c.tcb.irs = 2000
	c.tcb.rcvNXT = 2001
	c.tcb.rcvWND = 65535
	c.tcb.mss = 1460
	c.tcb.sndWND = 65535
	c.AttachReassembly(2000)
	c.setState(StateEstablished)
	c.mu.Unlock()

	require.NoError(t, c.Close())
	require.Equal(t, StateFinWait1, c.State())

	finAck := &segcodec.Segment{SrcPort: 5501, DstPort: 6000, Seq: 2001, Ack: 1002, Flags: segcodec.FlagAck, Window: 65535}
	require.NoError(t, c.HandleSegment(addrB, finAck))
	require.Equal(t, StateFinWait2, c.State())

	fin := &segcodec.Segment{SrcPort: 5501, DstPort: 6000, Seq: 2001, Ack: 1002, Flags: segcodec.FlagFin | segcodec.FlagAck, Window: 65535}
	require.NoError(t, c.HandleSegment(addrB, fin))
	require.Equal(t, StateTimeWait, c.State())
}
