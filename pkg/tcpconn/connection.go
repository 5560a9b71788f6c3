package tcpconn

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"iptcp/pkg/reassembly"
	"iptcp/pkg/retransmit"
	"iptcp/pkg/segcodec"
	"iptcp/pkg/seqnum"
)

// tcpProtocolNumber is IANA protocol 6, carried in the IPv4 header.
const tcpProtocolNumber = 6

// timeWaitDuration is a fixed placeholder well short of 2*MSL, chosen so
// the state machine can be exercised without a real multi-minute wait
// (see Open Question resolution in DESIGN.md).
const timeWaitDuration = 2 * time.Second

// Connection is one TCB plus the state machine that drives it. All
// fields below the mutex are guarded by it; the reassembly buffer and
// retransmit queue carry their own internal locks, which are taken
// while mu is held and never the other way round (spec.md §5 locking
// order: demux -> connection -> reassembly/retransmit).
type Connection struct {
	mu   sync.Mutex
	cond *sync.Cond

	id     ConnID
	state  State
	tcb    tcb
	sender IPSender
	log    *logrus.Entry

	reasm *reassembly.Buffer
	rq    *retransmit.Queue

	backlog int
	pending []*PendingAccept

	onClosed func(ConnID) // demux callback, removes this connection from its tables

	finSent bool
	closing bool // application called Close
}

// NewConnection creates a connection in CLOSED state, not yet attached
// to any demux table.
func NewConnection(id ConnID, sender IPSender, rq *retransmit.Queue, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		id:     id,
		state:  StateClosed,
		sender: sender,
		rq:     rq,
		log:    log.WithField("conn", id),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the connection's 4-tuple.
func (c *Connection) ID() ConnID { return c.id }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnClosed installs the callback invoked once Deinit runs.
func (c *Connection) SetOnClosed(fn func(ConnID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClosed = fn
}

func (c *Connection) setState(s State) {
	if c.state == s {
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("state transition")
	c.state = s
	c.cond.Broadcast()
}

// SetPassive moves a fresh connection into LISTEN with the given accept
// backlog (spec.md §4.5, passive open).
func (c *Connection) SetPassive(backlog int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return ErrSocketInUse
	}
	c.backlog = backlog
	c.tcb.rcvWND = DefaultWindow
	c.setState(StateListen)
	return nil
}

// SetActive performs an active open: records the caller-chosen ISS,
// moves to SYN_SENT, and sends the initial SYN (spec.md §4.5, active
// open).
func (c *Connection) SetActive(iss seqnum.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		return ErrSocketInUse
	}
	c.tcb.iss = iss
	c.tcb.sndUNA = iss
	c.tcb.sndNXT = iss
	c.tcb.rcvWND = DefaultWindow
	c.tcb.mss = DefaultMSS
	c.setState(StateSynSent)
	return c.sendControlLocked(segcodec.FlagSyn, nil, segcodec.SynOptions(DefaultMSS))
}

// sendControlLocked builds and transmits a segment carrying flags and an
// optional payload, advances sndNXT by the sequence space it consumes,
// and enqueues it for retransmission if it consumes sequence space
// (spec.md §4.5: pure ACKs and RSTs are never retransmitted).
func (c *Connection) sendControlLocked(flags uint8, payload []byte, opts segcodec.Options) error {
	// Every segment but a RST carries ACK, except the initial SYN of an
	// active open, which has nothing to acknowledge yet.
	ackFlag := uint8(0)
	if flags&segcodec.FlagRst == 0 && c.state != StateSynSent {
		ackFlag = segcodec.FlagAck
	}
	seg := &segcodec.Segment{
		SrcPort: c.id.LocalPort,
		DstPort: c.id.RemotePort,
		Seq:     c.tcb.sndNXT,
		Ack:     c.tcb.rcvNXT,
		Flags:   flags | ackFlag,
		Window:  windowUint16(c.tcb.rcvWND),
		Options: opts,
		Payload: payload,
	}
	raw := segcodec.Encode(seg, c.id.LocalAddr, c.id.RemoteAddr)

	consumesSeq := len(payload) > 0 || flags&(segcodec.FlagSyn|segcodec.FlagFin) != 0
	segEnd := seqnum.Add(c.tcb.sndNXT, seqnum.Size(len(payload)))
	if flags&segcodec.FlagSyn != 0 {
		segEnd = seqnum.Add(segEnd, 1)
	}
	if flags&segcodec.FlagFin != 0 {
		segEnd = seqnum.Add(segEnd, 1)
	}
	if consumesSeq {
		c.tcb.sndNXT = segEnd
	}

	err := c.sender.Send(&c.id.LocalAddr, c.id.RemoteAddr, tcpProtocolNumber, raw)
	if err != nil {
		return err
	}
	if consumesSeq && flags&segcodec.FlagRst == 0 {
		c.rq.Enqueue(retransmitID(c.id), segEnd, raw)
	}
	return nil
}

func windowUint16(s seqnum.Size) uint16 {
	if s > 0xffff {
		return 0xffff
	}
	return uint16(s)
}

func retransmitID(id ConnID) retransmit.ConnID {
	return retransmit.ConnID{
		LocalAddr:  id.LocalAddr,
		LocalPort:  id.LocalPort,
		RemoteAddr: id.RemoteAddr,
		RemotePort: id.RemotePort,
	}
}

// Send chunks data into MSS-sized segments and transmits as much as the
// current send window allows, returning the number of bytes accepted.
// A return of (0, ErrWouldBlock) means the peer's window is fully
// closed; the caller (the socket's send pump) is expected to retry after
// the next state change.
func (c *Connection) Send(data []byte, psh bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, ErrNotConnected
	}
	usable := seqnum.Sub(seqnum.Add(c.tcb.sndUNA, c.tcb.sndWND), c.tcb.sndNXT)
	if usable == 0 {
		return 0, ErrWouldBlock
	}
	sent := 0
	for sent < len(data) {
		if usable == 0 {
			break
		}
		chunk := len(data) - sent
		if chunk > int(c.tcb.mss) {
			chunk = int(c.tcb.mss)
		}
		if seqnum.Size(chunk) > usable {
			chunk = int(usable)
		}
		last := sent+chunk == len(data)
		flags := uint8(0)
		if psh && last {
			flags = segcodec.FlagPsh
		}
		if err := c.sendControlLocked(flags, data[sent:sent+chunk], segcodec.Options{}); err != nil {
			return sent, err
		}
		usable -= seqnum.Size(chunk)
		sent += chunk
	}
	return sent, nil
}

// Close performs an application-initiated half-close: sends FIN once
// all queued data has been transmitted and moves to the appropriate
// next state (spec.md §4.5, active close / passive close from CLOSE_WAIT).
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
	switch c.state {
	case StateEstablished:
		if err := c.sendControlLocked(segcodec.FlagFin, nil, segcodec.Options{}); err != nil {
			return err
		}
		c.finSent = true
		c.setState(StateFinWait1)
	case StateCloseWait:
		if err := c.sendControlLocked(segcodec.FlagFin, nil, segcodec.Options{}); err != nil {
			return err
		}
		c.finSent = true
		c.setState(StateLastAck)
	case StateListen, StateSynSent:
		c.setState(StateClosed)
	default:
		return ErrClosing
	}
	return nil
}

// WaitChange blocks until the state differs from current or timeout
// elapses, returning the (possibly unchanged) state observed.
func (c *Connection) WaitChange(current State, timeout time.Duration) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != current {
		return c.state
	}
	stop := false
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		stop = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	for c.state == current && !stop {
		c.cond.Wait()
	}
	timer.Stop()
	return c.state
}

// NextPending pops the oldest parked SYN off a LISTEN connection's
// backlog, non-blocking.
func (c *Connection) NextPending() (*PendingAccept, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return p, true
}

// WaitPending blocks until a SYN is parked or timeout elapses, then
// reports whether one is available.
func (c *Connection) WaitPending(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) == 0 && !c.closing {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return len(c.pending) > 0
		}
		timer := time.AfterFunc(remaining, func() {
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		c.cond.Wait()
		timer.Stop()
	}
	return len(c.pending) > 0
}

// Deinit tears down the reassembly buffer and retransmit-queue entries
// owned by this connection and notifies the demux to forget it
// (spec.md §4.4/§4.5). Safe to call more than once.
func (c *Connection) Deinit() {
	c.mu.Lock()
	id := c.id
	rq := c.rq
	reasm := c.reasm
	onClosed := c.onClosed
	c.setState(StateClosed)
	c.mu.Unlock()

	if reasm != nil {
		reasm.Close()
	}
	if rq != nil {
		rq.Purge(retransmitID(id))
	}
	if onClosed != nil {
		onClosed(id)
	}
}

// AttachReassembly installs the receive-side reassembly buffer once the
// initial sequence number of the peer is known.
func (c *Connection) AttachReassembly(irs seqnum.Value) {
	c.reasm = reassembly.NewBuffer(seqnum.Add(irs, 1))
}

// Reassembly exposes the receive buffer for the Socket read path.
func (c *Connection) Reassembly() *reassembly.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reasm
}
