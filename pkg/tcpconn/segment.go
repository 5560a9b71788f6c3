package tcpconn

import (
	"net/netip"
	"time"

	"iptcp/pkg/segcodec"
	"iptcp/pkg/seqnum"
)

// acceptable implements the RFC 793 segment-acceptability test against
// the current receive window.
func (c *Connection) acceptable(seg *segcodec.Segment) bool {
	segLen := seg.DataLen
	if segLen == 0 {
		if c.tcb.rcvWND == 0 {
			return seg.Seq == c.tcb.rcvNXT
		}
		return seqnum.InWindow(seg.Seq, c.tcb.rcvNXT, c.tcb.rcvWND)
	}
	if c.tcb.rcvWND == 0 {
		return false
	}
	first := seqnum.InWindow(seg.Seq, c.tcb.rcvNXT, c.tcb.rcvWND)
	last := seqnum.InWindow(seqnum.Add(seg.Seq, seqnum.Size(segLen-1)), c.tcb.rcvNXT, c.tcb.rcvWND)
	return first || last
}

// SendReset synthesizes and transmits a bare RST/RST-ACK in response to
// a segment that could not be matched to any connection (spec.md §4.4,
// orphan segment handling), following the RFC 793 rule: if the
// triggering segment carried an ACK, the reset carries no ACK and its
// sequence number is the incoming ACK value; otherwise the reset
// carries ACK, sequence zero, and acknowledges the incoming segment's
// end sequence.
func SendReset(sender IPSender, local, remote netip.Addr, localPort, remotePort uint16, seg *segcodec.Segment) error {
	rst := &segcodec.Segment{
		SrcPort: localPort,
		DstPort: remotePort,
	}
	if seg.Flags&segcodec.FlagAck != 0 {
		rst.Flags = segcodec.FlagRst
		rst.Seq = seg.Ack
	} else {
		rst.Flags = segcodec.FlagRst | segcodec.FlagAck
		rst.Seq = 0
		rst.Ack = seg.End()
	}
	raw := segcodec.Encode(rst, local, remote)
	return sender.Send(&local, remote, tcpProtocolNumber, raw)
}

// HandleSegment dispatches an inbound segment already addressed to this
// connection's demux table entry (spec.md §4.5's per-state transition
// table).
func (c *Connection) HandleSegment(remoteAddr netip.Addr, seg *segcodec.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return c.handleClosed(seg)
	case StateListen:
		return c.handleListen(remoteAddr, seg)
	case StateSynSent:
		return c.handleSynSent(seg)
	default:
		return c.handleOther(seg)
	}
}

func (c *Connection) handleClosed(seg *segcodec.Segment) error {
	if seg.Flags&segcodec.FlagRst != 0 {
		return nil
	}
	return SendReset(c.sender, c.id.LocalAddr, c.id.RemoteAddr, c.id.LocalPort, c.id.RemotePort, seg)
}

// handleListen parks a well-formed SYN as a PendingAccept rather than
// completing the handshake inline; Accept() drives the child connection
// that Demux.CompleteAccept spins off through SYN_RECEIVED (spec.md §4.4).
func (c *Connection) handleListen(remoteAddr netip.Addr, seg *segcodec.Segment) error {
	if seg.Flags&segcodec.FlagRst != 0 {
		return nil
	}
	if seg.Flags&segcodec.FlagAck != 0 {
		return SendReset(c.sender, c.id.LocalAddr, remoteAddr, c.id.LocalPort, seg.SrcPort, seg)
	}
	if seg.Flags&segcodec.FlagSyn == 0 {
		return nil
	}
	if len(c.pending) >= c.backlog {
		return nil // silently drop; peer will retransmit the SYN
	}
	child := ConnID{
		LocalAddr:  c.id.LocalAddr,
		LocalPort:  c.id.LocalPort,
		RemoteAddr: remoteAddr,
		RemotePort: seg.SrcPort,
	}
	c.pending = append(c.pending, &PendingAccept{
		ID:      child,
		Seq:     seg.Seq,
		Window:  seqnum.Size(seg.Window),
		Options: seg.Options,
	})
	c.cond.Broadcast()
	return nil
}

func (c *Connection) handleSynSent(seg *segcodec.Segment) error {
	ackOK := false
	if seg.Flags&segcodec.FlagAck != 0 {
		if seqnum.LessThanEq(seg.Ack, c.tcb.iss) || seqnum.GreaterThan(seg.Ack, c.tcb.sndNXT) {
			if seg.Flags&segcodec.FlagRst == 0 {
				return SendReset(c.sender, c.id.LocalAddr, c.id.RemoteAddr, c.id.LocalPort, c.id.RemotePort, seg)
			}
			return nil
		}
		ackOK = true
	}
	if seg.Flags&segcodec.FlagRst != 0 {
		if ackOK {
			c.setState(StateClosed)
			c.cond.Broadcast()
		}
		return nil
	}
	if seg.Flags&segcodec.FlagSyn == 0 {
		return nil
	}
	c.tcb.irs = seg.Seq
	c.tcb.rcvNXT = seqnum.Add(seg.Seq, 1)
	if seg.Options.HasMSS {
		c.tcb.mss = seg.Options.MSS
	}
	c.AttachReassembly(seg.Seq)
	if ackOK {
		c.tcb.sndUNA = seg.Ack
		c.rq.Ack(retransmitID(c.id), seg.Ack)
		c.tcb.sndWND = seqnum.Size(seg.Window)
		c.tcb.sndWL1 = seg.Seq
		c.tcb.sndWL2 = seg.Ack
		c.setState(StateEstablished)
		return c.sendControlLocked(0, nil, segcodec.Options{})
	}
	c.setState(StateSynReceived)
	return c.sendControlLocked(segcodec.FlagSyn, nil, segcodec.SynOptions(DefaultMSS))
}

// handleOther covers SYN_RECEIVED, ESTABLISHED, and every close-sequence
// state, which all share the ACK-processing, data-acceptance and
// FIN-accounting rules of RFC 793 §3.9 and only differ in which next
// state a fully-processed FIN or final ACK leads to.
func (c *Connection) handleOther(seg *segcodec.Segment) error {
	if !c.acceptable(seg) {
		if seg.Flags&segcodec.FlagRst == 0 {
			return c.sendControlLocked(0, nil, segcodec.Options{})
		}
		return nil
	}
	if seg.Flags&segcodec.FlagRst != 0 {
		c.setState(StateClosed)
		if c.reasm != nil {
			c.reasm.Close()
		}
		return nil
	}
	if seg.Flags&segcodec.FlagSyn != 0 {
		return SendReset(c.sender, c.id.LocalAddr, c.id.RemoteAddr, c.id.LocalPort, c.id.RemotePort, seg)
	}
	if seg.Flags&segcodec.FlagAck == 0 {
		return nil
	}

	switch c.state {
	case StateSynReceived:
		if !(seqnum.LessThan(c.tcb.sndUNA, seg.Ack) && seqnum.LessThanEq(seg.Ack, c.tcb.sndNXT)) {
			return SendReset(c.sender, c.id.LocalAddr, c.id.RemoteAddr, c.id.LocalPort, c.id.RemotePort, seg)
		}
		c.tcb.sndUNA = seg.Ack
		c.rq.Ack(retransmitID(c.id), seg.Ack)
		c.setState(StateEstablished)
	case StateLastAck:
		c.applyAck(seg)
		if seg.Ack == c.tcb.sndNXT {
			c.setState(StateClosed)
			return nil
		}
	case StateClosing:
		c.applyAck(seg)
		if seg.Ack == c.tcb.sndNXT {
			c.setState(StateTimeWait)
			c.armTimeWait()
			return nil
		}
	case StateFinWait1:
		c.applyAck(seg)
		if seg.Ack == c.tcb.sndNXT && c.finSent {
			c.setState(StateFinWait2)
		}
	case StateFinWait2:
		c.applyAck(seg)
	case StateTimeWait:
		if seg.Flags&segcodec.FlagFin != 0 {
			c.armTimeWait()
		}
		return nil
	default:
		c.applyAck(seg)
	}

	c.processData(seg)

	if seg.Flags&segcodec.FlagFin != 0 {
		c.processFin()
	}
	return nil
}

// applyAck folds a new cumulative ACK into snd_una and the send-window
// update rule of RFC 793 §3.9.
func (c *Connection) applyAck(seg *segcodec.Segment) {
	if seqnum.LessThan(c.tcb.sndUNA, seg.Ack) && seqnum.LessThanEq(seg.Ack, c.tcb.sndNXT) {
		c.tcb.sndUNA = seg.Ack
		c.rq.Ack(retransmitID(c.id), seg.Ack)
	}
	if seqnum.LessThan(c.tcb.sndWL1, seg.Seq) ||
		(c.tcb.sndWL1 == seg.Seq && seqnum.LessThanEq(c.tcb.sndWL2, seg.Ack)) {
		c.tcb.sndWND = seqnum.Size(seg.Window)
		c.tcb.sndWL1 = seg.Seq
		c.tcb.sndWL2 = seg.Ack
	}
}

// processData folds an in-window payload into the reassembly buffer and
// advances rcv_nxt to the contiguous mark it reports, then updates the
// advertised window.
func (c *Connection) processData(seg *segcodec.Segment) {
	if len(seg.Payload) == 0 || c.reasm == nil {
		return
	}
	psh := seg.Flags&segcodec.FlagPsh != 0
	_ = c.reasm.Insert(seg.Seq, seg.Payload, psh)
	if ackable, ok := c.reasm.Ackable(); ok {
		c.tcb.rcvNXT = ackable
	}
	buffered := c.reasm.BytesBuffered()
	if seqnum.Size(DefaultWindow) > buffered {
		c.tcb.rcvWND = seqnum.Size(DefaultWindow) - buffered
	} else {
		c.tcb.rcvWND = 0
	}
}

// processFin accounts for a FIN as one phantom byte of sequence space,
// signals end-of-stream to the reassembly reader, and advances state
// per RFC 793's passive- and simultaneous-close branches.
func (c *Connection) processFin() {
	finSeq := c.tcb.rcvNXT
	c.tcb.rcvNXT = seqnum.Add(c.tcb.rcvNXT, 1)
	if c.reasm != nil {
		_ = c.reasm.Insert(finSeq, nil, true)
	}
	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
	case StateFinWait1:
		if c.finSent {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.setState(StateTimeWait)
		c.armTimeWait()
	}
	_ = c.sendControlLocked(0, nil, segcodec.Options{})
}

// armTimeWait schedules the final teardown after the placeholder
// TIME_WAIT interval (see DESIGN.md Open Question resolution).
func (c *Connection) armTimeWait() {
	go func() {
		<-time.After(timeWaitDuration)
		c.Deinit()
	}()
}
