package tcpconn

import (
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"iptcp/pkg/retransmit"
	"iptcp/pkg/segcodec"
	"iptcp/pkg/seqnum"
)

// Demux is the single table mutex sitting above every Connection
// (spec.md §4.4, §5). It owns the listening and established connection
// tables and is the entry point IPv4 delivery calls into.
type Demux struct {
	mu        sync.Mutex
	listening map[ListenID]*Connection
	conns     map[ConnID]*Connection
	rq        *retransmit.Queue
	sender    IPSender
	log       *logrus.Entry
}

// NewDemux creates an empty demultiplexer sharing one retransmit queue
// and one IP sender across every connection it creates.
func NewDemux(sender IPSender, rq *retransmit.Queue, log *logrus.Logger) *Demux {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Demux{
		listening: make(map[ListenID]*Connection),
		conns:     make(map[ConnID]*Connection),
		rq:        rq,
		sender:    sender,
		log:       logrus.NewEntry(log),
	}
}

// SetSender rebinds the IP sender every connection created afterward
// will transmit through, letting callers finish wiring a loopback or
// link-layer sender that itself needs a reference to this demux.
func (d *Demux) SetSender(sender IPSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = sender
}

// Listen creates a LISTEN connection bound to (local, port). A second
// Listen on the same pair fails with ErrConnectionReuse.
func (d *Demux) Listen(local netip.Addr, port uint16, backlog int) (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lid := ListenID{LocalAddr: local, LocalPort: port}
	if _, exists := d.listening[lid]; exists {
		return nil, ErrConnectionReuse
	}
	c := NewConnection(ConnID{LocalAddr: local, LocalPort: port}, d.sender, d.rq, d.log)
	if err := c.SetPassive(backlog); err != nil {
		return nil, err
	}
	d.listening[lid] = c
	c.SetOnClosed(func(id ConnID) {
		d.mu.Lock()
		delete(d.listening, lid)
		d.mu.Unlock()
	})
	return c, nil
}

// CompleteAccept spins a PendingAccept off into its own SYN_RECEIVED
// connection, registers it in the established table, and sends the
// SYN-ACK, mirroring a listen socket handing a new descriptor to Accept.
func (d *Demux) CompleteAccept(local ConnID, p *PendingAccept, iss seqnum.Value) (*Connection, error) {
	d.mu.Lock()
	if _, exists := d.conns[p.ID]; exists {
		d.mu.Unlock()
		return nil, ErrConnectionReuse
	}
	c := NewConnection(p.ID, d.sender, d.rq, d.log)
	d.conns[p.ID] = c
	d.mu.Unlock()

	c.SetOnClosed(func(id ConnID) {
		d.mu.Lock()
		delete(d.conns, id)
		d.mu.Unlock()
	})

	c.mu.Lock()
	c.tcb.iss = iss
	c.tcb.sndUNA = iss
	c.tcb.sndNXT = iss
	c.tcb.irs = p.Seq
	c.tcb.rcvNXT = seqnum.Add(p.Seq, 1)
	c.tcb.rcvWND = DefaultWindow
	c.tcb.mss = DefaultMSS
	if p.Options.HasMSS {
		c.tcb.mss = p.Options.MSS
	}
	c.tcb.sndWND = p.Window
	c.AttachReassembly(p.Seq)
	c.setState(StateSynReceived)
	err := c.sendControlLocked(segcodec.FlagSyn, nil, segcodec.SynOptions(DefaultMSS))
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect creates an active-open connection and registers it before the
// SYN is sent so the SYN-ACK response can find it.
func (d *Demux) Connect(id ConnID, iss seqnum.Value) (*Connection, error) {
	d.mu.Lock()
	if _, exists := d.conns[id]; exists {
		d.mu.Unlock()
		return nil, ErrConnectionReuse
	}
	c := NewConnection(id, d.sender, d.rq, d.log)
	d.conns[id] = c
	d.mu.Unlock()

	c.SetOnClosed(func(cid ConnID) {
		d.mu.Lock()
		delete(d.conns, cid)
		d.mu.Unlock()
	})
	if err := c.SetActive(iss); err != nil {
		return nil, err
	}
	return c, nil
}

// Handle routes an inbound TCP segment to its connection, falling back
// to a listening socket for unmatched SYNs, and to a synthesized RST
// for everything else (spec.md §4.4).
func (d *Demux) Handle(localAddr, remoteAddr netip.Addr, raw []byte) {
	seg, err := segcodec.Parse(raw, remoteAddr, localAddr)
	if err != nil {
		d.log.WithError(err).Debug("dropping malformed segment")
		return
	}

	id := ConnID{LocalAddr: localAddr, LocalPort: seg.DstPort, RemoteAddr: remoteAddr, RemotePort: seg.SrcPort}
	d.mu.Lock()
	c, ok := d.conns[id]
	if !ok {
		lid := ListenID{LocalAddr: localAddr, LocalPort: seg.DstPort}
		c, ok = d.listening[lid]
	}
	d.mu.Unlock()

	if !ok {
		if seg.Flags&segcodec.FlagRst != 0 {
			d.log.Debug("dropping orphan RST")
			return
		}
		if err := SendReset(d.sender, localAddr, remoteAddr, seg.DstPort, seg.SrcPort, seg); err != nil {
			d.log.WithError(err).Debug("failed to send orphan reset")
		}
		return
	}
	if err := c.HandleSegment(remoteAddr, seg); err != nil {
		d.log.WithError(err).WithField("conn", id).Debug("segment handling error")
	}
}

// Lookup returns the established connection for id, if any.
func (d *Demux) Lookup(id ConnID) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[id]
	return c, ok
}

// ListenerFor returns the LISTEN connection bound to (local, port), if any.
func (d *Demux) ListenerFor(local netip.Addr, port uint16) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.listening[ListenID{LocalAddr: local, LocalPort: port}]
	return c, ok
}

// Register adds an already-constructed connection to the established
// table. CompleteAccept and Connect register the connections they
// create themselves.
func (d *Demux) Register(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[c.ID()] = c
}
