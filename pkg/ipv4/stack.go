package ipv4

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"iptcp/pkg/link"
	"iptcp/pkg/tcpconn"
)

// ProtocolTCP and ProtocolRIP are the two upper-layer protocol numbers
// this stack ever demultiplexes on (spec.md's supplemented RIP module
// alongside the core TCP module).
const (
	ProtocolTCP = 6
	ProtocolRIP = 200
)

// RIPHandler processes a decoded RIP payload received from src.
type RIPHandler func(src netip.Addr, payload []byte)

// Stack wires interfaces, the static ARP resolver, and the forwarding
// table together into the single external collaborator a tcpconn.Demux
// sends through and receives deliveries from (spec.md §1).
type Stack struct {
	mu         sync.RWMutex
	ifaces     map[string]*link.Interface
	localAddrs map[netip.Addr]string
	resolver   *link.Resolver
	table      *Table
	forwarding bool
	log        *logrus.Entry

	demux      *tcpconn.Demux
	ripHandler RIPHandler
}

// NewStack creates a Stack with an empty interface set; forwarding
// selects router behaviour, and AddInterface finishes bringing it up.
func NewStack(forwarding bool) *Stack {
	return &Stack{
		ifaces:     make(map[string]*link.Interface),
		localAddrs: make(map[netip.Addr]string),
		resolver:   link.NewResolver(),
		table:      NewTable(),
		forwarding: forwarding,
		log:        logrus.WithField("component", "ipv4"),
	}
}

// AttachDemux completes the wiring cycle: the demux needs a sender that
// exists before any connection is created, and the sender needs the
// demux to deliver inbound segments to.
func (s *Stack) AttachDemux(demux *tcpconn.Demux) { s.demux = demux }

// SetRIPHandler installs the callback invoked for every inbound RIP
// datagram.
func (s *Stack) SetRIPHandler(h RIPHandler) { s.ripHandler = h }

// Table exposes the forwarding table for RIP and the REPL.
func (s *Stack) Table() *Table { return s.table }

// InterfaceFor returns the name of the local interface whose
// directly-attached prefix contains neighbor, used by RIP to record
// which interface a newly learned route arrived on.
func (s *Stack) InterfaceFor(neighbor netip.Addr) (string, bool) {
	for _, r := range s.table.Snapshot() {
		if r.Local && r.Prefix.Contains(neighbor) {
			return r.Iface, true
		}
	}
	return "", false
}

// AddInterface brings up a virtual interface bound at bindAddr and
// registers its directly-attached prefix in the forwarding table.
func (s *Stack) AddInterface(name string, assignedIP netip.Addr, prefix netip.Prefix, bindAddr netip.AddrPort) (*link.Interface, error) {
	ifc, err := link.NewInterface(name, assignedIP, prefix, bindAddr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.ifaces[name] = ifc
	s.localAddrs[assignedIP] = name
	s.mu.Unlock()

	s.table.AddLocal(prefix, name)
	ifc.Up(s.handleFrame)
	return ifc, nil
}

// AddNeighbor registers a directly reachable neighbor for ARP
// resolution, mirroring the teacher's static Neighbor list.
func (s *Stack) AddNeighbor(iface string, neighborIP netip.Addr, addr netip.AddrPort) {
	s.resolver.Add(iface, neighborIP, addr)
}

// handleFrame is the receive path: parse the IPv4 header, and either
// deliver locally, forward, or drop.
func (s *Stack) handleFrame(ifaceName string, raw []byte) {
	h, err := ParseHeader(raw)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed IPv4 packet")
		return
	}
	ihl := int(raw[0]&0x0f) * 4
	total := int(h.TotalLen)
	if total > len(raw) {
		total = len(raw)
	}
	payload := raw[ihl:total]

	s.mu.RLock()
	_, isLocal := s.localAddrs[h.Dst]
	s.mu.RUnlock()

	if isLocal {
		s.deliver(h, payload)
		return
	}
	if s.forwarding {
		s.forward(h, payload)
	}
}

func (s *Stack) deliver(h *Header, payload []byte) {
	switch h.Protocol {
	case ProtocolTCP:
		if s.demux != nil {
			s.demux.Handle(h.Dst, h.Src, payload)
		}
	case ProtocolRIP:
		if s.ripHandler != nil {
			s.ripHandler(h.Src, payload)
		}
	default:
		s.log.WithField("proto", h.Protocol).Debug("no handler for protocol")
	}
}

func (s *Stack) forward(h *Header, payload []byte) {
	if h.TTL <= 1 {
		return // silently drop; this stack does not send ICMP Time Exceeded
	}
	route, ok := s.table.Lookup(h.Dst)
	if !ok {
		return
	}
	nextHop := h.Dst
	if route.NextHop.IsValid() {
		nextHop = route.NextHop
	}
	s.sendVia(route.Iface, &Header{TOS: h.TOS, ID: h.ID, TTL: h.TTL - 1, Protocol: h.Protocol, Src: h.Src, Dst: h.Dst}, nextHop, payload)
}

// Send implements tcpconn.IPSender: it resolves dst to an outgoing
// interface via longest-prefix match, resolves the next hop's UDP
// address via the static ARP table, and writes the framed IPv4 packet.
func (s *Stack) Send(src *netip.Addr, dst netip.Addr, proto uint8, payload []byte) error {
	route, ok := s.table.Lookup(dst)
	if !ok {
		return errors.New("ipv4: no route to host")
	}
	nextHop := dst
	if route.NextHop.IsValid() {
		nextHop = route.NextHop
	}
	ifaceName := route.Iface
	if ifaceName == "" {
		// Static routes carry only a next hop; its own route names the
		// interface to leave by.
		if hop, ok := s.table.Lookup(nextHop); ok {
			ifaceName = hop.Iface
		}
	}
	s.mu.RLock()
	ifc := s.ifaces[ifaceName]
	s.mu.RUnlock()
	if ifc == nil {
		return errors.New("ipv4: route references unknown interface")
	}
	from := ifc.AssignedIP
	if src != nil && src.IsValid() {
		from = *src
	}
	return s.sendVia(ifaceName, &Header{TTL: defaultTTL, Protocol: proto, Src: from, Dst: dst}, nextHop, payload)
}

func (s *Stack) sendVia(ifaceName string, h *Header, nextHop netip.Addr, payload []byte) error {
	s.mu.RLock()
	ifc := s.ifaces[ifaceName]
	s.mu.RUnlock()
	if ifc == nil {
		return errors.Errorf("ipv4: unknown interface %q", ifaceName)
	}
	_, addr, ok := s.resolver.Resolve(nextHop)
	if !ok {
		return link.ErrNoRoute
	}
	raw := append(EncodeHeader(h, len(payload)), payload...)
	return ifc.SendFrame(addr, raw)
}
