// Package rip implements the RIP distance-vector control plane that
// populates the IPv4 forwarding table: periodic and triggered updates,
// route-timeout expiry, and wire (de)serialization of RIP messages.
package rip

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipv4"
)

const (
	CommandRequest  = 1
	CommandResponse = 2

	// PeriodicInterval and RouteTimeout match the teacher's RIP timing
	// fields (RipPeriodicUpdateRate/RipTimeoutThreshold).
	PeriodicInterval = 5 * time.Second
	RouteTimeout     = 12 * time.Second

	infiniteCost = 16
)

// Entry is one route advertised in a RIP message.
type Entry struct {
	Cost    uint32
	Address uint32
	Mask    uint32
}

// Message is a decoded RIP request or response.
type Message struct {
	Command uint16
	Entries []Entry
}

// Serialize packs msg into its wire form (teacher's
// SerializeRIPMessage): a 4-byte header followed by 12 bytes per entry.
func Serialize(msg *Message) []byte {
	buf := make([]byte, 4, 4+12*len(msg.Entries))
	binary.BigEndian.PutUint16(buf[0:2], msg.Command)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(msg.Entries)))
	for _, e := range msg.Entries {
		var eb [12]byte
		binary.BigEndian.PutUint32(eb[0:4], e.Cost)
		binary.BigEndian.PutUint32(eb[4:8], e.Address)
		binary.BigEndian.PutUint32(eb[8:12], e.Mask)
		buf = append(buf, eb[:]...)
	}
	return buf
}

// Deserialize decodes a wire-format RIP message.
func Deserialize(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, errors.New("rip: message shorter than fixed header")
	}
	msg := &Message{Command: binary.BigEndian.Uint16(buf[0:2])}
	n := int(binary.BigEndian.Uint16(buf[2:4]))
	buf = buf[4:]
	if len(buf) < n*12 {
		return nil, errors.New("rip: entry count exceeds buffer length")
	}
	for i := 0; i < n; i++ {
		msg.Entries = append(msg.Entries, Entry{
			Cost:    binary.BigEndian.Uint32(buf[0:4]),
			Address: binary.BigEndian.Uint32(buf[4:8]),
			Mask:    binary.BigEndian.Uint32(buf[8:12]),
		})
		buf = buf[12:]
	}
	return msg, nil
}

func prefixToEntry(p netip.Prefix, cost int) Entry {
	addr4 := p.Addr().As4()
	mask := ^uint32(0) << (32 - p.Bits())
	return Entry{
		Cost:    uint32(cost),
		Address: binary.BigEndian.Uint32(addr4[:]),
		Mask:    mask,
	}
}

func entryToPrefix(e Entry) netip.Prefix {
	var addrBytes [4]byte
	binary.BigEndian.PutUint32(addrBytes[:], e.Address)
	bits := 32 - trailingZeros(e.Mask)
	return netip.PrefixFrom(netip.AddrFrom4(addrBytes), bits)
}

func trailingZeros(mask uint32) int {
	n := 0
	for mask&1 == 0 && n < 32 {
		mask >>= 1
		n++
	}
	return n
}

// Router drives one router's RIP control plane against an ipv4.Stack's
// forwarding table (teacher's SendPeriodicRIP/CheckRouteTimeouts/
// UpdateForwardingTable, restructured around ipv4.Table's API).
type Router struct {
	stack     *ipv4.Stack
	neighbors []netip.Addr
	localIP   netip.Addr
	log       *logrus.Entry
	stopCh    chan struct{}
}

// NewRouter creates a RIP control plane that advertises from localIP to
// neighbors, installing routes into stack's forwarding table.
func NewRouter(stack *ipv4.Stack, localIP netip.Addr, neighbors []netip.Addr) *Router {
	r := &Router{
		stack:     stack,
		neighbors: neighbors,
		localIP:   localIP,
		log:       logrus.WithField("component", "rip"),
		stopCh:    make(chan struct{}),
	}
	stack.SetRIPHandler(r.handle)
	return r
}

// Start requests routes from every neighbor, then runs the periodic
// update and route-timeout loops until Stop is called.
func (r *Router) Start() {
	for _, n := range r.neighbors {
		r.sendRequest(n)
	}
	go r.periodicLoop()
	go r.timeoutLoop()
}

// Stop halts the background loops.
func (r *Router) Stop() { close(r.stopCh) }

func (r *Router) sendRequest(to netip.Addr) {
	msg := &Message{Command: CommandRequest}
	if err := r.stack.Send(&r.localIP, to, ipv4.ProtocolRIP, Serialize(msg)); err != nil {
		r.log.WithError(err).Debug("failed to send RIP request")
	}
}

func (r *Router) sendResponse(to netip.Addr, split bool) {
	var entries []Entry
	for _, route := range r.stack.Table().Snapshot() {
		if split && route.NextHop == to {
			entries = append(entries, prefixToEntry(route.Prefix, infiniteCost)) // split horizon w/ poison reverse
			continue
		}
		entries = append(entries, prefixToEntry(route.Prefix, route.Cost+1))
	}
	msg := &Message{Command: CommandResponse, Entries: entries}
	if err := r.stack.Send(&r.localIP, to, ipv4.ProtocolRIP, Serialize(msg)); err != nil {
		r.log.WithError(err).Debug("failed to send RIP response")
	}
}

func (r *Router) periodicLoop() {
	ticker := time.NewTicker(PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, n := range r.neighbors {
				r.sendResponse(n, true)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Router) timeoutLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired := r.stack.Table().ExpireStale(RouteTimeout)
			if len(expired) > 0 {
				for _, n := range r.neighbors {
					r.sendResponse(n, true)
				}
			}
		case <-r.stopCh:
			return
		}
	}
}

// handle processes an inbound RIP datagram from src.
func (r *Router) handle(src netip.Addr, payload []byte) {
	msg, err := Deserialize(payload)
	if err != nil {
		r.log.WithError(err).Debug("dropping malformed RIP message")
		return
	}
	switch msg.Command {
	case CommandRequest:
		r.sendResponse(src, false)
	case CommandResponse:
		iface, ok := r.stack.InterfaceFor(src)
		if !ok {
			r.log.WithField("src", src).Debug("RIP update from non-neighbor, ignoring")
			return
		}
		changed := false
		for _, e := range msg.Entries {
			prefix := entryToPrefix(e)
			cost := int(e.Cost) + 1
			if r.stack.Table().UpdateRIP(prefix, src, cost, iface) {
				changed = true
			}
		}
		if changed {
			for _, n := range r.neighbors {
				r.sendResponse(n, true)
			}
		}
	}
}
