// Package link implements the virtual frame device this stack runs
// IPv4 over: one UDP socket per interface standing in for a kernel TAP
// device, addressed by the neighbor table an ARP resolver looks up.
package link

import (
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoRoute is returned when no neighbor entry exists for a next hop.
var ErrNoRoute = errors.New("link: no neighbor entry for next hop")

// FrameHandler processes a raw IPv4 packet arriving on an interface.
type FrameHandler func(ifaceName string, raw []byte)

// Interface is one virtual network interface: a local UDP socket
// standing in for a physical NIC, bound to one assigned IPv4 address.
type Interface struct {
	Name       string
	AssignedIP netip.Addr
	Prefix     netip.Prefix

	conn    *net.UDPConn
	log     *logrus.Entry
	mu      sync.Mutex
	up      bool
	handler FrameHandler
}

// NewInterface opens the UDP socket standing in for the interface's
// physical link and starts it in the down state; call Up to begin
// receiving frames.
func NewInterface(name string, assignedIP netip.Addr, prefix netip.Prefix, bindAddr netip.AddrPort) (*Interface, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(bindAddr))
	if err != nil {
		return nil, errors.Wrapf(err, "link: bind %s", name)
	}
	return &Interface{
		Name:       name,
		AssignedIP: assignedIP,
		Prefix:     prefix,
		conn:       conn,
		log:        logrus.WithField("iface", name),
	}, nil
}

// Up starts the receive loop, delivering every frame that arrives to
// handler.
func (ifc *Interface) Up(handler FrameHandler) {
	ifc.mu.Lock()
	ifc.handler = handler
	ifc.up = true
	ifc.mu.Unlock()

	go ifc.recvLoop()
}

// Down marks the interface administratively down; frames received
// after this point are silently dropped, matching a real link going
// dark rather than being torn down.
func (ifc *Interface) Down() {
	ifc.mu.Lock()
	defer ifc.mu.Unlock()
	ifc.up = false
}

func (ifc *Interface) recvLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := ifc.conn.ReadFromUDP(buf)
		if err != nil {
			ifc.log.WithError(err).Debug("interface receive loop exiting")
			return
		}
		ifc.mu.Lock()
		up, handler := ifc.up, ifc.handler
		ifc.mu.Unlock()
		if !up || handler == nil {
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		handler(ifc.Name, frame)
	}
}

// SendFrame writes raw to the neighbor bound at dst.
func (ifc *Interface) SendFrame(dst netip.AddrPort, raw []byte) error {
	_, err := ifc.conn.WriteToUDPAddrPort(raw, dst)
	return err
}

// Close releases the interface's socket.
func (ifc *Interface) Close() error {
	return ifc.conn.Close()
}
