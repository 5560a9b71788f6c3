// Package tcpconn implements the per-connection TCP state machine (the
// TCB), the segment-acceptability and RST-synthesis rules, and the
// demultiplexer that routes inbound segments to listening or
// established connections.
package tcpconn

import (
	"net/netip"

	"github.com/pkg/errors"

	"iptcp/pkg/segcodec"
	"iptcp/pkg/seqnum"
)

// State is one of the eleven TCP connection states of spec.md §3.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT1"
	case StateFinWait2:
		return "FIN_WAIT2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST_ACK"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// DefaultWindow is the receive window advertised when the reassembly
// buffer is empty.
const DefaultWindow = 65535

// DefaultMSS is used absent a negotiated peer MSS option.
const DefaultMSS = segcodec.DefaultMSS

// ConnID is the full 4-tuple connection identifier (spec.md §3); ports
// are plain host-order integers.
type ConnID struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// ListenID is the 2-tuple used to look up listening sockets.
type ListenID struct {
	LocalAddr netip.Addr
	LocalPort uint16
}

// tcb holds the invariant bag described in spec.md §3.
type tcb struct {
	iss seqnum.Value
	irs seqnum.Value

	sndUNA seqnum.Value
	sndNXT seqnum.Value
	sndWND seqnum.Size
	sndWL1 seqnum.Value
	sndWL2 seqnum.Value

	rcvNXT seqnum.Value
	rcvWND seqnum.Size

	mss uint16

	urgRcv uint16
	urgSnd uint16
}

// IPSender is the external collaborator a Connection transmits through.
// src may be nil to let the sender pick the outgoing interface address.
type IPSender interface {
	Send(src *netip.Addr, dst netip.Addr, proto uint8, payload []byte) error
}

// PendingAccept is one incoming SYN parked on a LISTEN connection until
// the user calls Accept.
type PendingAccept struct {
	ID      ConnID
	Seq     seqnum.Value
	Window  seqnum.Size
	Options segcodec.Options
}

// Errors surfaced by Connection operations, matching spec.md §6.
var (
	ErrNotConnected      = errors.New("tcpconn: not connected")
	ErrNotListening      = errors.New("tcpconn: not listening")
	ErrClosing           = errors.New("tcpconn: closing")
	ErrConnectionRefused = errors.New("tcpconn: connection refused")
	ErrConnectionReuse   = errors.New("tcpconn: connection reuse")
	ErrConnectionClosed  = errors.New("tcpconn: connection closed")
	ErrSocketInUse       = errors.New("tcpconn: socket in use")
	ErrWouldBlock        = errors.New("tcpconn: would block")
	ErrAcceptFailed      = errors.New("tcpconn: accept failed")
)
