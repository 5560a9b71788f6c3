// Package segcodec packs and parses TCP segments: the 20-byte fixed
// header, the option chain (MSS/NOP/END and the inert
// window-scale/SACK/timestamp kinds), and the pseudo-header checksum.
package segcodec

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"iptcp/pkg/seqnum"
)

// Flags mirror the wire bit positions via the netstack header package.
const (
	FlagFin = header.TCPFlagFin
	FlagSyn = header.TCPFlagSyn
	FlagRst = header.TCPFlagRst
	FlagPsh = header.TCPFlagPsh
	FlagAck = header.TCPFlagAck
	FlagUrg = header.TCPFlagUrg
)

// DefaultMSS is used when a peer's SYN carries no MSS option.
const DefaultMSS = 1460

// ErrBadChecksum is returned by Parse when the pseudo-header checksum
// does not validate; callers must drop the segment silently.
var ErrBadChecksum = errors.New("segcodec: bad checksum")

// Option kinds, RFC 793 + RFC 1323/2018 numbering. Only MSS is acted on;
// the rest are recorded for completeness per spec.md's non-goals.
const (
	optKindEnd          = 0
	optKindNop          = 1
	optKindMSS          = 2
	optKindWindowScale  = 3
	optKindSackPermit   = 4
	optKindSack         = 5
	optKindTimestamp    = 8
)

// Options is the set of parsed TCP options from a segment.
type Options struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
	SackPermitted  bool
	SackBlocks     [][2]uint32
	TSValue        uint32
	TSEcho         uint32
	HasTimestamp   bool
}

// Segment is a fully decoded TCP segment: fixed header fields plus
// parsed options plus payload.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      seqnum.Value
	Ack      seqnum.Value
	Flags    uint8
	Window   uint16
	Urgent   uint16
	Options  Options
	Payload  []byte
	DataLen  seqnum.Size // Payload length, excluding SYN/FIN phantom bytes.
}

// End returns the sequence number one past the last octet the segment
// occupies, counting SYN/FIN as one octet each.
func (s *Segment) End() seqnum.Value {
	n := s.DataLen
	if s.Flags&FlagSyn != 0 {
		n++
	}
	if s.Flags&FlagFin != 0 {
		n++
	}
	return seqnum.Add(s.Seq, n)
}

// pseudoHeaderChecksum sums (saddr, daddr, zero, proto, tcpLength) per
// RFC 793 §3.1, folded the way header.Checksum expects: as an
// accumulating one's-complement sum fed forward into the header/payload
// checksum.
func pseudoHeaderChecksum(src, dst netip.Addr, tcpLength uint16) uint16 {
	var buf [12]byte
	s4, d4 := src.As4(), dst.As4()
	copy(buf[0:4], s4[:])
	copy(buf[4:8], d4[:])
	buf[8] = 0
	buf[9] = 6 // TCP protocol number
	binary.BigEndian.PutUint16(buf[10:12], tcpLength)
	return header.Checksum(buf[:], 0)
}

// Encode packs seg into wire bytes and computes its checksum against the
// given source/destination addresses.
func Encode(seg *Segment, src, dst netip.Addr) []byte {
	optBytes := encodeOptions(&seg.Options)
	headerLen := header.TCPMinimumSize + len(optBytes)
	// Round up to a multiple of 4 for the data-offset field.
	pad := (4 - headerLen%4) % 4
	headerLen += pad

	fields := header.TCPFields{
		SrcPort:       seg.SrcPort,
		DstPort:       seg.DstPort,
		SeqNum:        uint32(seg.Seq),
		AckNum:        uint32(seg.Ack),
		DataOffset:    uint8(headerLen),
		Flags:         seg.Flags,
		WindowSize:    seg.Window,
		Checksum:      0,
		UrgentPointer: seg.Urgent,
	}

	buf := make([]byte, headerLen+len(seg.Payload))
	tcp := header.TCP(buf)
	tcp.Encode(&fields)
	copy(buf[header.TCPMinimumSize:], optBytes)
	// Explicit NOP padding to the 4-byte boundary.
	for i := header.TCPMinimumSize + len(optBytes); i < headerLen; i++ {
		buf[i] = optKindNop
	}
	copy(buf[headerLen:], seg.Payload)

	xsum := pseudoHeaderChecksum(src, dst, uint16(len(buf)))
	xsum = header.Checksum(buf, xsum)
	tcp.SetChecksum(^xsum)
	return buf
}

// Parse decodes raw TCP segment bytes (header + options + payload)
// arriving from src addressed to dst, verifying the checksum.
func Parse(raw []byte, src, dst netip.Addr) (*Segment, error) {
	if len(raw) < header.TCPMinimumSize {
		return nil, errors.New("segcodec: segment shorter than minimum header")
	}
	tcp := header.TCP(raw)

	xsum := pseudoHeaderChecksum(src, dst, uint16(len(raw)))
	xsum = header.Checksum(raw, xsum)
	if xsum != 0xffff {
		return nil, ErrBadChecksum
	}

	dataOffset := int(tcp.DataOffset())
	if dataOffset < header.TCPMinimumSize || dataOffset > len(raw) {
		return nil, errors.New("segcodec: bad data offset")
	}

	opts, err := parseOptions(raw[header.TCPMinimumSize:dataOffset])
	if err != nil {
		return nil, err
	}

	payload := raw[dataOffset:]
	seg := &Segment{
		SrcPort: tcp.SourcePort(),
		DstPort: tcp.DestinationPort(),
		Seq:     seqnum.Value(tcp.SequenceNumber()),
		Ack:     seqnum.Value(tcp.AckNumber()),
		Flags:   tcp.Flags(),
		Window:  tcp.WindowSize(),
		Urgent:  binary.BigEndian.Uint16(tcp[header.TCPUrgentPtrOffset:]),
		Options: opts,
		Payload: payload,
		DataLen: seqnum.Size(len(payload)),
	}
	return seg, nil
}

func encodeOptions(o *Options) []byte {
	var buf []byte
	if o.HasMSS {
		buf = append(buf, optKindMSS, 4)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], o.MSS)
		buf = append(buf, b[:]...)
	}
	if buf == nil {
		return nil
	}
	buf = append(buf, optKindEnd)
	return buf
}

// parseOptions walks the option chain. Unknown kinds terminate the loop
// silently and keep whatever was already parsed (recoverable per
// spec.md §4.3).
func parseOptions(raw []byte) (Options, error) {
	var o Options
	i := 0
	for i < len(raw) {
		kind := raw[i]
		switch kind {
		case optKindEnd:
			return o, nil
		case optKindNop:
			i++
			continue
		case optKindMSS:
			if i+4 > len(raw) {
				return o, nil
			}
			o.MSS = binary.BigEndian.Uint16(raw[i+2 : i+4])
			o.HasMSS = true
			i += 4
		case optKindWindowScale:
			if i+3 > len(raw) {
				return o, nil
			}
			o.WindowScale = raw[i+2]
			o.HasWindowScale = true
			i += 3
		case optKindSackPermit:
			if i+2 > len(raw) {
				return o, nil
			}
			o.SackPermitted = true
			i += 2
		case optKindSack:
			if i+1 >= len(raw) {
				return o, nil
			}
			length := int(raw[i+1])
			if length < 2 || i+length > len(raw) {
				return o, nil
			}
			n := (length - 2) / 8
			if n > 4 {
				n = 4
			}
			for b := 0; b < n; b++ {
				off := i + 2 + b*8
				left := binary.BigEndian.Uint32(raw[off : off+4])
				right := binary.BigEndian.Uint32(raw[off+4 : off+8])
				o.SackBlocks = append(o.SackBlocks, [2]uint32{left, right})
			}
			i += length
		case optKindTimestamp:
			if i+10 > len(raw) {
				return o, nil
			}
			o.TSValue = binary.BigEndian.Uint32(raw[i+2 : i+6])
			o.TSEcho = binary.BigEndian.Uint32(raw[i+6 : i+10])
			o.HasTimestamp = true
			i += 10
		default:
			// Unknown option kind: abort the loop, keep the header.
			return o, nil
		}
	}
	return o, nil
}

// SynOptions builds the option set for an outgoing SYN/SYN-ACK carrying
// our MSS.
func SynOptions(mss uint16) Options {
	return Options{MSS: mss, HasMSS: true}
}
