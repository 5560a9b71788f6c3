// Package ipv4 implements the minimal IPv4 layer this stack runs TCP
// over: fixed 20-byte header pack/parse, header checksum, and a
// longest-prefix-match forwarding table fed by static and RIP-learned
// routes.
package ipv4

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	minHeaderLen = 20
	version4     = 4
	defaultTTL   = 64
)

// ErrShortHeader is returned by ParseHeader when raw is too small to
// hold a fixed IPv4 header.
var ErrShortHeader = errors.New("ipv4: buffer shorter than minimum header")

// ErrBadChecksum is returned by ParseHeader when the header checksum
// does not validate.
var ErrBadChecksum = errors.New("ipv4: bad header checksum")

// Header is a decoded IPv4 header; options are never emitted or parsed
// since nothing in this stack uses them.
type Header struct {
	TOS      uint8
	ID       uint16
	TTL      uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	// TotalLen is the header's own view of the packet length, including
	// itself and the payload; callers reslice raw to it after parsing.
	TotalLen uint16
}

// checksum computes the Internet checksum (RFC 791 §3.1) over data,
// treating it as a sequence of big-endian 16-bit words.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// EncodeHeader packs h plus a payload of payloadLen bytes into a fresh
// 20-byte header, computing and setting the checksum.
func EncodeHeader(h *Header, payloadLen int) []byte {
	buf := make([]byte, minHeaderLen)
	buf[0] = version4<<4 | (minHeaderLen / 4)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(minHeaderLen+payloadLen))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags/fragment offset: never fragmented
	ttl := h.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	buf[8] = ttl
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	srcBytes := h.Src.As4()
	dstBytes := h.Dst.As4()
	copy(buf[12:16], srcBytes[:])
	copy(buf[16:20], dstBytes[:])
	binary.BigEndian.PutUint16(buf[10:12], checksum(buf))
	return buf
}

// ParseHeader validates and decodes the fixed 20-byte header at the
// front of raw. The returned Header.TotalLen lets the caller reslice
// the payload out of raw.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) < minHeaderLen {
		return nil, ErrShortHeader
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < minHeaderLen || len(raw) < ihl {
		return nil, ErrShortHeader
	}
	if checksum(raw[:ihl]) != 0 {
		return nil, ErrBadChecksum
	}
	h := &Header{
		TOS:      raw[1],
		TotalLen: binary.BigEndian.Uint16(raw[2:4]),
		ID:       binary.BigEndian.Uint16(raw[4:6]),
		TTL:      raw[8],
		Protocol: raw[9],
		Src:      netip.AddrFrom4([4]byte(raw[12:16])),
		Dst:      netip.AddrFrom4([4]byte(raw[16:20])),
	}
	return h, nil
}
