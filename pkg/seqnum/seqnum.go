// Package seqnum implements modular arithmetic over 32-bit TCP sequence
// and window values. Comparisons never use the raw < operator: they go
// through the signed-difference trick so wraparound near 2^32 behaves
// the way RFC 793 expects.
package seqnum

// Value is a TCP sequence or acknowledgment number. It wraps modulo 2^32.
type Value uint32

// Size is a byte count: a segment length or window size.
type Size uint32

// Add returns v+s, wrapping modulo 2^32.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// Sub returns the number of bytes between b and a (a-b), interpreted as
// an unsigned span; only meaningful when a is "ahead of or equal to" b.
func Sub(a, b Value) Size {
	return Size(a - b)
}

// LessThan reports whether a precedes b in sequence-space order.
func LessThan(a, b Value) bool {
	return int32(a-b) < 0
}

// LessThanEq reports whether a precedes or equals b.
func LessThanEq(a, b Value) bool {
	return a == b || LessThan(a, b)
}

// GreaterThan reports whether a follows b in sequence-space order.
func GreaterThan(a, b Value) bool {
	return LessThan(b, a)
}

// GreaterThanEq reports whether a follows or equals b.
func GreaterThanEq(a, b Value) bool {
	return a == b || GreaterThan(a, b)
}

// InWindow reports whether v falls in [start, start+size), the classic
// RFC 793 "is this sequence number acceptable" test. A zero-size window
// only accepts v == start.
func InWindow(v, start Value, size Size) bool {
	if size == 0 {
		return v == start
	}
	off := Sub(v, start)
	return off < size
}

// Max returns the sequence-space-later of a and b.
func Max(a, b Value) Value {
	if LessThan(a, b) {
		return b
	}
	return a
}

// Min returns the sequence-space-earlier of a and b.
func Min(a, b Value) Value {
	if LessThan(a, b) {
		return a
	}
	return b
}
