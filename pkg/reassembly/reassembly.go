// Package reassembly implements the out-of-order byte accumulator that
// sits between the TCP receive path and a blocking application reader.
package reassembly

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"iptcp/pkg/seqnum"
)

// ErrNoData is returned by Read when the buffer is empty and has been
// torn down.
var ErrNoData = errors.New("reassembly: no data, buffer closed")

// ErrNonContiguousData signals an internal invariant violation: the
// contiguous chain does not agree with the entry list. This is fatal;
// callers should force the owning connection to CLOSED.
var ErrNonContiguousData = errors.New("reassembly: non-contiguous data invariant violated")

// entry is one accumulated interval of bytes, [seq, seq+len(bytes)).
type entry struct {
	seq    seqnum.Value
	bytes  []byte
	psh    bool
	contig bool // true once folded into the readable contiguous prefix
}

func (e *entry) end() seqnum.Value { return seqnum.Add(e.seq, seqnum.Size(len(e.bytes))) }

// Buffer accumulates bytes received out of order by sequence number and
// exposes a contiguous, in-order prefix to a blocking reader.
type Buffer struct {
	mu           sync.Mutex
	cond         *sync.Cond
	entries      *list.List // sequence-ordered list of *entry
	base         seqnum.Value
	contiguous   seqnum.Size // bytes readable without a gap
	lastContig   seqnum.Value
	pshCount     int
	closed       bool
}

// NewBuffer creates a buffer whose first expected byte is at base.
func NewBuffer(base seqnum.Value) *Buffer {
	b := &Buffer{
		entries:    list.New(),
		base:       base,
		lastContig: base,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Insert accepts len(data) bytes starting at seq. psh marks the segment
// as carrying a push boundary. A zero-length psh insert (an incoming
// FIN, per spec.md §4.5) still registers as a boundary once contiguous.
func (b *Buffer) Insert(seq seqnum.Value, data []byte, psh bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("reassembly: insert on closed buffer")
	}

	newEnd := seqnum.Add(seq, seqnum.Size(len(data)))
	if len(data) == 0 && !psh {
		// Nothing to contribute and no boundary to signal; skip.
		return nil
	}

	// Single left-to-right pass: drop old entries the incoming range
	// fully covers, bail out early if an existing entry fully covers
	// the incoming range, and remember the insertion point. The
	// insertion point is always the first entry starting after seq,
	// independent of which overlap branch (if any) fires above it, so
	// a partial overlap that starts earlier than every existing entry
	// still lands in sequence-ordered position.
	var insertBefore *list.Element
	for el := b.entries.Front(); el != nil; {
		e := el.Value.(*entry)
		if len(data) > 0 && seqnum.LessThanEq(e.seq, seq) && seqnum.LessThanEq(newEnd, e.end()) {
			return nil
		}
		if len(e.bytes) > 0 && seqnum.LessThanEq(seq, e.seq) && seqnum.LessThanEq(e.end(), newEnd) {
			toRemove := el
			el = el.Next()
			b.entries.Remove(toRemove)
			continue
		}
		if insertBefore == nil && seqnum.LessThan(seq, e.seq) {
			insertBefore = el
		}
		el = el.Next()
	}

	ne := &entry{seq: seq, bytes: append([]byte(nil), data...), psh: psh}
	if insertBefore != nil {
		b.entries.InsertBefore(ne, insertBefore)
	} else {
		b.entries.PushBack(ne)
	}

	b.rescan()
	b.cond.Broadcast()
	return nil
}

// rescan walks the ordered list from the front, folding any prefix that
// is now contiguous with b.base into the readable count.
func (b *Buffer) rescan() {
	cursor := b.base
	contig := seqnum.Size(0)
	for el := b.entries.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if seqnum.LessThan(cursor, e.seq) {
			break // gap
		}
		if !e.contig {
			e.contig = true
			if e.psh {
				b.pshCount++
			}
		}
		// e may overlap cursor from the left (partially consumed
		// duplicate range); only count the part at/after cursor.
		end := e.end()
		if seqnum.LessThan(end, cursor) {
			continue
		}
		contig += seqnum.Sub(end, cursor)
		cursor = end
	}
	b.contiguous = contig
	b.lastContig = cursor
}

// Read blocks until either the contiguous prefix is at least len(out),
// a PSH boundary has been crossed, or the buffer is torn down. It
// returns the number of bytes copied into out.
func (b *Buffer) Read(out []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.contiguous < seqnum.Size(len(out)) && b.pshCount == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.contiguous == 0 && b.closed {
		return 0, ErrNoData
	}
	if b.contiguous == 0 && len(out) > 0 && b.pshCount > 0 {
		// Nothing but a zero-length PSH boundary (an incoming FIN, per
		// spec.md §4.5) is available: consume its marker so it isn't
		// seen again, and report the boundary as end-of-data.
		if front := b.entries.Front(); front != nil {
			if e := front.Value.(*entry); e.contig && len(e.bytes) == 0 {
				b.entries.Remove(front)
				if e.psh {
					b.pshCount--
				}
				return 0, ErrNoData
			}
		}
	}

	toCopy := len(out)
	if seqnum.Size(toCopy) > b.contiguous {
		toCopy = int(b.contiguous)
	}

	n := 0
	crossedPsh := false
	for n < toCopy {
		front := b.entries.Front()
		if front == nil {
			return n, ErrNonContiguousData
		}
		e := front.Value.(*entry)
		if !e.contig {
			return n, ErrNonContiguousData
		}
		avail := len(e.bytes)
		want := toCopy - n
		take := avail
		if take > want {
			take = want
		}
		copy(out[n:n+take], e.bytes[:take])
		n += take
		e.bytes = e.bytes[take:]
		e.seq = seqnum.Add(e.seq, seqnum.Size(take))
		if len(e.bytes) == 0 {
			if e.psh {
				crossedPsh = true
			}
			b.entries.Remove(front)
		}
	}
	b.base = seqnum.Add(b.base, seqnum.Size(n))
	b.contiguous -= seqnum.Size(n)
	if crossedPsh && b.pshCount > 0 {
		b.pshCount--
	}
	return n, nil
}

// Ackable returns the sequence number up to which contiguous bytes have
// been buffered (used by the ACK-sender to collapse ACKs), and whether
// any contiguous bytes exist at all.
func (b *Buffer) Ackable() (seqnum.Value, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.contiguous == 0 {
		return b.base, false
	}
	return b.lastContig, true
}

// BytesBuffered returns the number of contiguous, unread bytes.
func (b *Buffer) BytesBuffered() seqnum.Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contiguous
}

// Clear discards all buffered entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Init()
	b.contiguous = 0
	b.pshCount = 0
	b.lastContig = b.base
}

// Close tears the buffer down; blocked readers wake with ErrNoData once
// their contiguous prefix is exhausted.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}
