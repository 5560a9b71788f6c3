// Package retransmit implements the deadline-ordered retransmission
// queue: unacked segments wait on a priority queue keyed by next-retry
// deadline, with an RTO that grows with each retry and cumulative-ACK
// eviction.
package retransmit

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"iptcp/pkg/seqnum"
)

// MaxRetries caps the exponential back-off multiplier and is the retry
// count at which a caller should give up on a connection entirely
// (spec.md §4.2).
const MaxRetries = 8

const maxRetries = MaxRetries

// ErrClosed is returned by Dequeue once the queue has been torn down.
var ErrClosed = errors.New("retransmit: queue closed")

// ConnID identifies the connection an entry belongs to; it mirrors the
// full 4-tuple lookup shape of the TCP demux.
type ConnID struct {
	LocalAddr  netip.Addr
	LocalPort  uint16
	RemoteAddr netip.Addr
	RemotePort uint16
}

// Entry is one unacked, owned segment waiting on the queue.
type Entry struct {
	ConnID       ConnID
	SegEndSeq    seqnum.Value
	RetryCount   int
	NextDeadline time.Time
	Bytes        []byte

	order uint64 // insertion-order tiebreak for entries with equal deadlines
}

func less(a, b *Entry) bool {
	if !a.NextDeadline.Equal(b.NextDeadline) {
		return a.NextDeadline.Before(b.NextDeadline)
	}
	return a.order < b.order
}

// Queue is a concurrent deadline-ordered priority queue with
// cumulative-ACK removal, one per TCP stack (shared across connections).
type Queue struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[*Entry]
	baseRTO time.Duration
	maxRTO  time.Duration
	order   uint64
	wake    chan struct{}
	closed  bool
	closeCh chan struct{}
}

// NewQueue creates a queue whose retry delay is baseRTO times the
// entry's retry count, capped at maxRTO.
func NewQueue(baseRTO, maxRTO time.Duration) *Queue {
	return &Queue{
		tree:    btree.NewG(32, less),
		baseRTO: baseRTO,
		maxRTO:  maxRTO,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue takes ownership of data and schedules it for immediate first
// transmission (deadline = now). Pure-ACK and RST segments are never
// enqueued by the caller (spec.md §4.5).
func (q *Queue) Enqueue(id ConnID, segEndSeq seqnum.Value, data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order++
	e := &Entry{
		ConnID:       id,
		SegEndSeq:    segEndSeq,
		Bytes:        data,
		NextDeadline: time.Now(),
		order:        q.order,
	}
	q.tree.ReplaceOrInsert(e)
	q.signal()
}

// Dequeue blocks until the earliest deadline is due, then increments
// that entry's retry count (capped at maxRetries), sets its next
// deadline to now plus baseRTO times that count (capped at maxRTO), so
// the delay grows linearly, re-inserts it, and returns it. It
// returns ErrClosed once the queue is torn down.
func (q *Queue) Dequeue() (*Entry, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		min, ok := q.tree.Min()
		if !ok {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.closeCh:
				return nil, ErrClosed
			}
		}
		wait := time.Until(min.NextDeadline)
		if wait <= 0 {
			q.tree.Delete(min)
			retries := min.RetryCount + 1
			if retries > maxRetries {
				retries = maxRetries
			}
			min.RetryCount = retries
			backoff := q.baseRTO * time.Duration(retries)
			if backoff > q.maxRTO {
				backoff = q.maxRTO
			}
			min.NextDeadline = time.Now().Add(backoff)
			q.order++
			min.order = q.order
			q.tree.ReplaceOrInsert(min)
			q.mu.Unlock()
			return min, nil
		}
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-q.closeCh:
			timer.Stop()
			return nil, ErrClosed
		}
	}
}

// Ack removes every entry for id with SegEndSeq <= cumulativeAck.
func (q *Queue) Ack(id ConnID, cumulativeAck seqnum.Value) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toDelete []*Entry
	q.tree.Ascend(func(e *Entry) bool {
		if e.ConnID == id && seqnum.LessThanEq(e.SegEndSeq, cumulativeAck) {
			toDelete = append(toDelete, e)
		}
		return true
	})
	if len(toDelete) == 0 {
		return
	}
	for _, e := range toDelete {
		q.tree.Delete(e)
	}
	q.signal()
}

// Purge removes every entry belonging to id, used on connection teardown.
func (q *Queue) Purge(id ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var toDelete []*Entry
	q.tree.Ascend(func(e *Entry) bool {
		if e.ConnID == id {
			toDelete = append(toDelete, e)
		}
		return true
	})
	for _, e := range toDelete {
		q.tree.Delete(e)
	}
}

// PendingCount returns the number of entries currently queued for id.
func (q *Queue) PendingCount(id ConnID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	q.tree.Ascend(func(e *Entry) bool {
		if e.ConnID == id {
			n++
		}
		return true
	})
	return n
}

// Close drains the queue and wakes every blocked Dequeue caller, which
// observe the closed state and return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.tree.Clear(false)
	close(q.closeCh)
}
