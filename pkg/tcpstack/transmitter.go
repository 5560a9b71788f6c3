// Package tcpstack wires the shared retransmit queue to the IP send
// path: one goroutine drains every connection's due retransmissions,
// re-sending owned bytes verbatim or giving up on the connection once
// spec.md §4.2's retry ceiling is reached.
package tcpstack

import (
	"github.com/sirupsen/logrus"

	"iptcp/pkg/retransmit"
	"iptcp/pkg/tcpconn"
)

const tcpProtocolNumber = 6

// Transmitter is the dedicated goroutine draining one Queue shared by
// every connection a Demux owns (teacher's per-connection
// HandleRetransmission loop, generalized to one loop over one queue).
type Transmitter struct {
	rq     *retransmit.Queue
	sender tcpconn.IPSender
	demux  *tcpconn.Demux
	log    *logrus.Entry
	stopCh chan struct{}
}

// New creates a Transmitter that resends via sender and force-closes
// connections found in demux once they exceed the retry ceiling.
func New(rq *retransmit.Queue, sender tcpconn.IPSender, demux *tcpconn.Demux) *Transmitter {
	return &Transmitter{
		rq:     rq,
		sender: sender,
		demux:  demux,
		log:    logrus.WithField("component", "transmitter"),
		stopCh: make(chan struct{}),
	}
}

// Run drains the queue until Stop is called or the queue is closed.
func (tx *Transmitter) Run() {
	for {
		entry, err := tx.rq.Dequeue()
		if err != nil {
			return
		}
		select {
		case <-tx.stopCh:
			return
		default:
		}

		if entry.RetryCount >= retransmit.MaxRetries {
			tx.giveUp(entry)
			continue
		}
		if err := tx.sender.Send(&entry.ConnID.LocalAddr, entry.ConnID.RemoteAddr, tcpProtocolNumber, entry.Bytes); err != nil {
			tx.log.WithError(err).WithField("conn", entry.ConnID).Debug("retransmit send failed")
		}
	}
}

// Stop halts Run after its current Dequeue call returns.
func (tx *Transmitter) Stop() { close(tx.stopCh) }

func (tx *Transmitter) giveUp(entry *retransmit.Entry) {
	id := tcpconn.ConnID{
		LocalAddr:  entry.ConnID.LocalAddr,
		LocalPort:  entry.ConnID.LocalPort,
		RemoteAddr: entry.ConnID.RemoteAddr,
		RemotePort: entry.ConnID.RemotePort,
	}
	conn, ok := tx.demux.Lookup(id)
	if !ok {
		return
	}
	tx.log.WithField("conn", id).Warn("giving up after max retries, aborting connection")
	conn.Deinit()
}
