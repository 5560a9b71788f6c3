// Package socket exposes the blocking, file-descriptor-like API a REPL
// or application goroutine uses to drive a TCP connection: Listen,
// Accept, Connect (Dial), Read, Write, and Close.
package socket

import (
	"io"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"iptcp/pkg/seqnum"
	"iptcp/pkg/tcpconn"
)

// sendBufferSize is the capacity of a connected socket's outbound
// staging ring buffer; Write blocks once it fills, giving the
// application natural backpressure independent of the peer's
// advertised window (spec.md §4.6).
const sendBufferSize = 1 << 18

// ErrClosed is returned by Write and Accept once the socket has been
// closed locally.
var ErrClosed = errors.New("socket: closed")

var issCounter uint32

func init() {
	issCounter = rand.New(rand.NewSource(time.Now().UnixNano())).Uint32()
}

func nextISS() seqnum.Value {
	return seqnum.Value(atomic.AddUint32(&issCounter, 64000))
}

// Socket wraps one tcpconn.Connection with a blocking read/write
// surface and, for a listening socket, a blocking Accept.
type Socket struct {
	mu       sync.Mutex
	demux    *tcpconn.Demux
	conn     *tcpconn.Connection
	sendBuf  *ringbuffer.RingBuffer
	closed   bool
	pumpErr  error // set once pump gives up on the connection for a reason other than local Close
	pumpDone chan struct{}
	log      *logrus.Entry
}

// Listen creates a passive-open socket bound to (local, port) with the
// given accept backlog.
func Listen(demux *tcpconn.Demux, local netip.Addr, port uint16, backlog int) (*Socket, error) {
	conn, err := demux.Listen(local, port, backlog)
	if err != nil {
		return nil, err
	}
	return &Socket{demux: demux, conn: conn, log: logrus.WithField("socket", "listen")}, nil
}

// Accept blocks until a pending connection is available, completes its
// handshake, and returns a connected Socket for it.
func (s *Socket) Accept() (*Socket, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		conn := s.conn
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if !conn.WaitPending(500 * time.Millisecond) {
			continue
		}
		pending, ok := conn.NextPending()
		if !ok {
			continue
		}
		child, err := s.demux.CompleteAccept(conn.ID(), pending, nextISS())
		if err != nil {
			continue
		}
		state := tcpconn.StateSynReceived
		for state == tcpconn.StateSynReceived {
			state = child.WaitChange(tcpconn.StateSynReceived, 500*time.Millisecond)
		}
		if state == tcpconn.StateClosed {
			continue
		}
		return newConnectedSocket(s.demux, child), nil
	}
}

// Connect performs an active open to (remoteAddr, remotePort) from
// (localAddr, localPort) and blocks until the handshake completes or
// fails.
func Connect(demux *tcpconn.Demux, localAddr netip.Addr, localPort uint16, remoteAddr netip.Addr, remotePort uint16) (*Socket, error) {
	id := tcpconn.ConnID{LocalAddr: localAddr, LocalPort: localPort, RemoteAddr: remoteAddr, RemotePort: remotePort}
	conn, err := demux.Connect(id, nextISS())
	if err != nil {
		return nil, err
	}
	state := conn.WaitChange(tcpconn.StateSynSent, 5*time.Second)
	if state != tcpconn.StateEstablished {
		return nil, tcpconn.ErrConnectionRefused
	}
	return newConnectedSocket(demux, conn), nil
}

func newConnectedSocket(demux *tcpconn.Demux, conn *tcpconn.Connection) *Socket {
	rb := ringbuffer.New(sendBufferSize)
	rb.SetBlocking(true)
	s := &Socket{
		demux:    demux,
		conn:     conn,
		sendBuf:  rb,
		pumpDone: make(chan struct{}),
		log:      logrus.WithField("conn", conn.ID()),
	}
	go s.pump()
	return s
}

// pump drains the outbound ring buffer into the connection, retrying a
// chunk whenever the send window is momentarily closed. If the
// connection stops accepting data for any reason other than the ring
// buffer being closed by Close() (e.g. a peer RST driving it to
// CLOSED), pump records the failure so Write stops silently discarding
// bytes into a buffer nothing will ever drain again.
func (s *Socket) pump() {
	defer close(s.pumpDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.sendBuf.Read(buf)
		if err != nil {
			return // ring buffer closed by Close()
		}
		off := 0
		for off < n {
			sent, err := s.conn.Send(buf[off:n], true)
			if err == tcpconn.ErrWouldBlock {
				s.conn.WaitChange(s.conn.State(), 50*time.Millisecond)
				continue
			}
			if err != nil {
				s.mu.Lock()
				s.pumpErr = err
				s.mu.Unlock()
				return
			}
			off += sent
		}
	}
}

// Write stages data for transmission, blocking if the outbound buffer
// is full. It reports the connection's failure once pump has given up
// on it instead of continuing to accept bytes nothing will transmit.
func (s *Socket) Write(data []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	pumpErr := s.pumpErr
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if pumpErr != nil {
		return 0, pumpErr
	}
	return s.sendBuf.Write(data)
}

// Read blocks until len(out) contiguous bytes are buffered or a PSH
// boundary arrives, returning io.EOF once the peer has closed its send side
// and no data remains. It is state-gated per spec.md §4.6: CLOSED and
// LISTEN sockets can never read, CLOSING/LAST_ACK/TIME_WAIT can no
// longer read once local close has been called, and CLOSE_WAIT reads
// only whatever is already buffered before hitting io.EOF.
func (s *Socket) Read(out []byte) (int, error) {
	switch s.conn.State() {
	case tcpconn.StateClosed:
		return 0, tcpconn.ErrConnectionClosed
	case tcpconn.StateListen:
		return 0, tcpconn.ErrNotListening
	case tcpconn.StateClosing, tcpconn.StateLastAck, tcpconn.StateTimeWait:
		return 0, tcpconn.ErrClosing
	}

	reasm := s.conn.Reassembly()
	if reasm == nil {
		return 0, tcpconn.ErrNotConnected
	}
	n, err := reasm.Read(out)
	if err != nil {
		return n, io.EOF
	}
	return n, nil
}

// Close half-closes the connection (sends FIN once the outbound buffer
// drains) and stops accepting new writes.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.sendBuf != nil {
		s.sendBuf.CloseWriter()
		<-s.pumpDone
	}
	return s.conn.Close()
}

// State returns the underlying connection's TCP state, used by the
// REPL's status listing.
func (s *Socket) State() tcpconn.State { return s.conn.State() }

// ID returns the underlying connection's 4-tuple.
func (s *Socket) ID() tcpconn.ConnID { return s.conn.ID() }
