// Package repl implements the interactive line-oriented shell used to
// drive both the router and the host CLIs: interface/route/neighbor
// listing (li/lr/ln), raw IP send, and the supplemented socket commands
// (a/c/s/r/cl) that exercise the blocking socket API.
package repl

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"iptcp/pkg/ipv4"
	"iptcp/pkg/socket"
	"iptcp/pkg/tcpconn"
)

// Repl drives commands against one ipv4.Stack, optionally layering the
// TCP socket commands on top when a Demux is attached (hosts only).
type Repl struct {
	stack   *ipv4.Stack
	demux   *tcpconn.Demux // nil on router-only REPLs
	sockets map[int]*socket.Socket
	nextFD  int
	localIP netip.Addr
}

// New creates a REPL bound to stack. demux may be nil for the RIP
// router CLI, which never opens TCP sockets.
func New(stack *ipv4.Stack, demux *tcpconn.Demux, localIP netip.Addr) *Repl {
	return &Repl{
		stack:   stack,
		demux:   demux,
		sockets: make(map[int]*socket.Socket),
		localIP: localIP,
	}
}

// Run reads commands from stdin until EOF.
func (r *Repl) Run() {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		r.dispatch(strings.TrimSpace(scanner.Text()))
	}
}

func (r *Repl) dispatch(line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "li":
		r.listInterfaces()
	case "ln":
		r.listNeighbors()
	case "lr":
		r.listRoutes()
	case "send":
		r.send(fields)
	case "a":
		r.accept(fields)
	case "c":
		r.connect(fields)
	case "s":
		r.sendSocket(fields)
	case "r":
		r.readSocket(fields)
	case "cl":
		r.closeSocket(fields)
	case "ls":
		r.listSockets()
	default:
		fmt.Println("unknown command:", fields[0])
	}
}

func (r *Repl) listInterfaces() {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Name\tAddr/Prefix\tState")
	for _, route := range r.stack.Table().Snapshot() {
		if !route.Local {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\tup\n", route.Iface, route.Prefix)
	}
	w.Flush()
}

func (r *Repl) listNeighbors() {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Iface\tVIP\tUDPAddr")
	w.Flush() // neighbor UDP addresses are only known to the ARP resolver at Send time
}

func (r *Repl) listRoutes() {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "T\tPrefix\tNext Hop\tCost")
	for _, route := range r.stack.Table().Snapshot() {
		kind := "S"
		nextHop := route.NextHop.String()
		switch {
		case route.Local:
			kind, nextHop = "L", "LOCAL:"+route.Iface
		case !route.Static:
			kind = "R"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", kind, route.Prefix, nextHop, route.Cost)
	}
	w.Flush()
}

func (r *Repl) send(fields []string) {
	if len(fields) < 3 {
		fmt.Println("Usage: send <addr> <message>")
		return
	}
	dst, err := netip.ParseAddr(fields[1])
	if err != nil {
		fmt.Println("invalid address:", err)
		return
	}
	message := strings.Join(fields[2:], " ")
	if err := r.stack.Send(nil, dst, 0, []byte(message)); err != nil {
		fmt.Println("send failed:", err)
	}
}

func (r *Repl) accept(fields []string) {
	if r.demux == nil || len(fields) < 2 {
		fmt.Println("Usage: a <port>")
		return
	}
	port, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		fmt.Println("invalid port:", err)
		return
	}
	listener, err := socket.Listen(r.demux, r.localIP, uint16(port), 8)
	if err != nil {
		fmt.Println("listen failed:", err)
		return
	}
	go func() {
		for {
			s, err := listener.Accept()
			if err != nil {
				return
			}
			fd := r.register(s)
			fmt.Printf("\naccepted connection %d (%v)\n> ", fd, s.ID())
		}
	}()
	fmt.Println("listening on port", port)
}

func (r *Repl) connect(fields []string) {
	if r.demux == nil || len(fields) < 3 {
		fmt.Println("Usage: c <addr> <port>")
		return
	}
	dst, err := netip.ParseAddr(fields[1])
	if err != nil {
		fmt.Println("invalid address:", err)
		return
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		fmt.Println("invalid port:", err)
		return
	}
	s, err := socket.Connect(r.demux, r.localIP, ephemeralPort(), dst, uint16(port))
	if err != nil {
		fmt.Println("connect failed:", err)
		return
	}
	fmt.Println("connected, socket", r.register(s))
}

func (r *Repl) sendSocket(fields []string) {
	if len(fields) < 3 {
		fmt.Println("Usage: s <socket> <data>")
		return
	}
	s, err := r.lookup(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	data := strings.Join(fields[2:], " ")
	n, err := s.Write([]byte(data))
	if err != nil {
		fmt.Println("write failed:", err)
		return
	}
	fmt.Printf("wrote %d bytes\n", n)
}

func (r *Repl) readSocket(fields []string) {
	if len(fields) < 3 {
		fmt.Println("Usage: r <socket> <numbytes>")
		return
	}
	s, err := r.lookup(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	n, err := strconv.Atoi(fields[2])
	if err != nil {
		fmt.Println("invalid byte count:", err)
		return
	}
	buf := make([]byte, n)
	got, err := s.Read(buf)
	if err != nil && got == 0 {
		fmt.Println("read failed:", err)
		return
	}
	fmt.Printf("read %d bytes: %q\n", got, string(buf[:got]))
}

func (r *Repl) closeSocket(fields []string) {
	if len(fields) < 2 {
		fmt.Println("Usage: cl <socket>")
		return
	}
	s, err := r.lookup(fields[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	if err := s.Close(); err != nil {
		fmt.Println("close failed:", err)
	}
}

func (r *Repl) listSockets() {
	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', 0)
	fmt.Fprintln(w, "Socket\tLocalAddr\tPort\tRemoteAddr\tPort\tStatus")
	for fd, s := range r.sockets {
		id := s.ID()
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n", fd, id.LocalAddr, id.LocalPort, id.RemoteAddr, id.RemotePort, s.State())
	}
	w.Flush()
}

func (r *Repl) register(s *socket.Socket) int {
	fd := r.nextFD
	r.nextFD++
	r.sockets[fd] = s
	return fd
}

func (r *Repl) lookup(fdStr string) (*socket.Socket, error) {
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid socket id: %w", err)
	}
	s, ok := r.sockets[fd]
	if !ok {
		return nil, fmt.Errorf("no such socket: %d", fd)
	}
	return s, nil
}

var ephemeralCounter uint32 = 40000

func ephemeralPort() uint16 {
	ephemeralCounter++
	return uint16(ephemeralCounter)
}
