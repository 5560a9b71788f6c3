// Command vhost brings up one host's IPv4-over-UDP interface and TCP
// stack directly from command-line flags — no config file or
// environment variable ever selects its address or peers, per this
// stack's host-CLI contract — then either runs the port-5501 echo
// server or dials it as a client, alongside the interactive REPL.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipv4"
	"iptcp/pkg/repl"
	"iptcp/pkg/retransmit"
	"iptcp/pkg/socket"
	"iptcp/pkg/tcpconn"
	"iptcp/pkg/tcpstack"
)

// defaultBaseRTO and defaultMaxRTO seed the shared retransmit queue;
// spec.md leaves initial RTO selection to the implementation absent a
// measured RTT sample.
const (
	defaultBaseRTO = 200 * time.Millisecond
	defaultMaxRTO  = 5 * time.Second
)

func retransmitQueue() *retransmit.Queue {
	return retransmit.NewQueue(defaultBaseRTO, defaultMaxRTO)
}

// echoPort is the fixed TCP port the "server" mode listens on and the
// "client" mode dials.
const echoPort = 5501

type addrPortList []netip.AddrPort

func (l *addrPortList) String() string { return fmt.Sprint(*l) }
func (l *addrPortList) Set(v string) error {
	ap, err := netip.ParseAddrPort(v)
	if err != nil {
		return err
	}
	*l = append(*l, ap)
	return nil
}

type neighborSpec struct {
	ip   netip.Addr
	addr netip.AddrPort
}

type neighborList []neighborSpec

func (l *neighborList) String() string { return fmt.Sprint(*l) }
func (l *neighborList) Set(v string) error {
	// ip@host:port
	parts := strings.SplitN(v, "@", 2)
	if len(parts) != 2 {
		return fmt.Errorf("neighbor spec must be ip@host:port, got %q", v)
	}
	ip, err := netip.ParseAddr(parts[0])
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddrPort(parts[1])
	if err != nil {
		return err
	}
	*l = append(*l, neighborSpec{ip: ip, addr: addr})
	return nil
}

func main() {
	bind := flag.String("bind", "127.0.0.1:5000", "UDP address this interface binds")
	assigned := flag.String("ip", "", "assigned IPv4 address/prefix, e.g. 10.0.0.4/24")
	iface := flag.String("iface", "eth0", "interface name")
	mode := flag.String("mode", "", "\"server\" to run the echo listener, \"client\" to dial it")
	connectTo := flag.String("connect", "", "server IPv4 address (client mode)")
	message := flag.String("msg", "hello from vhost", "message to send (client mode)")
	var neighbors neighborList
	flag.Var(&neighbors, "neighbor", "ip@host:port, repeatable")
	var defaultGW string
	flag.StringVar(&defaultGW, "gateway", "", "default route next-hop IP")
	flag.Parse()

	if *assigned == "" {
		fmt.Fprintln(os.Stderr, "vhost: -ip is required (e.g. -ip 10.0.0.4/24)")
		os.Exit(1)
	}
	prefix, err := netip.ParsePrefix(*assigned)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vhost: invalid -ip:", err)
		os.Exit(1)
	}
	bindAddr, err := netip.ParseAddrPort(*bind)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vhost: invalid -bind:", err)
		os.Exit(1)
	}

	logrus.SetLevel(logrus.WarnLevel)
	stack := ipv4.NewStack(false)
	if _, err := stack.AddInterface(*iface, prefix.Addr(), prefix, bindAddr); err != nil {
		fmt.Fprintln(os.Stderr, "vhost: failed to bring up interface:", err)
		os.Exit(1)
	}
	for _, n := range neighbors {
		stack.AddNeighbor(*iface, n.ip, n.addr)
	}
	if defaultGW != "" {
		gw, err := netip.ParseAddr(defaultGW)
		if err != nil {
			fmt.Fprintln(os.Stderr, "vhost: invalid -gateway:", err)
			os.Exit(1)
		}
		stack.Table().AddStatic(netip.PrefixFrom(netip.IPv4Unspecified(), 0), gw)
	}

	rq := retransmitQueue()
	demux := tcpconn.NewDemux(stack, rq, logrus.StandardLogger())
	stack.AttachDemux(demux)

	tx := tcpstack.New(rq, stack, demux)
	go tx.Run()

	switch *mode {
	case "server":
		runServer(demux, prefix.Addr())
	case "client":
		if *connectTo == "" {
			fmt.Fprintln(os.Stderr, "vhost: -connect is required in client mode")
			os.Exit(1)
		}
		dst, err := netip.ParseAddr(*connectTo)
		if err != nil {
			fmt.Fprintln(os.Stderr, "vhost: invalid -connect:", err)
			os.Exit(1)
		}
		runClient(demux, prefix.Addr(), dst, *message)
	}

	repl.New(stack, demux, prefix.Addr()).Run()
}

func runServer(demux *tcpconn.Demux, local netip.Addr) {
	listener, err := socket.Listen(demux, local, echoPort, 8)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vhost: listen failed:", err)
		return
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go echo(conn)
		}
	}()
}

func echo(conn *socket.Socket) {
	defer conn.Close()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func runClient(demux *tcpconn.Demux, local, dst netip.Addr, message string) {
	go func() {
		conn, err := socket.Connect(demux, local, ephemeralPort(), dst, echoPort)
		if err != nil {
			fmt.Fprintln(os.Stderr, "vhost: connect failed:", err)
			return
		}
		if _, err := conn.Write([]byte(message)); err != nil {
			fmt.Fprintln(os.Stderr, "vhost: write failed:", err)
			return
		}
		buf := make([]byte, len(message))
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Fprintln(os.Stderr, "vhost: read failed:", err)
			return
		}
		fmt.Printf("echoed back: %q\n", string(buf[:n]))
		conn.Close()
	}()
}

func ephemeralPort() uint16 {
	return uint16(30000 + time.Now().UnixNano()%10000)
}
