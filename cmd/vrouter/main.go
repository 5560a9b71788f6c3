// Command vrouter runs a RIP-speaking IPv4 router: one UDP-backed
// interface per configured link, longest-prefix-match forwarding, and
// distance-vector route learning. It never opens a TCP socket.
package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"iptcp/pkg/ipv4"
	"iptcp/pkg/repl"
	"iptcp/pkg/rip"
)

// config is the parsed form of the router's line-oriented config file:
//
//	iface <name> <bind-udp-addr> <assigned-ip>/<prefix>
//	neighbor <iface> <neighbor-ip> <neighbor-udp-addr>
//	rip-neighbor <ip>
type config struct {
	interfaces   []ifaceLine
	neighbors    []neighborLine
	ripNeighbors []netip.Addr
}

type ifaceLine struct {
	name     string
	bind     netip.AddrPort
	assigned netip.Prefix
}

type neighborLine struct {
	iface string
	ip    netip.Addr
	addr  netip.AddrPort
}

func parseConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &config{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "iface":
			if len(fields) != 4 {
				return nil, fmt.Errorf("iface line wants 3 args, got %d", len(fields)-1)
			}
			bind, err := netip.ParseAddrPort(fields[2])
			if err != nil {
				return nil, err
			}
			prefix, err := netip.ParsePrefix(fields[3])
			if err != nil {
				return nil, err
			}
			cfg.interfaces = append(cfg.interfaces, ifaceLine{name: fields[1], bind: bind, assigned: prefix})
		case "neighbor":
			if len(fields) != 4 {
				return nil, fmt.Errorf("neighbor line wants 3 args, got %d", len(fields)-1)
			}
			ip, err := netip.ParseAddr(fields[2])
			if err != nil {
				return nil, err
			}
			addr, err := netip.ParseAddrPort(fields[3])
			if err != nil {
				return nil, err
			}
			cfg.neighbors = append(cfg.neighbors, neighborLine{iface: fields[1], ip: ip, addr: addr})
		case "rip-neighbor":
			if len(fields) != 2 {
				return nil, fmt.Errorf("rip-neighbor line wants 1 arg, got %d", len(fields)-1)
			}
			ip, err := netip.ParseAddr(fields[1])
			if err != nil {
				return nil, err
			}
			cfg.ripNeighbors = append(cfg.ripNeighbors, ip)
		default:
			return nil, fmt.Errorf("unknown directive %q", fields[0])
		}
	}
	return cfg, scanner.Err()
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config file>\n", os.Args[0])
		os.Exit(1)
	}
	cfg, err := parseConfig(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "vrouter: config error:", err)
		os.Exit(1)
	}

	logrus.SetLevel(logrus.WarnLevel)
	stack := ipv4.NewStack(true)
	for _, ifc := range cfg.interfaces {
		if _, err := stack.AddInterface(ifc.name, ifc.assigned.Addr(), ifc.assigned, ifc.bind); err != nil {
			fmt.Fprintln(os.Stderr, "vrouter: failed to bring up", ifc.name, err)
			os.Exit(1)
		}
	}
	for _, n := range cfg.neighbors {
		stack.AddNeighbor(n.iface, n.ip, n.addr)
	}

	var localIP netip.Addr
	if len(cfg.interfaces) > 0 {
		localIP = cfg.interfaces[0].assigned.Addr()
	}
	router := rip.NewRouter(stack, localIP, cfg.ripNeighbors)
	router.Start()
	defer router.Stop()

	repl.New(stack, nil, localIP).Run()
}
