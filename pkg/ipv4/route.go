package ipv4

import (
	"net/netip"
	"sync"
	"time"
)

// infiniteCost matches RIP's convention for an unreachable/withdrawn
// route (spec.md's RIP supplement, RFC 2453 §3.7).
const infiniteCost = 16

// Route is one forwarding-table entry, either configured statically at
// startup or learned via RIP.
type Route struct {
	Prefix    netip.Prefix
	NextHop   netip.Addr
	Iface     string
	Cost      int
	Static    bool
	Local     bool // directly-attached interface prefix, cost 0, never times out
	UpdatedAt time.Time
}

// Table is the longest-prefix-match forwarding table (teacher's
// ForwardingTable/StaticRoutes, generalized to also hold RIP-learned
// entries with an expiry).
type Table struct {
	mu     sync.RWMutex
	routes map[netip.Prefix]*Route
}

// NewTable creates an empty forwarding table.
func NewTable() *Table {
	return &Table{routes: make(map[netip.Prefix]*Route)}
}

// AddLocal registers a directly-attached interface prefix.
func (t *Table) AddLocal(prefix netip.Prefix, iface string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[prefix] = &Route{Prefix: prefix, Iface: iface, Local: true, UpdatedAt: time.Now()}
}

// AddStatic registers a manually configured route (on a host, the
// default route vhost installs from its -gateway flag).
func (t *Table) AddStatic(prefix netip.Prefix, nextHop netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[prefix] = &Route{Prefix: prefix, NextHop: nextHop, Static: true, UpdatedAt: time.Now()}
}

// UpdateRIP inserts or refreshes a RIP-learned route, applying the
// standard distance-vector rule: replace only on a strictly better
// cost, or a refresh of the currently-installed advertiser's route.
// Returns true if the table changed (triggering a triggered update).
func (t *Table) UpdateRIP(prefix netip.Prefix, nextHop netip.Addr, cost int, iface string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.routes[prefix]
	if !ok || existing.Local || existing.Static {
		if ok && (existing.Local || existing.Static) {
			return false // never let RIP override a local or configured route
		}
		if cost >= infiniteCost {
			return false
		}
		t.routes[prefix] = &Route{Prefix: prefix, NextHop: nextHop, Iface: iface, Cost: cost, UpdatedAt: time.Now()}
		return true
	}
	if cost < existing.Cost || existing.NextHop == nextHop {
		if cost >= infiniteCost {
			delete(t.routes, prefix)
			return true
		}
		changed := existing.Cost != cost
		existing.NextHop = nextHop
		existing.Iface = iface
		existing.Cost = cost
		existing.UpdatedAt = time.Now()
		return changed
	}
	return false
}

// ExpireStale removes RIP-learned routes not refreshed within timeout,
// per spec.md's supplemented RIP route-timeout behavior.
func (t *Table) ExpireStale(timeout time.Duration) []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []netip.Prefix
	now := time.Now()
	for prefix, r := range t.routes {
		if r.Local || r.Static {
			continue
		}
		if now.Sub(r.UpdatedAt) > timeout {
			expired = append(expired, prefix)
			delete(t.routes, prefix)
		}
	}
	return expired
}

// Lookup returns the longest matching prefix's route for dst.
func (t *Table) Lookup(dst netip.Addr) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Route
	for prefix, r := range t.routes {
		if !prefix.Contains(dst) {
			continue
		}
		if best == nil || prefix.Bits() > best.Prefix.Bits() {
			best = r
		}
	}
	return best, best != nil
}

// Snapshot returns every currently installed route, for RIP
// advertisement and the REPL's "lr" command.
func (t *Table) Snapshot() []*Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}
