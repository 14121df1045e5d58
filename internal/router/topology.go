// Package router simulates the virtual routing topology that sits between
// the wire and the virtual hosts: per-hop latency, bandwidth queuing, packet
// loss, TTL accounting, unreachable networks and GRE tunnels.
package router

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/btree"

	"honeyd-engine/pkg/types"
)

var (
	ErrNoReverseRoute = errors.New("router: no reverse route")
	ErrUnknownRouter  = errors.New("router: unknown router")
	ErrRouterExists   = errors.New("router: router exists")
)

// RouteType selects how a route forwards.
type RouteType uint8

const (
	// RouteNet forwards to the next router over a link.
	RouteNet RouteType = iota
	// RouteLink marks a network attached directly to the router.
	RouteLink
	// RouteTunnel forwards through a GRE tunnel.
	RouteTunnel
	// RouteUnreach answers with network unreachable.
	RouteUnreach
)

func (t RouteType) String() string {
	switch t {
	case RouteNet:
		return "net"
	case RouteLink:
		return "link"
	case RouteTunnel:
		return "tunnel"
	case RouteUnreach:
		return "unreach"
	}
	return fmt.Sprintf("route(%d)", uint8(t))
}

// defaultLatency is charged for every hop of a link without latency.
const defaultLatency = 3 * time.Millisecond

// Link carries the attributes of the wire between two routers.
type Link struct {
	Latency time.Duration
	// Bandwidth and Divider turn a packet length into queuing time:
	// len*Bandwidth/Divider milliseconds.
	Bandwidth int
	Divider   int
	// Loss is expressed per 10000.
	Loss uint16
	// RED drops packets that would queue between Low and High
	// milliseconds with rising probability.
	Low  int
	High int

	busyUntil time.Time
}

// NewLink returns a link with bps bits per second of bandwidth. A zero bps
// leaves the link unconstrained.
func NewLink(latency time.Duration, bps int, loss uint16) *Link {
	l := &Link{Latency: latency, Loss: loss}
	if bps > 0 {
		l.Bandwidth, l.Divider = 8*1000, bps
	}
	return l
}

// RouteEntry is one row of a router's table.
type RouteEntry struct {
	Net     netip.Prefix
	Type    RouteType
	Gateway *Node
	Link    *Link
	// TunnelSrc and TunnelDst are the outer addresses of a tunnel route.
	TunnelSrc netip.Addr
	TunnelDst netip.Addr
}

// Node is a virtual router.
type Node struct {
	Addr   netip.Addr
	Entry  bool
	routes *btree.BTreeG[*RouteEntry]
}

// routeLess orders the most specific routes first so the first match of an
// ascending walk is the longest prefix.
func routeLess(a, b *RouteEntry) bool {
	if a.Net.Bits() != b.Net.Bits() {
		return a.Net.Bits() > b.Net.Bits()
	}
	return a.Net.Addr().Less(b.Net.Addr())
}

// Lookup returns the longest prefix route covering dst.
func (n *Node) Lookup(dst netip.Addr) *RouteEntry {
	var found *RouteEntry
	n.routes.Ascend(func(r *RouteEntry) bool {
		if r.Net.Contains(dst) {
			found = r
			return false
		}
		return true
	})
	return found
}

// Routes returns the number of routes of n.
func (n *Node) Routes() int { return n.routes.Len() }

type network struct {
	net  netip.Prefix
	node *Node
}

// netMap maps networks to routers by longest prefix.
type netMap struct {
	tree *btree.BTreeG[network]
}

func newNetMap() netMap {
	return netMap{tree: btree.NewG(8, func(a, b network) bool {
		if a.net.Bits() != b.net.Bits() {
			return a.net.Bits() > b.net.Bits()
		}
		return a.net.Addr().Less(b.net.Addr())
	})}
}

func (m netMap) add(p netip.Prefix, n *Node) {
	m.tree.ReplaceOrInsert(network{net: p.Masked(), node: n})
}

func (m netMap) lookup(a netip.Addr) *Node {
	var found *Node
	m.tree.Ascend(func(e network) bool {
		if e.net.Contains(a) {
			found = e.node
			return false
		}
		return true
	})
	return found
}

// Topology is the set of virtual routers. It is built once at startup and
// then owned by the reactor goroutine.
type Topology struct {
	nodes   map[netip.Addr]*Node
	entry   map[types.Family][]*Node
	entries map[types.Family]netMap
	reverse map[types.Family]netMap
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	t := &Topology{
		nodes:   make(map[netip.Addr]*Node),
		entry:   make(map[types.Family][]*Node),
		entries: make(map[types.Family]netMap),
		reverse: make(map[types.Family]netMap),
	}
	for _, f := range []types.Family{types.FamilyIPv4, types.FamilyIPv6} {
		t.entries[f] = newNetMap()
		t.reverse[f] = newNetMap()
	}
	return t
}

func family(a netip.Addr) types.Family {
	if a.Is4() {
		return types.FamilyIPv4
	}
	return types.FamilyIPv6
}

// AddRouter creates the router addr.
func (t *Topology) AddRouter(addr netip.Addr) (*Node, error) {
	if _, ok := t.nodes[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRouterExists, addr)
	}
	n := &Node{Addr: addr, routes: btree.NewG(8, routeLess)}
	t.nodes[addr] = n
	// A router always reaches itself.
	t.reverse[family(addr)].add(netip.PrefixFrom(addr, addr.BitLen()), n)
	return n, nil
}

// Router returns the router addr.
func (t *Topology) Router(addr netip.Addr) *Node { return t.nodes[addr] }

// Len returns the number of routers.
func (t *Topology) Len() int { return len(t.nodes) }

// AddEntry marks addr as an entry router for traffic to the networks nets.
// The first entry router of a family is the fallback for unmatched traffic.
func (t *Topology) AddEntry(addr netip.Addr, nets ...netip.Prefix) error {
	n := t.nodes[addr]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRouter, addr)
	}
	if !n.Entry {
		n.Entry = true
		t.entry[family(addr)] = append(t.entry[family(addr)], n)
	}
	for _, p := range nets {
		t.entries[family(p.Addr())].add(p, n)
	}
	return nil
}

// AddRoute adds a route from router from to the network dst.
func (t *Topology) AddRoute(from netip.Addr, r RouteEntry) error {
	n := t.nodes[from]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRouter, from)
	}
	if r.Type == RouteNet && r.Gateway == nil {
		return fmt.Errorf("router: net route %s from %s needs a gateway", r.Net, from)
	}
	if r.Type == RouteTunnel && (!r.TunnelSrc.IsValid() || !r.TunnelDst.IsValid()) {
		return fmt.Errorf("router: tunnel route %s from %s needs both endpoints", r.Net, from)
	}
	if r.Link == nil {
		r.Link = &Link{}
	}
	r.Net = r.Net.Masked()
	n.routes.ReplaceOrInsert(&r)
	if r.Type == RouteLink {
		t.reverse[family(r.Net.Addr())].add(r.Net, n)
	}
	return nil
}

// AddReverse records that the hosts in p sit behind router addr.
func (t *Topology) AddReverse(p netip.Prefix, addr netip.Addr) error {
	n := t.nodes[addr]
	if n == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRouter, addr)
	}
	t.reverse[family(p.Addr())].add(p, n)
	return nil
}

// Reverse returns the router responsible for a.
func (t *Topology) Reverse(a netip.Addr) *Node {
	return t.reverse[family(a)].lookup(a)
}

// EntryFor returns the entry router for traffic to dst, falling back to the
// first entry router of the family.
func (t *Topology) EntryFor(dst netip.Addr) *Node {
	if n := t.entries[family(dst)].lookup(dst); n != nil {
		return n
	}
	return t.FirstEntry(family(dst))
}

// FirstEntry returns the first entry router of f.
func (t *Topology) FirstEntry(f types.Family) *Node {
	if l := t.entry[f]; len(l) > 0 {
		return l[0]
	}
	return nil
}

// FindTunnel returns the tunnel route whose outer endpoints are local and
// remote, as seen on an inbound GRE packet.
func (t *Topology) FindTunnel(local, remote netip.Addr) *RouteEntry {
	for _, n := range t.nodes {
		var found *RouteEntry
		n.routes.Ascend(func(r *RouteEntry) bool {
			if r.Type == RouteTunnel && r.TunnelSrc == local && r.TunnelDst == remote {
				found = r
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}
