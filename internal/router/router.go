package router

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/frag"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/stats"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

// Forward is the routing decision for a packet.
type Forward uint8

const (
	ForwardDrop Forward = iota
	ForwardInternal
	ForwardExternal
)

func (f Forward) String() string {
	switch f {
	case ForwardInternal:
		return "internal"
	case ForwardExternal:
		return "external"
	}
	return "drop"
}

// Solicitations for any address are answered by the virtual hosts directly.
var solicitedNodes = netip.MustParsePrefix("ff02::1:ff00:0/104")

// maxARP bounds the learned IPv4 link addresses.
const maxARP = 4096

// Config holds the router settings.
type Config struct {
	Enabled bool
	MTU     int
	TTL     uint8
}

// DefaultConfig returns the stock settings with routing disabled.
func DefaultConfig() Config {
	return Config{MTU: 1500, TTL: 64}
}

// Interfaces describes the capture interfaces.
type Interfaces interface {
	// Responsible returns the interface whose network covers dst.
	Responsible(dst netip.Addr) string
	// MAC returns the link address of iface, or nil when iface is not an
	// ethernet interface.
	MAC(iface string) net.HardwareAddr
}

// ErrorSender generates ICMP errors on behalf of routers.
type ErrorSender interface {
	SendError4(tmpl *types.Template, src netip.Addr, typ, code uint8, invoking []byte, spoof types.Spoof)
	SendError6(src netip.Addr, invoking []byte, typ, code uint8)
}

// NeighborDiscovery resolves IPv6 link addresses.
type NeighborDiscovery interface {
	Neighbor(target netip.Addr) (*icmp.Neighbor, bool)
	RouterAdvert() (icmp.RouterAdvert, bool)
	SendNeighborSolicitation(iface string, src netip.Addr, srcMAC net.HardwareAddr, target netip.Addr, cb func(*icmp.Neighbor))
}

// ICMP is the part of the ICMP handler the router uses.
type ICMP interface {
	ErrorSender
	NeighborDiscovery
}

// Dispatcher hands packets to the protocol handlers of a virtual host.
type Dispatcher interface {
	Dispatch4(tmpl *types.Template, pkt []byte)
	Dispatch6(tmpl *types.Template, pkt []byte)
}

// Deps are the collaborators of a Router. Topology may be nil when routing
// is disabled; Links, Stats and Drops may be nil.
type Deps struct {
	Topology  *Topology
	Arena     *arena.Arena
	Sched     *timer.Scheduler
	Emitter   types.Emitter
	Templates types.TemplateStore
	Links     Interfaces
	Frag4     *frag.Reassembler4
	Frag6     *frag.Reassembler6
	Rand      *rand.Rand
	Stats     *stats.Collector
	Drops     *logging.DropLogger
}

// Router moves packets between the wire and the virtual hosts. It is the
// output path of every protocol handler.
type Router struct {
	cfg    Config
	deps   Deps
	icmp   ICMP
	disp   Dispatcher
	arp    map[netip.Addr]net.HardwareAddr
	fragID uint32
}

// New creates a router. The ICMP handler and the dispatcher are attached
// with SetHandlers once they exist.
func New(cfg Config, deps Deps) *Router {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultConfig().MTU
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.Topology == nil {
		deps.Topology = NewTopology()
	}
	return &Router{
		cfg:    cfg,
		deps:   deps,
		arp:    make(map[netip.Addr]net.HardwareAddr),
		fragID: deps.Rand.Uint32(),
	}
}

// SetHandlers attaches the ICMP handler and the protocol dispatcher.
func (r *Router) SetHandlers(i ICMP, d Dispatcher) {
	r.icmp, r.disp = i, d
}

// Enabled reports whether the routing topology is simulated.
func (r *Router) Enabled() bool { return r.cfg.Enabled }

// Topology returns the routing topology.
func (r *Router) Topology() *Topology { return r.deps.Topology }

// Learn records the link address of an IPv4 neighbor seen on the wire.
func (r *Router) Learn(addr netip.Addr, mac net.HardwareAddr) {
	if !addr.Is4() || len(mac) != 6 {
		return
	}
	if _, ok := r.arp[addr]; !ok && len(r.arp) >= maxARP {
		clear(r.arp)
	}
	if old, ok := r.arp[addr]; ok && slices.Equal(old, mac) {
		return
	}
	r.arp[addr] = slices.Clone(mac)
}

// LinkAddr returns the learned link address of an IPv4 neighbor.
func (r *Router) LinkAddr(addr netip.Addr) (net.HardwareAddr, bool) {
	mac, ok := r.arp[addr]
	return mac, ok
}

// Route follows pkt through the topology from router gw towards dst. It
// charges latency and queuing per hop, applies loss and writes the remaining
// TTL back into pkt. Errors raised on the way (TTL exceeded, unreachable
// networks) and tunneled packets are scheduled here and reported as
// ForwardDrop.
func (r *Router) Route(pkt []byte, gw *Node, dst netip.Addr) (Forward, time.Duration, *RouteEntry) {
	if solicitedNodes.Contains(dst) {
		return ForwardInternal, 0, nil
	}
	var (
		node     = gw
		last     *Node
		rte      *RouteEntry
		delay    time.Duration
		survive  = 1.0
		external bool
	)
	ttl := int(packet.TTL(pkt))
	for node.Addr != dst {
		if ttl--; ttl <= 0 {
			ttl = 0
			break
		}
		if rte = node.Lookup(dst); rte == nil {
			if node.Entry {
				external = true
				break
			}
			r.drop("no route", log.Fields{"dst": dst, "router": node.Addr})
			return ForwardDrop, 0, nil
		}
		if rte.Type == RouteTunnel && (rte.Gateway == nil || rte.Gateway == last) {
			break
		}
		if rte.Type == RouteLink || rte.Type == RouteUnreach {
			break
		}

		link := rte.Link
		if link.Latency > 0 {
			delay += link.Latency
		} else {
			delay += defaultLatency
		}
		if link.Bandwidth > 0 && link.Divider > 0 {
			queued := time.Duration(len(pkt)*link.Bandwidth/link.Divider) * time.Millisecond
			now := r.deps.Sched.Now()
			if now.Before(link.busyUntil) {
				busy := link.busyUntil.Sub(now)
				if r.red(link, busy) {
					r.drop("queue", log.Fields{"dst": dst, "router": node.Addr, "busy": busy})
					return ForwardDrop, 0, nil
				}
				delay += busy
			} else {
				link.busyUntil = now
			}
			link.busyUntil = link.busyUntil.Add(queued)
			delay += queued
		}
		if link.Loss > 0 {
			survive *= 1 - float64(link.Loss)/10000
		}
		last = node
		node = rte.Gateway
	}

	if float64(r.deps.Rand.IntN(10000)) < (1-survive)*10000 {
		r.drop("loss", log.Fields{"dst": dst})
		return ForwardDrop, 0, nil
	}

	v4 := packet.Version(pkt) == types.FamilyIPv4
	packet.SetTTL(pkt, uint8(ttl))
	if ttl == 0 {
		log.WithFields(log.Fields{"dst": dst, "router": node.Addr}).Debug("TTL exceeded")
		d := Delay{Mode: TTLExceeded{From: node.Addr}, Template: r.template(node.Addr, pkt)}
		if v4 {
			d.Spoof.Src = node.Addr
		}
		r.Delay(d, pkt, delay)
		return ForwardDrop, 0, nil
	}
	if rte != nil {
		switch rte.Type {
		case RouteUnreach:
			log.WithFields(log.Fields{"dst": dst, "router": node.Addr}).Debug("Destination unreachable")
			r.Delay(Delay{Mode: Unreachable{From: node.Addr}, Template: r.template(node.Addr, pkt)}, pkt, delay)
			return ForwardDrop, 0, nil
		case RouteTunnel:
			r.Delay(Delay{Mode: Tunnel{Src: rte.TunnelSrc, Dst: rte.TunnelDst}}, pkt, delay)
			return ForwardDrop, 0, nil
		}
	}
	if !external && v4 && r.dropIn(r.template(dst, pkt)) {
		return ForwardDrop, 0, nil
	}
	if external {
		return ForwardExternal, delay, rte
	}
	return ForwardInternal, delay, rte
}

// red decides whether a packet that would wait busy on a link is dropped.
func (r *Router) red(l *Link, busy time.Duration) bool {
	if l.High == 0 {
		return false
	}
	ms := int(busy / time.Millisecond)
	if ms <= l.Low {
		return false
	}
	if ms >= l.High {
		return true
	}
	return r.deps.Rand.IntN(l.High-l.Low) < ms-l.Low
}

// dropIn applies the inbound drop rate of tmpl.
func (r *Router) dropIn(tmpl *types.Template) bool {
	if tmpl == nil || tmpl.DropInRate == 0 {
		return false
	}
	if r.deps.Rand.IntN(10000) < int(tmpl.DropInRate) {
		r.drop("template drop rate", log.Fields{"template": tmpl.Name})
		return true
	}
	return false
}

// template resolves the virtual host for addr. IPv4 falls back to the
// store's default template, IPv6 does not.
func (r *Router) template(addr netip.Addr, pkt []byte) *types.Template {
	if r.deps.Templates == nil {
		return nil
	}
	if addr.Is4() {
		return r.deps.Templates.FindBest(addr, pkt)
	}
	return r.deps.Templates.Find(addr)
}

func (r *Router) drop(reason string, fields log.Fields) {
	r.deps.Stats.RecordDrop(reason)
	r.deps.Drops.Drop("router "+reason, fields)
}
