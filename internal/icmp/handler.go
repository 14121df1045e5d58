// Package icmp answers ICMP and ICMPv6 for virtual hosts and keeps the
// neighbor discovery state of the engine.
package icmp

import (
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/google/btree"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/stats"
	"honeyd-engine/pkg/types"
)

// Config holds the ICMP settings.
type Config struct {
	TTL      uint8
	MTU      int
	AddrMask netip.Addr
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{TTL: 64, MTU: 1500, AddrMask: netip.AddrFrom4([4]byte{255, 255, 255, 0})}
}

// LinkSender puts a packet on a link when both link addresses are known.
type LinkSender interface {
	SendEthernet(iface string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) error
}

// SoftErrorer is told about port unreachable reports for UDP flows.
type SoftErrorer interface {
	SoftError(t types.Tuple)
}

// Deps are the collaborators of a Handler. Link, UDP, Stats and Drops may be
// nil.
type Deps struct {
	Out       types.PacketSender
	Link      LinkSender
	Templates types.TemplateStore
	UDP       SoftErrorer
	Now       func() time.Time
	Rand      *rand.Rand
	Stats     *stats.Collector
	Drops     *logging.DropLogger
}

// Handler owns the neighbor cache, the router advertisement cache and the
// multicast registry.
type Handler struct {
	cfg       Config
	deps      Deps
	neighbors *btree.BTreeG[*Neighbor]
	advert    *RouterAdvert
	groups    *Groups
}

// NewHandler creates a handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultConfig().MTU
	}
	if !cfg.AddrMask.IsValid() {
		cfg.AddrMask = DefaultConfig().AddrMask
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		neighbors: btree.NewG(8, func(a, b *Neighbor) bool {
			return a.Target.Less(b.Target)
		}),
		groups: NewGroups(),
	}
}

// SetFlows attaches the UDP flow table after construction, since the UDP
// handler itself reports closed ports through this handler.
func (h *Handler) SetFlows(s SoftErrorer) { h.deps.UDP = s }

// Groups returns the multicast registry.
func (h *Handler) Groups() *Groups { return h.groups }

// PortUnreachable answers a datagram sent to a closed UDP port.
func (h *Handler) PortUnreachable(tmpl *types.Template, pkt []byte) {
	src, dst := pktAddrs(pkt)
	if !src.IsValid() {
		return
	}
	if dst.Is4() {
		var spoof types.Spoof
		if tmpl != nil {
			spoof = tmpl.Spoof
		}
		h.SendError4(tmpl, dst, TypeUnreach4, CodePortUnreach4, pkt, spoof)
		return
	}
	h.SendError6(dst, pkt, TypeUnreach6, CodePortUnreach6)
}

func (h *Handler) owns(addr netip.Addr) *types.Template {
	if h.deps.Templates == nil {
		return nil
	}
	return h.deps.Templates.Find(addr)
}

func (h *Handler) drop(reason string, fields log.Fields) {
	h.deps.Stats.RecordDrop(reason)
	h.deps.Drops.Drop("icmp "+reason, fields)
}
