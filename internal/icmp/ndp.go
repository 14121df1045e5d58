package icmp

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"honeyd-engine/internal/packet"
)

// NDP option types.
const (
	optSourceLinkAddr = 1
	optTargetLinkAddr = 2
	optPrefixInfo     = 3
	optMTU            = 5
)

const (
	naFlagSolicited = 0x40
	naFlagOverride  = 0x20
)

var (
	allRouters    = netip.MustParseAddr("ff02::2")
	allRoutersMAC = net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x02}
)

// Neighbor is a neighbor cache entry. Source is the virtual host side and
// Target the neighbor it talks to.
type Neighbor struct {
	Iface     string
	Source    netip.Addr
	SourceMAC net.HardwareAddr
	Target    netip.Addr
	TargetMAC net.HardwareAddr

	pending func(*Neighbor)
}

// RouterAdvert is the last router advertisement seen.
type RouterAdvert struct {
	Prefix    netip.Prefix
	SourceMAC net.HardwareAddr
	MTU       uint32
}

// Neighbor returns the cache entry for target.
func (h *Handler) Neighbor(target netip.Addr) (*Neighbor, bool) {
	return h.neighbors.Get(&Neighbor{Target: target})
}

// Neighbors returns the size of the neighbor cache.
func (h *Handler) Neighbors() int { return h.neighbors.Len() }

// RouterAdvert returns the cached router advertisement.
func (h *Handler) RouterAdvert() (RouterAdvert, bool) {
	if h.advert == nil {
		return RouterAdvert{}, false
	}
	return *h.advert, true
}

// upsertNeighbor updates the entry for target, keeping fields that are not
// supplied.
func (h *Handler) upsertNeighbor(iface string, srcMAC net.HardwareAddr, src netip.Addr, dstMAC net.HardwareAddr, target netip.Addr) *Neighbor {
	n, ok := h.neighbors.Get(&Neighbor{Target: target})
	if !ok {
		n = &Neighbor{Target: target}
		h.neighbors.ReplaceOrInsert(n)
	}
	n.Iface = iface
	if srcMAC != nil {
		n.SourceMAC = srcMAC
	}
	if src.IsValid() {
		n.Source = src
	}
	if dstMAC != nil {
		n.TargetMAC = dstMAC
	}
	return n
}

// linkAddrOption returns the link address carried in the first option of
// type want. Options that fail to decode end the walk.
func linkAddrOption(opts layers.ICMPv6Options, want layers.ICMPv6Opt) net.HardwareAddr {
	for _, o := range opts {
		if o.Type == want && len(o.Data) == 6 {
			return bytes.Clone(o.Data)
		}
	}
	return nil
}

// resolved runs the pending callback of n, if any, once.
func resolved(n *Neighbor) {
	if cb := n.pending; cb != nil {
		n.pending = nil
		cb(n)
	}
}

func (h *Handler) neighborSolicitation(iface string, ip packet.IPv6, msg []byte) {
	var ns layers.ICMPv6NeighborSolicitation
	if len(msg) < 24 {
		h.drop("short solicitation", log.Fields{"src": ip.Src()})
		return
	}
	// Options decoded before a malformed one are kept.
	_ = ns.DecodeFromBytes(msg[4:], gopacket.NilDecodeFeedback)
	target := netip.AddrFrom16([16]byte(msg[8:24]))
	tmpl := h.owns(target)
	if tmpl == nil {
		return
	}
	log.WithFields(log.Fields{"target": target, "from": ip.Src()}).Debug("Received neighbor solicitation")
	if tmpl.MAC == nil {
		log.WithField("target", target).Debug("No ethernet address for template, ignoring solicitation")
		return
	}
	peerMAC := linkAddrOption(ns.Options, layers.ICMPv6OptSourceAddress)
	h.sendNeighborAdvert(iface, tmpl.MAC, peerMAC, target, ip.Src())
	n := h.upsertNeighbor(iface, tmpl.MAC, target, peerMAC, ip.Src())
	if peerMAC != nil {
		resolved(n)
	}
}

func (h *Handler) sendNeighborAdvert(iface string, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr) {
	data := make([]byte, 4+16+8)
	data[0] = naFlagSolicited | naFlagOverride
	t := src.As16()
	copy(data[4:20], t[:])
	data[20] = optTargetLinkAddr
	data[21] = 1
	copy(data[22:28], srcMAC)
	m := xicmp.Message{Type: ipv6.ICMPTypeNeighborAdvertisement, Body: &xicmp.RawBody{Data: data}}
	h.send6(iface, srcMAC, dstMAC, src, dst, &m, "neighbor advert")
}

func (h *Handler) neighborAdvertisement(iface string, ip packet.IPv6, msg []byte) {
	var na layers.ICMPv6NeighborAdvertisement
	if len(msg) < 24 {
		h.drop("short advertisement", log.Fields{"src": ip.Src()})
		return
	}
	_ = na.DecodeFromBytes(msg[4:], gopacket.NilDecodeFeedback)
	target := netip.AddrFrom16([16]byte(msg[8:24]))
	if h.owns(target) != nil {
		return
	}
	log.WithField("target", target).Debug("Received neighbor advertisement")
	mac := linkAddrOption(na.Options, layers.ICMPv6OptTargetAddress)
	if mac == nil {
		h.drop("advertisement without link address", log.Fields{"target": target})
		return
	}
	tmpl := h.owns(ip.Dst())
	if tmpl == nil {
		log.WithField("dst", ip.Dst()).Debug("Advertisement is not for us")
		return
	}
	resolved(h.upsertNeighbor(iface, tmpl.MAC, ip.Dst(), mac, target))
}

func (h *Handler) routerAdvertisement(ip packet.IPv6, msg []byte) {
	if len(msg) < 16 {
		h.drop("short router advertisement", log.Fields{"src": ip.Src()})
		return
	}
	ra := &RouterAdvert{}
	opts := msg[16:]
	for len(opts) >= 2 {
		n := int(opts[1]) * 8
		if n == 0 || n > len(opts) {
			break
		}
		switch opts[0] {
		case optPrefixInfo:
			if n >= 32 {
				addr := netip.AddrFrom16([16]byte(opts[16:32]))
				if p, err := addr.Prefix(int(opts[2])); err == nil {
					ra.Prefix = p
				}
			}
		case optSourceLinkAddr:
			ra.SourceMAC = bytes.Clone(opts[2:8])
		case optMTU:
			ra.MTU = uint32(opts[4])<<24 | uint32(opts[5])<<16 | uint32(opts[6])<<8 | uint32(opts[7])
		}
		opts = opts[n:]
	}
	h.advert = ra
	log.WithFields(log.Fields{"prefix": ra.Prefix, "router": ip.Src()}).Debug("Received router advertisement")
}

// SolicitedNode returns the solicited-node multicast address of addr.
func SolicitedNode(addr netip.Addr) netip.Addr {
	a := addr.As16()
	b := [16]byte{0xff, 0x02, 11: 0x01, 12: 0xff}
	copy(b[13:], a[13:])
	return netip.AddrFrom16(b)
}

// MulticastMAC returns the ethernet address for an IPv6 multicast group.
func MulticastMAC(group netip.Addr) net.HardwareAddr {
	a := group.As16()
	return net.HardwareAddr{0x33, 0x33, a[12], a[13], a[14], a[15]}
}

// SendNeighborSolicitation asks for the link address of target. cb runs at
// most once, when an advertisement from target or a solicitation carrying
// its link address arrives.
func (h *Handler) SendNeighborSolicitation(iface string, src netip.Addr, srcMAC net.HardwareAddr, target netip.Addr, cb func(*Neighbor)) {
	n := h.upsertNeighbor(iface, srcMAC, src, nil, target)
	n.pending = cb

	group := SolicitedNode(target)
	data := make([]byte, 4+16+8)
	t := target.As16()
	copy(data[4:20], t[:])
	data[20] = optSourceLinkAddr
	data[21] = 1
	copy(data[22:28], srcMAC)
	m := xicmp.Message{Type: ipv6.ICMPTypeNeighborSolicitation, Body: &xicmp.RawBody{Data: data}}
	log.WithField("target", target).Debug("Sending neighbor solicitation")
	h.send6(iface, srcMAC, MulticastMAC(group), src, group, &m, "neighbor solicitation")
}

// SendRouterSolicitation asks the routers on iface to advertise.
func (h *Handler) SendRouterSolicitation(iface string, mac net.HardwareAddr) {
	m := xicmp.Message{Type: ipv6.ICMPTypeRouterSolicitation, Body: &xicmp.RawBody{Data: make([]byte, 4)}}
	log.WithField("iface", iface).Debug("Sending router solicitation")
	h.send6(iface, mac, allRoutersMAC, netip.IPv6Unspecified(), allRouters, &m, "router solicitation")
}
