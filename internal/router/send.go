package router

import (
	"bytes"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/frag"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// SendIP routes an IPv4 packet built by a virtual host. Packets over the MTU
// are fragmented unless DF is set, in which case they are dropped.
func (r *Router) SendIP(pkt []byte, spoof types.Spoof) {
	ip, err := packet.ParseIPv4(pkt)
	if err != nil {
		r.drop("malformed output", log.Fields{"error": err})
		return
	}
	if len(ip) > r.cfg.MTU {
		frags, err := frag.Fragment4(ip, r.cfg.MTU)
		if err != nil {
			r.drop("fragment output", log.Fields{"error": err, "dst": ip.Dst()})
			return
		}
		for _, f := range frags {
			r.SendIP(f, spoof)
		}
		return
	}

	if spoof.Dst.IsValid() {
		ip.SetDst(spoof.Dst)
	}
	src, dst := ip.Src(), ip.Dst()

	var mode Mode = Internal{}
	if t := r.template(dst, ip); t != nil && t.External {
		mode = Ethernet{}
	}
	tmpl := r.template(src, ip)

	fwd, delay := ForwardExternal, time.Duration(0)
	if r.cfg.Enabled {
		node := r.deps.Topology.Reverse(src)
		if node == nil {
			log.WithError(ErrNoReverseRoute).WithField("src", src).Info("Dropping packet")
			r.drop("no reverse route", log.Fields{"src": src})
			return
		}
		// The router's own packets are not charged for the first hop.
		if src == node.Addr {
			ip.SetTTL(ip.TTL() + 1)
		}
		if spoof.Src.IsValid() {
			ip.SetSrc(spoof.Src)
		}
		if fwd, delay, _ = r.Route(ip, node, dst); fwd == ForwardDrop {
			return
		}
	}
	if fwd == ForwardExternal {
		mode = External{}
	}
	if spoof.Src.IsValid() {
		ip.SetSrc(spoof.Src)
	}
	if spoof.Src.IsValid() || spoof.Dst.IsValid() {
		packet.Recompute(ip)
	}
	r.Delay(Delay{Mode: mode, Template: tmpl, Spoof: spoof}, ip, delay)
}

// SendIP6 routes an IPv6 packet built by a virtual host. Oversized packets
// are fragmented when they leave the engine.
func (r *Router) SendIP6(pkt []byte, spoof types.Spoof) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		r.drop("malformed output", log.Fields{"error": err})
		return
	}
	if spoof.Dst.IsValid() {
		ip.SetDst(spoof.Dst)
	}
	src, dst := ip.Src(), ip.Dst()

	var mode Mode = Internal{}
	if t := r.template(dst, ip); t != nil && t.External {
		mode = Ethernet{}
	}
	tmpl := r.template(src, ip)

	fwd, delay := ForwardExternal, time.Duration(0)
	if r.cfg.Enabled {
		node := r.deps.Topology.Reverse(src)
		if node == nil {
			log.WithError(ErrNoReverseRoute).WithField("src", src).Info("Dropping packet")
			r.drop("no reverse route", log.Fields{"src": src})
			return
		}
		fwd, delay, _ = r.Route(ip, node, dst)
		// IPv6 restores the router's first hop only after routing.
		if src == node.Addr {
			ip.SetHopLimit(ip.HopLimit() + 1)
		}
		if fwd == ForwardDrop {
			return
		}
	}
	if fwd == ForwardExternal {
		mode = External{}
	}
	if spoof.Src.IsValid() {
		ip.SetSrc(spoof.Src)
	}
	if spoof.Src.IsValid() || spoof.Dst.IsValid() {
		packet.Recompute(ip)
	}
	r.Delay(Delay{Mode: mode, Template: tmpl, Spoof: spoof}, ip, delay)
}

// Input takes a packet received on iface into the topology.
func (r *Router) Input(iface string, pkt []byte) {
	switch packet.Version(pkt) {
	case types.FamilyIPv4:
		r.input4(iface, pkt)
	case types.FamilyIPv6:
		r.input6(iface, pkt)
	default:
		r.drop("bad version", nil)
	}
}

func (r *Router) input4(iface string, pkt []byte) {
	ip, err := packet.ParseIPv4(pkt)
	if err != nil {
		r.drop("malformed input", log.Fields{"error": err})
		return
	}
	if !r.cfg.Enabled {
		r.direct(ip, ip.Dst())
		return
	}
	if ip.Protocol() == types.ProtoGRE {
		inner, release, ok := r.decapsulate(ip)
		if !ok {
			return
		}
		defer release()
		ip = inner
	}
	r.routeInput(iface, ip, ip.Src(), ip.Dst())
}

func (r *Router) input6(iface string, pkt []byte) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		r.drop("malformed input", log.Fields{"error": err})
		return
	}
	if !r.cfg.Enabled {
		r.direct(ip, ip.Dst())
		return
	}
	r.routeInput(iface, ip, ip.Src(), ip.Dst())
}

// direct delivers without a topology, honoring the inbound drop rate.
func (r *Router) direct(pkt []byte, dst netip.Addr) {
	tmpl := r.template(dst, pkt)
	if r.dropIn(tmpl) {
		return
	}
	var mode Mode = Internal{}
	if tmpl != nil && tmpl.External {
		mode = Ethernet{}
	}
	r.Delay(Delay{Mode: mode}, pkt, 0)
}

func (r *Router) routeInput(iface string, pkt []byte, src, dst netip.Addr) {
	topo := r.deps.Topology
	gw := topo.Reverse(src)
	if gw == nil {
		gw = topo.EntryFor(dst)
	}
	if gw == nil {
		r.drop("no entry router", log.Fields{"dst": dst})
		return
	}
	fwd, delay, _ := r.Route(pkt, gw, dst)
	var mode Mode = Internal{}
	switch fwd {
	case ForwardDrop:
		return
	case ForwardExternal:
		// Traffic that came in from a non-ethernet interface and wants to
		// go back out is a routing loop.
		if iface != "" && r.ifaceMAC(iface) == nil {
			r.drop("no route", log.Fields{"dst": dst, "iface": iface})
			return
		}
		mode = External{}
	default:
		if tmpl := r.template(dst, pkt); tmpl != nil && tmpl.External {
			mode = Ethernet{}
		}
	}
	r.Delay(Delay{Mode: mode}, pkt, delay)
}

// decapsulate unwraps a GRE packet from a known tunnel endpoint. The inner
// packet stays valid until release is called.
func (r *Router) decapsulate(ip packet.IPv4) (inner packet.IPv4, release func(), ok bool) {
	release = func() {}
	rte := r.deps.Topology.FindTunnel(ip.Dst(), ip.Src())
	if rte == nil {
		r.drop("unknown tunnel", log.Fields{"src": ip.Src()})
		return nil, nil, false
	}
	outer := []byte(ip)
	if ip.IsFragment() {
		if r.deps.Frag4 == nil {
			return nil, nil, false
		}
		h, n, done, err := r.deps.Frag4.Process(ip)
		if err != nil {
			r.drop("fragment", log.Fields{"error": err, "src": ip.Src()})
			return nil, nil, false
		}
		if !done {
			return nil, nil, false
		}
		buf, err := r.deps.Arena.Bytes(h)
		if err != nil {
			return nil, nil, false
		}
		outer = buf[:n]
		release = func() { _ = r.deps.Arena.Free(h) }
	}

	p := gopacket.NewPacket(outer, layers.LayerTypeIPv4, gopacket.NoCopy)
	gre, isGRE := p.Layer(layers.LayerTypeGRE).(*layers.GRE)
	if !isGRE || gre.Protocol != layers.EthernetTypeIPv4 {
		release()
		r.drop("malformed gre", log.Fields{"src": ip.Src()})
		return nil, nil, false
	}
	inner, err := packet.ParseIPv4(gre.Payload)
	if err != nil {
		release()
		r.drop("malformed gre", log.Fields{"src": ip.Src(), "error": err})
		return nil, nil, false
	}
	if !rte.Net.Contains(inner.Src()) {
		release()
		log.WithFields(log.Fields{"src": inner.Src(), "tunnel": rte.Net}).Info("Bad address injected into tunnel")
		return nil, nil, false
	}
	return inner, release, true
}

// ethernet6 frames an IPv6 packet. Without a known target link address the
// neighbor cache is consulted: on-link targets are solicited and receive the
// packet once they answer, off-link targets go to the advertised router.
func (r *Router) ethernet6(iface string, srcMAC, dstMAC net.HardwareAddr, from netip.Addr, pkt []byte) {
	if len(pkt) > r.cfg.MTU {
		for _, f := range r.fragment6(pkt) {
			r.ethernet6(iface, srcMAC, dstMAC, from, f)
		}
		return
	}
	dst := packet.IPv6(pkt).Dst()
	if dstMAC == nil && dst.IsMulticast() {
		dstMAC = icmp.MulticastMAC(dst)
	}
	if dstMAC != nil {
		r.sendEthernet(iface, dstMAC, srcMAC, layers.EthernetTypeIPv6, pkt)
		return
	}
	if r.icmp == nil {
		return
	}
	if r.onLink(dst) {
		r.toNeighbor(iface, srcMAC, from, dst, pkt)
		return
	}
	ra, ok := r.icmp.RouterAdvert()
	if !ok || ra.SourceMAC == nil {
		log.WithField("dst", dst).Debug("No router advertisement, cannot reach off-link destination")
		r.drop("no router", log.Fields{"dst": dst})
		return
	}
	r.sendEthernet(iface, ra.SourceMAC, srcMAC, layers.EthernetTypeIPv6, pkt)
}

// onLink reports whether dst is inside the advertised prefix. Without an
// advertisement every destination is treated as on-link.
func (r *Router) onLink(dst netip.Addr) bool {
	ra, ok := r.icmp.RouterAdvert()
	if !ok || !ra.Prefix.IsValid() {
		return true
	}
	return ra.Prefix.Contains(dst)
}

func (r *Router) toNeighbor(iface string, srcMAC net.HardwareAddr, from, dst netip.Addr, pkt []byte) {
	if n, ok := r.icmp.Neighbor(dst); ok && n.TargetMAC != nil {
		r.sendEthernet(iface, n.TargetMAC, srcMAC, layers.EthernetTypeIPv6, pkt)
		return
	}
	solicitFrom, solicitMAC := from, srcMAC
	if r.cfg.Enabled {
		gw := r.deps.Topology.FirstEntry(types.FamilyIPv6)
		if gw == nil {
			log.WithField("dst", dst).Error("No IPv6 entry router to solicit from")
			return
		}
		tmpl := r.template(gw.Addr, nil)
		if tmpl == nil || tmpl.MAC == nil {
			log.WithField("gateway", gw.Addr).Error("Gateway has no template with an ethernet address")
			return
		}
		solicitFrom, solicitMAC = gw.Addr, tmpl.MAC
	}
	held := bytes.Clone(pkt)
	r.icmp.SendNeighborSolicitation(iface, solicitFrom, solicitMAC, dst, func(n *icmp.Neighbor) {
		r.sendEthernet(iface, n.TargetMAC, srcMAC, layers.EthernetTypeIPv6, held)
	})
}

// fragment6 splits pkt to the MTU. A packet that cannot be split is
// dropped.
func (r *Router) fragment6(pkt []byte) [][]byte {
	if len(pkt) <= r.cfg.MTU {
		return [][]byte{pkt}
	}
	r.fragID++
	frags, err := frag.Fragment6(pkt, r.cfg.MTU, r.fragID)
	if err != nil {
		r.drop("fragment output", log.Fields{"error": err})
		return nil
	}
	return frags
}

func (r *Router) sendEthernet(iface string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) {
	if r.deps.Emitter == nil {
		return
	}
	if err := r.deps.Emitter.SendEthernet(iface, dst, src, ethType, pkt); err != nil {
		log.WithError(err).WithField("iface", iface).Warn("Failed to send frame")
	}
}
