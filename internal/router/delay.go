package router

import (
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// Mode says how a delayed packet is delivered. The variants are Internal,
// External, Tunnel, Ethernet, Unreachable and TTLExceeded.
type Mode interface {
	String() string
	isMode()
}

// Internal delivers to a virtual host.
type Internal struct{}

// External puts the packet on the wire.
type External struct{}

// Tunnel wraps the packet in GRE from Src to Dst.
type Tunnel struct{ Src, Dst netip.Addr }

// Ethernet delivers to a physical host that is part of the topology.
type Ethernet struct{}

// Unreachable answers with network unreachable from the router From.
type Unreachable struct{ From netip.Addr }

// TTLExceeded answers with time exceeded from the router From.
type TTLExceeded struct{ From netip.Addr }

func (Internal) String() string    { return "internal" }
func (External) String() string    { return "external" }
func (Tunnel) String() string      { return "tunnel" }
func (Ethernet) String() string    { return "ethernet" }
func (Unreachable) String() string { return "unreachable" }
func (TTLExceeded) String() string { return "ttl exceeded" }

func (Internal) isMode()    {}
func (External) isMode()    {}
func (Tunnel) isMode()      {}
func (Ethernet) isMode()    {}
func (Unreachable) isMode() {}
func (TTLExceeded) isMode() {}

// Delay is a packet in flight through the topology. When Handle is valid the
// arena owns the packet and it is freed after delivery.
type Delay struct {
	Handle   arena.Handle
	Len      int
	Mode     Mode
	Template *types.Template
	Spoof    types.Spoof
	At       time.Time
}

// Delay delivers pkt after the given time. A zero delay delivers at once;
// otherwise pkt is copied into the arena unless d already owns it, and a
// one-shot timer delivers it exactly once.
func (r *Router) Delay(d Delay, pkt []byte, after time.Duration) {
	if after <= 0 {
		r.deliver(d, pkt)
		r.release(d)
		return
	}
	if !d.Handle.Valid() {
		d.Handle, pkt = r.deps.Arena.Copy(pkt)
	}
	d.Len = len(pkt)
	d.At = r.deps.Sched.Now().Add(after)
	r.deps.Stats.RecordDelayed()
	r.deps.Sched.AfterFunc(after, func() {
		buf, err := r.deps.Arena.Bytes(d.Handle)
		if err != nil {
			log.WithError(err).Warn("Delayed packet buffer is gone")
			return
		}
		r.deliver(d, buf[:d.Len])
		r.release(d)
	})
}

func (r *Router) release(d Delay) {
	if d.Handle.Valid() {
		_ = r.deps.Arena.Free(d.Handle)
	}
}

func (r *Router) deliver(d Delay, pkt []byte) {
	v4 := packet.Version(pkt) == types.FamilyIPv4
	switch m := d.Mode.(type) {
	case TTLExceeded:
		if r.icmp == nil {
			return
		}
		if v4 {
			ip := packet.IPv4(pkt)
			ip.SetTTL(ip.TTL() + 1)
			r.icmp.SendError4(d.Template, m.From, icmp.TypeTimeExceeded4, 0, pkt, d.Spoof)
			return
		}
		r.icmp.SendError6(m.From, pkt, icmp.TypeTimeExceeded6, 0)
	case Unreachable:
		if r.icmp == nil {
			return
		}
		if v4 {
			ip := packet.IPv4(pkt)
			ip.SetTTL(ip.TTL() + 1)
			r.icmp.SendError4(d.Template, m.From, icmp.TypeUnreach4, icmp.CodeNetUnreach4, pkt, types.Spoof{})
			return
		}
		r.icmp.SendError6(m.From, pkt, icmp.TypeUnreach6, icmp.CodeAddrUnreach6)
	case External:
		r.external(d.Template, pkt)
	case Tunnel:
		if !v4 {
			log.WithFields(log.Fields{"src": m.Src, "dst": m.Dst}).Debug("IPv6 tunnels are not supported, dropping packet")
			return
		}
		r.tunnel(m, pkt)
	case Ethernet:
		r.ethernet(pkt)
	default:
		r.internal(pkt)
	}
}

// internal reassembles fragments and hands the packet to its virtual host.
func (r *Router) internal(pkt []byte) {
	if r.disp == nil {
		return
	}
	if packet.Version(pkt) == types.FamilyIPv4 {
		ip := packet.IPv4(pkt)
		tmpl := r.template(ip.Dst(), pkt)
		if !ip.IsFragment() {
			r.disp.Dispatch4(tmpl, pkt)
			return
		}
		if r.deps.Frag4 == nil {
			return
		}
		h, n, done, err := r.deps.Frag4.Process(pkt)
		if err != nil {
			r.drop("fragment", log.Fields{"error": err, "src": ip.Src()})
			return
		}
		if done {
			r.dispatchOwned(h, n, func(b []byte) { r.disp.Dispatch4(tmpl, b) })
		}
		return
	}

	ip := packet.IPv6(pkt)
	tmpl := r.template(ip.Dst(), pkt)
	if packet.NextHeaderOffset(pkt, packet.ExtFragment) < 0 {
		r.disp.Dispatch6(tmpl, pkt)
		return
	}
	if r.deps.Frag6 == nil {
		return
	}
	h, n, done, err := r.deps.Frag6.Process(pkt)
	if err != nil {
		r.drop("fragment", log.Fields{"error": err, "src": ip.Src()})
		return
	}
	if done {
		r.dispatchOwned(h, n, func(b []byte) { r.disp.Dispatch6(tmpl, b) })
	}
}

func (r *Router) dispatchOwned(h arena.Handle, n int, fn func([]byte)) {
	buf, err := r.deps.Arena.Bytes(h)
	if err != nil {
		return
	}
	fn(buf[:n])
	_ = r.deps.Arena.Free(h)
}

// external puts a packet from a virtual host on the wire. Hosts with their
// own link address on the interface facing the destination are framed
// directly.
func (r *Router) external(tmpl *types.Template, pkt []byte) {
	src, dst := packet.Addrs(pkt)
	if tmpl != nil && tmpl.MAC != nil && tmpl.Interface != "" && r.responsible(dst) == tmpl.Interface {
		if packet.Version(pkt) == types.FamilyIPv4 {
			r.ethernet4(tmpl.Interface, tmpl.MAC, pkt)
		} else {
			r.ethernet6(tmpl.Interface, tmpl.MAC, nil, src, pkt)
		}
		return
	}
	if packet.Version(pkt) == types.FamilyIPv4 {
		r.emit(false, pkt)
		return
	}
	for _, f := range r.fragment6(pkt) {
		r.emit(true, f)
	}
}

// ethernet delivers to a physical host integrated into the topology, using
// the router in front of it as the link-level source.
func (r *Router) ethernet(pkt []byte) {
	src, dst := packet.Addrs(pkt)
	iface := r.responsible(dst)
	mac := r.ifaceMAC(iface)
	if mac == nil {
		log.WithField("dst", dst).Error("No ethernet interface for physical host")
		return
	}
	if r.cfg.Enabled {
		node := r.deps.Topology.Reverse(dst)
		if node == nil {
			log.WithField("dst", dst).Error("No reverse route for physical host")
			return
		}
		src = node.Addr
	}
	if packet.Version(pkt) == types.FamilyIPv4 {
		r.ethernet4(iface, mac, pkt)
		return
	}
	r.ethernet6(iface, mac, nil, src, pkt)
}

// tunnel wraps an IPv4 packet in GRE.
func (r *Router) tunnel(t Tunnel, pkt []byte) {
	packet.IPv4(pkt).UpdateChecksum()
	out, err := packet.BuildGRE(packet.IPParams{Src: t.Src, Dst: t.Dst, TTL: r.cfg.TTL}, pkt)
	if err != nil {
		log.WithError(err).Error("Failed to encapsulate packet")
		return
	}
	r.emit(false, out)
}

// ethernet4 frames an IPv4 packet for a neighbor whose link address was
// learned from the wire. Unknown neighbors are left to the raw IP path.
func (r *Router) ethernet4(iface string, srcMAC net.HardwareAddr, pkt []byte) {
	ip := packet.IPv4(pkt)
	ip.UpdateChecksum()
	if mac, ok := r.arp[ip.Dst()]; ok {
		r.sendEthernet(iface, mac, srcMAC, layers.EthernetTypeIPv4, pkt)
		return
	}
	r.emit(false, pkt)
}

func (r *Router) emit(v6 bool, pkt []byte) {
	if r.deps.Emitter == nil {
		return
	}
	send := r.deps.Emitter.SendIP
	if v6 {
		send = r.deps.Emitter.SendIP6
	}
	if err := send(pkt); err != nil {
		log.WithError(err).Warn("Failed to send packet")
	}
}

func (r *Router) responsible(dst netip.Addr) string {
	if r.deps.Links == nil {
		return ""
	}
	return r.deps.Links.Responsible(dst)
}

func (r *Router) ifaceMAC(iface string) net.HardwareAddr {
	if r.deps.Links == nil || iface == "" {
		return nil
	}
	return r.deps.Links.MAC(iface)
}
