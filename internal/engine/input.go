package engine

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"

	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/randhost"
	"honeyd-engine/pkg/types"
)

const (
	dhcpServerPort = 67
	dhcpClientPort = 68
	// loopback headers carry the address family ahead of the packet.
	nullHeaderLen = 4
)

// HandleFrame takes one captured frame into the engine.
func (e *Engine) HandleFrame(f Frame) {
	if e.cfg.FrameClock && f.Timestamp.After(e.now) {
		e.now = f.Timestamp
		e.sched.RunDue()
	}
	ifc, ok := e.ifaces[f.Iface]
	if !ok && len(e.deps.Interfaces) == 1 {
		ifc = e.deps.Interfaces[0]
	}

	switch ifc.LinkType {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		e.handleIP(ifc, nil, f.Data)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		if len(f.Data) < nullHeaderLen {
			e.drop("short frame", nil)
			return
		}
		e.handleIP(ifc, nil, f.Data[nullHeaderLen:])
	default:
		e.handleEthernet(ifc, f.Data)
	}
}

func (e *Engine) handleEthernet(ifc Interface, data []byte) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		e.drop("bad ethernet", log.Fields{"error": err})
		return
	}
	if e.ownMACs[eth.SrcMAC.String()] {
		return
	}
	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		e.handleARP(ifc, eth.Payload)
	case layers.EthernetTypeIPv4, layers.EthernetTypeIPv6:
		e.handleIP(ifc, eth.SrcMAC, eth.Payload)
	}
}

func (e *Engine) handleIP(ifc Interface, srcMAC net.HardwareAddr, data []byte) {
	switch packet.Version(data) {
	case types.FamilyIPv4:
		e.input4(ifc, srcMAC, data)
	case types.FamilyIPv6:
		e.input6(ifc, data)
	default:
		e.drop("bad version", nil)
	}
}

func (e *Engine) input4(ifc Interface, srcMAC net.HardwareAddr, data []byte) {
	ip, err := packet.ParseIPv4(data)
	if err != nil {
		e.drop("bad ipv4 header", log.Fields{"error": err})
		return
	}
	if srcMAC != nil {
		e.router.Learn(ip.Src(), srcMAC)
	}
	for _, a := range ifc.Addrs {
		if a == ip.Dst() && (!e.router.Enabled() || ip.Protocol() != types.ProtoGRE) {
			return
		}
	}
	if srcMAC != nil && ip.Protocol() == types.ProtoUDP && !ip.IsFragment() {
		if u, err := packet.ParseUDP(ip.Payload()); err == nil &&
			u.SrcPort() == dhcpServerPort && u.DstPort() == dhcpClientPort {
			log.WithField("server", ip.Src()).Debug("Ignoring DHCP response")
			return
		}
	}
	e.router.Input(ifc.Name, ip)
}

func (e *Engine) input6(ifc Interface, data []byte) {
	ip, err := packet.ParseIPv6(data)
	if err != nil {
		e.drop("bad ipv6 header", log.Fields{"error": err})
		return
	}

	if isRouterAdvert(ip) {
		e.icmp.Receive6(ifc.Name, ip)
		return
	}

	src, dst := ip.Src(), ip.Dst()
	fromSelf := e.deps.Templates.Find(src) != nil
	if fromSelf && !e.router.Enabled() {
		return
	}
	owner := e.owner6(dst)
	if owner == nil && !fromSelf && e.random != nil {
		owner = e.admit(ifc, ip)
	}
	if owner == nil {
		return
	}
	e.router.Input(ifc.Name, ip)
}

// owner6 returns the template answering for dst. Multicast groups answer
// through their first member.
func (e *Engine) owner6(dst netip.Addr) *types.Template {
	if t := e.deps.Templates.Find(dst); t != nil {
		return t
	}
	if dst.IsMulticast() {
		if member, ok := e.icmp.Groups().FirstMember(dst); ok {
			return e.deps.Templates.Find(member)
		}
	}
	return nil
}

// admit offers the address a packet probes to random host mode.
func (e *Engine) admit(ifc Interface, ip packet.IPv6) *types.Template {
	addr, ok := randhost.Candidate(ip)
	if !ok {
		return nil
	}
	t, err := e.random.Admit(addr, ifc.Name)
	if err != nil {
		return nil
	}
	e.register(addr, t)
	return e.owner6(ip.Dst())
}

func isRouterAdvert(ip packet.IPv6) bool {
	off := packet.NextHeaderOffset(ip, uint8(types.ProtoICMPv6))
	return off >= 0 && off < len(ip) && ipv6.ICMPType(ip[off]) == ipv6.ICMPTypeRouterAdvertisement
}

// Dispatch4 hands an IPv4 packet to its protocol handler.
func (e *Engine) Dispatch4(tmpl *types.Template, pkt []byte) {
	ip := packet.IPv4(pkt)
	if tmpl == nil && ip.Protocol() != types.ProtoICMP {
		e.drop("no template", log.Fields{"dst": ip.Dst()})
		return
	}
	switch ip.Protocol() {
	case types.ProtoTCP:
		e.tcp.Receive(tmpl, pkt)
	case types.ProtoUDP:
		e.udp.Receive(tmpl, pkt)
	case types.ProtoICMP:
		e.icmp.Receive(tmpl, pkt)
	default:
		e.drop("unsupported protocol", log.Fields{"proto": ip.Protocol(), "dst": ip.Dst()})
	}
}

// Dispatch6 hands an IPv6 packet to its protocol handler.
func (e *Engine) Dispatch6(tmpl *types.Template, pkt []byte) {
	proto, _, ok := packet.UpperLayer(pkt)
	if !ok {
		e.drop("no upper layer", nil)
		return
	}
	dst := packet.IPv6(pkt).Dst()
	if tmpl == nil && types.Proto(proto) != types.ProtoICMPv6 {
		if tmpl = e.owner6(dst); tmpl == nil {
			e.drop("no template", log.Fields{"dst": dst})
			return
		}
	}
	switch types.Proto(proto) {
	case types.ProtoTCP:
		e.tcp.Receive(tmpl, pkt)
	case types.ProtoUDP:
		e.udp.Receive(tmpl, pkt)
	case types.ProtoICMPv6:
		e.icmp.Receive6(e.ifaceFor(tmpl, dst), pkt)
	default:
		e.drop("unsupported protocol", log.Fields{"proto": proto, "dst": dst})
	}
}

func (e *Engine) ifaceFor(tmpl *types.Template, dst netip.Addr) string {
	if tmpl != nil && tmpl.Interface != "" {
		return tmpl.Interface
	}
	if t := e.owner6(dst); t != nil && t.Interface != "" {
		return t.Interface
	}
	return links{e}.Responsible(dst)
}

// handleARP learns the sender of every ARP packet and answers requests for
// hosts that have their own link address.
func (e *Engine) handleARP(ifc Interface, data []byte) {
	var arp layers.ARP
	if err := arp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		e.drop("bad arp", log.Fields{"error": err})
		return
	}
	if arp.AddrType != layers.LinkTypeEthernet || arp.Protocol != layers.EthernetTypeIPv4 ||
		len(arp.SourceProtAddress) != 4 || len(arp.DstProtAddress) != 4 {
		return
	}
	spa := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
	tpa := netip.AddrFrom4([4]byte(arp.DstProtAddress))
	e.router.Learn(spa, net.HardwareAddr(arp.SourceHwAddress))

	if arp.Operation != layers.ARPRequest {
		return
	}
	t := e.deps.Templates.Find(tpa)
	if t == nil || t.MAC == nil || (t.Interface != "" && t.Interface != ifc.Name) {
		return
	}
	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   t.MAC,
		SourceProtAddress: tpa.AsSlice(),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := reply.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		log.WithError(err).Warn("Failed to build ARP reply")
		return
	}
	log.WithFields(log.Fields{"addr": tpa, "to": spa}).Debug("Answering ARP request")
	if err := e.deps.Emitter.SendEthernet(ifc.Name, net.HardwareAddr(arp.SourceHwAddress), t.MAC, layers.EthernetTypeARP, buf.Bytes()); err != nil {
		log.WithError(err).Warn("Failed to send ARP reply")
	}
}
