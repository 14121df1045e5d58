package icmp

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// ICMPv6 error types and codes used by the engine.
const (
	TypeUnreach6      uint8 = 1
	TypeTimeExceeded6 uint8 = 3

	CodeAddrUnreach6 uint8 = 3
	CodePortUnreach6 uint8 = 4
)

// ndpHopLimit is required on every neighbor discovery message.
const ndpHopLimit = 255

// Receive6 handles an ICMPv6 packet seen on iface.
func (h *Handler) Receive6(iface string, pkt []byte) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		h.drop("truncated", nil)
		return
	}
	off := packet.NextHeaderOffset(ip, uint8(types.ProtoICMPv6))
	if off < 0 || len(ip)-off < 4 {
		h.drop("truncated", log.Fields{"src": ip.Src()})
		return
	}
	msg := ip[off:]
	if !packet.TransportChecksumOK(ip.Src(), ip.Dst(), types.ProtoICMPv6, msg) {
		h.drop("checksum", log.Fields{"src": ip.Src(), "dst": ip.Dst()})
		return
	}
	h.deps.Stats.RecordPacketIn("icmp6")

	switch ipv6.ICMPType(msg[0]) {
	case ipv6.ICMPTypeNeighborSolicitation:
		h.neighborSolicitation(iface, ip, msg)
	case ipv6.ICMPTypeNeighborAdvertisement:
		h.neighborAdvertisement(iface, ip, msg)
	case ipv6.ICMPTypeRouterAdvertisement:
		h.routerAdvertisement(ip, msg)
	case ipv6.ICMPTypeEchoRequest:
		h.echoRequest6(iface, ip, msg)
	default:
		h.drop("unhandled type", log.Fields{"type": msg[0], "src": ip.Src()})
	}
}

func (h *Handler) echoRequest6(iface string, ip packet.IPv6, msg []byte) {
	tmpl := h.owns(ip.Dst())
	if tmpl == nil || len(msg) < 8 {
		return
	}
	body := &xicmp.Echo{
		ID:   int(binary.BigEndian.Uint16(msg[4:])),
		Seq:  int(binary.BigEndian.Uint16(msg[6:])),
		Data: msg[8:],
	}
	log.WithFields(log.Fields{"src": ip.Src(), "dst": ip.Dst(), "seq": body.Seq}).Debug("Received ICMPv6 echo request")
	m := xicmp.Message{Type: ipv6.ICMPTypeEchoReply, Body: body}
	h.send6(iface, tmpl.MAC, nil, ip.Dst(), ip.Src(), &m, "echo")
}

// SendError6 sends an ICMPv6 error from src to the source of invoking,
// quoting as much of it as fits in the MTU.
func (h *Handler) SendError6(src netip.Addr, invoking []byte, typ, code uint8) {
	if len(invoking) < packet.IPv6Len {
		return
	}
	n := min(packet.IPv6Len+packet.IPv6(invoking).PayloadLen(), len(invoking))
	n = min(n, h.cfg.MTU-packet.IPv6Len-8)
	quote := invoking[:n]

	var body xicmp.MessageBody
	if typ == TypeTimeExceeded6 {
		body = &xicmp.TimeExceeded{Data: quote}
	} else {
		body = &xicmp.DstUnreach{Data: quote}
	}
	m := xicmp.Message{Type: ipv6.ICMPType(typ), Code: int(code), Body: body}
	var mac net.HardwareAddr
	if tmpl := h.owns(src); tmpl != nil {
		mac = tmpl.MAC
	}
	h.send6("", mac, nil, src, packet.IPv6(invoking).Src(), &m, "error")
}

// send6 delivers an ICMPv6 message directly on iface when both link
// addresses are known and through the router otherwise.
func (h *Handler) send6(iface string, srcMAC, dstMAC net.HardwareAddr, src, dst netip.Addr, m *xicmp.Message, kind string) {
	body, err := m.Marshal(xicmp.IPv6PseudoHeader(net.IP(src.AsSlice()), net.IP(dst.AsSlice())))
	if err != nil {
		log.WithError(err).Warn("Failed to marshal ICMPv6 message")
		return
	}
	pkt, err := packet.BuildRaw(packet.IPParams{Src: src, Dst: dst, TTL: ndpHopLimit}, types.ProtoICMPv6, body)
	if err != nil {
		log.WithError(err).Warn("Failed to build ICMPv6 packet")
		return
	}
	if iface != "" && srcMAC != nil && dstMAC != nil && h.deps.Link != nil {
		if err := h.deps.Link.SendEthernet(iface, dstMAC, srcMAC, layers.EthernetTypeIPv6, pkt); err != nil {
			log.WithError(err).WithField("iface", iface).Warn("Failed to send ICMPv6 packet")
			return
		}
	} else {
		h.deps.Out.SendIP6(pkt, types.Spoof{})
	}
	h.deps.Stats.RecordPacketOut("icmp6")
	h.deps.Stats.RecordICMPReply(kind)
}
