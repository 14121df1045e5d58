package icmp

import (
	"encoding/binary"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	xicmp "golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// ICMPv4 message types and codes used by the engine.
const (
	TypeUnreach4      uint8 = 3
	TypeTimeExceeded4 uint8 = 11

	CodeNetUnreach4  uint8 = 0
	CodePortUnreach4 uint8 = 3

	typeInfoRequest4 = 15
	typeInfoReply4   = 16
	typeMaskRequest4 = 17
	typeMaskReply4   = 18
)

// defaultQuoteLen is how much of the offending datagram an error carries.
const defaultQuoteLen = 40

func pktAddrs(pkt []byte) (src, dst netip.Addr) {
	switch packet.Version(pkt) {
	case types.FamilyIPv4:
		if len(pkt) < packet.IPv4MinLen {
			return
		}
	case types.FamilyIPv6:
		if len(pkt) < packet.IPv6Len {
			return
		}
	default:
		return
	}
	return packet.Addrs(pkt)
}

// Receive handles an ICMPv4 packet addressed to the virtual host tmpl.
func (h *Handler) Receive(tmpl *types.Template, pkt []byte) {
	ip, err := packet.ParseIPv4(pkt)
	if err != nil || len(ip) < ip.HeaderLen()+4 {
		h.drop("truncated", nil)
		return
	}
	msg := ip[ip.HeaderLen():]
	typ, code := msg[0], msg[1]
	tuple := types.Tuple{Family: types.FamilyIPv4, Proto: types.ProtoICMP, Src: ip.Src(), Dst: ip.Dst(),
		SPort: uint16(typ), DPort: uint16(code)}

	if tmpl != nil && types.IsBlocked(tmpl.Action(types.ProtoICMP, 0)) {
		logging.Probe(tuple, len(ip), "", "blocked")
		h.deps.Stats.RecordDrop("blocked")
		return
	}

	var profile *types.ICMPProfile
	if tmpl != nil && tmpl.Personality != nil {
		profile = tmpl.Personality.ICMPProfile()
	}
	if profile == nil {
		isEcho := typ == uint8(ipv4.ICMPTypeEcho)
		isPortUnreach := typ == TypeUnreach4 && code == CodePortUnreach4
		if !isEcho && !isPortUnreach {
			return
		}
	}
	if packet.Checksum(msg) != 0 {
		h.drop("checksum", log.Fields{"src": ip.Src(), "dst": ip.Dst()})
		return
	}
	if len(msg) < 8 {
		h.drop("short message", log.Fields{"src": ip.Src(), "type": typ})
		return
	}
	h.deps.Stats.RecordPacketIn("icmp")

	var spoof types.Spoof
	if tmpl != nil {
		spoof = tmpl.Spoof
	}
	switch {
	case typ == uint8(ipv4.ICMPTypeEcho):
		h.echoReply(tmpl, ip, profile, spoof)
	case typ == TypeUnreach4:
		h.unreachable(ip, msg)
	case typ == uint8(ipv4.ICMPTypeTimestamp) && profile.Timestamp:
		h.timestampReply(tmpl, ip, profile, spoof)
	case typ == typeMaskRequest4 && profile.Mask:
		mask := h.cfg.AddrMask.As4()
		h.idSeqReply(tmpl, ip, profile, typeMaskReply4, mask[:], "mask", spoof)
	case typ == typeInfoRequest4 && profile.Info:
		h.idSeqReply(tmpl, ip, profile, typeInfoReply4, nil, "info", spoof)
	}
}

func (h *Handler) echoReply(tmpl *types.Template, ip packet.IPv4, profile *types.ICMPProfile, spoof types.Spoof) {
	msg := ip.Payload()
	body := &xicmp.Echo{
		ID:   int(binary.BigEndian.Uint16(msg[4:])),
		Seq:  int(binary.BigEndian.Uint16(msg[6:])),
		Data: msg[8:],
	}
	m := xicmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: body}
	params := packet.IPParams{Src: ip.Dst(), Dst: ip.Src(), TTL: h.cfg.TTL}
	if profile != nil {
		m.Code = int(profile.EchoCode)
		params.TOS = profile.TOS
		params.DF = profile.DF
		if profile.TTL != 0 {
			params.TTL = profile.TTL
		}
	}
	log.WithFields(log.Fields{"src": ip.Dst(), "dst": ip.Src(), "seq": body.Seq}).Debug("Sending ICMP echo reply")
	h.send4(tmpl, params, &m, spoof, "echo")
}

func (h *Handler) unreachable(ip packet.IPv4, msg []byte) {
	if msg[1] != CodePortUnreach4 || h.deps.UDP == nil {
		return
	}
	quote := msg[8:]
	if len(quote) < packet.IPv4MinLen || packet.Version(quote) != types.FamilyIPv4 {
		return
	}
	rip := packet.IPv4(quote)
	hl := rip.HeaderLen()
	if rip.Protocol() != types.ProtoUDP || hl < packet.IPv4MinLen || len(quote) < hl+4 {
		return
	}
	udp := quote[hl:]
	t := types.Tuple{
		Family: types.FamilyIPv4,
		Proto:  types.ProtoUDP,
		Src:    rip.Dst(),
		Dst:    rip.Src(),
		SPort:  binary.BigEndian.Uint16(udp[2:]),
		DPort:  binary.BigEndian.Uint16(udp[0:]),
	}
	log.WithFields(log.Fields{"conn": t.String(), "from": ip.Src()}).Debug("Received port unreachable")
	h.deps.UDP.SoftError(t)
}

// msSinceMidnight is the ICMP timestamp of t, in local time.
func msSinceMidnight(t time.Time) uint32 {
	hh, mm, ss := t.Clock()
	return uint32((hh*3600 + mm*60 + ss) * 1000)
}

func (h *Handler) timestampReply(tmpl *types.Template, ip packet.IPv4, profile *types.ICMPProfile, spoof types.Spoof) {
	msg := ip.Payload()
	if len(msg) < 20 {
		h.drop("short timestamp", log.Fields{"src": ip.Src()})
		return
	}
	orig := binary.BigEndian.Uint32(msg[8:])
	rx := binary.BigEndian.Uint32(msg[12:])

	// id, seq, originate, receive, transmit and six bytes of padding
	data := make([]byte, 4+12+6)
	copy(data[0:4], msg[4:8])
	binary.BigEndian.PutUint32(data[4:], orig)
	binary.BigEndian.PutUint32(data[8:], orig+msSinceMidnight(h.deps.Now()))
	binary.BigEndian.PutUint32(data[12:], rx)

	m := xicmp.Message{Type: ipv4.ICMPTypeTimestampReply, Body: &xicmp.RawBody{Data: data}}
	params := packet.IPParams{Src: ip.Dst(), Dst: ip.Src(), TTL: h.replyTTL(profile), TOS: ip.TOS(), DF: ip.DF()}
	h.send4(tmpl, params, &m, spoof, "timestamp")
}

func (h *Handler) idSeqReply(tmpl *types.Template, ip packet.IPv4, profile *types.ICMPProfile, typ int, extra []byte, kind string, spoof types.Spoof) {
	msg := ip.Payload()
	data := make([]byte, 4+len(extra))
	copy(data, msg[4:8])
	copy(data[4:], extra)
	m := xicmp.Message{Type: ipv4.ICMPType(typ), Body: &xicmp.RawBody{Data: data}}
	params := packet.IPParams{Src: ip.Dst(), Dst: ip.Src(), TTL: h.replyTTL(profile), TOS: ip.TOS(), DF: ip.DF()}
	h.send4(tmpl, params, &m, spoof, kind)
}

func (h *Handler) replyTTL(profile *types.ICMPProfile) uint8 {
	if profile != nil && profile.TTL != 0 {
		return profile.TTL
	}
	return h.cfg.TTL
}

// SendError4 sends an ICMPv4 error from src about the datagram invoking. The
// personality of tmpl may veto the error or adjust it.
func (h *Handler) SendError4(tmpl *types.Template, src netip.Addr, typ, code uint8, invoking []byte, spoof types.Spoof) {
	if len(invoking) < packet.IPv4MinLen {
		return
	}
	reply := types.ErrorReply{QuoteLen: defaultQuoteLen, TTL: h.cfg.TTL}
	if tmpl != nil && tmpl.Personality != nil {
		var ok bool
		if reply, ok = tmpl.Personality.ErrorProfile(typ, code, reply); !ok {
			return
		}
	}
	if reply.TTL == 0 {
		reply.TTL = h.cfg.TTL
	}
	quote := min(max(reply.QuoteLen, 0), packet.IPv4(invoking).TotalLen(), len(invoking))

	body := xicmp.RawBody{Data: make([]byte, 4+quote)}
	copy(body.Data[4:], invoking[:quote])
	m := xicmp.Message{Type: ipv4.ICMPType(typ), Code: int(code), Body: &body}
	params := packet.IPParams{Src: src, Dst: packet.IPv4(invoking).Src(), TTL: reply.TTL, TOS: reply.TOS, DF: reply.DF}
	h.send4(tmpl, params, &m, spoof, "error")
}

func (h *Handler) send4(tmpl *types.Template, params packet.IPParams, m *xicmp.Message, spoof types.Spoof, kind string) {
	body, err := m.Marshal(nil)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal ICMP message")
		return
	}
	if tmpl != nil && tmpl.Personality != nil {
		params.ID = tmpl.Personality.IPID()
	} else {
		params.ID = uint16(h.deps.Rand.Uint32())
	}
	pkt, err := packet.BuildRaw(params, types.ProtoICMP, body)
	if err != nil {
		log.WithError(err).Warn("Failed to build ICMP packet")
		return
	}
	h.deps.Out.SendIP(pkt, spoof)
	h.deps.Stats.RecordPacketOut("icmp")
	h.deps.Stats.RecordICMPReply(kind)
}
