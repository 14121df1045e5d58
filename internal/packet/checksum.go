package packet

import (
	"encoding/binary"
	"net/netip"

	"honeyd-engine/pkg/types"
)

// Sum adds b to the running one's complement sum.
func Sum(b []byte, initial uint32) uint32 {
	s := initial
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		s += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if n%2 == 1 {
		s += uint32(b[n-1]) << 8
	}
	return s
}

// Fold finishes a running sum into a checksum.
func Fold(s uint32) uint16 {
	for s>>16 != 0 {
		s = (s & 0xffff) + (s >> 16)
	}
	return ^uint16(s)
}

// Checksum returns the internet checksum of b.
func Checksum(b []byte) uint16 {
	return Fold(Sum(b, 0))
}

// PseudoHeaderSum returns the partial sum of the IPv4 or IPv6 pseudo header.
func PseudoHeaderSum(src, dst netip.Addr, proto types.Proto, length int) uint32 {
	var s uint32
	if src.Is4() {
		a, b := src.As4(), dst.As4()
		s = Sum(a[:], 0)
		s = Sum(b[:], s)
	} else {
		a, b := src.As16(), dst.As16()
		s = Sum(a[:], 0)
		s = Sum(b[:], s)
	}
	s += uint32(proto)
	s += uint32(length) & 0xffff
	s += uint32(length) >> 16
	return s
}

// TransportChecksumOK verifies a TCP, UDP or ICMPv6 segment including its
// checksum field.
func TransportChecksumOK(src, dst netip.Addr, proto types.Proto, seg []byte) bool {
	s := PseudoHeaderSum(src, dst, proto, len(seg))
	return Fold(Sum(seg, s)) == 0
}

// Recompute refreshes the IPv4 header checksum and the TCP, UDP, ICMP or
// ICMPv6 checksum after addresses were rewritten. Fragments keep their
// transport checksum since only the whole datagram covers it.
func Recompute(pkt []byte) {
	var (
		src, dst netip.Addr
		proto    types.Proto
		seg      []byte
	)
	switch Version(pkt) {
	case types.FamilyIPv4:
		ip, err := ParseIPv4(pkt)
		if err != nil {
			return
		}
		ip.UpdateChecksum()
		if ip.IsFragment() {
			return
		}
		src, dst, proto, seg = ip.Src(), ip.Dst(), ip.Protocol(), ip.Payload()
	case types.FamilyIPv6:
		ip, err := ParseIPv6(pkt)
		if err != nil {
			return
		}
		nh, off, ok := UpperLayer(ip)
		if !ok {
			return
		}
		src, dst, proto, seg = ip.Src(), ip.Dst(), types.Proto(nh), ip[off:]
	default:
		return
	}

	var field int
	switch proto {
	case types.ProtoTCP:
		field = 16
	case types.ProtoUDP:
		field = 6
	case types.ProtoICMP, types.ProtoICMPv6:
		field = 2
	default:
		return
	}
	if len(seg) < field+2 {
		return
	}
	seg[field], seg[field+1] = 0, 0
	var s uint32
	if proto != types.ProtoICMP {
		s = PseudoHeaderSum(src, dst, proto, len(seg))
	}
	sum := Fold(Sum(seg, s))
	if proto == types.ProtoUDP && sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(seg[field:], sum)
}
