// Package packet holds byte-level views over IP and transport headers and
// the gopacket based builders used for every outbound packet.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"honeyd-engine/pkg/types"
)

const (
	IPv4MinLen = 20
	IPv6Len    = 40
	TCPMinLen  = 20
	UDPLen     = 8
	ICMPLen    = 8
)

var (
	ErrTruncated  = errors.New("packet: truncated")
	ErrBadVersion = errors.New("packet: bad ip version")
	ErrBadHeader  = errors.New("packet: malformed header")
)

// IPv4 is a view over an IPv4 packet.
type IPv4 []byte

// ParseIPv4 validates the header and trims b to the datagram length.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4MinLen {
		return nil, ErrTruncated
	}
	if b[0]>>4 != 4 {
		return nil, ErrBadVersion
	}
	hl := int(b[0]&0x0f) * 4
	tl := int(binary.BigEndian.Uint16(b[2:]))
	if hl < IPv4MinLen || tl < hl {
		return nil, ErrBadHeader
	}
	if tl > len(b) {
		return nil, ErrTruncated
	}
	return IPv4(b[:tl]), nil
}

func (h IPv4) HeaderLen() int { return int(h[0]&0x0f) * 4 }
func (h IPv4) TOS() uint8 { return h[1] }
func (h IPv4) TotalLen() int { return int(binary.BigEndian.Uint16(h[2:])) }
func (h IPv4) ID() uint16 { return binary.BigEndian.Uint16(h[4:]) }
func (h IPv4) DF() bool { return h[6]&0x40 != 0 }
func (h IPv4) MF() bool { return h[6]&0x20 != 0 }
func (h IPv4) FragOffset() int { return int(binary.BigEndian.Uint16(h[6:])&0x1fff) * 8 }
func (h IPv4) IsFragment() bool { return h.MF() || h.FragOffset() != 0 }
func (h IPv4) TTL() uint8 { return h[8] }
func (h IPv4) Protocol() types.Proto { return types.Proto(h[9]) }
func (h IPv4) Src() netip.Addr { return netip.AddrFrom4([4]byte(h[12:16])) }
func (h IPv4) Dst() netip.Addr { return netip.AddrFrom4([4]byte(h[16:20])) }
func (h IPv4) Payload() []byte { return h[h.HeaderLen():h.TotalLen()] }

// SetTTL rewrites the TTL and the header checksum.
func (h IPv4) SetTTL(ttl uint8) {
	h[8] = ttl
	h.UpdateChecksum()
}

func (h IPv4) SetSrc(a netip.Addr) {
	b := a.As4()
	copy(h[12:16], b[:])
	h.UpdateChecksum()
}

func (h IPv4) SetDst(a netip.Addr) {
	b := a.As4()
	copy(h[16:20], b[:])
	h.UpdateChecksum()
}

func (h IPv4) SetTotalLen(n int) {
	binary.BigEndian.PutUint16(h[2:], uint16(n))
}

// SetFragment writes the flags and offset field. off is in bytes.
func (h IPv4) SetFragment(df, mf bool, off int) {
	v := uint16(off/8) & 0x1fff
	if df {
		v |= 0x4000
	}
	if mf {
		v |= 0x2000
	}
	binary.BigEndian.PutUint16(h[6:], v)
}

func (h IPv4) UpdateChecksum() {
	h[10], h[11] = 0, 0
	binary.BigEndian.PutUint16(h[10:], Checksum(h[:h.HeaderLen()]))
}

// ChecksumOK verifies the header checksum.
func (h IPv4) ChecksumOK() bool {
	return Checksum(h[:h.HeaderLen()]) == 0
}

// IPv6 is a view over an IPv6 packet.
type IPv6 []byte

// ParseIPv6 validates the fixed header and trims b to the packet length.
func ParseIPv6(b []byte) (IPv6, error) {
	if len(b) < IPv6Len {
		return nil, ErrTruncated
	}
	if b[0]>>4 != 6 {
		return nil, ErrBadVersion
	}
	n := IPv6Len + int(binary.BigEndian.Uint16(b[4:]))
	if n > len(b) {
		return nil, ErrTruncated
	}
	return IPv6(b[:n]), nil
}

func (h IPv6) PayloadLen() int { return int(binary.BigEndian.Uint16(h[4:])) }
func (h IPv6) SetPayloadLen(n int) { binary.BigEndian.PutUint16(h[4:], uint16(n)) }
func (h IPv6) NextHeader() uint8 { return h[6] }
func (h IPv6) SetNextHeader(nh uint8) { h[6] = nh }
func (h IPv6) HopLimit() uint8 { return h[7] }
func (h IPv6) SetHopLimit(v uint8) { h[7] = v }
func (h IPv6) Src() netip.Addr { return netip.AddrFrom16([16]byte(h[8:24])) }
func (h IPv6) Dst() netip.Addr { return netip.AddrFrom16([16]byte(h[24:40])) }

func (h IPv6) SetSrc(a netip.Addr) {
	b := a.As16()
	copy(h[8:24], b[:])
}

func (h IPv6) SetDst(a netip.Addr) {
	b := a.As16()
	copy(h[24:40], b[:])
}

// Version returns the IP version nibble of b, or 0 for an empty slice.
func Version(b []byte) types.Family {
	if len(b) == 0 {
		return 0
	}
	return types.Family(b[0] >> 4)
}

// TTL returns the TTL or hop limit of an IPv4 or IPv6 packet.
func TTL(b []byte) uint8 {
	if Version(b) == types.FamilyIPv6 {
		return b[7]
	}
	return b[8]
}

// SetTTL rewrites the TTL or hop limit, keeping the IPv4 checksum valid.
func SetTTL(b []byte, ttl uint8) {
	if Version(b) == types.FamilyIPv6 {
		b[7] = ttl
		return
	}
	IPv4(b).SetTTL(ttl)
}

// Addrs returns the source and destination of an IPv4 or IPv6 packet.
func Addrs(b []byte) (src, dst netip.Addr) {
	if Version(b) == types.FamilyIPv6 {
		return IPv6(b).Src(), IPv6(b).Dst()
	}
	return IPv4(b).Src(), IPv4(b).Dst()
}
