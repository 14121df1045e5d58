package packet

import (
	"encoding/binary"

	"honeyd-engine/pkg/types"
)

// TCP is a view over a TCP segment.
type TCP []byte

// ParseTCP checks that b holds a complete header including options.
func ParseTCP(b []byte) (TCP, error) {
	if len(b) < TCPMinLen {
		return nil, ErrTruncated
	}
	off := int(b[12]>>4) * 4
	if off < TCPMinLen {
		return nil, ErrBadHeader
	}
	if off > len(b) {
		return nil, ErrTruncated
	}
	return TCP(b), nil
}

func (t TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(t[0:]) }
func (t TCP) DstPort() uint16 { return binary.BigEndian.Uint16(t[2:]) }
func (t TCP) Seq() uint32 { return binary.BigEndian.Uint32(t[4:]) }
func (t TCP) Ack() uint32 { return binary.BigEndian.Uint32(t[8:]) }
func (t TCP) DataOffset() int { return int(t[12]>>4) * 4 }
func (t TCP) Flags() types.TCPFlags { return types.TCPFlags(t[13] & 0x3f) }
func (t TCP) Window() uint16 { return binary.BigEndian.Uint16(t[14:]) }
func (t TCP) Options() []byte { return t[TCPMinLen:t.DataOffset()] }
func (t TCP) Payload() []byte { return t[t.DataOffset():] }

// UDP is a view over a UDP datagram.
type UDP []byte

// ParseUDP checks that b holds a UDP header.
func ParseUDP(b []byte) (UDP, error) {
	if len(b) < UDPLen {
		return nil, ErrTruncated
	}
	return UDP(b), nil
}

func (u UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(u[0:]) }
func (u UDP) DstPort() uint16 { return binary.BigEndian.Uint16(u[2:]) }
func (u UDP) Length() int { return int(binary.BigEndian.Uint16(u[4:])) }
func (u UDP) Checksum() uint16 { return binary.BigEndian.Uint16(u[6:]) }
func (u UDP) Payload() []byte { return u[UDPLen:] }

// Transport locates the transport header of an IPv4 or IPv6 packet. For
// IPv6 the extension chain is walked for proto.
func Transport(pkt []byte, proto types.Proto) ([]byte, bool) {
	switch Version(pkt) {
	case types.FamilyIPv4:
		ip := IPv4(pkt)
		if len(pkt) < IPv4MinLen || ip.HeaderLen() > len(pkt) {
			return nil, false
		}
		end := ip.TotalLen()
		if end > len(pkt) {
			end = len(pkt)
		}
		if ip.HeaderLen() > end {
			return nil, false
		}
		return pkt[ip.HeaderLen():end], true
	case types.FamilyIPv6:
		off := NextHeaderOffset(pkt, uint8(proto))
		if off < 0 {
			return nil, false
		}
		end := IPv6Len + IPv6(pkt).PayloadLen()
		if end > len(pkt) || off > end {
			return nil, false
		}
		return pkt[off:end], true
	}
	return nil, false
}
