package frag

import (
	"encoding/binary"
	"errors"
	"fmt"

	"honeyd-engine/internal/packet"
)

var (
	ErrDontFragment = errors.New("frag: packet exceeds mtu with DF set")
	ErrMTUTooSmall  = errors.New("frag: mtu too small")
)

// Fragment6 splits an IPv6 packet into fragments that fit mtu. Every fragment
// repeats the unfragmentable part followed by a fragment header carrying id.
func Fragment6(pkt []byte, mtu int, id uint32) ([][]byte, error) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		return nil, err
	}
	if len(ip) <= mtu {
		return [][]byte{ip}, nil
	}
	unfrag, field, err := packet.UnfragmentablePart(ip)
	if err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}
	chunk := (mtu - (unfrag + 8)) &^ 7
	if chunk <= 0 {
		return nil, ErrMTUTooSmall
	}
	origNext := ip[field]
	body := ip[unfrag:]
	var out [][]byte
	for sent := 0; sent < len(body); sent += chunk {
		n := min(chunk, len(body)-sent)
		more := sent+n < len(body)

		f := make([]byte, unfrag+8+n)
		copy(f, ip[:unfrag])
		f[field] = packet.ExtFragment
		packet.IPv6(f).SetPayloadLen(len(f) - packet.IPv6Len)

		fh := f[unfrag : unfrag+8]
		fh[0] = origNext
		offlg := uint16(sent) & 0xfff8
		if more {
			offlg |= 1
		}
		binary.BigEndian.PutUint16(fh[2:], offlg)
		binary.BigEndian.PutUint32(fh[4:], id)
		copy(f[unfrag+8:], body[sent:sent+n])
		out = append(out, f)
	}
	return out, nil
}

// Fragment4 splits an IPv4 datagram on 8-byte boundaries. Packets with DF set
// that exceed mtu are refused.
func Fragment4(pkt []byte, mtu int) ([][]byte, error) {
	ip, err := packet.ParseIPv4(pkt)
	if err != nil {
		return nil, err
	}
	if len(ip) <= mtu {
		return [][]byte{ip}, nil
	}
	if ip.DF() {
		return nil, ErrDontFragment
	}
	hl := ip.HeaderLen()
	chunk := (mtu - hl) &^ 7
	if chunk <= 0 {
		return nil, ErrMTUTooSmall
	}
	base := ip.FragOffset()
	lastMF := ip.MF()
	body := ip.Payload()
	var out [][]byte
	for sent := 0; sent < len(body); sent += chunk {
		n := min(chunk, len(body)-sent)
		more := sent+n < len(body) || lastMF

		f := packet.IPv4(make([]byte, hl+n))
		copy(f, ip[:hl])
		copy(f[hl:], body[sent:sent+n])
		f.SetTotalLen(hl + n)
		f.SetFragment(false, more, base+sent)
		f.UpdateChecksum()
		out = append(out, f)
	}
	return out, nil
}
