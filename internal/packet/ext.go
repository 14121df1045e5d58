package packet

// IPv6 extension header identifiers.
const (
	ExtHopByHop uint8 = 0
	ExtRouting  uint8 = 43
	ExtFragment uint8 = 44
	ExtESP      uint8 = 50
	ExtAH       uint8 = 51
	ExtNone     uint8 = 59
	ExtDestOpts uint8 = 60
)

// IsExtension reports whether nh names an IPv6 extension header.
func IsExtension(nh uint8) bool {
	switch nh {
	case ExtHopByHop, ExtRouting, ExtFragment, ExtESP, ExtAH, ExtNone, ExtDestOpts:
		return true
	}
	return false
}

func extLen(nh uint8, hdr []byte) int {
	if nh == ExtAH {
		return (int(hdr[1]) + 2) * 4
	}
	return int(hdr[1])*8 + 8
}

// NextHeaderOffset walks the extension chain of an IPv6 packet and returns
// the offset of the first header of type want, or -1 when the chain ends in
// a different upper-layer header or is truncated.
func NextHeaderOffset(pkt []byte, want uint8) int {
	if len(pkt) < IPv6Len {
		return -1
	}
	nh, off := pkt[6], IPv6Len
	for {
		if nh == want {
			return off
		}
		if !IsExtension(nh) || nh == ExtNone || nh == ExtESP {
			return -1
		}
		if off+2 > len(pkt) {
			return -1
		}
		next := pkt[off]
		off += extLen(nh, pkt[off:])
		if off > len(pkt) {
			return -1
		}
		nh = next
	}
}

// UpperLayer returns the first non-extension header of an IPv6 packet and
// its offset. ok is false when no upper layer can be located.
func UpperLayer(pkt []byte) (proto uint8, off int, ok bool) {
	if len(pkt) < IPv6Len {
		return 0, 0, false
	}
	nh, off := pkt[6], IPv6Len
	for IsExtension(nh) {
		if nh == ExtNone || nh == ExtESP || off+2 > len(pkt) {
			return nh, off, false
		}
		next := pkt[off]
		off += extLen(nh, pkt[off:])
		if off > len(pkt) {
			return 0, 0, false
		}
		nh = next
	}
	return nh, off, true
}

// UnfragmentablePart returns the length of the part of an IPv6 packet that is
// repeated in every fragment and the offset of the next-header byte that
// names what follows it. Hop-by-Hop and Routing headers are unfragmentable;
// Destination Options only when a Routing header follows.
func UnfragmentablePart(pkt []byte) (unfrag, nextField int, err error) {
	if len(pkt) < IPv6Len {
		return 0, 0, ErrTruncated
	}
	nh, off, field := pkt[6], IPv6Len, 6
	for {
		switch nh {
		case ExtHopByHop, ExtRouting:
		case ExtDestOpts:
			if off+2 > len(pkt) {
				return 0, 0, ErrTruncated
			}
			if pkt[off] != ExtRouting {
				return off, field, nil
			}
		default:
			return off, field, nil
		}
		if off+2 > len(pkt) {
			return 0, 0, ErrTruncated
		}
		field = off
		nh = pkt[off]
		off += extLen(ExtRouting, pkt[off:])
		if off > len(pkt) {
			return 0, 0, ErrTruncated
		}
	}
}
