package packet

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"honeyd-engine/pkg/types"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// IPParams describes the IP header of an outbound packet. ID and DF apply to
// IPv4 only; TTL is the hop limit for IPv6.
type IPParams struct {
	Src netip.Addr
	Dst netip.Addr
	TTL uint8
	TOS uint8
	ID  uint16
	DF  bool
}

// Family returns the family of the source address.
func (p IPParams) Family() types.Family {
	if p.Src.Is4() {
		return types.FamilyIPv4
	}
	return types.FamilyIPv6
}

func (p IPParams) network(proto types.Proto) (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	if p.Family() == types.FamilyIPv4 {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TOS:      p.TOS,
			Id:       p.ID,
			TTL:      p.TTL,
			Protocol: layers.IPProtocol(proto),
			SrcIP:    net.IP(p.Src.AsSlice()),
			DstIP:    net.IP(p.Dst.AsSlice()),
		}
		if p.DF {
			ip.Flags = layers.IPv4DontFragment
		}
		return ip, ip
	}
	ip := &layers.IPv6{
		Version:      6,
		TrafficClass: p.TOS,
		NextHeader:   layers.IPProtocol(proto),
		HopLimit:     p.TTL,
		SrcIP:        net.IP(p.Src.AsSlice()),
		DstIP:        net.IP(p.Dst.AsSlice()),
	}
	return ip, ip
}

func serialize(ls ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildTCP serializes an IP packet carrying tcp and payload with lengths and
// checksums filled in.
func BuildTCP(p IPParams, tcp *layers.TCP, payload []byte) ([]byte, error) {
	ip, nl := p.network(types.ProtoTCP)
	if err := tcp.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, fmt.Errorf("tcp checksum: %w", err)
	}
	return serialize(ip, tcp, gopacket.Payload(payload))
}

// BuildUDP serializes an IP packet carrying a UDP datagram.
func BuildUDP(p IPParams, sport, dport uint16, payload []byte) ([]byte, error) {
	ip, nl := p.network(types.ProtoUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(nl); err != nil {
		return nil, fmt.Errorf("udp checksum: %w", err)
	}
	return serialize(ip, udp, gopacket.Payload(payload))
}

// BuildRaw serializes an IP packet around an already encoded body.
func BuildRaw(p IPParams, proto types.Proto, body []byte) ([]byte, error) {
	ip, _ := p.network(proto)
	return serialize(ip, gopacket.Payload(body))
}

// BuildGRE wraps an IPv4 packet in GRE inside an outer IPv4 header.
func BuildGRE(outer IPParams, inner []byte) ([]byte, error) {
	ip, _ := outer.network(types.ProtoGRE)
	gre := &layers.GRE{Protocol: layers.EthernetTypeIPv4}
	return serialize(ip, gre, gopacket.Payload(inner))
}

// BuildEthernet frames pkt for the wire.
func BuildEthernet(dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: ethType}
	return serialize(eth, gopacket.Payload(pkt))
}

// TCPOption returns a TCP option with its length filled in.
func TCPOption(kind layers.TCPOptionKind, data []byte) layers.TCPOption {
	return layers.TCPOption{OptionType: kind, OptionLength: uint8(len(data) + 2), OptionData: data}
}
