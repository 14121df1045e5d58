//go:build ignore

// This program generates a capture of scanner probes against the sample
// honeypot addresses, for replay with --pcap.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func main() {
	filename := "test/testdata/probes.pcap"
	if len(os.Args) > 1 {
		filename = os.Args[1]
	}

	f, err := os.Create(filename)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		panic(err)
	}

	scanner := net.ParseIP("192.0.2.1")
	host := net.ParseIP("10.0.0.5")
	scanner6 := net.ParseIP("2001:db8::100")
	host6 := net.ParseIP("2001:db8::5")
	scannerMAC, _ := net.ParseMAC("00:aa:bb:cc:dd:ee")
	ifaceMAC, _ := net.ParseMAC("02:00:00:00:00:01")
	ts := time.Now()

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	// Helper to write one frame from the scanner
	write := func(ethType layers.EthernetType, dstMAC net.HardwareAddr, ls ...gopacket.SerializableLayer) {
		eth := &layers.Ethernet{SrcMAC: scannerMAC, DstMAC: dstMAC, EthernetType: ethType}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{eth}, ls...)...); err != nil {
			panic(fmt.Sprintf("failed to serialize: %v", err))
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := w.WritePacket(ci, buf.Bytes()); err != nil {
			panic(fmt.Sprintf("failed to write packet: %v", err))
		}
		ts = ts.Add(10 * time.Millisecond)
	}
	ip4 := func(proto layers.IPProtocol) *layers.IPv4 {
		return &layers.IPv4{Version: 4, TTL: 64, Id: uint16(ts.UnixNano()), Protocol: proto, SrcIP: scanner, DstIP: host}
	}

	// === 1. ARP who-has for the host ===
	write(layers.EthernetTypeARP, layers.EthernetBroadcast, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   scannerMAC,
		SourceProtAddress: scanner.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    host.To4(),
	})

	// === 2. SYN scan ===
	for i, port := range []layers.TCPPort{22, 80, 443, 8080} {
		ip := ip4(layers.IPProtocolTCP)
		tcp := &layers.TCP{SrcPort: layers.TCPPort(40000 + i), DstPort: port, Seq: 1000, SYN: true, Window: 1024}
		tcp.SetNetworkLayerForChecksum(ip)
		write(layers.EthernetTypeIPv4, ifaceMAC, ip, tcp)
	}

	// === 3. UDP probes ===
	for _, port := range []layers.UDPPort{53, 161} {
		ip := ip4(layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 50000, DstPort: port}
		udp.SetNetworkLayerForChecksum(ip)
		write(layers.EthernetTypeIPv4, ifaceMAC, ip, udp, gopacket.Payload("probe"))
	}

	// === 4. ICMP echo ===
	write(layers.EthernetTypeIPv4, ifaceMAC, ip4(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1},
		gopacket.Payload("ping"))

	// === 5. IPv6 neighbor solicitation and echo ===
	group := net.ParseIP("ff02::1:ff00:5")
	ns6 := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: scanner6, DstIP: group}
	ns := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	ns.SetNetworkLayerForChecksum(ns6)
	write(layers.EthernetTypeIPv6, net.HardwareAddr{0x33, 0x33, 0xff, 0x00, 0x00, 0x05}, ns6, ns,
		&layers.ICMPv6NeighborSolicitation{
			TargetAddress: host6,
			Options: layers.ICMPv6Options{{
				Type: layers.ICMPv6OptSourceAddress,
				Data: scannerMAC,
			}},
		})

	echo6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolICMPv6, SrcIP: scanner6, DstIP: host6}
	echo := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	echo.SetNetworkLayerForChecksum(echo6)
	write(layers.EthernetTypeIPv6, ifaceMAC, echo6, echo, &layers.ICMPv6Echo{Identifier: 1, SeqNumber: 1}, gopacket.Payload("ping6"))

	fmt.Printf("Generated %s\n", filename)
}
