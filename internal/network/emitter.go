package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"honeyd-engine/internal/packet"
)

var (
	ErrNoLinkAddress = errors.New("network: no link address for next hop")
	ErrNoPort        = errors.New("network: unknown interface")
)

// PacketWriter puts raw frames on a link. *pcap.Handle implements it.
type PacketWriter interface {
	WritePacketData(data []byte) error
}

// Resolver finds the link address of the next hop towards addr.
type Resolver interface {
	LinkAddr(addr netip.Addr) (net.HardwareAddr, bool)
}

// Port is one interface a LinkEmitter can write to.
type Port struct {
	Name     string
	Writer   PacketWriter
	LinkType layers.LinkType
	MAC      net.HardwareAddr
	// Gateway is the link address used for IP packets whose next hop was
	// never resolved.
	Gateway net.HardwareAddr
}

// LinkEmitter injects packets on live interfaces.
type LinkEmitter struct {
	ports    map[string]Port
	first    string
	resolver Resolver
	mu       sync.Mutex
}

// NewLinkEmitter creates an emitter over ports. The first port carries
// packets that name no interface.
func NewLinkEmitter(ports ...Port) (*LinkEmitter, error) {
	if len(ports) == 0 {
		return nil, errors.New("network: no output ports")
	}
	e := &LinkEmitter{ports: make(map[string]Port, len(ports)), first: ports[0].Name}
	for _, p := range ports {
		e.ports[p.Name] = p
	}
	return e, nil
}

// SetResolver installs the next hop lookup.
func (e *LinkEmitter) SetResolver(r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = r
}

func (e *LinkEmitter) SendIP(pkt []byte) error {
	return e.sendIP(pkt, layers.EthernetTypeIPv4)
}

func (e *LinkEmitter) SendIP6(pkt []byte) error {
	return e.sendIP(pkt, layers.EthernetTypeIPv6)
}

func (e *LinkEmitter) sendIP(pkt []byte, ethType layers.EthernetType) error {
	p := e.ports[e.first]
	switch p.LinkType {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return p.Writer.WritePacketData(pkt)
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return p.Writer.WritePacketData(nullFrame(pkt, ethType))
	}

	_, dst := packet.Addrs(pkt)
	mac := p.Gateway
	e.mu.Lock()
	r := e.resolver
	e.mu.Unlock()
	if r != nil {
		if m, ok := r.LinkAddr(dst); ok {
			mac = m
		}
	}
	if mac == nil {
		return fmt.Errorf("%w: %s", ErrNoLinkAddress, dst)
	}
	frame, err := packet.BuildEthernet(mac, p.MAC, ethType, pkt)
	if err != nil {
		return err
	}
	return p.Writer.WritePacketData(frame)
}

func (e *LinkEmitter) SendEthernet(iface string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) error {
	if iface == "" {
		iface = e.first
	}
	p, ok := e.ports[iface]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPort, iface)
	}
	if p.LinkType != layers.LinkTypeEthernet {
		return fmt.Errorf("network: %s has no ethernet framing", iface)
	}
	frame, err := packet.BuildEthernet(dst, src, ethType, pkt)
	if err != nil {
		return err
	}
	return p.Writer.WritePacketData(frame)
}

// FileEmitter records emitted packets to a pcap file with ethernet framing.
type FileEmitter struct {
	w   *pcapgo.Writer
	c   io.Closer
	now func() time.Time
	mu  sync.Mutex
}

// NewFileEmitter writes a pcap header to w. now stamps each record.
func NewFileEmitter(w io.WriteCloser, now func() time.Time) (*FileEmitter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &FileEmitter{w: pw, c: w, now: now}, nil
}

// IP packets carry zero link addresses; nothing on the wire answered for them.
func (f *FileEmitter) SendIP(pkt []byte) error {
	return f.SendEthernet("", zeroMAC, zeroMAC, layers.EthernetTypeIPv4, pkt)
}

func (f *FileEmitter) SendIP6(pkt []byte) error {
	return f.SendEthernet("", zeroMAC, zeroMAC, layers.EthernetTypeIPv6, pkt)
}

func (f *FileEmitter) SendEthernet(_ string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) error {
	frame, err := packet.BuildEthernet(dst, src, ethType, pkt)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ci := gopacket.CaptureInfo{Timestamp: f.now(), CaptureLength: len(frame), Length: len(frame)}
	return f.w.WritePacket(ci, frame)
}

// Close closes the underlying file.
func (f *FileEmitter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.c.Close()
}

// Discard drops every packet and counts them.
type Discard struct {
	packets atomic.Uint64
}

func (d *Discard) SendIP([]byte) error  { d.packets.Add(1); return nil }
func (d *Discard) SendIP6([]byte) error { d.packets.Add(1); return nil }

func (d *Discard) SendEthernet(string, net.HardwareAddr, net.HardwareAddr, layers.EthernetType, []byte) error {
	d.packets.Add(1)
	return nil
}

// Packets returns the number of packets dropped.
func (d *Discard) Packets() uint64 { return d.packets.Load() }

var zeroMAC = make(net.HardwareAddr, 6)

// BSD loopback family values.
const (
	nullFamilyInet  = 2
	nullFamilyInet6 = 24
)

func nullFrame(pkt []byte, ethType layers.EthernetType) []byte {
	family := uint32(nullFamilyInet)
	if ethType == layers.EthernetTypeIPv6 {
		family = nullFamilyInet6
	}
	out := make([]byte, 4+len(pkt))
	// the loopback header is in host byte order
	binary.NativeEndian.PutUint32(out, family)
	copy(out[4:], pkt)
	return out
}
