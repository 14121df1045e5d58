// Package enginetest provides fakes and packet helpers for handler tests.
package enginetest

import (
	"bytes"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

// NewScheduler returns a scheduler driven by a manual clock.
func NewScheduler() (*timer.Scheduler, *timer.ManualClock) {
	clk := timer.NewManualClock(time.Unix(1000, 0))
	return timer.New(clk.Now), clk
}

// Advance moves the clock forward in one second steps, running timers as
// they fall due.
func Advance(s *timer.Scheduler, clk *timer.ManualClock, d time.Duration) {
	end := clk.Now().Add(d)
	for clk.Now().Before(end) {
		step := time.Second
		if rest := end.Sub(clk.Now()); rest < step {
			step = rest
		}
		clk.Advance(step)
		s.RunDue()
	}
}

// Sent is one packet handed to a Sender.
type Sent struct {
	Pkt   []byte
	Spoof types.Spoof
	IPv6  bool
}

// Sender records packets from the virtual host output path.
type Sender struct {
	Packets []Sent
}

func (s *Sender) SendIP(pkt []byte, spoof types.Spoof) {
	s.Packets = append(s.Packets, Sent{Pkt: bytes.Clone(pkt), Spoof: spoof})
}

func (s *Sender) SendIP6(pkt []byte, spoof types.Spoof) {
	s.Packets = append(s.Packets, Sent{Pkt: bytes.Clone(pkt), Spoof: spoof, IPv6: true})
}

// Last returns the most recent packet, or nil.
func (s *Sender) Last() []byte {
	if len(s.Packets) == 0 {
		return nil
	}
	return s.Packets[len(s.Packets)-1].Pkt
}

// Reset forgets recorded packets.
func (s *Sender) Reset() { s.Packets = nil }

// Frame is one packet handed to an Emitter.
type Frame struct {
	Kind    string
	Iface   string
	Dst     net.HardwareAddr
	Src     net.HardwareAddr
	EthType layers.EthernetType
	Pkt     []byte
}

// Emitter records emitted packets.
type Emitter struct {
	mu     sync.Mutex
	Frames []Frame
	Err    error
}

func (e *Emitter) add(f Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.Pkt = bytes.Clone(f.Pkt)
	e.Frames = append(e.Frames, f)
	return e.Err
}

func (e *Emitter) SendIP(pkt []byte) error  { return e.add(Frame{Kind: "ip", Pkt: pkt}) }
func (e *Emitter) SendIP6(pkt []byte) error { return e.add(Frame{Kind: "ip6", Pkt: pkt}) }

func (e *Emitter) SendEthernet(iface string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) error {
	return e.add(Frame{Kind: "ether", Iface: iface, Dst: dst, Src: src, EthType: ethType, Pkt: pkt})
}

// Len returns the number of recorded frames.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Frames)
}

// Personality is a scriptable personality.
type Personality struct {
	TCP        map[types.TCPFlags]types.TCPReply
	ICMP       *types.ICMPProfile
	Errors     map[uint8]types.ErrorReply
	Suppress   map[uint8]bool
	NextIPID   uint16
	NextISN    uint32
	Classified []types.TCPFlags
}

func (p *Personality) Name() string { return "test" }

func (p *Personality) ClassifyTCP(_ types.Tuple, flags types.TCPFlags, _ uint16) (types.TCPReply, bool) {
	p.Classified = append(p.Classified, flags)
	r, ok := p.TCP[flags]
	return r, ok
}

func (p *Personality) ICMPProfile() *types.ICMPProfile { return p.ICMP }

func (p *Personality) ErrorProfile(typ, _ uint8, def types.ErrorReply) (types.ErrorReply, bool) {
	if p.Suppress[typ] {
		return def, false
	}
	if r, ok := p.Errors[typ]; ok {
		return r, true
	}
	return def, true
}

func (p *Personality) IPID() uint16 {
	p.NextIPID++
	return p.NextIPID
}

func (p *Personality) ISN() uint32 { return p.NextISN }

// Channel records data written towards a backend.
type Channel struct {
	Data        bytes.Buffer
	WriteClosed bool
	Closed      bool
	// Limit caps how much a single Write accepts; zero means unlimited.
	Limit int
	// Err fails every Write while set.
	Err error
}

func (c *Channel) Write(p []byte) (int, error) {
	if c.Err != nil {
		return 0, c.Err
	}
	if c.Limit > 0 && len(p) > c.Limit {
		p = p[:c.Limit]
	}
	return c.Data.Write(p)
}

func (c *Channel) CloseWrite() error {
	c.WriteClosed = true
	return nil
}

func (c *Channel) Close() error {
	c.Closed = true
	return nil
}

// Backend records established connections.
type Backend struct {
	Calls     []types.Tuple
	Endpoints []types.Endpoint
	Channels  []*Channel
	Err       error
	// Detached returns a nil channel, as for actions the backend ignores.
	Detached bool
}

func (b *Backend) OnConnectionEstablished(t types.Tuple, _ types.PortAction, ep types.Endpoint) (types.Channel, error) {
	b.Calls = append(b.Calls, t)
	b.Endpoints = append(b.Endpoints, ep)
	if b.Err != nil {
		return nil, b.Err
	}
	if b.Detached {
		return nil, nil
	}
	ch := &Channel{}
	b.Channels = append(b.Channels, ch)
	return ch, nil
}

// Store is a map backed template store.
type Store struct {
	Hosts   map[netip.Addr]*types.Template
	Default *types.Template
}

func (s *Store) Find(addr netip.Addr) *types.Template { return s.Hosts[addr] }

func (s *Store) FindBest(addr netip.Addr, _ []byte) *types.Template {
	if t := s.Hosts[addr]; t != nil {
		return t
	}
	return s.Default
}

// TCPSegment describes a segment built by TCPPacket.
type TCPSegment struct {
	Src, Dst     netip.Addr
	SPort, DPort uint16
	Seq, Ack     uint32
	Flags        types.TCPFlags
	Window       uint16
	Options      []layers.TCPOption
	Payload      []byte
}

// TCPPacket builds an IPv4 or IPv6 TCP segment with valid checksums.
func TCPPacket(s TCPSegment) []byte {
	win := s.Window
	if win == 0 {
		win = 65535
	}
	seg := &layers.TCP{
		SrcPort: layers.TCPPort(s.SPort),
		DstPort: layers.TCPPort(s.DPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		FIN:     s.Flags.Has(types.FlagFIN),
		SYN:     s.Flags.Has(types.FlagSYN),
		RST:     s.Flags.Has(types.FlagRST),
		PSH:     s.Flags.Has(types.FlagPSH),
		ACK:     s.Flags.Has(types.FlagACK),
		URG:     s.Flags.Has(types.FlagURG),
		Window:  win,
		Options: s.Options,
	}
	pkt, err := packet.BuildTCP(packet.IPParams{Src: s.Src, Dst: s.Dst, TTL: 64, ID: 1}, seg, s.Payload)
	if err != nil {
		panic(err)
	}
	return pkt
}

// UDPPacket builds an IPv4 or IPv6 UDP datagram with a valid checksum.
func UDPPacket(src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	pkt, err := packet.BuildUDP(packet.IPParams{Src: src, Dst: dst, TTL: 64, ID: 1}, sport, dport, payload)
	if err != nil {
		panic(err)
	}
	return pkt
}

// Decode parses a raw IP packet.
func Decode(pkt []byte) gopacket.Packet {
	first := layers.LayerTypeIPv4
	if packet.Version(pkt) == types.FamilyIPv6 {
		first = layers.LayerTypeIPv6
	}
	return gopacket.NewPacket(pkt, first, gopacket.Default)
}

// DecodeTCP returns the TCP layer of pkt, or nil.
func DecodeTCP(pkt []byte) *layers.TCP {
	if l := Decode(pkt).Layer(layers.LayerTypeTCP); l != nil {
		return l.(*layers.TCP)
	}
	return nil
}

// Flags returns the flag set of a decoded TCP layer.
func Flags(t *layers.TCP) types.TCPFlags {
	var f types.TCPFlags
	for _, b := range []struct {
		on bool
		f  types.TCPFlags
	}{{t.FIN, types.FlagFIN}, {t.SYN, types.FlagSYN}, {t.RST, types.FlagRST},
		{t.PSH, types.FlagPSH}, {t.ACK, types.FlagACK}, {t.URG, types.FlagURG}} {
		if b.on {
			f |= b.f
		}
	}
	return f
}
