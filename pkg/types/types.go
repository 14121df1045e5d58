package types

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
)

// Family is the IP address family of a packet or connection.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return fmt.Sprintf("family(%d)", uint8(f))
}

// Proto is an IP protocol number.
type Proto uint8

const (
	ProtoICMP   Proto = 1
	ProtoTCP    Proto = 6
	ProtoUDP    Proto = 17
	ProtoGRE    Proto = 47
	ProtoICMPv6 Proto = 58
)

func (p Proto) String() string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoGRE:
		return "gre"
	case ProtoICMPv6:
		return "icmp6"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// TCPFlags is the flag octet of a TCP header.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 0x01
	FlagSYN TCPFlags = 0x02
	FlagRST TCPFlags = 0x04
	FlagPSH TCPFlags = 0x08
	FlagACK TCPFlags = 0x10
	FlagURG TCPFlags = 0x20
)

func (f TCPFlags) Has(o TCPFlags) bool { return f&o != 0 }

func (f TCPFlags) String() string {
	names := []struct {
		f TCPFlags
		s string
	}{{FlagFIN, "F"}, {FlagSYN, "S"}, {FlagRST, "R"}, {FlagPSH, "P"}, {FlagACK, "A"}, {FlagURG, "U"}}
	out := ""
	for _, n := range names {
		if f&n.f != 0 {
			out += n.s
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// Tuple identifies a flow as seen on the wire in the inbound direction:
// Src is the remote peer, Dst is the virtual host. Local marks flows opened
// by the virtual host and does not take part in ordering.
type Tuple struct {
	Family Family
	Proto  Proto
	Src    netip.Addr
	Dst    netip.Addr
	SPort  uint16
	DPort  uint16
	Local  bool
}

// Compare orders tuples. Tuples of different families never compare equal.
func (t Tuple) Compare(o Tuple) int {
	if t.Family != o.Family {
		return cmpUint(uint64(t.Family), uint64(o.Family))
	}
	if t.Proto != o.Proto {
		return cmpUint(uint64(t.Proto), uint64(o.Proto))
	}
	if c := t.Src.Compare(o.Src); c != 0 {
		return c
	}
	if c := t.Dst.Compare(o.Dst); c != 0 {
		return c
	}
	if t.SPort != o.SPort {
		return cmpUint(uint64(t.SPort), uint64(o.SPort))
	}
	if t.DPort != o.DPort {
		return cmpUint(uint64(t.DPort), uint64(o.DPort))
	}
	return 0
}

// Reverse swaps the endpoints.
func (t Tuple) Reverse() Tuple {
	t.Src, t.Dst = t.Dst, t.Src
	t.SPort, t.DPort = t.DPort, t.SPort
	return t
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s", t.Proto,
		netip.AddrPortFrom(t.Src, t.SPort), netip.AddrPortFrom(t.Dst, t.DPort))
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

// PortAction is what a template does with traffic to a port. The concrete
// variants are OpenAction, ProxyAction, BlockAction and ResetAction.
type PortAction interface {
	// Listening reports whether connections to the port are accepted.
	Listening() bool
	// Tarpit reports whether accepted connections are slowed down.
	Tarpit() bool
	isPortAction()
}

// OpenAction accepts connections without a backend.
type OpenAction struct{ Slow bool }

// ProxyAction accepts connections and relays them to Target.
type ProxyAction struct {
	Target string
	Slow   bool
}

// BlockAction silently drops traffic.
type BlockAction struct{}

// ResetAction answers like a closed port.
type ResetAction struct{}

func (a OpenAction) Listening() bool { return true }
func (a OpenAction) Tarpit() bool { return a.Slow }
func (OpenAction) isPortAction() {}
func (a ProxyAction) Listening() bool { return true }
func (a ProxyAction) Tarpit() bool { return a.Slow }
func (ProxyAction) isPortAction() {}
func (BlockAction) Listening() bool { return false }
func (BlockAction) Tarpit() bool { return false }
func (BlockAction) isPortAction() {}
func (ResetAction) Listening() bool { return false }
func (ResetAction) Tarpit() bool { return false }
func (ResetAction) isPortAction() {}

// IsBlocked reports whether a is a BlockAction.
func IsBlocked(a PortAction) bool {
	_, ok := a.(BlockAction)
	return ok
}

// ActionName returns the configuration keyword of a.
func ActionName(a PortAction) string {
	switch v := a.(type) {
	case OpenAction:
		if v.Slow {
			return "tarpit open"
		}
		return "open"
	case ProxyAction:
		return "proxy " + v.Target
	case BlockAction:
		return "block"
	case ResetAction:
		return "reset"
	}
	return "none"
}

// PortKey selects a per-port action.
type PortKey struct {
	Proto Proto
	Port  uint16
}

// Spoof rewrites the addresses of packets leaving a virtual host.
type Spoof struct {
	Src netip.Addr
	Dst netip.Addr
}

// Template describes one virtual host.
type Template struct {
	Name        string
	MAC         net.HardwareAddr
	Interface   string
	Ports       map[PortKey]PortAction
	TCPDefault  PortAction
	UDPDefault  PortAction
	ICMPDefault PortAction
	// DropInRate and DropSynRate are expressed per 10000.
	DropInRate  uint16
	DropSynRate uint16
	Personality Personality
	External    bool
	Spoof       Spoof
}

// Action resolves the action for a port, falling back to the template
// default. It never returns nil.
func (t *Template) Action(proto Proto, port uint16) PortAction {
	if a, ok := t.Ports[PortKey{Proto: proto, Port: port}]; ok && a != nil {
		return a
	}
	var def PortAction
	switch proto {
	case ProtoTCP:
		def = t.TCPDefault
	case ProtoUDP:
		def = t.UDPDefault
	default:
		def = t.ICMPDefault
	}
	if def == nil {
		if proto == ProtoICMP || proto == ProtoICMPv6 {
			return OpenAction{}
		}
		return ResetAction{}
	}
	return def
}

// Clone returns a copy that shares the personality but owns its port map.
func (t *Template) Clone(name string) *Template {
	c := *t
	c.Name = name
	c.Ports = make(map[PortKey]PortAction, len(t.Ports))
	for k, v := range t.Ports {
		c.Ports[k] = v
	}
	return &c
}

// TemplateStore resolves virtual hosts by address.
type TemplateStore interface {
	// Find returns the template bound to addr, or nil.
	Find(addr netip.Addr) *Template
	// FindBest returns the template bound to addr or the store's default.
	FindBest(addr netip.Addr, pkt []byte) *Template
}

// TCPReply is a personality's answer to an outbound TCP segment.
type TCPReply struct {
	Flags   TCPFlags
	Window  uint16
	DF      bool
	Options []layers.TCPOption
}

// ICMPProfile controls ICMP echo and information replies.
type ICMPProfile struct {
	EchoCode  uint8
	TOS       uint8
	DF        bool
	TTL       uint8
	Timestamp bool
	Mask      bool
	Info      bool
}

// ErrorReply tunes an outbound ICMP error.
type ErrorReply struct {
	DF       bool
	TOS      uint8
	QuoteLen int
	TTL      uint8
}

// Personality mimics the fingerprintable behavior of an operating system.
type Personality interface {
	Name() string
	// ClassifyTCP rewrites an outbound segment. ok is false when the
	// personality has no rule for these flags.
	ClassifyTCP(t Tuple, flags TCPFlags, window uint16) (reply TCPReply, ok bool)
	// ICMPProfile returns nil when the personality carries no ICMP rules.
	ICMPProfile() *ICMPProfile
	// ErrorProfile returns ok=false to suppress the error.
	ErrorProfile(typ, code uint8, def ErrorReply) (reply ErrorReply, ok bool)
	IPID() uint16
	ISN() uint32
}

// PacketSender is the virtual host output path.
type PacketSender interface {
	SendIP(pkt []byte, spoof Spoof)
	SendIP6(pkt []byte, spoof Spoof)
}

// Emitter puts finished packets on the wire. Implementations must not retain
// pkt after returning.
type Emitter interface {
	SendIP(pkt []byte) error
	SendIP6(pkt []byte) error
	SendEthernet(iface string, dst, src net.HardwareAddr, ethType layers.EthernetType, pkt []byte) error
}

// Channel carries data from the engine to a backend.
type Channel interface {
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

// Endpoint carries data from a backend into a connection. It is safe for use
// from any goroutine.
type Endpoint interface {
	Send(p []byte)
	Shutdown()
}

// Backend attaches services to established connections.
type Backend interface {
	// OnConnectionEstablished returns a nil Channel when the action is not
	// served by this backend.
	OnConnectionEstablished(t Tuple, action PortAction, ep Endpoint) (Channel, error)
}

// Poster runs fn on the engine's reactor goroutine.
type Poster interface {
	Post(fn func())
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}
