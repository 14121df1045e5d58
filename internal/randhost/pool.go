// Package randhost creates virtual IPv6 hosts on demand for addresses that
// are probed but not configured.
package randhost

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv6"

	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// DefaultTemplate is the template cloned for new hosts when none is named.
const DefaultTemplate = "randomipv6default"

// defaultRejectCap bounds the remembered rejections.
const defaultRejectCap = 1 << 20

var (
	ErrLimit    = errors.New("randhost: host limit reached")
	ErrRejected = errors.New("randhost: address rejected")
	ErrNoParent = errors.New("randhost: default template missing")
)

// Config holds the random host settings.
type Config struct {
	// Percentage is the chance in (0, 1] that a probed address becomes a
	// host.
	Percentage float64
	// MaxHosts caps the hosts created; zero means unlimited.
	MaxHosts int
	Template string
	// Prefix limits the addresses considered; the zero value allows all.
	Prefix    netip.Prefix
	RejectCap int
}

// Registry is where created hosts are bound.
type Registry interface {
	Lookup(name string) *types.Template
	Add(addr netip.Addr, t *types.Template) error
}

// Pool decides which probed addresses become hosts. A decision is final:
// an address once rejected is never admitted later.
type Pool struct {
	cfg      Config
	reg      Registry
	rng      *rand.Rand
	created  int
	rejected map[netip.Addr]struct{}
	order    []netip.Addr
	next     int
	mu       sync.Mutex
}

// New validates cfg.
func New(cfg Config, reg Registry, rng *rand.Rand) (*Pool, error) {
	if cfg.Percentage <= 0 || cfg.Percentage > 1 {
		return nil, fmt.Errorf("randhost: percentage %v outside (0, 1]", cfg.Percentage)
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if reg.Lookup(cfg.Template) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoParent, cfg.Template)
	}
	if cfg.RejectCap <= 0 {
		cfg.RejectCap = defaultRejectCap
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Pool{
		cfg:      cfg,
		reg:      reg,
		rng:      rng,
		rejected: make(map[netip.Addr]struct{}),
		order:    make([]netip.Addr, 0, min(cfg.RejectCap, 1024)),
	}, nil
}

// Candidate returns the address a packet asks for: the target of a
// neighbor solicitation, or the destination of TCP, UDP and echo requests.
func Candidate(pkt []byte) (netip.Addr, bool) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		return netip.Addr{}, false
	}
	proto, off, ok := packet.UpperLayer(ip)
	if !ok {
		return netip.Addr{}, false
	}
	switch types.Proto(proto) {
	case types.ProtoTCP, types.ProtoUDP:
		return ip.Dst(), true
	case types.ProtoICMPv6:
		msg := ip[off:]
		if len(msg) < 1 {
			return netip.Addr{}, false
		}
		switch ipv6.ICMPType(msg[0]) {
		case ipv6.ICMPTypeEchoRequest:
			return ip.Dst(), true
		case ipv6.ICMPTypeNeighborSolicitation:
			if len(msg) < 24 {
				return netip.Addr{}, false
			}
			return netip.AddrFrom16([16]byte(msg[8:24])), true
		}
	}
	return netip.Addr{}, false
}

// Admit decides whether addr becomes a host and, if so, binds a clone of
// the default template to it on iface.
func (p *Pool) Admit(addr netip.Addr, iface string) (*types.Template, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.Prefix.IsValid() && !p.cfg.Prefix.Contains(addr) {
		return nil, ErrRejected
	}
	if p.cfg.MaxHosts > 0 && p.created >= p.cfg.MaxHosts {
		log.WithField("addr", addr).Debug("Random host limit reached")
		return nil, ErrLimit
	}
	if _, ok := p.rejected[addr]; ok {
		return nil, ErrRejected
	}
	if !p.accept() {
		p.reject(addr)
		log.WithField("addr", addr).Debug("Address added to rejected set")
		return nil, ErrRejected
	}

	parent := p.reg.Lookup(p.cfg.Template)
	if parent == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoParent, p.cfg.Template)
	}
	t := parent.Clone(addr.String())
	t.Interface = iface
	if parent.MAC != nil {
		t.MAC = hostMAC(addr)
	}
	if err := p.reg.Add(addr, t); err != nil {
		return nil, err
	}
	p.created++
	log.WithFields(log.Fields{"addr": addr, "template": p.cfg.Template}).Info("Created random host")
	return t, nil
}

// accept draws with the configured chance: one in round(1/percentage).
func (p *Pool) accept() bool {
	n := int(1 / p.cfg.Percentage)
	if n <= 1 {
		return true
	}
	return p.rng.IntN(n) == 0
}

// Exclude keeps addr from ever being admitted.
func (p *Pool) Exclude(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rejected[addr]; !ok {
		p.reject(addr)
	}
}

// reject remembers addr, forgetting the oldest rejection when full.
func (p *Pool) reject(addr netip.Addr) {
	if len(p.order) < p.cfg.RejectCap {
		p.order = append(p.order, addr)
	} else {
		delete(p.rejected, p.order[p.next])
		p.order[p.next] = addr
		p.next = (p.next + 1) % p.cfg.RejectCap
	}
	p.rejected[addr] = struct{}{}
}

// Created returns the number of hosts created.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Rejected returns the number of remembered rejections.
func (p *Pool) Rejected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rejected)
}

// hostMAC derives a locally administered link address from addr.
func hostMAC(addr netip.Addr) net.HardwareAddr {
	a := addr.As16()
	return net.HardwareAddr{0x02, 0x00, a[12], a[13], a[14], a[15]}
}
