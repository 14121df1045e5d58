package config

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"honeyd-engine/internal/engine"
	"honeyd-engine/internal/icmp"
	"honeyd-engine/internal/personality"
	"honeyd-engine/internal/randhost"
	"honeyd-engine/internal/router"
	"honeyd-engine/internal/tcp"
	"honeyd-engine/internal/template"
	"honeyd-engine/internal/udp"
	"honeyd-engine/pkg/types"
)

// ParseAction reads a port action keyword: open, block, reset (or closed),
// proxy host:port, optionally prefixed by tarpit for open and proxy.
func ParseAction(s string) (types.PortAction, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	slow := false
	if len(fields) > 0 && fields[0] == "tarpit" {
		slow = true
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty action %q", s)
	}
	switch fields[0] {
	case "open":
		if len(fields) != 1 {
			break
		}
		return types.OpenAction{Slow: slow}, nil
	case "proxy":
		if len(fields) != 2 {
			return nil, fmt.Errorf("proxy action needs one target, got %q", s)
		}
		// Targets keep their case for host names.
		orig := strings.Fields(strings.TrimSpace(s))
		return types.ProxyAction{Target: orig[len(orig)-1], Slow: slow}, nil
	case "block", "filtered":
		if slow || len(fields) != 1 {
			break
		}
		return types.BlockAction{}, nil
	case "reset", "closed":
		if slow || len(fields) != 1 {
			break
		}
		return types.ResetAction{}, nil
	}
	return nil, fmt.Errorf("unknown action %q", s)
}

// ParseFlags reads a TCP flag set written with the letters FSRPAU.
func ParseFlags(s string) (types.TCPFlags, error) {
	var f types.TCPFlags
	for _, c := range strings.ToUpper(s) {
		switch c {
		case 'F':
			f |= types.FlagFIN
		case 'S':
			f |= types.FlagSYN
		case 'R':
			f |= types.FlagRST
		case 'P':
			f |= types.FlagPSH
		case 'A':
			f |= types.FlagACK
		case 'U':
			f |= types.FlagURG
		default:
			return 0, fmt.Errorf("unknown tcp flag %q in %q", c, s)
		}
	}
	return f, nil
}

func parseProto(s string) (types.Proto, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return types.ProtoTCP, nil
	case "udp":
		return types.ProtoUDP, nil
	}
	return 0, fmt.Errorf("unknown port protocol %q", s)
}

func parseRouteType(s string) (router.RouteType, error) {
	switch strings.ToLower(s) {
	case "", "net":
		return router.RouteNet, nil
	case "link":
		return router.RouteLink, nil
	case "tunnel":
		return router.RouteTunnel, nil
	case "unreach", "unreachable":
		return router.RouteUnreach, nil
	}
	return 0, fmt.Errorf("unknown route type %q", s)
}

// perTenThousand converts a percentage to the engine's per 10000 rates.
func perTenThousand(pct float64) uint16 {
	return uint16(min(max(pct, 0), 100) * 100)
}

// EngineConfig returns the engine settings. frameClock is set for replays.
func (c *Config) EngineConfig(frameClock bool) engine.Config {
	e := c.Engine
	cfg := engine.DefaultConfig()
	cfg.Router = router.Config{Enabled: c.Router.Enabled, MTU: e.MTU, TTL: e.TTL}
	cfg.TCP = tcp.Config{
		TTL:         e.TTL,
		MaxConns:    e.MaxConnections,
		SynWait:     e.SynTimeout,
		IdleTimeout: e.IdleTimeout,
		CloseWait:   e.CloseTimeout,
		MaxSend:     e.MaxSend,
		MaxInflight: e.MaxInflight,
		Window:      e.Window,
		MSS:         uint16(e.MTU - 40),
	}
	cfg.UDP = udp.Config{TTL: e.TTL, MaxFlows: e.MaxUDPFlows, Wait: e.UDPTimeout}
	cfg.ICMP = icmp.Config{TTL: e.TTL, MTU: e.MTU, AddrMask: e.AddrMask}
	if !cfg.ICMP.AddrMask.IsValid() {
		cfg.ICMP.AddrMask = icmp.DefaultConfig().AddrMask
	}
	cfg.FragTimeout = e.FragmentTimeout
	cfg.ISN = e.ISNStrategy
	cfg.ISNStart = e.ISNStart
	cfg.Seed = e.Seed
	cfg.BufferSize = e.BufferSize
	cfg.Prealloc = e.Prealloc
	cfg.PostQueue = e.PostQueue
	cfg.DropLogRate = c.Logging.DropRate
	cfg.DropLogBurst = c.Logging.DropBurst
	cfg.FrameClock = frameClock
	if c.RandomIPv6.Enabled {
		cfg.RandomIPv6 = &randhost.Config{
			Percentage: c.RandomIPv6.Percentage,
			MaxHosts:   c.RandomIPv6.MaxHosts,
			Template:   c.RandomIPv6.DefaultTemplate,
			Prefix:     c.RandomIPv6.Prefix,
			RejectCap:  c.RandomIPv6.RejectCap,
		}
	}
	return cfg
}

// Profiles converts the personality section.
func (c *Config) Profiles() ([]personality.Profile, error) {
	out := make([]personality.Profile, 0, len(c.Personalities))
	for _, p := range c.Personalities {
		prof := personality.Profile{
			Name:        p.Name,
			Window:      p.Window,
			DF:          p.DF,
			MSS:         p.MSS,
			WScale:      -1,
			SACK:        p.SACK,
			Timestamp:   p.Timestamp,
			TimestampHz: p.TimestampHz,
			ResetWindow: p.ResetWindow,
			IPID:        p.IPID,
			ISN:         p.ISN,
			ISNStep:     p.ISNStep,
			Error: types.ErrorReply{
				DF:       p.Error.DF,
				TOS:      p.Error.TOS,
				QuoteLen: p.Error.QuoteLen,
				TTL:      p.Error.TTL,
			},
			Suppress: p.Suppress,
		}
		if p.WScale != nil {
			prof.WScale = *p.WScale
		}
		if p.ICMP != nil {
			prof.ICMP = &types.ICMPProfile{
				EchoCode:  p.ICMP.EchoCode,
				TOS:       p.ICMP.TOS,
				DF:        p.ICMP.DF,
				TTL:       p.ICMP.TTL,
				Timestamp: p.ICMP.Timestamp,
				Mask:      p.ICMP.Mask,
				Info:      p.ICMP.Info,
			}
		}
		if len(p.Rewrite) > 0 {
			prof.Rewrite = make(map[types.TCPFlags]types.TCPFlags, len(p.Rewrite))
			for from, to := range p.Rewrite {
				f, err := ParseFlags(from)
				if err != nil {
					return nil, fmt.Errorf("personality %s: %w", p.Name, err)
				}
				t, err := ParseFlags(to)
				if err != nil {
					return nil, fmt.Errorf("personality %s: %w", p.Name, err)
				}
				prof.Rewrite[f] = t
			}
		}
		out = append(out, prof)
	}
	return out, nil
}

// BuildPersonalities creates the personality registry.
func (c *Config) BuildPersonalities(rng *rand.Rand, now func() time.Time) (personality.Registry, error) {
	profiles, err := c.Profiles()
	if err != nil {
		return nil, err
	}
	return personality.Build(profiles, rng, now)
}

// BuildTemplates defines every template and binds its addresses.
func (c *Config) BuildTemplates(reg personality.Registry) (*template.Store, error) {
	store := template.New()
	for _, tc := range c.Templates {
		t := &types.Template{
			Name:        tc.Name,
			MAC:         tc.MAC.HardwareAddr(),
			Interface:   tc.Interface,
			Ports:       make(map[types.PortKey]types.PortAction, len(tc.Ports)),
			DropInRate:  perTenThousand(tc.DropIn),
			DropSynRate: perTenThousand(tc.DropSyn),
			External:    tc.External,
			Spoof:       types.Spoof{Src: tc.Spoof.Src, Dst: tc.Spoof.Dst},
		}
		var err error
		for _, d := range []struct {
			s   string
			out *types.PortAction
		}{{tc.TCP, &t.TCPDefault}, {tc.UDP, &t.UDPDefault}, {tc.ICMP, &t.ICMPDefault}} {
			if d.s == "" {
				continue
			}
			if *d.out, err = ParseAction(d.s); err != nil {
				return nil, fmt.Errorf("template %s: %w", tc.Name, err)
			}
		}
		for _, p := range tc.Ports {
			proto, err := parseProto(p.Proto)
			if err != nil {
				return nil, fmt.Errorf("template %s: %w", tc.Name, err)
			}
			a, err := ParseAction(p.Action)
			if err != nil {
				return nil, fmt.Errorf("template %s: port %d: %w", tc.Name, p.Port, err)
			}
			t.Ports[types.PortKey{Proto: proto, Port: p.Port}] = a
		}
		if tc.Personality != "" {
			if t.Personality = reg[tc.Personality]; t.Personality == nil {
				return nil, fmt.Errorf("template %s: unknown personality %q", tc.Name, tc.Personality)
			}
		}
		if err := store.Define(t); err != nil {
			return nil, err
		}
	}
	for _, tc := range c.Templates {
		for _, p := range tc.Addresses {
			if _, err := store.Bind(p, tc.Name); err != nil {
				return nil, fmt.Errorf("template %s: %w", tc.Name, err)
			}
		}
	}
	return store, nil
}

// BuildTopology creates the virtual network, or nil when no routers are
// configured.
func (c *Config) BuildTopology() (*router.Topology, error) {
	if len(c.Router.Routers) == 0 {
		return nil, nil
	}
	topo := router.NewTopology()
	for _, r := range c.Router.Routers {
		if _, err := topo.AddRouter(r.Address); err != nil {
			return nil, err
		}
	}
	for _, r := range c.Router.Routers {
		if r.Entry {
			if err := topo.AddEntry(r.Address, r.Networks...); err != nil {
				return nil, err
			}
		}
		for _, rt := range r.Routes {
			typ, err := parseRouteType(rt.Type)
			if err != nil {
				return nil, fmt.Errorf("router %s: %w", r.Address, err)
			}
			link := router.NewLink(rt.Latency, rt.Bandwidth, perTenThousand(rt.Loss))
			link.Low, link.High = rt.DropLow, rt.DropHigh
			entry := router.RouteEntry{
				Net:       rt.Network,
				Type:      typ,
				Link:      link,
				TunnelSrc: rt.TunnelSrc,
				TunnelDst: rt.TunnelDst,
			}
			if typ == router.RouteNet {
				if entry.Gateway = topo.Router(rt.Gateway); entry.Gateway == nil {
					return nil, fmt.Errorf("router %s: route %s: unknown gateway %s", r.Address, rt.Network, rt.Gateway)
				}
			}
			if err := topo.AddRoute(r.Address, entry); err != nil {
				return nil, err
			}
		}
		for _, p := range r.Reverse {
			if err := topo.AddReverse(p, r.Address); err != nil {
				return nil, err
			}
		}
	}
	return topo, nil
}
