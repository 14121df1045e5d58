package config

import (
	"fmt"
	"os"
	"strings"

	"honeyd-engine/internal/personality"
	"honeyd-engine/internal/router"
	"honeyd-engine/internal/tcp"
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// Exactly one input
	switch {
	case c.Capture.Interface == "" && c.Capture.PcapFile == "":
		errs = append(errs, "one of capture.interface or capture.pcap_file must be specified")
	case c.Capture.Interface != "" && c.Capture.PcapFile != "":
		errs = append(errs, "capture.interface and capture.pcap_file are mutually exclusive")
	case c.Capture.PcapFile != "":
		if _, err := os.Stat(c.Capture.PcapFile); os.IsNotExist(err) {
			errs = append(errs, fmt.Sprintf("pcap file not found: %s", c.Capture.PcapFile))
		}
	}

	switch c.Output.Mode {
	case "pcap":
		if c.Capture.PcapFile != "" {
			errs = append(errs, "output.mode pcap needs a live capture interface")
		}
	case "file":
		if c.Output.File == "" {
			errs = append(errs, "output.file must be specified for output.mode file")
		}
	case "discard":
	default:
		errs = append(errs, fmt.Sprintf("output.mode must be one of pcap/file/discard, got %q", c.Output.Mode))
	}

	if c.Engine.MTU < 576 || c.Engine.MTU > 65535 {
		errs = append(errs, fmt.Sprintf("engine.mtu must be between 576 and 65535, got %d", c.Engine.MTU))
	}
	if c.Engine.TTL == 0 {
		errs = append(errs, "engine.ttl must be > 0")
	}
	if c.Engine.MaxConnections <= 0 {
		errs = append(errs, "engine.max_connections must be > 0")
	}
	if c.Engine.MaxUDPFlows <= 0 {
		errs = append(errs, "engine.max_udp_flows must be > 0")
	}
	for name, d := range map[string]int64{
		"syn_timeout":      int64(c.Engine.SynTimeout),
		"idle_timeout":     int64(c.Engine.IdleTimeout),
		"close_timeout":    int64(c.Engine.CloseTimeout),
		"udp_timeout":      int64(c.Engine.UDPTimeout),
		"fragment_timeout": int64(c.Engine.FragmentTimeout),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("engine.%s must be > 0", name))
		}
	}
	switch c.Engine.ISNStrategy {
	case tcp.ISNRandom, tcp.ISNSequential, tcp.ISNPersonality:
	default:
		errs = append(errs, fmt.Sprintf("engine.isn_strategy must be random/sequential/personality, got %q", c.Engine.ISNStrategy))
	}
	if c.Engine.AddrMask.IsValid() && !c.Engine.AddrMask.Is4() {
		errs = append(errs, "engine.addr_mask must be an IPv4 mask")
	}

	personalities := make(map[string]bool, len(c.Personalities))
	for i, p := range c.Personalities {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Sprintf("personalities[%d]: name must be specified", i))
		case personalities[p.Name]:
			errs = append(errs, fmt.Sprintf("personality %s defined twice", p.Name))
		}
		personalities[p.Name] = true
		for from, to := range p.Rewrite {
			if _, err := ParseFlags(from); err != nil || from == "" {
				errs = append(errs, fmt.Sprintf("personality %s: invalid rewrite flags %q", p.Name, from))
			}
			if _, err := ParseFlags(to); err != nil {
				errs = append(errs, fmt.Sprintf("personality %s: invalid rewrite flags %q", p.Name, to))
			}
		}
		if !oneOf(p.IPID, personality.SeqRandom, personality.SeqIncremental, personality.SeqBroken, personality.SeqZero) {
			errs = append(errs, fmt.Sprintf("personality %s: unknown ip_id sequence %q", p.Name, p.IPID))
		}
		if !oneOf(p.ISN, personality.SeqRandom, personality.SeqIncremental, personality.SeqConstant) {
			errs = append(errs, fmt.Sprintf("personality %s: unknown isn sequence %q", p.Name, p.ISN))
		}
	}

	templates := make(map[string]bool, len(c.Templates))
	for i, t := range c.Templates {
		switch {
		case t.Name == "":
			errs = append(errs, fmt.Sprintf("templates[%d]: name must be specified", i))
		case templates[t.Name]:
			errs = append(errs, fmt.Sprintf("template %s defined twice", t.Name))
		}
		templates[t.Name] = true
		if t.Personality != "" && !personalities[t.Personality] {
			errs = append(errs, fmt.Sprintf("template %s: unknown personality %q", t.Name, t.Personality))
		}
		for proto, a := range map[string]string{"tcp": t.TCP, "udp": t.UDP, "icmp": t.ICMP} {
			if a == "" {
				continue
			}
			if _, err := ParseAction(a); err != nil {
				errs = append(errs, fmt.Sprintf("template %s: %s default: %v", t.Name, proto, err))
			}
		}
		for _, p := range t.Ports {
			if _, err := parseProto(p.Proto); err != nil {
				errs = append(errs, fmt.Sprintf("template %s: %v", t.Name, err))
			}
			if _, err := ParseAction(p.Action); err != nil {
				errs = append(errs, fmt.Sprintf("template %s: port %s/%d: %v", t.Name, p.Proto, p.Port, err))
			}
		}
		if !percent(t.DropIn) || !percent(t.DropSyn) {
			errs = append(errs, fmt.Sprintf("template %s: drop_in and drop_syn must be between 0 and 100", t.Name))
		}
	}

	if c.RandomIPv6.Enabled {
		if c.RandomIPv6.Percentage <= 0 || c.RandomIPv6.Percentage > 1 {
			errs = append(errs, fmt.Sprintf("random_ipv6.percentage must be in (0, 1], got %v", c.RandomIPv6.Percentage))
		}
		if !templates[c.RandomIPv6.DefaultTemplate] {
			errs = append(errs, fmt.Sprintf("random_ipv6.default_template %q is not defined", c.RandomIPv6.DefaultTemplate))
		}
		if c.RandomIPv6.Prefix.IsValid() && !c.RandomIPv6.Prefix.Addr().Is6() {
			errs = append(errs, "random_ipv6.prefix must be an IPv6 prefix")
		}
	}

	routers := make(map[string]bool, len(c.Router.Routers))
	for _, r := range c.Router.Routers {
		routers[r.Address.String()] = true
	}
	if c.Router.Enabled && len(c.Router.Routers) == 0 {
		errs = append(errs, "router.enabled needs at least one router")
	}
	for _, r := range c.Router.Routers {
		if !r.Address.IsValid() {
			errs = append(errs, "router address must be specified")
			continue
		}
		for _, rt := range r.Routes {
			typ, err := parseRouteType(rt.Type)
			if err != nil {
				errs = append(errs, fmt.Sprintf("router %s: %v", r.Address, err))
				continue
			}
			if !rt.Network.IsValid() {
				errs = append(errs, fmt.Sprintf("router %s: route network must be specified", r.Address))
			}
			if typ == router.RouteNet && !routers[rt.Gateway.String()] {
				errs = append(errs, fmt.Sprintf("router %s: route %s: gateway %s is not a router", r.Address, rt.Network, rt.Gateway))
			}
			if typ == router.RouteTunnel && (!rt.TunnelSrc.IsValid() || !rt.TunnelDst.IsValid()) {
				errs = append(errs, fmt.Sprintf("router %s: tunnel route %s needs tunnel_src and tunnel_dst", r.Address, rt.Network))
			}
			if !percent(rt.Loss) {
				errs = append(errs, fmt.Sprintf("router %s: route %s: loss must be between 0 and 100", r.Address, rt.Network))
			}
			if rt.DropHigh < rt.DropLow {
				errs = append(errs, fmt.Sprintf("router %s: route %s: drop_high must be >= drop_low", r.Address, rt.Network))
			}
		}
	}

	// Log level must be valid
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level))
	}

	if c.Stats.Enabled && c.Stats.ReportIntervalSec < 0 {
		errs = append(errs, "stats.report_interval_sec must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func oneOf(s string, allowed ...string) bool {
	if s == "" {
		return true
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func percent(v float64) bool { return v >= 0 && v <= 100 }
