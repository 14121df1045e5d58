package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"honeyd-engine/internal/frag"
)

// Config holds all configuration for the honeypot engine.
type Config struct {
	Engine        EngineConfig        `yaml:"engine"        mapstructure:"engine"`
	Capture       CaptureConfig       `yaml:"capture"       mapstructure:"capture"`
	Output        OutputConfig        `yaml:"output"        mapstructure:"output"`
	Router        RouterConfig        `yaml:"router"        mapstructure:"router"`
	Templates     []TemplateConfig    `yaml:"templates"     mapstructure:"templates"`
	Personalities []PersonalityConfig `yaml:"personalities" mapstructure:"personalities"`
	RandomIPv6    RandomIPv6Config    `yaml:"random_ipv6"   mapstructure:"random_ipv6"`
	Backend       BackendConfig       `yaml:"backend"       mapstructure:"backend"`
	Logging       LoggingConfig       `yaml:"logging"       mapstructure:"logging"`
	Stats         StatsConfig         `yaml:"stats"         mapstructure:"stats"`
}

type EngineConfig struct {
	MTU             int           `yaml:"mtu"              mapstructure:"mtu"`
	TTL             uint8         `yaml:"ttl"              mapstructure:"ttl"`
	MaxConnections  int           `yaml:"max_connections"  mapstructure:"max_connections"`
	MaxUDPFlows     int           `yaml:"max_udp_flows"    mapstructure:"max_udp_flows"`
	SynTimeout      time.Duration `yaml:"syn_timeout"      mapstructure:"syn_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     mapstructure:"idle_timeout"`
	CloseTimeout    time.Duration `yaml:"close_timeout"    mapstructure:"close_timeout"`
	UDPTimeout      time.Duration `yaml:"udp_timeout"      mapstructure:"udp_timeout"`
	FragmentTimeout time.Duration `yaml:"fragment_timeout" mapstructure:"fragment_timeout"`
	MaxSend         int           `yaml:"max_send"         mapstructure:"max_send"`
	MaxInflight     int           `yaml:"max_inflight"     mapstructure:"max_inflight"`
	Window          uint16        `yaml:"window"           mapstructure:"window"`
	AddrMask        netip.Addr    `yaml:"addr_mask"        mapstructure:"addr_mask"`
	ISNStrategy     string        `yaml:"isn_strategy"     mapstructure:"isn_strategy"`
	ISNStart        uint32        `yaml:"isn_start"        mapstructure:"isn_start"`
	Seed            uint64        `yaml:"seed"             mapstructure:"seed"`
	BufferSize      int           `yaml:"buffer_size"      mapstructure:"buffer_size"`
	Prealloc        int           `yaml:"prealloc"         mapstructure:"prealloc"`
	PostQueue       int           `yaml:"post_queue"       mapstructure:"post_queue"`
}

type CaptureConfig struct {
	Interface   string `yaml:"interface"   mapstructure:"interface"`
	PcapFile    string `yaml:"pcap_file"   mapstructure:"pcap_file"`
	Snaplen     int    `yaml:"snaplen"     mapstructure:"snaplen"`
	Promiscuous bool   `yaml:"promiscuous" mapstructure:"promiscuous"`
	BPF         string `yaml:"bpf"         mapstructure:"bpf"`
	// MAC, Addresses and Networks describe the interface when they cannot
	// be read from the system, as for replayed captures.
	MAC       MAC            `yaml:"mac"       mapstructure:"mac"`
	Addresses []netip.Addr   `yaml:"addresses" mapstructure:"addresses"`
	Networks  []netip.Prefix `yaml:"networks"  mapstructure:"networks"`
}

type OutputConfig struct {
	Mode string `yaml:"mode" mapstructure:"mode"`
	File string `yaml:"file" mapstructure:"file"`
	// Gateway is the link address for IP packets with no learned next hop.
	Gateway MAC `yaml:"gateway" mapstructure:"gateway"`
}

type RouterConfig struct {
	Enabled bool        `yaml:"enabled" mapstructure:"enabled"`
	Routers []RouterDef `yaml:"routers" mapstructure:"routers"`
}

// RouterDef is one virtual router with its table.
type RouterDef struct {
	Address netip.Addr `yaml:"address" mapstructure:"address"`
	// Entry routers receive traffic for Networks from the outside.
	Entry    bool           `yaml:"entry"    mapstructure:"entry"`
	Networks []netip.Prefix `yaml:"networks" mapstructure:"networks"`
	Routes   []RouteDef     `yaml:"routes"   mapstructure:"routes"`
	// Reverse lists host networks that sit behind this router.
	Reverse []netip.Prefix `yaml:"reverse" mapstructure:"reverse"`
}

type RouteDef struct {
	Network   netip.Prefix  `yaml:"network"   mapstructure:"network"`
	Type      string        `yaml:"type"      mapstructure:"type"`
	Gateway   netip.Addr    `yaml:"gateway"   mapstructure:"gateway"`
	Latency   time.Duration `yaml:"latency"   mapstructure:"latency"`
	Bandwidth int           `yaml:"bandwidth" mapstructure:"bandwidth"`
	// Loss is a percentage.
	Loss      float64    `yaml:"loss"       mapstructure:"loss"`
	DropLow   int        `yaml:"drop_low"   mapstructure:"drop_low"`
	DropHigh  int        `yaml:"drop_high"  mapstructure:"drop_high"`
	TunnelSrc netip.Addr `yaml:"tunnel_src" mapstructure:"tunnel_src"`
	TunnelDst netip.Addr `yaml:"tunnel_dst" mapstructure:"tunnel_dst"`
}

type TemplateConfig struct {
	Name        string         `yaml:"name"        mapstructure:"name"`
	Addresses   []netip.Prefix `yaml:"addresses"   mapstructure:"addresses"`
	MAC         MAC            `yaml:"mac"         mapstructure:"mac"`
	Interface   string         `yaml:"interface"   mapstructure:"interface"`
	Personality string         `yaml:"personality" mapstructure:"personality"`
	TCP         string         `yaml:"tcp"         mapstructure:"tcp"`
	UDP         string         `yaml:"udp"         mapstructure:"udp"`
	ICMP        string         `yaml:"icmp"        mapstructure:"icmp"`
	Ports       []PortConfig   `yaml:"ports"       mapstructure:"ports"`
	// DropIn and DropSyn are percentages.
	DropIn   float64     `yaml:"drop_in"  mapstructure:"drop_in"`
	DropSyn  float64     `yaml:"drop_syn" mapstructure:"drop_syn"`
	External bool        `yaml:"external" mapstructure:"external"`
	Spoof    SpoofConfig `yaml:"spoof"    mapstructure:"spoof"`
}

type PortConfig struct {
	Proto  string `yaml:"proto"  mapstructure:"proto"`
	Port   uint16 `yaml:"port"   mapstructure:"port"`
	Action string `yaml:"action" mapstructure:"action"`
}

type SpoofConfig struct {
	Src netip.Addr `yaml:"src" mapstructure:"src"`
	Dst netip.Addr `yaml:"dst" mapstructure:"dst"`
}

type PersonalityConfig struct {
	Name        string `yaml:"name"         mapstructure:"name"`
	Window      uint16 `yaml:"window"       mapstructure:"window"`
	DF          bool   `yaml:"df"           mapstructure:"df"`
	MSS         uint16 `yaml:"mss"          mapstructure:"mss"`
	WScale      *int   `yaml:"wscale"       mapstructure:"wscale"`
	SACK        bool   `yaml:"sack"         mapstructure:"sack"`
	Timestamp   bool   `yaml:"timestamp"    mapstructure:"timestamp"`
	TimestampHz int    `yaml:"timestamp_hz" mapstructure:"timestamp_hz"`
	ResetWindow uint16 `yaml:"reset_window" mapstructure:"reset_window"`
	// Rewrite maps outbound flag sets, written like "SA", to replacements.
	// An empty replacement suppresses the segment.
	Rewrite  map[string]string `yaml:"rewrite"   mapstructure:"rewrite"`
	IPID     string            `yaml:"ip_id"     mapstructure:"ip_id"`
	ISN      string            `yaml:"isn"       mapstructure:"isn"`
	ISNStep  uint32            `yaml:"isn_step"  mapstructure:"isn_step"`
	ICMP     *ICMPConfig       `yaml:"icmp"      mapstructure:"icmp"`
	Error    ErrorConfig       `yaml:"error"     mapstructure:"error"`
	Suppress []uint8           `yaml:"suppress"  mapstructure:"suppress"`
}

type ICMPConfig struct {
	EchoCode  uint8 `yaml:"echo_code" mapstructure:"echo_code"`
	TOS       uint8 `yaml:"tos"       mapstructure:"tos"`
	DF        bool  `yaml:"df"        mapstructure:"df"`
	TTL       uint8 `yaml:"ttl"       mapstructure:"ttl"`
	Timestamp bool  `yaml:"timestamp" mapstructure:"timestamp"`
	Mask      bool  `yaml:"mask"      mapstructure:"mask"`
	Info      bool  `yaml:"info"      mapstructure:"info"`
}

type ErrorConfig struct {
	DF       bool  `yaml:"df"        mapstructure:"df"`
	TOS      uint8 `yaml:"tos"       mapstructure:"tos"`
	QuoteLen int   `yaml:"quote_len" mapstructure:"quote_len"`
	TTL      uint8 `yaml:"ttl"       mapstructure:"ttl"`
}

type RandomIPv6Config struct {
	Enabled         bool         `yaml:"enabled"          mapstructure:"enabled"`
	Percentage      float64      `yaml:"percentage"       mapstructure:"percentage"`
	MaxHosts        int          `yaml:"max_hosts"        mapstructure:"max_hosts"`
	DefaultTemplate string       `yaml:"default_template" mapstructure:"default_template"`
	Prefix          netip.Prefix `yaml:"prefix"           mapstructure:"prefix"`
	RejectCap       int          `yaml:"reject_cap"       mapstructure:"reject_cap"`
}

type BackendConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	Queue       int           `yaml:"queue"        mapstructure:"queue"`
}

type LoggingConfig struct {
	Level      string  `yaml:"level"        mapstructure:"level"`
	File       string  `yaml:"file"         mapstructure:"file"`
	Console    bool    `yaml:"console"      mapstructure:"console"`
	MaxSizeMB  int     `yaml:"max_size_mb"  mapstructure:"max_size_mb"`
	MaxBackups int     `yaml:"max_backups"  mapstructure:"max_backups"`
	MaxAgeDays int     `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool    `yaml:"compress"     mapstructure:"compress"`
	DropRate   float64 `yaml:"drop_rate"    mapstructure:"drop_rate"`
	DropBurst  int     `yaml:"drop_burst"   mapstructure:"drop_burst"`
}

type StatsConfig struct {
	Enabled           bool   `yaml:"enabled"             mapstructure:"enabled"`
	ReportIntervalSec int    `yaml:"report_interval_sec" mapstructure:"report_interval_sec"`
	ExportFile        string `yaml:"export_file"         mapstructure:"export_file"`
	MetricsAddr       string `yaml:"metrics_addr"        mapstructure:"metrics_addr"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.mtu", 1500)
	v.SetDefault("engine.ttl", 64)
	v.SetDefault("engine.max_connections", 4096)
	v.SetDefault("engine.max_udp_flows", 4096)
	v.SetDefault("engine.syn_timeout", "60s")
	v.SetDefault("engine.idle_timeout", "600s")
	v.SetDefault("engine.close_timeout", "10s")
	v.SetDefault("engine.udp_timeout", "60s")
	v.SetDefault("engine.fragment_timeout", frag.DefaultTimeout)
	v.SetDefault("engine.max_send", 512)
	v.SetDefault("engine.max_inflight", 4096)
	v.SetDefault("engine.window", 16000)
	v.SetDefault("engine.addr_mask", "255.255.255.0")
	v.SetDefault("engine.isn_strategy", "random")
	v.SetDefault("engine.buffer_size", 2048)
	v.SetDefault("engine.prealloc", 256)
	v.SetDefault("engine.post_queue", 1024)
	v.SetDefault("capture.snaplen", 65535)
	v.SetDefault("capture.promiscuous", true)
	v.SetDefault("output.mode", "pcap")
	v.SetDefault("router.enabled", false)
	v.SetDefault("random_ipv6.enabled", false)
	v.SetDefault("random_ipv6.percentage", 0.1)
	v.SetDefault("random_ipv6.default_template", "randomipv6default")
	v.SetDefault("backend.dial_timeout", "10s")
	v.SetDefault("backend.queue", 64)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.drop_rate", 10)
	v.SetDefault("logging.drop_burst", 20)
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.report_interval_sec", 10)
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper reads configuration using an existing viper instance (for CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// decodeHook converts durations, and through their text form netip.Addr,
// netip.Prefix and MAC values.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// MAC is a link address that reads and writes in its colon form.
type MAC net.HardwareAddr

func (m *MAC) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*m = nil
		return nil
	}
	hw, err := net.ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = MAC(hw)
	return nil
}

func (m MAC) MarshalText() ([]byte, error) {
	return []byte(net.HardwareAddr(m).String()), nil
}

// HardwareAddr returns m as a net.HardwareAddr, nil when unset.
func (m MAC) HardwareAddr() net.HardwareAddr {
	if len(m) == 0 {
		return nil
	}
	return net.HardwareAddr(m)
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	input := c.Capture.Interface
	if c.Capture.PcapFile != "" {
		input = "pcap " + c.Capture.PcapFile
	}
	output := c.Output.Mode
	if c.Output.File != "" {
		output += " " + c.Output.File
	}
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Input:         %s\n", input))
	sb.WriteString(fmt.Sprintf("  Output:        %s\n", output))
	sb.WriteString(fmt.Sprintf("  Templates:     %d\n", len(c.Templates)))
	sb.WriteString(fmt.Sprintf("  Personalities: %d\n", len(c.Personalities)))
	sb.WriteString(fmt.Sprintf("  Router:        enabled=%v (%d routers)\n", c.Router.Enabled, len(c.Router.Routers)))
	sb.WriteString(fmt.Sprintf("  Limits:        tcp=%d udp=%d mtu=%d ttl=%d\n",
		c.Engine.MaxConnections, c.Engine.MaxUDPFlows, c.Engine.MTU, c.Engine.TTL))
	sb.WriteString(fmt.Sprintf("  Timeouts:      syn=%s idle=%s udp=%s frag=%s\n",
		c.Engine.SynTimeout, c.Engine.IdleTimeout, c.Engine.UDPTimeout, c.Engine.FragmentTimeout))
	sb.WriteString(fmt.Sprintf("  ISN:           %s\n", c.Engine.ISNStrategy))
	if c.RandomIPv6.Enabled {
		sb.WriteString(fmt.Sprintf("  Random IPv6:   %.2f%% (max %d, template %s)\n",
			c.RandomIPv6.Percentage*100, c.RandomIPv6.MaxHosts, c.RandomIPv6.DefaultTemplate))
	}
	if c.Stats.MetricsAddr != "" {
		sb.WriteString(fmt.Sprintf("  Metrics:       %s\n", c.Stats.MetricsAddr))
	}
	return sb.String()
}

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	return string(out), nil
}
