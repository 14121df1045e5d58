package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"honeyd-engine/internal/backend"
	"honeyd-engine/internal/config"
	"honeyd-engine/internal/engine"
	"honeyd-engine/internal/network"
	"honeyd-engine/internal/pcap"
	"honeyd-engine/internal/stats"
	"honeyd-engine/pkg/types"
)

var (
	version     = "1.0.0"
	cfgFile     string
	dryRun      bool
	printConfig bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "honeyd-engine",
		Short: "Honeypot packet engine - answer for virtual hosts on a network",
		Long: `A Go-based honeypot engine that captures packets for unused addresses and
answers them as configured virtual hosts, with TCP, UDP, ICMP and IPv6
neighbor discovery, fragment reassembly and a simulated routed topology.`,
		Version:      version,
		SilenceUsage: true,
		RunE:         run,
	}

	// Configuration file
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "Configuration file path (default: config.yaml)")

	// CLI overrides
	rootCmd.Flags().String("interface", "", "Capture interface")
	rootCmd.Flags().String("pcap", "", "Replay a capture file instead of a live interface")
	rootCmd.Flags().String("output", "", "Output mode (pcap|file|discard)")
	rootCmd.Flags().String("output-file", "", "Capture file written in file output mode")
	rootCmd.Flags().String("log-level", "", "Log level (trace|debug|info|warn|error)")
	rootCmd.Flags().Int("max-connections", 0, "Maximum concurrent TCP connections")
	rootCmd.Flags().Uint8("ttl", 0, "TTL of generated packets")
	rootCmd.Flags().Bool("no-router", false, "Disable the virtual routing topology")
	rootCmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and build the configuration, do not capture")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Load configuration
	v := viper.New()
	config.SetDefaults(v)

	// Load config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK if using CLI flags
		log.Debug("No config file found, using defaults and CLI flags")
	}

	// Bind CLI flags (override config file values)
	bindViperFlags(v, cmd)

	if noRouter, _ := cmd.Flags().GetBool("no-router"); noRouter {
		v.Set("router.enabled", false)
	}

	cfg, err := config.LoadWithViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if printConfig {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	// Setup logging
	closeLog := setupLogging(cfg)
	defer closeLog()

	fmt.Printf("Honeyd Engine v%s\n", version)
	fmt.Println("==================")
	fmt.Print(cfg.Summary())
	fmt.Println()

	if err := cfg.Validate(); err != nil {
		return err
	}

	registry, err := cfg.BuildPersonalities(nil, nil)
	if err != nil {
		return fmt.Errorf("failed to build personalities: %w", err)
	}
	store, err := cfg.BuildTemplates(registry)
	if err != nil {
		return fmt.Errorf("failed to build templates: %w", err)
	}
	topo, err := cfg.BuildTopology()
	if err != nil {
		return fmt.Errorf("failed to build topology: %w", err)
	}
	log.WithFields(log.Fields{
		"templates":     len(cfg.Templates),
		"bindings":      store.Len(),
		"personalities": len(registry),
	}).Info("Configuration built")

	if dryRun {
		fmt.Println("Dry-run mode: skipping capture")
		return nil
	}

	// Setup context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	// Open the frame source
	var (
		source   func(context.Context) error
		frames   <-chan engine.Frame
		iface    engine.Interface
		receiver *network.Receiver
		replay   = cfg.Capture.PcapFile != ""
	)
	if replay {
		reader, err := pcap.Open(cfg.Capture.PcapFile, "replay")
		if err != nil {
			return fmt.Errorf("failed to open pcap: %w", err)
		}
		defer reader.Close()
		iface = engine.Interface{Name: reader.Interface(), LinkType: reader.LinkType()}
		ch := make(chan engine.Frame, 1000)
		frames = ch
		source = func(ctx context.Context) error { return reader.Run(ctx, ch) }
	} else {
		receiver, err = network.NewReceiver(network.ReceiverConfig{
			Interface:   cfg.Capture.Interface,
			Snaplen:     cfg.Capture.Snaplen,
			Promiscuous: cfg.Capture.Promiscuous,
			Filter:      cfg.Capture.BPF,
		})
		if err != nil {
			return err
		}
		defer receiver.Close()
		iface = systemInterface(cfg.Capture.Interface, receiver.LinkType())
		frames = receiver.Frames()
		source = receiver.Run
	}
	applyInterfaceConfig(&iface, cfg.Capture)

	// Output
	clock := time.Now
	emitter, linkEmitter, closeOut, err := openOutput(cfg, receiver, iface, func() time.Time { return clock() })
	if err != nil {
		return err
	}
	defer closeOut()

	// Stats
	metrics := stats.NewMetrics()
	collector := stats.NewCollector(metrics)
	reporter := stats.NewReporter(collector, cfg.Stats.ReportIntervalSec, cfg.Stats.ExportFile)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	proxy := backend.NewProxy(runCtx, backend.ProxyConfig{
		DialTimeout: cfg.Backend.DialTimeout,
		Queue:       cfg.Backend.Queue,
	})
	eng, err := engine.New(cfg.EngineConfig(replay), engine.Deps{
		Templates:  store,
		Topology:   topo,
		Emitter:    emitter,
		Backend:    backend.Chain{proxy, &backend.Discard{}},
		Interfaces: []engine.Interface{iface},
		Stats:      collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	clock = eng.Scheduler().Now
	if linkEmitter != nil {
		linkEmitter.SetResolver(eng)
	}
	if !replay {
		eng.Post(eng.SolicitRouters)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return source(gctx) })
	g.Go(func() error {
		// The auxiliaries stop with the engine, as after a finished replay.
		defer stopRun()
		if err := eng.Run(gctx, frames); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Stats.Enabled {
		g.Go(func() error { return reporter.Run(gctx) })
	}
	if cfg.Stats.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Stats.MetricsAddr) })
	}

	fmt.Println("Engine running...")
	runErr := g.Wait()
	proxy.Wait()
	if runErr != nil {
		log.WithError(runErr).Error("Engine failed")
	}

	// Print final statistics
	if cfg.Stats.Enabled {
		reporter.PrintFinalReport()
		if err := reporter.ExportJSON(); err != nil {
			log.WithError(err).Warn("Failed to export statistics")
		}
	}
	if r := eng.RandomHosts(); r != nil {
		log.WithFields(log.Fields{"created": r.Created(), "rejected": r.Rejected()}).Info("Random IPv6 hosts")
	}
	return runErr
}

// openOutput creates the emitter for the configured output mode.
func openOutput(cfg *config.Config, rcv *network.Receiver, ifc engine.Interface, now func() time.Time) (types.Emitter, *network.LinkEmitter, func(), error) {
	switch cfg.Output.Mode {
	case "pcap":
		if rcv == nil {
			return nil, nil, nil, errors.New("output mode pcap needs a live capture")
		}
		e, err := network.NewLinkEmitter(network.Port{
			Name:     ifc.Name,
			Writer:   rcv.Handle(),
			LinkType: ifc.LinkType,
			MAC:      ifc.MAC,
			Gateway:  cfg.Output.Gateway.HardwareAddr(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return e, e, func() {}, nil
	case "file":
		f, err := os.Create(cfg.Output.File)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create output file: %w", err)
		}
		e, err := network.NewFileEmitter(f, now)
		if err != nil {
			f.Close()
			return nil, nil, nil, err
		}
		return e, nil, func() {
			if err := e.Close(); err != nil {
				log.WithError(err).Warn("Failed to close output file")
			}
		}, nil
	}
	d := &network.Discard{}
	return d, nil, func() {
		log.WithField("packets", d.Packets()).Info("Discarded output")
	}, nil
}

// systemInterface reads the link and network addresses of a live interface.
func systemInterface(name string, lt layers.LinkType) engine.Interface {
	ifc := engine.Interface{Name: name, LinkType: lt}
	sys, err := net.InterfaceByName(name)
	if err != nil {
		log.WithError(err).WithField("interface", name).Warn("Failed to read interface addresses")
		return ifc
	}
	if lt == layers.LinkTypeEthernet {
		ifc.MAC = sys.HardwareAddr
	}
	addrs, err := sys.Addrs()
	if err != nil {
		return ifc
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipn.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		ones, _ := ipn.Mask.Size()
		ifc.Addrs = append(ifc.Addrs, addr)
		ifc.Nets = append(ifc.Nets, netip.PrefixFrom(addr, ones).Masked())
	}
	return ifc
}

// applyInterfaceConfig lets the configuration describe or override the
// capture interface.
func applyInterfaceConfig(ifc *engine.Interface, c config.CaptureConfig) {
	if mac := c.MAC.HardwareAddr(); mac != nil {
		ifc.MAC = mac
	}
	if len(c.Addresses) > 0 {
		ifc.Addrs = c.Addresses
	}
	if len(c.Networks) > 0 {
		ifc.Nets = c.Networks
	}
}

func setupLogging(cfg *config.Config) func() {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if cfg.Logging.File == "" {
		return func() {}
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.Logging.File,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if cfg.Logging.Console {
		log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	} else {
		log.SetOutput(rotator)
	}
	return func() { _ = rotator.Close() }
}

func bindViperFlags(v *viper.Viper, cmd *cobra.Command) {
	if cmd.Flags().Changed("interface") {
		val, _ := cmd.Flags().GetString("interface")
		v.Set("capture.interface", val)
	}
	if cmd.Flags().Changed("pcap") {
		val, _ := cmd.Flags().GetString("pcap")
		v.Set("capture.pcap_file", val)
	}
	if cmd.Flags().Changed("output") {
		val, _ := cmd.Flags().GetString("output")
		v.Set("output.mode", val)
	}
	if cmd.Flags().Changed("output-file") {
		val, _ := cmd.Flags().GetString("output-file")
		v.Set("output.file", val)
	}
	if cmd.Flags().Changed("log-level") {
		val, _ := cmd.Flags().GetString("log-level")
		v.Set("logging.level", val)
	}
	if cmd.Flags().Changed("max-connections") {
		val, _ := cmd.Flags().GetInt("max-connections")
		v.Set("engine.max_connections", val)
	}
	if cmd.Flags().Changed("ttl") {
		val, _ := cmd.Flags().GetUint8("ttl")
		v.Set("engine.ttl", val)
	}
}
