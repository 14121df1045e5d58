package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/engine"
)

// ReceiverConfig selects and tunes a live capture.
type ReceiverConfig struct {
	Interface   string
	Snaplen     int
	Promiscuous bool
	// Filter is an optional libpcap expression. The built-in filter is used
	// when it is empty.
	Filter  string
	Timeout time.Duration
	Queue   int
}

// Receiver captures frames from a live interface.
type Receiver struct {
	cfg    ReceiverConfig
	handle *pcap.Handle
	frames chan engine.Frame
}

// NewReceiver opens iface for capture and installs the capture filter.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = 65535
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1000
	}
	handle, err := pcap.OpenLive(cfg.Interface, int32(cfg.Snaplen), cfg.Promiscuous, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for capture: %w", cfg.Interface, err)
	}
	if err := installFilter(handle, cfg.Filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set filter on %s: %w", cfg.Interface, err)
	}
	log.WithFields(log.Fields{
		"interface": cfg.Interface,
		"link_type": handle.LinkType().String(),
		"snaplen":   cfg.Snaplen,
	}).Info("Capture opened")
	return &Receiver{
		cfg:    cfg,
		handle: handle,
		frames: make(chan engine.Frame, cfg.Queue),
	}, nil
}

func installFilter(h *pcap.Handle, expr string) error {
	if expr != "" {
		return h.SetBPFFilter(expr)
	}
	prog, err := CaptureFilter(h.LinkType())
	if err != nil {
		return err
	}
	return h.SetBPFInstructionFilter(prog)
}

// LinkType returns the link layer of the capture.
func (r *Receiver) LinkType() layers.LinkType { return r.handle.LinkType() }

// Handle returns the pcap handle, which also injects frames.
func (r *Receiver) Handle() *pcap.Handle { return r.handle }

// Frames returns the channel of captured frames. It is closed when the
// capture stops.
func (r *Receiver) Frames() <-chan engine.Frame { return r.frames }

// Run reads frames until ctx is cancelled or the capture fails.
func (r *Receiver) Run(ctx context.Context) error {
	defer close(r.frames)
	for {
		if ctx.Err() != nil {
			return nil
		}
		data, ci, err := r.handle.ReadPacketData()
		switch {
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("capture on %s: %w", r.cfg.Interface, err)
		}

		select {
		case r.frames <- engine.Frame{Iface: r.cfg.Interface, Data: data, Timestamp: ci.Timestamp}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close releases the capture.
func (r *Receiver) Close() {
	r.handle.Close()
}
