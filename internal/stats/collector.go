package stats

import (
	"maps"
	"sync"
	"time"
)

// TCP event names.
const (
	TCPEstablished = "established"
	TCPExpired     = "expired"
	TCPEvicted     = "evicted"
	TCPReset       = "reset"
)

// Fragment event names.
const (
	FragReassembled = "reassembled"
	FragExpired     = "expired"
)

// ProtoStats holds per-protocol packet counts.
type ProtoStats struct {
	PacketsIn  uint64
	PacketsOut uint64
}

// Collector aggregates engine statistics. Every method is safe on a nil
// Collector so handlers can run without one.
type Collector struct {
	StartTime time.Time
	EndTime   time.Time

	Protocols map[string]*ProtoStats
	Drops     map[string]uint64
	TCP       map[string]uint64
	Fragments map[string]uint64
	ICMP      map[string]uint64

	UDPFlows       uint64
	Delayed        uint64
	ActiveTCP      uint64
	ActiveUDPFlows uint64

	metrics *Metrics
	mu      sync.Mutex
}

// NewCollector creates a collector. m may be nil.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		StartTime: time.Now(),
		Protocols: make(map[string]*ProtoStats),
		Drops:     make(map[string]uint64),
		TCP:       make(map[string]uint64),
		Fragments: make(map[string]uint64),
		ICMP:      make(map[string]uint64),
		metrics:   m,
	}
}

func (c *Collector) proto(name string) *ProtoStats {
	if _, ok := c.Protocols[name]; !ok {
		c.Protocols[name] = &ProtoStats{}
	}
	return c.Protocols[name]
}

// RecordPacketIn counts a packet delivered to a virtual host.
func (c *Collector) RecordPacketIn(proto string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proto(proto).PacketsIn++
	c.metrics.packet(proto, "in")
}

// RecordPacketOut counts a packet sent by a virtual host.
func (c *Collector) RecordPacketOut(proto string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proto(proto).PacketsOut++
	c.metrics.packet(proto, "out")
}

// RecordDrop counts a discarded packet.
func (c *Collector) RecordDrop(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Drops[reason]++
	c.metrics.drop(reason)
}

// RecordTCP counts a TCP connection event. Established connections are
// also counted as active until RecordTCPClosed.
func (c *Collector) RecordTCP(event string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.TCP[event]++
	if event == TCPEstablished {
		c.ActiveTCP++
	}
	c.metrics.tcp(event, c.ActiveTCP)
}

// RecordTCPClosed decrements the active count when an established
// connection goes away.
func (c *Collector) RecordTCPClosed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ActiveTCP > 0 {
		c.ActiveTCP--
	}
	c.metrics.tcpGauge(c.ActiveTCP)
}

// RecordUDPFlow counts a new UDP flow.
func (c *Collector) RecordUDPFlow() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UDPFlows++
	c.ActiveUDPFlows++
	c.metrics.udp(c.ActiveUDPFlows)
}

// RecordUDPFlowEnd counts a removed UDP flow.
func (c *Collector) RecordUDPFlowEnd() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ActiveUDPFlows > 0 {
		c.ActiveUDPFlows--
	}
	c.metrics.udpGauge(c.ActiveUDPFlows)
}

// RecordFragment counts a reassembly outcome.
func (c *Collector) RecordFragment(event string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fragments[event]++
	c.metrics.fragment(event)
}

// RecordICMPReply counts an ICMP message generated by a virtual host.
func (c *Collector) RecordICMPReply(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ICMP[kind]++
	c.metrics.icmp(kind)
}

// RecordDelayed counts a packet held back by the router.
func (c *Collector) RecordDelayed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Delayed++
	c.metrics.delayed()
}

// Finish marks the end of the collection period.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EndTime = time.Now()
}

// Duration returns the elapsed time.
func (c *Collector) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// TotalIn returns the number of packets delivered to virtual hosts.
func (c *Collector) TotalIn() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.Protocols {
		total += s.PacketsIn
	}
	return total
}

// TotalOut returns the number of packets sent by virtual hosts.
func (c *Collector) TotalOut() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, s := range c.Protocols {
		total += s.PacketsOut
	}
	return total
}

// TotalDrops returns the number of discarded packets.
func (c *Collector) TotalDrops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total uint64
	for _, n := range c.Drops {
		total += n
	}
	return total
}

// Snapshot returns a copy of the current statistics (thread-safe).
func (c *Collector) Snapshot() *Collector {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Collector{
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
		Protocols:      make(map[string]*ProtoStats, len(c.Protocols)),
		Drops:          maps.Clone(c.Drops),
		TCP:            maps.Clone(c.TCP),
		Fragments:      maps.Clone(c.Fragments),
		ICMP:           maps.Clone(c.ICMP),
		UDPFlows:       c.UDPFlows,
		Delayed:        c.Delayed,
		ActiveTCP:      c.ActiveTCP,
		ActiveUDPFlows: c.ActiveUDPFlows,
	}
	for k, v := range c.Protocols {
		s := *v
		snap.Protocols[k] = &s
	}
	return snap
}
