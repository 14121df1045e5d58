// Package udp emulates the UDP services of virtual hosts.
package udp

import (
	"bytes"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/conntable"
	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/stats"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

const (
	// maxQueued bounds inbound data waiting for a backend.
	maxQueued = 64 * 1024
	// maxSoftErrors removes a flow whose peer keeps reporting the port as
	// unreachable.
	maxSoftErrors = 3

	// A failed backend write is retried after flushRetry, doubling each
	// time. The flow is removed after maxFlushTries retries.
	flushRetry    = 100 * time.Millisecond
	maxFlushTries = 6
)

// Config holds the UDP limits.
type Config struct {
	TTL      uint8
	MaxFlows int
	Wait     time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{TTL: 64, MaxFlows: 4096, Wait: 60 * time.Second}
}

// Unreachable answers datagrams to closed ports.
type Unreachable interface {
	PortUnreachable(tmpl *types.Template, pkt []byte)
}

// Deps are the collaborators of a Handler. Errors, Backend, Poster, Stats
// and Drops may be nil.
type Deps struct {
	Sched   *timer.Scheduler
	Out     types.PacketSender
	Errors  Unreachable
	Backend types.Backend
	Poster  types.Poster
	Rand    *rand.Rand
	Stats   *stats.Collector
	Drops   *logging.DropLogger
}

// Flow is one UDP conversation.
type Flow struct {
	Tuple types.Tuple

	tmpl       *types.Template
	action     types.PortAction
	entry      *conntable.Entry[*Flow]
	softErrors int
	queue      [][]byte
	queued     int
	channel    types.Channel
	flush      *timer.Timer
	flushTries int

	Received uint64
	Sent     uint64
}

// SoftErrors returns the number of unreachable reports since the last
// datagram from the peer.
func (f *Flow) SoftErrors() int { return f.softErrors }

// Live reports whether the flow is still in the table.
func (f *Flow) Live() bool { return f.entry != nil && f.entry.Live() }

// Handler owns the UDP flow table.
type Handler struct {
	cfg   Config
	deps  Deps
	table *conntable.Table[*Flow]
}

// NewHandler creates a handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := &Handler{cfg: cfg, deps: deps}
	h.table = conntable.New[*Flow](deps.Sched, conntable.Options[*Flow]{
		MaxEntries: cfg.MaxFlows,
		OnEvict:    func(e *conntable.Entry[*Flow]) { h.free(e.Value, "evicted") },
		OnExpire:   func(e *conntable.Entry[*Flow]) { h.free(e.Value, "timeout") },
	})
	return h
}

// Find returns the flow for t, or nil.
func (h *Handler) Find(t types.Tuple) *Flow {
	t.Proto = types.ProtoUDP
	if e := h.table.Find(t); e != nil {
		return e.Value
	}
	return nil
}

// Len returns the number of live flows.
func (h *Handler) Len() int { return h.table.Len() }

// Receive processes an inbound IPv4 or IPv6 packet carrying UDP.
func (h *Handler) Receive(tmpl *types.Template, pkt []byte) {
	seg, ok := packet.Transport(pkt, types.ProtoUDP)
	if !ok {
		h.drop("truncated", nil)
		return
	}
	uh, err := packet.ParseUDP(seg)
	if err != nil {
		h.drop("truncated", log.Fields{"error": err})
		return
	}
	src, dst := packet.Addrs(pkt)
	tuple := types.Tuple{
		Family: packet.Version(pkt),
		Proto:  types.ProtoUDP,
		Src:    src,
		Dst:    dst,
		SPort:  uh.SrcPort(),
		DPort:  uh.DstPort(),
	}
	entry := h.table.Find(tuple)

	if uh.Length() != len(seg) {
		h.drop("length mismatch", log.Fields{"udp_len": uh.Length(), "seg_len": len(seg)})
		return
	}
	action := tmpl.Action(types.ProtoUDP, tuple.DPort)
	if types.IsBlocked(action) {
		logging.Probe(tuple, len(pkt), "", "")
		h.deps.Stats.RecordDrop("blocked")
		return
	}
	if uh.Checksum() != 0 && !packet.TransportChecksumOK(src, dst, types.ProtoUDP, seg) {
		logging.Probe(tuple, len(pkt), "", "bad checksum")
		h.drop("checksum", log.Fields{"src": src, "dst": dst})
		return
	}
	h.deps.Stats.RecordPacketIn("udp")

	var f *Flow
	if entry != nil {
		f = entry.Value
	} else {
		if !openAction(action) {
			log.WithField("conn", tuple.String()).Debug("Connection to closed port")
			logging.Probe(tuple, len(pkt), "", "")
			if h.deps.Errors != nil {
				h.deps.Errors.PortUnreachable(tmpl, pkt)
			}
			return
		}
		f = h.open(tmpl, tuple, action)
		if f == nil {
			return
		}
	}

	h.table.Touch(f.entry, h.cfg.Wait)
	f.softErrors = 0
	data := uh.Payload()
	f.Received += uint64(len(data))
	h.enqueue(f, data)
}

func openAction(a types.PortAction) bool {
	switch a.(type) {
	case types.OpenAction, types.ProxyAction:
		return true
	}
	return false
}

func (h *Handler) open(tmpl *types.Template, tuple types.Tuple, action types.PortAction) *Flow {
	f := &Flow{Tuple: tuple, tmpl: tmpl, action: action}
	entry, err := h.table.Insert(tuple, f)
	if err != nil {
		return nil
	}
	f.entry = entry
	log.WithField("conn", tuple.String()).Debug("Connection")
	logging.FlowStart(tuple)
	h.deps.Stats.RecordUDPFlow()

	if h.deps.Backend != nil {
		ch, err := h.deps.Backend.OnConnectionEstablished(tuple, action, &endpoint{h: h, f: f})
		if err != nil {
			log.WithError(err).WithField("conn", tuple.String()).Warn("Backend refused flow")
		} else {
			f.channel = ch
		}
	}
	return f
}

// enqueue hands a datagram to the backend, holding it while the backend
// is not accepting data.
func (h *Handler) enqueue(f *Flow, data []byte) {
	if f.channel == nil || len(data) == 0 {
		return
	}
	if f.queued+len(data) > maxQueued {
		h.drop("queue full", log.Fields{"conn": f.Tuple.String()})
		return
	}
	f.queue = append(f.queue, bytes.Clone(data))
	f.queued += len(data)
	h.flushQueue(f)
}

// flushQueue writes queued datagrams in order. After a failed write the
// rest is retried from the scheduler.
func (h *Handler) flushQueue(f *Flow) {
	for len(f.queue) > 0 {
		d := f.queue[0]
		if _, err := f.channel.Write(d); err != nil {
			if f.flush == nil {
				f.flush = h.deps.Sched.NewTimer(func() { h.retryFlush(f) })
			}
			if !f.flush.Pending() {
				f.flush.Reset(flushRetry << f.flushTries)
			}
			log.WithError(err).WithField("conn", f.Tuple.String()).Debug("Backend write failed")
			return
		}
		f.queue = f.queue[1:]
		f.queued -= len(d)
	}
	f.queue = nil
	f.flushTries = 0
	f.flush.Stop()
}

func (h *Handler) retryFlush(f *Flow) {
	if !f.Live() || f.channel == nil {
		return
	}
	f.flushTries++
	h.flushQueue(f)
	if len(f.queue) > 0 && f.flushTries >= maxFlushTries {
		log.WithFields(log.Fields{
			"conn":    f.Tuple.String(),
			"pending": f.queued,
		}).Warn("Backend stopped accepting data, removing flow")
		h.free(f, "backend stalled")
	}
}

// Send emits a datagram from the virtual host side of f. It must run on the
// reactor.
func (h *Handler) Send(f *Flow, payload []byte) {
	if !f.Live() {
		return
	}
	id := uint16(h.deps.Rand.Uint32())
	if f.tmpl != nil && f.tmpl.Personality != nil && f.Tuple.Family == types.FamilyIPv4 {
		id = f.tmpl.Personality.IPID()
	}
	params := packet.IPParams{Src: f.Tuple.Dst, Dst: f.Tuple.Src, TTL: h.cfg.TTL, ID: id}
	pkt, err := packet.BuildUDP(params, f.Tuple.DPort, f.Tuple.SPort, payload)
	if err != nil {
		log.WithError(err).WithField("conn", f.Tuple.String()).Warn("Failed to build UDP datagram")
		return
	}
	f.Sent += uint64(len(payload))

	var spoof types.Spoof
	if f.tmpl != nil {
		spoof = f.tmpl.Spoof
	}
	if f.Tuple.Family == types.FamilyIPv6 {
		h.deps.Out.SendIP6(pkt, spoof)
	} else {
		h.deps.Out.SendIP(pkt, spoof)
	}
	h.deps.Stats.RecordPacketOut("udp")
	h.table.Arm(f.entry, h.cfg.Wait)
}

// SoftError records an unreachable report for the flow t, removing the flow
// after repeated reports.
func (h *Handler) SoftError(t types.Tuple) {
	f := h.Find(t)
	if f == nil {
		return
	}
	f.softErrors++
	if f.softErrors >= maxSoftErrors {
		log.WithField("conn", f.Tuple.String()).Debug("Too many soft errors")
		h.free(f, "unreachable")
	}
}

func (h *Handler) free(f *Flow, reason string) {
	if !f.Live() {
		return
	}
	f.flush.Stop()
	if f.channel != nil {
		_ = f.channel.Close()
		f.channel = nil
	}
	f.queue, f.queued = nil, 0
	h.deps.Stats.RecordUDPFlowEnd()
	logging.FlowEnd(f.Tuple, reason, f.Received, f.Sent)
	h.table.Remove(f.entry)
}

func (h *Handler) drop(reason string, fields log.Fields) {
	h.deps.Stats.RecordDrop(reason)
	h.deps.Drops.Drop("udp "+reason, fields)
}

type endpoint struct {
	h *Handler
	f *Flow
}

func (e *endpoint) Send(p []byte) {
	data := bytes.Clone(p)
	e.post(func() { e.h.Send(e.f, data) })
}

func (e *endpoint) Shutdown() {
	e.post(func() { e.h.free(e.f, "closed") })
}

func (e *endpoint) post(fn func()) {
	if e.h.deps.Poster == nil {
		fn()
		return
	}
	e.h.deps.Poster.Post(fn)
}
