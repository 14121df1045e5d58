package tcp

import (
	"bytes"
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/google/gopacket/layers"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/conntable"
	"honeyd-engine/internal/logging"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/stats"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

// Config holds the TCP emulation limits.
type Config struct {
	TTL         uint8
	MaxConns    int
	SynWait     time.Duration
	IdleTimeout time.Duration
	CloseWait   time.Duration
	MaxSend     int
	MaxInflight int
	Window      uint16
	MSS         uint16
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		TTL:         64,
		MaxConns:    4096,
		SynWait:     60 * time.Second,
		IdleTimeout: 600 * time.Second,
		CloseWait:   10 * time.Second,
		MaxSend:     512,
		MaxInflight: 4096,
		Window:      16000,
		MSS:         1460,
	}
}

// maxRetransTime tears down a connection whose peer stopped answering.
const maxRetransTime = 60

// A failed backend write is retried after flushRetry, doubling each time.
// The connection is reset after maxFlushTries retries.
const (
	flushRetry    = 100 * time.Millisecond
	maxFlushTries = 6
)

// Deps are the collaborators of a Handler. Backend, Poster, Stats and Drops
// may be nil.
type Deps struct {
	Sched   *timer.Scheduler
	Out     types.PacketSender
	Backend types.Backend
	Poster  types.Poster
	ISN     *ISNGenerator
	Rand    *rand.Rand
	Stats   *stats.Collector
	Drops   *logging.DropLogger
}

// Handler owns the TCP connection table.
type Handler struct {
	cfg   Config
	deps  Deps
	table *conntable.Table[*Conn]
}

// NewHandler creates a handler. A missing random source or ISN generator is
// replaced with a randomly seeded one.
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.ISN == nil {
		deps.ISN, _ = NewISNGenerator(ISNRandom, 0, deps.Rand)
	}
	h := &Handler{cfg: cfg, deps: deps}
	h.table = conntable.New[*Conn](deps.Sched, conntable.Options[*Conn]{
		MaxEntries: cfg.MaxConns,
		OnEvict: func(e *conntable.Entry[*Conn]) {
			h.deps.Stats.RecordTCP(stats.TCPEvicted)
			h.free(e.Value, "evicted")
		},
		OnExpire: func(e *conntable.Entry[*Conn]) {
			h.deps.Stats.RecordTCP(stats.TCPExpired)
			h.free(e.Value, "timeout")
		},
	})
	return h
}

// Find returns the connection for t, or nil.
func (h *Handler) Find(t types.Tuple) *Conn {
	t.Proto = types.ProtoTCP
	if e := h.table.Find(t); e != nil {
		return e.Value
	}
	return nil
}

// Len returns the number of live connections.
func (h *Handler) Len() int { return h.table.Len() }

// Receive processes an inbound IPv4 or IPv6 packet carrying TCP.
func (h *Handler) Receive(tmpl *types.Template, pkt []byte) {
	seg, ok := packet.Transport(pkt, types.ProtoTCP)
	if !ok {
		h.drop("truncated", nil)
		return
	}
	th, err := packet.ParseTCP(seg)
	if err != nil {
		h.drop("truncated", log.Fields{"error": err})
		return
	}
	src, dst := packet.Addrs(pkt)
	tuple := types.Tuple{
		Family: packet.Version(pkt),
		Proto:  types.ProtoTCP,
		Src:    src,
		Dst:    dst,
		SPort:  th.SrcPort(),
		DPort:  th.DstPort(),
	}
	entry := h.table.Find(tuple)
	flags := th.Flags()

	action := tmpl.Action(types.ProtoTCP, tuple.DPort)
	if types.IsBlocked(action) {
		logging.Probe(tuple, len(pkt), flags.String(), "")
		h.deps.Stats.RecordDrop("blocked")
		return
	}
	if !packet.TransportChecksumOK(src, dst, types.ProtoTCP, seg) {
		logging.Probe(tuple, len(pkt), flags.String(), "bad checksum")
		h.drop("checksum", log.Fields{"src": src, "dst": dst})
		return
	}
	h.deps.Stats.RecordPacketIn("tcp")

	if entry == nil {
		h.accept(tmpl, tuple, th, action, len(pkt))
		return
	}

	c := entry.Value
	if !c.Tuple.Local {
		switch action.(type) {
		case types.ResetAction:
			h.dropWithReset(c, flags)
			return
		case types.BlockAction:
			return
		}
	}
	c.rcvFlags = flags

	switch c.State {
	case StateSynSent:
		h.synSent(c, th)
	case StateSynReceived:
		h.synReceived(c, th)
	default:
		h.synchronized(c, th)
	}
}

func (h *Handler) accept(tmpl *types.Template, tuple types.Tuple, th packet.TCP, action types.PortAction, size int) {
	flags := th.Flags()
	if !action.Listening() || !flags.Has(types.FlagSYN) {
		h.kill(tmpl, tuple, th, size, "")
		return
	}

	comment := ""
	if flags&(types.FlagFIN|types.FlagRST|types.FlagPSH|types.FlagACK|types.FlagURG) != 0 {
		if flags.Has(types.FlagFIN | types.FlagRST) {
			comment = "scanner"
		}
		reply := types.FlagSYN | types.FlagACK
		matched := false
		if p := tmpl.Personality; p != nil {
			if r, ok := p.ClassifyTCP(tuple, reply, 0); ok {
				reply, matched = r.Flags, true
			}
		}
		if !matched {
			if flags.Has(types.FlagRST | types.FlagACK) {
				h.kill(tmpl, tuple, th, size, comment)
				return
			}
			flags &^= types.FlagFIN
		}
		if reply.Has(types.FlagRST) {
			h.kill(tmpl, tuple, th, size, comment)
			return
		}
	}

	if tmpl.DropSynRate > 0 && h.deps.Rand.IntN(10000) < int(tmpl.DropSynRate) {
		logging.Probe(tuple, size, flags.String(), "syn dropped")
		h.deps.Stats.RecordDrop("syn rate")
		return
	}

	c := &Conn{
		Tuple:    tuple,
		tmpl:     tmpl,
		action:   action,
		tarpit:   action.Tarpit(),
		rcvFlags: flags,
	}
	entry, err := h.table.Insert(tuple, c)
	if err != nil {
		h.kill(tmpl, tuple, th, size, comment)
		return
	}
	c.entry = entry
	c.retrans = h.deps.Sched.NewTimer(func() { h.retransmit(c) })

	log.WithField("conn", tuple.String()).Debug("Connection request")
	logging.FlowStart(tuple)

	c.doOptions(th.Options(), true)
	c.rcvNext = th.Seq() + 1
	c.sndUna = h.deps.ISN.Next(tmpl.Personality)

	c.State = StateListen
	h.send(c, c.sndUna, types.FlagSYN|types.FlagACK, nil)
	c.sndUna++
	c.State = StateSynReceived

	h.table.Touch(entry, h.cfg.SynWait)
	c.retransTime = 3
	c.retrans.Reset(seconds(c.retransTime))
}

// dial opens a connection from a virtual host. t is expressed in the inbound
// direction: Src is the remote peer and Dst the virtual host.
func (h *Handler) dial(tmpl *types.Template, t types.Tuple) (*Conn, error) {
	t.Proto = types.ProtoTCP
	t.Local = true
	c := &Conn{Tuple: t, tmpl: tmpl, action: types.OpenAction{}}
	entry, err := h.table.Insert(t, c)
	if err != nil {
		return nil, err
	}
	c.entry = entry
	c.retrans = h.deps.Sched.NewTimer(func() { h.retransmit(c) })
	logging.FlowStart(t)

	c.sndUna = h.deps.ISN.Next(tmpl.Personality)
	c.State = StateSynSent
	h.send(c, c.sndUna, types.FlagSYN, nil)
	c.sndUna++

	h.table.Touch(entry, h.cfg.SynWait)
	c.retransTime = 3
	c.retrans.Reset(seconds(c.retransTime))
	return c, nil
}

func (h *Handler) synSent(c *Conn, th packet.TCP) {
	flags := th.Flags()
	if flags.Has(types.FlagRST) {
		h.free(c, "refused")
		return
	}
	if !flags.Has(types.FlagSYN) || !flags.Has(types.FlagACK) {
		return
	}
	if th.Ack() != c.sndUna {
		h.dropWithReset(c, flags)
		return
	}
	c.doOptions(th.Options(), false)
	c.rcvNext = th.Seq() + 1
	c.retransTime = 0
	c.retrans.Stop()
	h.send(c, c.sndUna, types.FlagACK, nil)
	h.table.Touch(c.entry, h.cfg.IdleTimeout)
	h.connect(c)
}

func (h *Handler) synReceived(c *Conn, th packet.TCP) {
	flags := th.Flags()
	if flags.Has(types.FlagACK) {
		if flags.Has(types.FlagSYN) || th.Ack() != c.sndUna {
			h.dropWithReset(c, flags)
			return
		}
	}
	if flags.Has(types.FlagSYN) {
		if th.Seq() != c.rcvNext-1 {
			h.dropWithReset(c, flags)
			return
		}
		h.send(c, c.sndUna-1, types.FlagSYN|types.FlagACK, nil)
		return
	}
	if flags.Has(types.FlagRST) {
		h.free(c, "reset by peer")
		return
	}
	if !flags.Has(types.FlagACK) {
		return
	}

	c.doOptions(th.Options(), false)
	c.retransTime = 0
	c.retrans.Stop()
	h.table.Touch(c.entry, h.cfg.IdleTimeout)
	h.connect(c)
}

// synchronized handles the states that carry data.
func (h *Handler) synchronized(c *Conn, th packet.TCP) {
	payload := th.Payload()
	seg := segment{flags: th.Flags(), seq: th.Seq(), ack: th.Ack(), dlen: len(payload)}

	switch checkSeqOrAck(seg, c.rcvNext) {
	case verdictDrop:
		return
	case verdictDropAck:
		h.send(c, c.sndUna, types.FlagACK, nil)
		return
	case verdictClose:
		h.deps.Stats.RecordTCP(stats.TCPReset)
		h.free(c, "reset by peer")
		return
	}

	res := recvSendData(dataInput{
		seg:        seg,
		rcvNext:    c.rcvNext,
		sndUna:     c.sndUna,
		plen:       len(c.payload),
		maxSend:    h.cfg.MaxSend,
		sentFIN:    c.sentFIN,
		hasBackend: c.channel != nil,
	})
	dlen := h.applyData(c, res, payload)
	acked := uint32(res.acked)
	c.doOptions(th.Options(), false)
	fin := res.flags.Has(types.FlagFIN) && !c.tarpit

	switch c.State {
	case StateEstablished:
		h.table.Touch(c.entry, h.cfg.IdleTimeout)
		if fin {
			if c.channel != nil {
				if len(c.readBuf) == 0 {
					_ = c.channel.CloseWrite()
				} else {
					c.pendingCloseWrite = true
				}
			} else {
				c.sentFIN = true
			}
			c.State = StateCloseWait
			dlen++
		}
		c.rcvNext += uint32(dlen)
		c.sndUna += acked
		if c.sentFIN {
			h.sendFIN(c)
		} else {
			h.sendData(c, types.FlagACK)
		}

	case StateCloseWait:
		h.table.Touch(c.entry, h.cfg.IdleTimeout)
		if dlen > 0 {
			h.dropWithReset(c, seg.flags)
			return
		}
		c.sndUna += acked
		h.sendData(c, types.FlagACK)
		if c.sentFIN {
			c.State = StateClosing
		}

	case StateClosing:
		h.table.Touch(c.entry, h.cfg.IdleTimeout)
		c.sndUna += acked
		if c.finAcked {
			h.free(c, "closed")
			return
		}
		h.sendData(c, types.FlagACK)

	case StateFinWait1:
		if fin {
			c.State = StateClosing
			h.table.Arm(c.entry, h.cfg.CloseWait)
			dlen++
		} else {
			h.table.Touch(c.entry, h.cfg.IdleTimeout)
		}
		c.rcvNext += uint32(dlen)
		c.sndUna += acked
		h.sendData(c, types.FlagACK)
	}
}

// applyData applies recvSendData's decision and returns the number of new
// octets consumed.
func (h *Handler) applyData(c *Conn, res dataResult, payload []byte) int {
	data := payload[res.newData : res.newData+res.dlen]
	c.Received += uint64(len(data))

	dlen := len(data)
	if c.channel != nil {
		dlen = c.addRead(data)
		h.flushRead(c)
	}
	c.drain(res.drained)
	if res.finAcked {
		c.finAcked = true
	}
	if res.setSentFIN {
		c.sentFIN = true
	}

	switch {
	case res.acked == 0 && c.poff > 0:
		c.dupAcks++
		if c.dupAcks >= 3 {
			c.dupAcks = 3
			c.poff = 0
		}
	case res.acked > 0:
		c.retransTime = 0
		c.retrans.Stop()
		c.dupAcks = 0
	}
	return dlen
}

// connect moves a connection to Established and attaches the backend.
func (h *Handler) connect(c *Conn) {
	c.State = StateEstablished
	c.connected = true
	h.deps.Stats.RecordTCP(stats.TCPEstablished)
	log.WithFields(log.Fields{
		"conn":   c.Tuple.String(),
		"action": types.ActionName(c.action),
	}).Debug("Connection established")

	if h.deps.Backend == nil {
		return
	}
	ch, err := h.deps.Backend.OnConnectionEstablished(c.Tuple, c.action, &endpoint{h: h, c: c})
	if err != nil {
		log.WithError(err).WithField("conn", c.Tuple.String()).Warn("Backend refused connection")
		h.dropWithReset(c, 0)
		return
	}
	c.channel = ch
}

// kill answers a segment that has no connection. RSTs are never answered.
func (h *Handler) kill(tmpl *types.Template, tuple types.Tuple, th packet.TCP, size int, comment string) {
	flags := th.Flags()
	logging.Probe(tuple, size, flags.String(), comment)
	if flags.Has(types.FlagRST) {
		return
	}
	log.WithField("conn", tuple.String()).Debug("Killing connection")

	fake := &Conn{Tuple: tuple, tmpl: tmpl}
	out := types.FlagRST | types.FlagACK
	if flags.Has(types.FlagACK) {
		out = types.FlagRST
	}

	matched := false
	if p := tmpl.Personality; p != nil {
		_, matched = p.ClassifyTCP(tuple, out, 0)
	}
	switch {
	case matched:
		fake.rcvNext = th.Seq() + 1
		fake.sndUna = th.Ack()
	case flags.Has(types.FlagACK):
		fake.rcvNext = 0
		fake.sndUna = th.Ack()
	default:
		out = types.FlagRST | types.FlagACK
		fake.rcvNext = th.Seq() + 1
		fake.sndUna = 0
	}

	fake.doOptions(th.Options(), true)
	h.send(fake, fake.sndUna, out, nil)
}

func (h *Handler) dropWithReset(c *Conn, inFlags types.TCPFlags) {
	log.WithField("conn", c.Tuple.String()).Debug("Connection dropped with reset")
	if !inFlags.Has(types.FlagRST) {
		h.send(c, c.sndUna, types.FlagRST|types.FlagACK, nil)
	}
	h.deps.Stats.RecordTCP(stats.TCPReset)
	h.free(c, "reset")
}

// flushRead hands buffered inbound data to the backend. Whatever the
// backend does not take is retried from the scheduler.
func (h *Handler) flushRead(c *Conn) {
	if c.channel == nil || len(c.readBuf) == 0 {
		return
	}
	n, err := c.channel.Write(c.readBuf)
	c.readBuf = c.readBuf[min(max(n, 0), len(c.readBuf)):]
	if err != nil || len(c.readBuf) > 0 {
		if c.flush == nil {
			c.flush = h.deps.Sched.NewTimer(func() { h.retryFlush(c) })
		}
		if !c.flush.Pending() {
			c.flush.Reset(flushRetry << c.flushTries)
		}
		if err != nil {
			log.WithError(err).WithField("conn", c.Tuple.String()).Debug("Backend write failed")
		}
		return
	}
	c.readBuf = nil
	c.flushTries = 0
	c.flush.Stop()
	if c.pendingCloseWrite {
		c.pendingCloseWrite = false
		_ = c.channel.CloseWrite()
	}
}

func (h *Handler) retryFlush(c *Conn) {
	if !c.Live() || c.channel == nil {
		return
	}
	c.flushTries++
	h.flushRead(c)
	if len(c.readBuf) > 0 && c.flushTries >= maxFlushTries {
		log.WithFields(log.Fields{
			"conn":    c.Tuple.String(),
			"pending": len(c.readBuf),
		}).Warn("Backend stopped accepting data, resetting connection")
		h.dropWithReset(c, 0)
	}
}

// free releases a connection. It is safe to call more than once.
func (h *Handler) free(c *Conn, reason string) {
	if !c.Live() {
		return
	}
	c.retrans.Stop()
	c.flush.Stop()
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.connected {
		h.deps.Stats.RecordTCPClosed()
	}
	logging.FlowEnd(c.Tuple, reason, c.Received, c.Sent)
	h.table.Remove(c.entry)
}

// send emits one segment and returns the number of payload octets sent.
func (h *Handler) send(c *Conn, seq uint32, flags types.TCPFlags, payload []byte) int {
	window := c.window
	if window == 0 {
		window = h.cfg.Window
	}
	id := uint16(h.deps.Rand.Uint32())
	df := false
	var opts []layers.TCPOption

	matched := false
	if p := c.personality(); p != nil {
		if r, ok := p.ClassifyTCP(c.Tuple, flags, window); ok {
			flags, window, df = r.Flags, r.Window, r.DF
			opts = h.fillTimestamp(c, r.Options)
			id = p.IPID()
			matched = true
		}
	}
	if !matched {
		switch {
		case flags.Has(types.FlagRST):
			window = c.window
		case flags.Has(types.FlagSYN):
			mss := make([]byte, 2)
			binary.BigEndian.PutUint16(mss, h.cfg.MSS)
			opts = []layers.TCPOption{packet.TCPOption(layers.TCPOptionKindMSS, mss)}
		}
	}
	if flags == 0 {
		return 0
	}
	if c.tarpit {
		window = 5
	}
	if flags.Has(types.FlagSYN) && c.window == 0 {
		c.window = window
	}
	if unread := len(c.readBuf); unread >= int(window) {
		window = 0
	} else {
		window -= uint16(unread)
	}

	seg := &layers.TCP{
		SrcPort: layers.TCPPort(c.Tuple.DPort),
		DstPort: layers.TCPPort(c.Tuple.SPort),
		Seq:     seq,
		Ack:     c.rcvNext,
		FIN:     flags.Has(types.FlagFIN),
		SYN:     flags.Has(types.FlagSYN),
		RST:     flags.Has(types.FlagRST),
		PSH:     flags.Has(types.FlagPSH),
		ACK:     flags.Has(types.FlagACK),
		URG:     flags.Has(types.FlagURG),
		Window:  window,
		Options: opts,
	}
	params := packet.IPParams{
		Src: c.Tuple.Dst,
		Dst: c.Tuple.Src,
		TTL: h.cfg.TTL,
		ID:  id,
		DF:  df,
	}
	pkt, err := packet.BuildTCP(params, seg, payload)
	if err != nil {
		log.WithError(err).WithField("conn", c.Tuple.String()).Warn("Failed to build TCP segment")
		return 0
	}

	if c.Tuple.Family == types.FamilyIPv6 {
		h.deps.Out.SendIP6(pkt, c.spoof())
	} else {
		h.deps.Out.SendIP(pkt, c.spoof())
	}
	h.deps.Stats.RecordPacketOut("tcp")
	c.Sent += uint64(len(payload))
	return len(payload)
}

// fillTimestamp copies the personality's options and echoes the peer's
// timestamp into a timestamp option.
func (h *Handler) fillTimestamp(c *Conn, opts []layers.TCPOption) []layers.TCPOption {
	if len(opts) == 0 {
		return nil
	}
	out := make([]layers.TCPOption, len(opts))
	for i, o := range opts {
		o.OptionData = bytes.Clone(o.OptionData)
		if o.OptionType == layers.TCPOptionKindTimestamps && len(o.OptionData) == 8 && c.sawTimestamp {
			binary.BigEndian.PutUint32(o.OptionData[4:], c.echoTimestamp)
		}
		out[i] = o
	}
	return out
}

// sendData pushes queued payload within the in-flight limit.
func (h *Handler) sendData(c *Conn, flags types.TCPFlags) {
	for {
		f := flags
		remaining := len(c.payload) - c.poff
		space := min(h.cfg.MaxInflight-c.poff, h.cfg.MaxSend, remaining)
		if space < 0 {
			space = 0
		}
		if c.tarpit && space > 1 {
			space = 1
		}
		if c.sentFIN && !c.finAcked {
			f |= types.FlagFIN
		}
		if remaining > space {
			f &^= types.FlagFIN
		}
		if space == 0 && c.lastAcked == c.rcvNext && !f.Has(types.FlagFIN) {
			break
		}

		sent := h.send(c, c.sndUna+uint32(c.poff), f, c.payload[c.poff:c.poff+space])
		c.poff += sent
		if f.Has(types.FlagACK) {
			c.lastAcked = c.rcvNext
		}
		if c.tarpit || sent == 0 || c.dupAcks > 0 {
			break
		}
	}

	if (c.poff > 0 || (c.sentFIN && !c.finAcked)) && !c.retrans.Pending() {
		if c.retransTime == 0 {
			c.retransTime = 1
		}
		c.retrans.Reset(seconds(c.retransTime))
	}
}

func (h *Handler) sendFIN(c *Conn) {
	c.sentFIN = true
	h.sendData(c, types.FlagACK)
	switch c.State {
	case StateEstablished:
		c.State = StateFinWait1
	case StateCloseWait:
		c.State = StateClosing
	}
}

func (h *Handler) retransmit(c *Conn) {
	if !c.Live() {
		return
	}
	c.poff = 0
	c.retransTime *= 2
	if c.retransTime >= maxRetransTime {
		log.WithField("conn", c.Tuple.String()).Debug("Retransmission limit reached")
		h.deps.Stats.RecordTCP(stats.TCPExpired)
		h.free(c, "retransmit timeout")
		return
	}
	switch c.State {
	case StateSynSent:
		h.send(c, c.sndUna-1, types.FlagSYN, nil)
	case StateSynReceived:
		h.send(c, c.sndUna-1, types.FlagSYN|types.FlagACK, nil)
	default:
		h.sendData(c, types.FlagACK)
	}
	c.retrans.Reset(seconds(c.retransTime))
}

// Write queues backend data on a connection. It must run on the reactor.
func (h *Handler) Write(c *Conn, data []byte) {
	if !c.Live() || c.sentFIN {
		return
	}
	c.payload = append(c.payload, data...)
	h.sendData(c, types.FlagACK)
}

// CloseWrite sends our FIN once queued data is out. It must run on the
// reactor.
func (h *Handler) CloseWrite(c *Conn) {
	if !c.Live() || c.sentFIN {
		return
	}
	if c.State == StateEstablished || c.State == StateCloseWait {
		h.sendFIN(c)
	}
}

func (h *Handler) drop(reason string, fields log.Fields) {
	h.deps.Stats.RecordDrop(reason)
	h.deps.Drops.Drop("tcp "+reason, fields)
}

// endpoint hands backend data to the reactor.
type endpoint struct {
	h *Handler
	c *Conn
}

func (e *endpoint) Send(p []byte) {
	data := bytes.Clone(p)
	e.post(func() { e.h.Write(e.c, data) })
}

func (e *endpoint) Shutdown() {
	e.post(func() { e.h.CloseWrite(e.c) })
}

func (e *endpoint) post(fn func()) {
	if e.h.deps.Poster == nil {
		fn()
		return
	}
	e.h.deps.Poster.Post(fn)
}
