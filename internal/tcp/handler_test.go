package tcp

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honeyd-engine/internal/enginetest"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

var (
	peer = netip.MustParseAddr("192.0.2.1")
	host = netip.MustParseAddr("10.0.0.5")
)

const (
	peerISN = 5000
	ourISN  = 1000
)

type rig struct {
	h       *Handler
	out     *enginetest.Sender
	sched   *timer.Scheduler
	clk     *timer.ManualClock
	backend *enginetest.Backend
	tmpl    *types.Template
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	sched, clk := enginetest.NewScheduler()
	rng := rand.New(rand.NewPCG(1, 2))
	isn, err := NewISNGenerator(ISNSequential, ourISN, rng)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	r := &rig{
		out:     &enginetest.Sender{},
		sched:   sched,
		clk:     clk,
		backend: &enginetest.Backend{},
		tmpl: &types.Template{
			Name: "linux",
			Ports: map[types.PortKey]types.PortAction{
				{Proto: types.ProtoTCP, Port: 80}: types.OpenAction{},
				{Proto: types.ProtoTCP, Port: 25}: types.OpenAction{Slow: true},
				{Proto: types.ProtoTCP, Port: 23}: types.BlockAction{},
			},
		},
	}
	r.h = NewHandler(cfg, Deps{Sched: sched, Out: r.out, Backend: r.backend, ISN: isn, Rand: rng})
	return r
}

func (r *rig) segment(sport, dport uint16, seq, ack uint32, flags types.TCPFlags, payload []byte) {
	r.h.Receive(r.tmpl, enginetest.TCPPacket(enginetest.TCPSegment{
		Src: peer, Dst: host, SPort: sport, DPort: dport,
		Seq: seq, Ack: ack, Flags: flags, Payload: payload,
	}))
}

func (r *rig) last(t *testing.T) *layers.TCP {
	t.Helper()
	require.NotEmpty(t, r.out.Packets)
	seg := enginetest.DecodeTCP(r.out.Last())
	require.NotNil(t, seg)
	return seg
}

// establish completes a handshake on port 80 from sport.
func (r *rig) establish(t *testing.T, sport uint16) *Conn {
	t.Helper()
	r.segment(sport, 80, peerISN, 0, types.FlagSYN, nil)
	synAck := r.last(t)
	r.segment(sport, 80, peerISN+1, synAck.Seq+1, types.FlagACK, nil)
	c := r.h.Find(types.Tuple{Family: types.FamilyIPv4, Src: peer, Dst: host, SPort: sport, DPort: 80})
	require.NotNil(t, c)
	require.Equal(t, StateEstablished, c.State)
	return c
}

func TestHandler_SynToOpenPort_SendsSynAck(t *testing.T) {
	r := newRig(t, nil)

	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)

	require.Len(t, r.out.Packets, 1)
	reply := r.last(t)
	assert.Equal(t, types.FlagSYN|types.FlagACK, enginetest.Flags(reply))
	assert.Equal(t, uint32(peerISN+1), reply.Ack)
	assert.Equal(t, uint32(ourISN), reply.Seq)
	assert.Equal(t, layers.TCPPort(80), reply.SrcPort)
	assert.Equal(t, layers.TCPPort(4444), reply.DstPort)
	assert.Equal(t, uint16(16000), reply.Window)
	require.NotEmpty(t, reply.Options)
	assert.Equal(t, layers.TCPOptionKind(layers.TCPOptionKindMSS), reply.Options[0].OptionType)

	c := r.h.Find(types.Tuple{Family: types.FamilyIPv4, Src: peer, Dst: host, SPort: 4444, DPort: 80})
	require.NotNil(t, c)
	assert.Equal(t, StateSynReceived, c.State)
	assert.Equal(t, uint32(peerISN+1), c.RcvNext())
	assert.Equal(t, uint32(ourISN+1), c.SndUna())
}

func TestHandler_SynOverIPv6(t *testing.T) {
	r := newRig(t, nil)
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::5")

	r.h.Receive(r.tmpl, enginetest.TCPPacket(enginetest.TCPSegment{
		Src: src, Dst: dst, SPort: 4444, DPort: 80, Seq: peerISN, Flags: types.FlagSYN,
	}))

	require.Len(t, r.out.Packets, 1)
	assert.True(t, r.out.Packets[0].IPv6)
	assert.Equal(t, uint32(peerISN+1), r.last(t).Ack)
}

func TestHandler_Handshake_ConnectsOnce(t *testing.T) {
	r := newRig(t, nil)

	c := r.establish(t, 4444)
	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK, nil)

	assert.Equal(t, StateEstablished, c.State)
	require.Len(t, r.backend.Calls, 1)
	assert.Equal(t, uint16(4444), r.backend.Calls[0].SPort)
	assert.False(t, c.retrans.Pending())
}

func TestHandler_Retransmit_BacksOffThenFrees(t *testing.T) {
	r := newRig(t, func(c *Config) { c.SynWait = time.Hour })
	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)
	c := r.h.Find(types.Tuple{Family: types.FamilyIPv4, Src: peer, Dst: host, SPort: 4444, DPort: 80})
	require.NotNil(t, c)
	assert.Equal(t, 3, c.RetransTime())

	var seen []int
	for _, wait := range []int{3, 6, 12, 24} {
		enginetest.Advance(r.sched, r.clk, seconds(wait))
		seen = append(seen, c.RetransTime())
		resent := r.last(t)
		assert.Equal(t, types.FlagSYN|types.FlagACK, enginetest.Flags(resent))
		assert.Equal(t, uint32(ourISN), resent.Seq)
	}
	assert.Equal(t, []int{6, 12, 24, 48}, seen)
	assert.True(t, c.Live())

	enginetest.Advance(r.sched, r.clk, seconds(48))
	assert.False(t, c.Live())
	assert.Equal(t, 0, r.h.Len())
	assert.Len(t, r.out.Packets, 5)
}

func TestHandler_SynWait_ExpiresHalfOpen(t *testing.T) {
	r := newRig(t, nil)
	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)
	require.Equal(t, 1, r.h.Len())

	enginetest.Advance(r.sched, r.clk, 61*time.Second)

	assert.Equal(t, 0, r.h.Len())
}

func TestHandler_SynRetransmit_ResendsSynAck(t *testing.T) {
	r := newRig(t, nil)
	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)

	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)

	require.Len(t, r.out.Packets, 2)
	reply := r.last(t)
	assert.Equal(t, types.FlagSYN|types.FlagACK, enginetest.Flags(reply))
	assert.Equal(t, uint32(ourISN), reply.Seq)
	assert.Equal(t, 1, r.h.Len())
}

func TestHandler_SynReceived_BadAck_Resets(t *testing.T) {
	r := newRig(t, nil)
	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)

	r.segment(4444, 80, peerISN+1, 12345, types.FlagACK, nil)

	assert.Equal(t, types.FlagRST|types.FlagACK, enginetest.Flags(r.last(t)))
	assert.Equal(t, 0, r.h.Len())
}

func TestHandler_DataToBackend_Acked(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)

	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK|types.FlagPSH, []byte("hello"))

	require.Len(t, r.backend.Channels, 1)
	assert.Equal(t, "hello", r.backend.Channels[0].Data.String())
	assert.Equal(t, uint32(peerISN+6), c.RcvNext())
	reply := r.last(t)
	assert.Equal(t, types.FlagACK, enginetest.Flags(reply))
	assert.Equal(t, uint32(peerISN+6), reply.Ack)
}

func TestHandler_BackendWriteError_Retried(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)
	ch := r.backend.Channels[0]
	ch.Err = errors.New("busy")

	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK|types.FlagPSH, []byte("hello"))
	r.segment(4444, 80, peerISN+6, ourISN+1, types.FlagACK|types.FlagFIN, nil)
	assert.Zero(t, ch.Data.Len())
	assert.False(t, ch.WriteClosed, "close waits for buffered data")
	assert.Equal(t, uint32(peerISN+7), c.RcvNext())

	ch.Err = nil
	r.clk.Advance(flushRetry)
	r.sched.RunDue()

	assert.Equal(t, "hello", ch.Data.String())
	assert.True(t, ch.WriteClosed)
	assert.True(t, c.Live())
}

func TestHandler_BackendWriteError_ResetsAfterRetries(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)
	ch := r.backend.Channels[0]
	ch.Err = errors.New("busy")

	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK|types.FlagPSH, []byte("hello"))
	for range 10 {
		r.clk.Advance(time.Second)
		r.sched.RunDue()
	}

	assert.False(t, c.Live())
	assert.Equal(t, 0, r.h.Len())
	assert.True(t, ch.Closed)
	assert.Equal(t, types.FlagRST|types.FlagACK, enginetest.Flags(r.last(t)))
}

func TestHandler_OutOfOrder_AcksAndDrops(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)

	r.segment(4444, 80, peerISN+100, ourISN+1, types.FlagACK, []byte("late"))

	assert.Equal(t, uint32(peerISN+1), c.RcvNext())
	assert.Equal(t, uint32(peerISN+1), r.last(t).Ack)
	assert.Zero(t, r.backend.Channels[0].Data.Len())
}

func TestHandler_BackendData_SegmentsByMaxSend(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)
	r.out.Reset()

	r.backend.Endpoints[0].Send(make([]byte, 1200))

	require.Len(t, r.out.Packets, 3)
	var sizes []int
	for i, p := range r.out.Packets {
		seg := enginetest.DecodeTCP(p.Pkt)
		assert.Equal(t, uint32(ourISN+1+512*i), seg.Seq)
		sizes = append(sizes, len(seg.Payload))
	}
	assert.Equal(t, []int{512, 512, 176}, sizes)
	assert.True(t, c.retrans.Pending())

	r.segment(4444, 80, peerISN+1, ourISN+1+1200, types.FlagACK, nil)
	assert.Equal(t, uint32(ourISN+1+1200), c.SndUna())
	assert.Empty(t, c.payload)
	assert.False(t, c.retrans.Pending())
}

func TestHandler_DupAcks_RewindSendOffset(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)
	r.backend.Endpoints[0].Send(make([]byte, 2000))
	require.Equal(t, 2000, c.poff)
	r.out.Reset()

	for i := 0; i < 3; i++ {
		r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK, nil)
	}

	assert.Equal(t, 3, c.dupAcks)
	require.Len(t, r.out.Packets, 1)
	resent := r.last(t)
	assert.Equal(t, uint32(ourISN+1), resent.Seq)
	assert.Len(t, resent.Payload, 512)
	assert.Equal(t, 512, c.poff)
}

func TestHandler_Tarpit_AdvertisesTinyWindow(t *testing.T) {
	r := newRig(t, nil)

	r.segment(4444, 25, peerISN, 0, types.FlagSYN, nil)

	assert.Equal(t, uint16(5), r.last(t).Window)
}

func TestHandler_PeerFin_NoBackend_ClosesBothWays(t *testing.T) {
	r := newRig(t, nil)
	r.h.deps.Backend = nil
	c := r.establish(t, 4444)

	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagFIN|types.FlagACK, nil)

	fin := r.last(t)
	assert.Equal(t, types.FlagFIN|types.FlagACK, enginetest.Flags(fin))
	assert.Equal(t, uint32(peerISN+2), fin.Ack)
	assert.Equal(t, uint32(ourISN+1), fin.Seq)
	assert.Equal(t, StateClosing, c.State)

	r.segment(4444, 80, peerISN+2, ourISN+2, types.FlagACK, nil)

	assert.False(t, c.Live())
	assert.Equal(t, 0, r.h.Len())
}

func TestHandler_PeerFin_WithBackend_ClosesWrite(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)

	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagFIN|types.FlagACK, []byte("bye"))

	ch := r.backend.Channels[0]
	assert.Equal(t, "bye", ch.Data.String())
	assert.True(t, ch.WriteClosed)
	assert.Equal(t, StateCloseWait, c.State)
	assert.Equal(t, uint32(peerISN+5), c.RcvNext())

	r.backend.Endpoints[0].Shutdown()
	assert.Equal(t, StateClosing, c.State)
	assert.Equal(t, types.FlagFIN|types.FlagACK, enginetest.Flags(r.last(t)))
}

func TestHandler_LocalClose_FinWait(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)

	r.backend.Endpoints[0].Shutdown()
	assert.Equal(t, StateFinWait1, c.State)

	r.segment(4444, 80, peerISN+1, ourISN+2, types.FlagFIN|types.FlagACK, nil)
	assert.Equal(t, StateClosing, c.State)
	assert.True(t, c.finAcked)
}

func TestHandler_PeerReset_Frees(t *testing.T) {
	r := newRig(t, nil)
	c := r.establish(t, 4444)
	r.out.Reset()

	r.segment(4444, 80, peerISN+7, 0, types.FlagRST, nil)
	assert.True(t, c.Live(), "reset with wrong sequence is ignored")

	r.segment(4444, 80, peerISN+1, 0, types.FlagRST, nil)
	assert.False(t, c.Live())
	assert.True(t, r.backend.Channels[0].Closed)
	assert.Empty(t, r.out.Packets)
}

func TestHandler_Kill(t *testing.T) {
	tests := []struct {
		name    string
		dport   uint16
		flags   types.TCPFlags
		ack     uint32
		reply   types.TCPFlags
		wantSeq uint32
		wantAck uint32
	}{
		{name: "syn to closed port", dport: 81, flags: types.FlagSYN,
			reply: types.FlagRST | types.FlagACK, wantSeq: 0, wantAck: peerISN + 1},
		{name: "ack without connection", dport: 80, flags: types.FlagACK, ack: 777,
			reply: types.FlagRST, wantSeq: 777, wantAck: 0},
		{name: "bare fin", dport: 80, flags: types.FlagFIN,
			reply: types.FlagRST | types.FlagACK, wantSeq: 0, wantAck: peerISN + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)

			r.segment(4444, tt.dport, peerISN, tt.ack, tt.flags, nil)

			reply := r.last(t)
			assert.Equal(t, tt.reply, enginetest.Flags(reply))
			assert.Equal(t, tt.wantSeq, reply.Seq)
			assert.Equal(t, tt.wantAck, reply.Ack)
			assert.Equal(t, 0, r.h.Len())
		})
	}
}

func TestHandler_Kill_PersonalityMatch(t *testing.T) {
	r := newRig(t, nil)
	r.tmpl.Personality = &enginetest.Personality{TCP: map[types.TCPFlags]types.TCPReply{
		types.FlagRST: {Flags: types.FlagRST, Window: 0},
	}}

	r.segment(4444, 80, peerISN, 777, types.FlagACK, nil)

	reply := r.last(t)
	assert.Equal(t, uint32(777), reply.Seq)
	assert.Equal(t, uint32(peerISN+1), reply.Ack)
}

func TestHandler_SilentCases(t *testing.T) {
	t.Run("reset never answered", func(t *testing.T) {
		r := newRig(t, nil)
		r.segment(4444, 81, peerISN, 0, types.FlagRST, nil)
		assert.Empty(t, r.out.Packets)
	})
	t.Run("blocked port", func(t *testing.T) {
		r := newRig(t, nil)
		r.segment(4444, 23, peerISN, 0, types.FlagSYN, nil)
		assert.Empty(t, r.out.Packets)
		assert.Equal(t, 0, r.h.Len())
	})
	t.Run("bad checksum", func(t *testing.T) {
		r := newRig(t, nil)
		pkt := enginetest.TCPPacket(enginetest.TCPSegment{
			Src: peer, Dst: host, SPort: 4444, DPort: 80, Seq: peerISN, Flags: types.FlagSYN,
		})
		pkt[len(pkt)-1] ^= 0xff
		r.h.Receive(r.tmpl, pkt)
		assert.Empty(t, r.out.Packets)
		assert.Equal(t, 0, r.h.Len())
	})
	t.Run("truncated", func(t *testing.T) {
		r := newRig(t, nil)
		pkt := enginetest.TCPPacket(enginetest.TCPSegment{
			Src: peer, Dst: host, SPort: 4444, DPort: 80, Seq: peerISN, Flags: types.FlagSYN,
		})
		assert.NotPanics(t, func() { r.h.Receive(r.tmpl, pkt[:30]) })
		assert.Empty(t, r.out.Packets)
	})
	t.Run("syn drop rate", func(t *testing.T) {
		r := newRig(t, nil)
		r.tmpl.DropSynRate = 10000
		r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)
		assert.Empty(t, r.out.Packets)
	})
}

func TestHandler_SynWithAck_NoPersonalityKills(t *testing.T) {
	r := newRig(t, nil)

	r.segment(4444, 80, peerISN, 99, types.FlagSYN|types.FlagACK, nil)

	assert.Equal(t, types.FlagRST, enginetest.Flags(r.last(t)))
	assert.Equal(t, 0, r.h.Len())
}

func TestHandler_SynFin_NoPersonalityAccepts(t *testing.T) {
	r := newRig(t, nil)

	r.segment(4444, 80, peerISN, 0, types.FlagSYN|types.FlagFIN, nil)

	assert.Equal(t, types.FlagSYN|types.FlagACK, enginetest.Flags(r.last(t)))
	assert.Equal(t, 1, r.h.Len())
}

func TestHandler_Personality_EchoesTimestamp(t *testing.T) {
	r := newRig(t, nil)
	r.tmpl.Personality = &enginetest.Personality{TCP: map[types.TCPFlags]types.TCPReply{
		types.FlagSYN | types.FlagACK: {
			Flags:  types.FlagSYN | types.FlagACK,
			Window: 5840,
			Options: []layers.TCPOption{
				{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: make([]byte, 8)},
			},
		},
	}}
	ts := []byte{0, 0, 0x12, 0x34, 0, 0, 0, 0}

	r.h.Receive(r.tmpl, enginetest.TCPPacket(enginetest.TCPSegment{
		Src: peer, Dst: host, SPort: 4444, DPort: 80, Seq: peerISN, Flags: types.FlagSYN,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: ts}},
	}))

	reply := r.last(t)
	assert.Equal(t, uint16(5840), reply.Window)
	var echoed []byte
	for _, o := range reply.Options {
		if o.OptionType == layers.TCPOptionKindTimestamps {
			echoed = o.OptionData
		}
	}
	require.Len(t, echoed, 8)
	assert.Equal(t, []byte{0, 0, 0x12, 0x34}, echoed[4:])
}

func TestHandler_MaxConns_EvictsOldest(t *testing.T) {
	r := newRig(t, func(c *Config) { c.MaxConns = 2 })

	for _, sport := range []uint16{1001, 1002, 1003} {
		r.segment(sport, 80, peerISN, 0, types.FlagSYN, nil)
	}

	assert.Equal(t, 2, r.h.Len())
	tuple := types.Tuple{Family: types.FamilyIPv4, Src: peer, Dst: host, DPort: 80}
	tuple.SPort = 1001
	assert.Nil(t, r.h.Find(tuple))
	tuple.SPort = 1003
	assert.NotNil(t, r.h.Find(tuple))
}

func TestHandler_ActiveOpen_CompletesHandshake(t *testing.T) {
	r := newRig(t, nil)
	tuple := types.Tuple{Family: types.FamilyIPv4, Src: peer, Dst: host, SPort: 80, DPort: 40000}

	c, err := r.h.dial(r.tmpl, tuple)
	require.NoError(t, err)
	syn := r.last(t)
	assert.Equal(t, types.FlagSYN, enginetest.Flags(syn))
	assert.Equal(t, layers.TCPPort(40000), syn.SrcPort)
	assert.Equal(t, StateSynSent, c.State)

	r.segment(80, 40000, 9000, syn.Seq+1, types.FlagSYN|types.FlagACK, nil)

	assert.Equal(t, StateEstablished, c.State)
	assert.Equal(t, uint32(9001), r.last(t).Ack)
	assert.Len(t, r.backend.Calls, 1)
}

func TestHandler_BackendError_Resets(t *testing.T) {
	r := newRig(t, nil)
	r.backend.Err = errors.New("refused")

	r.segment(4444, 80, peerISN, 0, types.FlagSYN, nil)
	r.segment(4444, 80, peerISN+1, ourISN+1, types.FlagACK, nil)

	assert.Equal(t, types.FlagRST|types.FlagACK, enginetest.Flags(r.last(t)))
	assert.Equal(t, 0, r.h.Len())
}

func TestISNGenerator_Strategies(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	seq, err := NewISNGenerator(ISNSequential, 10, rng)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), seq.Next(nil))
	assert.Equal(t, uint32(10+sequentialStep), seq.Next(nil))

	pers, err := NewISNGenerator(ISNPersonality, 0, rng)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), pers.Next(&enginetest.Personality{NextISN: 42}))

	_, err = NewISNGenerator("clock", 0, rng)
	assert.Error(t, err)
}
