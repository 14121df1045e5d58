package frag

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

var (
	src6 = netip.MustParseAddr("2001:db8::99")
	dst6 = netip.MustParseAddr("2001:db8::2")
)

type countingRecorder map[string]int

func (c countingRecorder) RecordFragment(event string) { c[event]++ }

type fixture struct {
	arena *arena.Arena
	clk   *timer.ManualClock
	sched *timer.Scheduler
	rec   countingRecorder
}

func newFixture() *fixture {
	clk := timer.NewManualClock(time.Unix(0, 0))
	return &fixture{
		arena: arena.New(1500, 4),
		clk:   clk,
		sched: timer.New(clk.Now),
		rec:   countingRecorder{},
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// fragment6 builds a raw IPv6 fragment with the given fragment header fields.
func fragment6(id uint32, next uint8, off int, more bool, data []byte) []byte {
	b := make([]byte, packet.IPv6Len+8+len(data))
	b[0] = 0x60
	binary.BigEndian.PutUint16(b[4:], uint16(8+len(data)))
	b[6] = packet.ExtFragment
	b[7] = 64
	s, d := src6.As16(), dst6.As16()
	copy(b[8:], s[:])
	copy(b[24:], d[:])
	fh := b[40:48]
	fh[0] = next
	v := uint16(off) & 0xfff8
	if more {
		v |= 1
	}
	binary.BigEndian.PutUint16(fh[2:], v)
	binary.BigEndian.PutUint32(fh[4:], id)
	copy(b[48:], data)
	return b
}

func udp6(t *testing.T, payload []byte) []byte {
	t.Helper()
	pkt, err := packet.BuildUDP(packet.IPParams{Src: src6, Dst: dst6, TTL: 64}, 5000, 53, payload)
	require.NoError(t, err)
	return pkt
}

func feed6(t *testing.T, r *Reassembler6, a *arena.Arena, frags [][]byte) ([]byte, bool) {
	t.Helper()
	for i, f := range frags {
		h, n, done, err := r.Process(f)
		require.NoError(t, err)
		if done {
			require.Equal(t, len(frags)-1, i, "completed early")
			buf, err := a.Bytes(h)
			require.NoError(t, err)
			out := append([]byte(nil), buf[:n]...)
			require.NoError(t, a.Free(h))
			return out, true
		}
	}
	return nil, false
}

func TestReassembler6_RoundTrip(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, fx.rec)
	orig := udp6(t, pattern(300, 1))

	frags, err := Fragment6(orig, 160, 0x1234)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	got, ok := feed6(t, r, fx.arena, frags)
	require.True(t, ok)
	if diff := cmp.Diff(orig, got); diff != "" {
		t.Errorf("reassembled packet mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 0, fx.arena.InUse())
	assert.Equal(t, 1, fx.rec["reassembled"])
}

func TestReassembler6_RoundTrip_OutOfOrder(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, nil)
	orig := udp6(t, pattern(500, 7))

	frags, err := Fragment6(orig, 200, 9)
	require.NoError(t, err)
	reversed := make([][]byte, len(frags))
	for i, f := range frags {
		reversed[len(frags)-1-i] = f
	}

	got, ok := feed6(t, r, fx.arena, reversed)
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(orig, got))
}

func TestReassembler6_RoundTrip_HopByHop(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, nil)

	body := pattern(400, 3)
	orig := make([]byte, packet.IPv6Len+8+len(body))
	orig[0] = 0x60
	binary.BigEndian.PutUint16(orig[4:], uint16(8+len(body)))
	orig[6] = packet.ExtHopByHop
	orig[7] = 64
	s, d := src6.As16(), dst6.As16()
	copy(orig[8:], s[:])
	copy(orig[24:], d[:])
	orig[40] = uint8(types.ProtoUDP)
	orig[42], orig[43] = 1, 4 // PadN
	copy(orig[48:], body)

	frags, err := Fragment6(orig, 200, 77)
	require.NoError(t, err)
	for _, f := range frags {
		assert.Equal(t, packet.ExtHopByHop, f[6], "unfragmentable part repeated")
		assert.Equal(t, packet.ExtFragment, f[40])
	}

	got, ok := feed6(t, r, fx.arena, frags)
	require.True(t, ok)
	assert.Empty(t, cmp.Diff(orig, got))
	assert.Equal(t, uint8(types.ProtoUDP), got[40], "next header restored")
}

func TestReassembler6_IncompleteWithoutAnyFragment(t *testing.T) {
	orig := udp6(t, pattern(300, 1))
	frags, err := Fragment6(orig, 120, 5)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frags), 3)

	for skip := range frags {
		fx := newFixture()
		r := NewReassembler6(fx.arena, fx.sched, 0, nil)
		for i, f := range frags {
			if i == skip {
				continue
			}
			_, _, done, err := r.Process(f)
			require.NoError(t, err)
			assert.False(t, done, "complete without fragment %d", skip)
		}
		assert.Equal(t, 1, r.Pending())
	}
}

func TestReassembler6_Expiry(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, fx.rec)
	frags, err := Fragment6(udp6(t, pattern(300, 1)), 160, 42)
	require.NoError(t, err)

	for _, f := range frags[:len(frags)-1] {
		_, _, done, err := r.Process(f)
		require.NoError(t, err)
		require.False(t, done)
	}
	fx.clk.Advance(29 * time.Second)
	fx.sched.RunDue()
	assert.Equal(t, 1, r.Pending())

	fx.clk.Advance(time.Second)
	fx.sched.RunDue()
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 0, fx.arena.InUse())
	assert.Equal(t, 1, fx.rec["expired"])

	_, _, done, err := r.Process(frags[len(frags)-1])
	require.NoError(t, err)
	assert.False(t, done, "late fragment must not complete an expired set")
}

func TestReassembler6_OversizedSetRejected(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, fx.rec)

	_, _, done, err := r.Process(fragment6(7, 17, 0, true, pattern(64, 0)))
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, r.Pending())

	_, _, done, err = r.Process(fragment6(7, 17, 65528, false, pattern(16, 3)))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, done)
	assert.Zero(t, r.Pending())
	assert.Zero(t, fx.arena.InUse())
	assert.Equal(t, 1, fx.rec["oversized"])
	assert.Zero(t, fx.sched.Len(), "expiry timer stopped")
}

func TestReassembler6_DuplicateOffset_FirstAcceptedWins(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, nil)
	payload := pattern(300, 0)
	next := uint8(types.ProtoUDP)

	parts := [][]byte{
		fragment6(1, next, 0, true, payload[:104]),
		fragment6(1, next, 104, true, payload[104:208]),
		fragment6(1, next, 104, true, pattern(104, 0xe0)),
		fragment6(1, next, 208, false, payload[208:]),
	}

	got, ok := feed6(t, r, fx.arena, parts)
	require.True(t, ok)
	require.Len(t, got, packet.IPv6Len+300)
	assert.Equal(t, next, got[6])
	assert.Equal(t, 300, packet.IPv6(got).PayloadLen())
	assert.Empty(t, cmp.Diff(payload, got[packet.IPv6Len:]))
}

func TestReassembler6_SingleAtomicFragment(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, nil)

	h, n, done, err := r.Process(fragment6(3, uint8(types.ProtoTCP), 0, false, pattern(24, 0)))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, packet.IPv6Len+24, n)
	require.NoError(t, fx.arena.Free(h))
	assert.Equal(t, 0, fx.sched.Len(), "expiry timer cancelled")
}

func TestReassembler6_NoBoundary(t *testing.T) {
	fx := newFixture()
	r := NewReassembler6(fx.arena, fx.sched, 0, nil)
	pkt := fragment6(3, uint8(types.ProtoTCP), 0, false, pattern(24, 0))
	pkt[6] = packet.ExtHopByHop
	pkt[41] = 40 // claims 328 bytes

	_, _, _, err := r.Process(pkt)
	assert.ErrorIs(t, err, ErrNoReassemblyBoundary)
}

func TestFragment6_Layout(t *testing.T) {
	orig := udp6(t, pattern(1400, 0))

	frags, err := Fragment6(orig, 576, 0xabcd)
	require.NoError(t, err)

	body := len(orig) - packet.IPv6Len
	chunk := (576 - 48) &^ 7
	assert.Len(t, frags, (body+chunk-1)/chunk)
	total := 0
	for i, f := range frags {
		assert.LessOrEqual(t, len(f), 576)
		ip := packet.IPv6(f)
		assert.Equal(t, len(f)-packet.IPv6Len, ip.PayloadLen())
		assert.Equal(t, packet.ExtFragment, ip.NextHeader())
		fh := f[40:48]
		assert.Equal(t, uint8(types.ProtoUDP), fh[0])
		offlg := binary.BigEndian.Uint16(fh[2:])
		assert.Equal(t, total, int(offlg&0xfff8))
		assert.Equal(t, i < len(frags)-1, offlg&1 == 1)
		assert.Equal(t, uint32(0xabcd), binary.BigEndian.Uint32(fh[4:]))
		total += len(f) - 48
	}
	assert.Equal(t, body, total)
}

func TestFragment6_FitsUnchanged(t *testing.T) {
	orig := udp6(t, pattern(100, 0))

	frags, err := Fragment6(orig, 1500, 1)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, orig, frags[0])
}

func udp4(t *testing.T, df bool, payload []byte) []byte {
	t.Helper()
	p := packet.IPParams{Src: netip.MustParseAddr("192.0.2.7"), Dst: netip.MustParseAddr("10.0.0.5"), TTL: 64, ID: 99, DF: df}
	pkt, err := packet.BuildUDP(p, 1000, 2000, payload)
	require.NoError(t, err)
	return pkt
}

func TestFragment4_DontFragment(t *testing.T) {
	_, err := Fragment4(udp4(t, true, pattern(2000, 0)), 1500)
	assert.ErrorIs(t, err, ErrDontFragment)
}

func TestReassembler4_RoundTrip(t *testing.T) {
	fx := newFixture()
	r := NewReassembler4(fx.arena, fx.sched, 0, fx.rec)
	orig := udp4(t, false, pattern(1000, 5))

	frags, err := Fragment4(orig, 300)
	require.NoError(t, err)
	require.Len(t, frags, 4)
	for _, f := range frags {
		ip := packet.IPv4(f)
		assert.True(t, ip.ChecksumOK())
		assert.LessOrEqual(t, len(f), 300)
	}

	// Deliver last first so the total length is learned early.
	order := []int{3, 1, 0, 2}
	var got []byte
	for i, idx := range order {
		h, n, done, err := r.Process(frags[idx])
		require.NoError(t, err)
		if i < len(order)-1 {
			require.False(t, done)
			continue
		}
		require.True(t, done)
		buf, err := fx.arena.Bytes(h)
		require.NoError(t, err)
		got = append([]byte(nil), buf[:n]...)
	}
	assert.Empty(t, cmp.Diff(orig, got))
	assert.True(t, packet.IPv4(got).ChecksumOK())
}

func TestReassembler4_Expiry(t *testing.T) {
	fx := newFixture()
	r := NewReassembler4(fx.arena, fx.sched, 10*time.Second, fx.rec)
	frags, err := Fragment4(udp4(t, false, pattern(1000, 5)), 300)
	require.NoError(t, err)

	_, _, _, err = r.Process(frags[0])
	require.NoError(t, err)
	fx.clk.Advance(10 * time.Second)
	fx.sched.RunDue()

	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, 1, fx.rec["expired"])
}

func TestReassembler4_OversizedSetRejected(t *testing.T) {
	fx := newFixture()
	r := NewReassembler4(fx.arena, fx.sched, 0, fx.rec)

	first := udp4(t, false, pattern(64, 1))
	packet.IPv4(first).SetFragment(false, true, 0)
	packet.IPv4(first).UpdateChecksum()
	_, _, done, err := r.Process(first)
	require.NoError(t, err)
	require.False(t, done)

	last := udp4(t, false, pattern(8, 2))
	packet.IPv4(last).SetFragment(false, false, 65528)
	packet.IPv4(last).UpdateChecksum()
	_, _, done, err = r.Process(last)
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.False(t, done)
	assert.Zero(t, r.Pending())
	assert.Zero(t, fx.arena.InUse())
	assert.Equal(t, 1, fx.rec["oversized"])
}

func TestReassembler4_NotFragment(t *testing.T) {
	fx := newFixture()
	r := NewReassembler4(fx.arena, fx.sched, 0, nil)

	_, _, _, err := r.Process(udp4(t, false, []byte{1}))
	assert.ErrorIs(t, err, ErrNotFragment)
}
