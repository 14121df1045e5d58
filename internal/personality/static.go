// Package personality provides operating system fingerprints built from
// static profiles.
package personality

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/gopacket/layers"

	"honeyd-engine/internal/packet"
	"honeyd-engine/pkg/types"
)

// IP ID and ISN sequence strategies.
const (
	SeqRandom      = "random"
	SeqIncremental = "incremental"
	// SeqBroken increments in host byte order the way some stacks do,
	// which on the wire looks like steps of 256.
	SeqBroken   = "broken"
	SeqZero     = "zero"
	SeqConstant = "constant"
)

// Profile describes a fingerprint.
type Profile struct {
	Name string
	// Window, DF and the SYN options shape SYN|ACK replies.
	Window    uint16
	DF        bool
	MSS       uint16
	WScale    int // negative omits the option
	SACK      bool
	Timestamp bool
	// TimestampHz is the tick rate of the advertised timestamp clock.
	TimestampHz int
	// ResetWindow is the window advertised on resets.
	ResetWindow uint16
	// Rewrite replaces outbound flag combinations; a zero value suppresses
	// the segment.
	Rewrite map[types.TCPFlags]types.TCPFlags

	IPID    string
	ISN     string
	ISNStep uint32

	ICMP *types.ICMPProfile

	Error types.ErrorReply
	// Suppress lists ICMP error types the host never sends.
	Suppress []uint8
}

// Static implements types.Personality from a Profile. It is owned by the
// reactor goroutine.
type Static struct {
	p     Profile
	ipid  uint16
	isn   uint32
	rng   *rand.Rand
	now   func() time.Time
	start time.Time
}

func validSeq(s string, allowed ...string) bool {
	return s == "" || slices.Contains(allowed, s)
}

// New validates p. A nil rng draws from a randomly seeded source; a nil now
// uses the wall clock.
func New(p Profile, rng *rand.Rand, now func() time.Time) (*Static, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("personality: unnamed profile")
	}
	if !validSeq(p.IPID, SeqRandom, SeqIncremental, SeqBroken, SeqZero) {
		return nil, fmt.Errorf("personality %s: unknown ip id sequence %q", p.Name, p.IPID)
	}
	if !validSeq(p.ISN, SeqRandom, SeqIncremental, SeqConstant) {
		return nil, fmt.Errorf("personality %s: unknown isn sequence %q", p.Name, p.ISN)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if now == nil {
		now = time.Now
	}
	if p.TimestampHz <= 0 {
		p.TimestampHz = 100
	}
	if p.ISNStep == 0 {
		p.ISNStep = 64000
	}
	return &Static{p: p, rng: rng, now: now, start: now(), ipid: uint16(rng.Uint32()), isn: rng.Uint32()}, nil
}

func (s *Static) Name() string { return s.p.Name }

// ClassifyTCP shapes every outbound segment.
func (s *Static) ClassifyTCP(_ types.Tuple, flags types.TCPFlags, window uint16) (types.TCPReply, bool) {
	if to, ok := s.p.Rewrite[flags]; ok {
		flags = to
	}
	reply := types.TCPReply{Flags: flags, DF: s.p.DF, Window: window}
	switch {
	case flags.Has(types.FlagRST):
		reply.Window = s.p.ResetWindow
	case flags.Has(types.FlagSYN):
		reply.Window = s.p.Window
		reply.Options = s.synOptions()
	case reply.Window == 0:
		reply.Window = s.p.Window
	}
	return reply, true
}

func (s *Static) synOptions() []layers.TCPOption {
	var opts []layers.TCPOption
	if s.p.MSS > 0 {
		mss := make([]byte, 2)
		binary.BigEndian.PutUint16(mss, s.p.MSS)
		opts = append(opts, packet.TCPOption(layers.TCPOptionKindMSS, mss))
	}
	if s.p.SACK {
		opts = append(opts, packet.TCPOption(layers.TCPOptionKindSACKPermitted, nil))
	}
	if s.p.Timestamp {
		ts := make([]byte, 8)
		ticks := s.now().Sub(s.start) * time.Duration(s.p.TimestampHz) / time.Second
		binary.BigEndian.PutUint32(ts, uint32(ticks))
		opts = append(opts, packet.TCPOption(layers.TCPOptionKindTimestamps, ts))
	}
	if s.p.WScale >= 0 {
		opts = append(opts,
			layers.TCPOption{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			packet.TCPOption(layers.TCPOptionKindWindowScale, []byte{uint8(s.p.WScale)}))
	}
	return opts
}

func (s *Static) ICMPProfile() *types.ICMPProfile { return s.p.ICMP }

// ErrorProfile applies the profile's error settings over def.
func (s *Static) ErrorProfile(typ, _ uint8, def types.ErrorReply) (types.ErrorReply, bool) {
	if slices.Contains(s.p.Suppress, typ) {
		return def, false
	}
	e := s.p.Error
	if e.QuoteLen > 0 {
		def.QuoteLen = e.QuoteLen
	}
	if e.TTL > 0 {
		def.TTL = e.TTL
	}
	def.DF = def.DF || e.DF
	def.TOS |= e.TOS
	return def, true
}

func (s *Static) IPID() uint16 {
	switch s.p.IPID {
	case SeqIncremental:
		s.ipid++
		return s.ipid
	case SeqBroken:
		s.ipid++
		return s.ipid<<8 | s.ipid>>8
	case SeqZero:
		return 0
	}
	return uint16(s.rng.Uint32())
}

func (s *Static) ISN() uint32 {
	switch s.p.ISN {
	case SeqIncremental:
		s.isn += s.p.ISNStep
		return s.isn
	case SeqConstant:
		return s.isn
	}
	return s.rng.Uint32()
}

// Registry holds the personalities by name.
type Registry map[string]types.Personality

// Build creates a Static for every profile.
func Build(profiles []Profile, rng *rand.Rand, now func() time.Time) (Registry, error) {
	r := make(Registry, len(profiles))
	for _, p := range profiles {
		if _, ok := r[p.Name]; ok {
			return nil, fmt.Errorf("personality %s: defined twice", p.Name)
		}
		s, err := New(p, rng, now)
		if err != nil {
			return nil, err
		}
		r[p.Name] = s
	}
	return r, nil
}
