package frag

import (
	"container/list"
	"net/netip"
	"time"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

type key4 struct {
	src   netip.Addr
	dst   netip.Addr
	proto types.Proto
	id    uint16
}

func (k key4) less(o key4) bool {
	if c := k.src.Compare(o.src); c != 0 {
		return c < 0
	}
	if c := k.dst.Compare(o.dst); c != 0 {
		return c < 0
	}
	if k.proto != o.proto {
		return k.proto < o.proto
	}
	return k.id < o.id
}

type set4 struct {
	key      key4
	frags    *list.List
	totalLen int
	header   []byte
	expiry   *timer.Timer
}

// Reassembler4 collects IPv4 fragments per (src, dst, proto, id).
type Reassembler4 struct {
	arena   *arena.Arena
	sched   *timer.Scheduler
	timeout time.Duration
	sets    *btree.BTreeG[*set4]
	rec     Recorder
}

// NewReassembler4 creates a reassembler. A zero timeout uses DefaultTimeout.
func NewReassembler4(a *arena.Arena, s *timer.Scheduler, timeout time.Duration, rec Recorder) *Reassembler4 {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler4{
		arena:   a,
		sched:   s,
		timeout: timeout,
		sets:    btree.NewG[*set4](8, func(a, b *set4) bool { return a.key.less(b.key) }),
		rec:     rec,
	}
}

// Pending returns the number of incomplete fragment sets.
func (r *Reassembler4) Pending() int { return r.sets.Len() }

// Process accepts one fragment and returns the rebuilt datagram once every
// fragment has arrived.
func (r *Reassembler4) Process(pkt []byte) (arena.Handle, int, bool, error) {
	ip, err := packet.ParseIPv4(pkt)
	if err != nil {
		return arena.Handle{}, 0, false, err
	}
	if !ip.IsFragment() {
		return arena.Handle{}, 0, false, ErrNotFragment
	}
	k := key4{src: ip.Src(), dst: ip.Dst(), proto: ip.Protocol(), id: ip.ID()}
	s, ok := r.sets.Get(&set4{key: k})
	if !ok {
		s = &set4{key: k, frags: list.New(), totalLen: -1}
		s.expiry = r.sched.AfterFunc(r.timeout, func() { r.expire(s) })
		r.sets.ReplaceOrInsert(s)
	}
	off := ip.FragOffset()
	data := ip.Payload()
	hl := ip.HeaderLen()
	if s.header != nil {
		hl = len(s.header)
	}
	if hl+off+len(data) > maxLen {
		log.WithFields(log.Fields{"src": k.src, "dst": k.dst, "id": k.id}).Debug("Oversized IPv4 fragment set dropped")
		r.release(s)
		if r.rec != nil {
			r.rec.RecordFragment("oversized")
		}
		return arena.Handle{}, 0, false, ErrTooLarge
	}
	if off == 0 && s.header == nil {
		s.header = append([]byte(nil), ip[:ip.HeaderLen()]...)
	}
	if !ip.MF() {
		s.totalLen = off + len(data)
	}

	h, _ := r.arena.Copy(data)
	e := &entry{off: off, size: len(data), data: h}
	var at *list.Element
	for el := s.frags.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).off > off {
			at = el
			break
		}
	}
	if at != nil {
		s.frags.InsertBefore(e, at)
	} else {
		s.frags.PushBack(e)
	}
	if !complete(s.frags, s.totalLen) {
		return arena.Handle{}, 0, false, nil
	}

	hl = len(s.header)
	n := hl + s.totalLen
	out, buf := r.arena.AllocSized(n)
	copy(buf, s.header)
	written := 0
	for el := s.frags.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		frag, err := r.arena.Bytes(e.data)
		if err != nil {
			_ = r.arena.Free(out)
			r.release(s)
			return arena.Handle{}, 0, false, err
		}
		end := min(e.off+e.size, s.totalLen)
		if end <= written {
			continue
		}
		start := max(e.off, written)
		copy(buf[hl+start:hl+end], frag[start-e.off:end-e.off])
		written = end
	}
	r.release(s)

	rebuilt := packet.IPv4(buf)
	rebuilt.SetTotalLen(n)
	rebuilt.SetFragment(false, false, 0)
	rebuilt.UpdateChecksum()
	if r.rec != nil {
		r.rec.RecordFragment("reassembled")
	}
	return out, n, true, nil
}

func (r *Reassembler4) release(s *set4) {
	s.expiry.Stop()
	for el := s.frags.Front(); el != nil; el = el.Next() {
		_ = r.arena.Free(el.Value.(*entry).data)
	}
	s.frags.Init()
	r.sets.Delete(s)
}

func (r *Reassembler4) expire(s *set4) {
	log.WithFields(log.Fields{
		"src":       s.key.src,
		"dst":       s.key.dst,
		"id":        s.key.id,
		"fragments": s.frags.Len(),
	}).Debug("IPv4 fragment set expired")
	r.release(s)
	if r.rec != nil {
		r.rec.RecordFragment("expired")
	}
}
