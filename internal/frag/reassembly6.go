// Package frag reassembles fragmented IPv4 and IPv6 packets addressed to
// virtual hosts and splits oversized outbound packets.
package frag

import (
	"container/list"
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/arena"
	"honeyd-engine/internal/packet"
	"honeyd-engine/internal/timer"
)

// DefaultTimeout bounds the lifetime of an incomplete fragment set.
const DefaultTimeout = 30 * time.Second

var (
	ErrNoReassemblyBoundary = errors.New("frag: no reassembly boundary")
	ErrTruncated            = errors.New("frag: truncated fragment")
	ErrNotFragment          = errors.New("frag: not a fragment")
	ErrTooLarge             = errors.New("frag: reassembled packet exceeds 65535 bytes")
)

// maxLen is the largest IPv4 total length or IPv6 payload length.
const maxLen = 0xffff

// Recorder receives reassembly events.
type Recorder interface {
	RecordFragment(event string)
}

type key6 struct {
	src netip.Addr
	dst netip.Addr
	id  uint32
}

func (k key6) less(o key6) bool {
	if c := k.src.Compare(o.src); c != 0 {
		return c < 0
	}
	if c := k.dst.Compare(o.dst); c != 0 {
		return c < 0
	}
	return k.id < o.id
}

// entry is one accepted fragment. Its data lives in the arena.
type entry struct {
	off  int
	size int
	data arena.Handle
}

type set6 struct {
	key      key6
	frags    *list.List
	totalLen int
	next     uint8
	prefix   []byte
	field    int
	first    bool
	expiry   *timer.Timer
}

// Reassembler6 collects IPv6 fragments per (src, dst, id).
type Reassembler6 struct {
	arena   *arena.Arena
	sched   *timer.Scheduler
	timeout time.Duration
	sets    *btree.BTreeG[*set6]
	rec     Recorder
}

// NewReassembler6 creates a reassembler. A zero timeout uses DefaultTimeout.
func NewReassembler6(a *arena.Arena, s *timer.Scheduler, timeout time.Duration, rec Recorder) *Reassembler6 {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler6{
		arena:   a,
		sched:   s,
		timeout: timeout,
		sets:    btree.NewG[*set6](8, func(a, b *set6) bool { return a.key.less(b.key) }),
		rec:     rec,
	}
}

// Pending returns the number of incomplete fragment sets.
func (r *Reassembler6) Pending() int { return r.sets.Len() }

// Process accepts one fragment. When it completes its set, the reassembled
// packet is returned in a new arena buffer owned by the caller.
func (r *Reassembler6) Process(pkt []byte) (arena.Handle, int, bool, error) {
	ip, err := packet.ParseIPv6(pkt)
	if err != nil {
		return arena.Handle{}, 0, false, err
	}
	unfrag, field, err := packet.UnfragmentablePart(ip)
	if err != nil {
		return arena.Handle{}, 0, false, ErrNoReassemblyBoundary
	}
	if ip[field] != packet.ExtFragment {
		if packet.NextHeaderOffset(ip, packet.ExtFragment) < 0 {
			return arena.Handle{}, 0, false, ErrNotFragment
		}
		return arena.Handle{}, 0, false, ErrNoReassemblyBoundary
	}
	if unfrag+8 > len(ip) {
		return arena.Handle{}, 0, false, ErrTruncated
	}
	fh := ip[unfrag : unfrag+8]
	offlg := binary.BigEndian.Uint16(fh[2:])
	off := int(offlg & 0xfff8)
	more := offlg&1 != 0
	data := ip[unfrag+8:]

	s := r.findOrCreate(key6{src: ip.Src(), dst: ip.Dst(), id: binary.BigEndian.Uint32(fh[4:])}, fh[0])
	if unfrag-packet.IPv6Len+off+len(data) > maxLen {
		r.reject(s)
		return arena.Handle{}, 0, false, ErrTooLarge
	}
	if s.prefix == nil || (off == 0 && !s.first) {
		s.prefix = append(s.prefix[:0], ip[:unfrag]...)
		s.field = field
		s.first = off == 0
	}
	if !more {
		s.totalLen = off + len(data)
	}
	if !r.insert(s, off, data) {
		return arena.Handle{}, 0, false, nil
	}
	h, n, err := r.reassemble(s)
	r.release(s)
	if err != nil {
		return arena.Handle{}, 0, false, err
	}
	if r.rec != nil {
		r.rec.RecordFragment("reassembled")
	}
	return h, n, true, nil
}

func (r *Reassembler6) findOrCreate(k key6, next uint8) *set6 {
	if s, ok := r.sets.Get(&set6{key: k}); ok {
		return s
	}
	s := &set6{key: k, frags: list.New(), totalLen: -1, next: next}
	s.expiry = r.sched.AfterFunc(r.timeout, func() { r.expire(s) })
	r.sets.ReplaceOrInsert(s)
	return s
}

// insert adds a fragment in offset order. A fragment at an offset already
// present goes after the existing ones. It reports whether the set is
// complete.
func (r *Reassembler6) insert(s *set6, off int, data []byte) bool {
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
	return complete(s.frags, s.totalLen)
}

// complete reports whether the first fragment, the last fragment and every
// byte between them are present.
func complete(frags *list.List, totalLen int) bool {
	if totalLen < 0 || frags.Len() == 0 {
		return false
	}
	if frags.Front().Value.(*entry).off != 0 {
		return false
	}
	covered := 0
	for el := frags.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.off > covered {
			return false
		}
		if end := e.off + e.size; end > covered {
			covered = end
		}
	}
	return covered >= totalLen
}

// reassemble materializes the set. Bytes already written by an earlier
// entry are kept, so the first fragment accepted at an offset wins.
func (r *Reassembler6) reassemble(s *set6) (arena.Handle, int, error) {
	unfrag := len(s.prefix)
	n := unfrag + s.totalLen
	h, buf := r.arena.AllocSized(n)
	copy(buf, s.prefix)
	written := 0
	for el := s.frags.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		data, err := r.arena.Bytes(e.data)
		if err != nil {
			_ = r.arena.Free(h)
			return arena.Handle{}, 0, err
		}
		end := e.off + e.size
		if end > s.totalLen {
			end = s.totalLen
		}
		if end <= written {
			continue
		}
		start := e.off
		if start < written {
			start = written
		}
		copy(buf[unfrag+start:unfrag+end], data[start-e.off:end-e.off])
		written = end
	}
	ip := packet.IPv6(buf)
	ip.SetPayloadLen(n - packet.IPv6Len)
	buf[s.field] = s.next
	return h, n, nil
}

func (r *Reassembler6) release(s *set6) {
	s.expiry.Stop()
	for el := s.frags.Front(); el != nil; el = el.Next() {
		_ = r.arena.Free(el.Value.(*entry).data)
	}
	s.frags.Init()
	r.sets.Delete(s)
}

// reject drops a set that can never be rebuilt.
func (r *Reassembler6) reject(s *set6) {
	log.WithFields(log.Fields{"src": s.key.src, "dst": s.key.dst, "id": s.key.id}).Debug("Oversized IPv6 fragment set dropped")
	r.release(s)
	if r.rec != nil {
		r.rec.RecordFragment("oversized")
	}
}

func (r *Reassembler6) expire(s *set6) {
	log.WithFields(log.Fields{
		"src":       s.key.src,
		"dst":       s.key.dst,
		"id":        s.key.id,
		"fragments": s.frags.Len(),
	}).Debug("IPv6 fragment set expired")
	r.release(s)
	if r.rec != nil {
		r.rec.RecordFragment("expired")
	}
}
