// Package timer is the reactor's one-shot timer queue. A Scheduler is owned
// by the reactor goroutine; callbacks run on that goroutine from RunDue.
package timer

import (
	"time"

	"github.com/google/btree"
)

// Timer is a re-armable one-shot timer.
type Timer struct {
	s       *Scheduler
	when    time.Time
	seq     uint64
	fn      func()
	pending bool
}

// Scheduler orders timers by deadline.
type Scheduler struct {
	now     func() time.Time
	queue   *btree.BTreeG[*Timer]
	seq     uint64
	firing  bool
	virtual time.Time
}

func less(a, b *Timer) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}

// New creates a scheduler reading the current time from now. A nil now uses
// time.Now.
func New(now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		now:   now,
		queue: btree.NewG[*Timer](16, less),
	}
}

// Now returns the current time. Inside a callback it is the callback's
// deadline, so re-armed timers keep exact spacing.
func (s *Scheduler) Now() time.Time {
	if s.firing {
		return s.virtual
	}
	return s.now()
}

// NewTimer creates an unarmed timer.
func (s *Scheduler) NewTimer(fn func()) *Timer {
	return &Timer{s: s, fn: fn}
}

// AfterFunc arms a new timer.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) *Timer {
	t := s.NewTimer(fn)
	t.Reset(d)
	return t
}

// Reset (re)arms the timer to fire d from now.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}
	s := t.s
	if t.pending {
		s.queue.Delete(t)
	}
	s.seq++
	t.seq = s.seq
	t.when = s.Now().Add(d)
	t.pending = true
	s.queue.ReplaceOrInsert(t)
}

// Stop disarms the timer and reports whether it was pending.
func (t *Timer) Stop() bool {
	if t == nil || !t.pending {
		return false
	}
	t.s.queue.Delete(t)
	t.pending = false
	return true
}

// Pending reports whether the timer is armed.
func (t *Timer) Pending() bool { return t != nil && t.pending }

// Deadline returns when the timer fires.
func (t *Timer) Deadline() time.Time { return t.when }

// Len returns the number of armed timers.
func (s *Scheduler) Len() int { return s.queue.Len() }

// Next returns the earliest deadline.
func (s *Scheduler) Next() (time.Time, bool) {
	t, ok := s.queue.Min()
	if !ok {
		return time.Time{}, false
	}
	return t.when, true
}

// RunDue fires every timer whose deadline has passed.
func (s *Scheduler) RunDue() int {
	return s.RunUntil(s.now())
}

// RunUntil fires, in deadline order, every timer due at or before now,
// including timers armed by callbacks that fall due within the window.
func (s *Scheduler) RunUntil(now time.Time) int {
	fired := 0
	for {
		t, ok := s.queue.Min()
		if !ok || t.when.After(now) {
			return fired
		}
		s.queue.DeleteMin()
		t.pending = false
		s.firing, s.virtual = true, t.when
		t.fn()
		s.firing = false
		fired++
	}
}

// ManualClock is a settable clock for tests and offline replay.
type ManualClock struct {
	t time.Time
}

// NewManualClock starts a clock at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{t: start}
}

// Now returns the clock's time.
func (c *ManualClock) Now() time.Time { return c.t }

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// Set moves the clock to t if t is later.
func (c *ManualClock) Set(t time.Time) {
	if t.After(c.t) {
		c.t = t
	}
}
