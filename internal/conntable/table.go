// Package conntable indexes live flows by tuple and keeps them in recency
// order so the least recently used flow can be evicted under pressure.
package conntable

import (
	"container/list"
	"errors"
	"time"

	"github.com/google/btree"

	"honeyd-engine/internal/timer"
	"honeyd-engine/pkg/types"
)

var ErrExists = errors.New("conntable: entry exists")

// Entry is one flow in the table.
type Entry[V any] struct {
	Key   types.Tuple
	Value V

	elem  *list.Element
	idle  *timer.Timer
	table *Table[V]
}

// Live reports whether the entry is still in its table.
func (e *Entry[V]) Live() bool { return e.elem != nil }

// Options configure a Table.
type Options[V any] struct {
	// MaxEntries caps the table; zero means unbounded.
	MaxEntries int
	// OnEvict runs when the oldest entry is pushed out by an insert.
	OnEvict func(*Entry[V])
	// OnExpire runs when an entry's idle timer fires.
	OnExpire func(*Entry[V])
}

// Table is an ordered index plus an LRU list. Front is most recent.
type Table[V any] struct {
	index *btree.BTreeG[*Entry[V]]
	lru   *list.List
	sched *timer.Scheduler
	opts  Options[V]
}

// New creates a table whose idle timers run on sched.
func New[V any](sched *timer.Scheduler, opts Options[V]) *Table[V] {
	return &Table[V]{
		index: btree.NewG[*Entry[V]](16, func(a, b *Entry[V]) bool { return a.Key.Compare(b.Key) < 0 }),
		lru:   list.New(),
		sched: sched,
		opts:  opts,
	}
}

// Insert adds a new entry at the front of the recency list, evicting the
// oldest entry first when the table is full.
func (t *Table[V]) Insert(key types.Tuple, v V) (*Entry[V], error) {
	if t.Find(key) != nil {
		return nil, ErrExists
	}
	if t.opts.MaxEntries > 0 {
		for t.Len() >= t.opts.MaxEntries {
			victim := t.Oldest()
			if t.opts.OnEvict != nil {
				t.opts.OnEvict(victim)
			}
			t.Remove(victim)
		}
	}
	e := &Entry[V]{Key: key, Value: v, table: t}
	e.idle = t.sched.NewTimer(func() { t.expire(e) })
	e.elem = t.lru.PushFront(e)
	t.index.ReplaceOrInsert(e)
	return e, nil
}

// Find returns the entry for key, or nil.
func (t *Table[V]) Find(key types.Tuple) *Entry[V] {
	e, ok := t.index.Get(&Entry[V]{Key: key})
	if !ok {
		return nil
	}
	return e
}

// Remove cancels the idle timer and unlinks the entry. Removing twice is a
// no-op.
func (t *Table[V]) Remove(e *Entry[V]) {
	if e == nil || e.elem == nil {
		return
	}
	e.idle.Stop()
	t.lru.Remove(e.elem)
	e.elem = nil
	t.index.Delete(e)
}

// Touch marks the entry most recently used and re-arms its idle timer.
func (t *Table[V]) Touch(e *Entry[V], idle time.Duration) {
	if e.elem == nil {
		return
	}
	t.lru.MoveToFront(e.elem)
	e.idle.Reset(idle)
}

// Arm re-arms the idle timer without changing recency.
func (t *Table[V]) Arm(e *Entry[V], idle time.Duration) {
	if e.elem == nil {
		return
	}
	e.idle.Reset(idle)
}

// Oldest returns the least recently used entry, or nil.
func (t *Table[V]) Oldest() *Entry[V] {
	back := t.lru.Back()
	if back == nil {
		return nil
	}
	return back.Value.(*Entry[V])
}

// Len returns the number of entries.
func (t *Table[V]) Len() int { return t.lru.Len() }

// Ascend visits entries in tuple order until fn returns false.
func (t *Table[V]) Ascend(fn func(*Entry[V]) bool) {
	t.index.Ascend(func(e *Entry[V]) bool { return fn(e) })
}

func (t *Table[V]) expire(e *Entry[V]) {
	if e.elem == nil {
		return
	}
	if t.opts.OnExpire != nil {
		t.opts.OnExpire(e)
	}
	t.Remove(e)
}
