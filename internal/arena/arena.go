// Package arena hands out packet buffers addressed by generation-checked
// handles. An Arena is owned by a single goroutine.
package arena

import "errors"

// ErrStaleHandle is returned for a handle whose buffer was already freed.
var ErrStaleHandle = errors.New("arena: stale handle")

// Handle names a buffer. The zero Handle is never valid.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether h was ever issued.
func (h Handle) Valid() bool { return h.gen != 0 }

type slot struct {
	buf  []byte
	gen  uint32
	live bool
}

// Arena is a pool of fixed-size packet buffers with support for larger
// one-off allocations.
type Arena struct {
	size  int
	slots []slot
	free  []uint32
	inUse int
}

// New creates an arena whose standard buffers hold size bytes, with prealloc
// buffers ready for use.
func New(size, prealloc int) *Arena {
	a := &Arena{size: size}
	for i := 0; i < prealloc; i++ {
		a.slots = append(a.slots, slot{buf: make([]byte, size)})
		a.free = append(a.free, uint32(i))
	}
	return a
}

// Size returns the standard buffer size.
func (a *Arena) Size() int { return a.size }

// Alloc returns a zeroed buffer of the standard size.
func (a *Arena) Alloc() (Handle, []byte) {
	return a.AllocSized(a.size)
}

// AllocSized returns a zeroed buffer of n bytes. Buffers larger than the
// standard size are released to the garbage collector when freed.
func (a *Arena) AllocSized(n int) (Handle, []byte) {
	var idx uint32
	if l := len(a.free); l > 0 {
		idx = a.free[l-1]
		a.free = a.free[:l-1]
	} else {
		a.slots = append(a.slots, slot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	if cap(s.buf) < n {
		capacity := a.size
		if n > capacity {
			capacity = n
		}
		s.buf = make([]byte, capacity)
	}
	s.buf = s.buf[:n]
	clear(s.buf)
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	a.inUse++
	return Handle{idx: idx, gen: s.gen}, s.buf
}

// Copy allocates a buffer holding a copy of src.
func (a *Arena) Copy(src []byte) (Handle, []byte) {
	h, buf := a.AllocSized(len(src))
	copy(buf, src)
	return h, buf
}

// Bytes returns the buffer behind h.
func (a *Arena) Bytes(h Handle) ([]byte, error) {
	s, err := a.lookup(h)
	if err != nil {
		return nil, err
	}
	return s.buf, nil
}

// Free returns the buffer to the pool. Freeing twice reports ErrStaleHandle.
func (a *Arena) Free(h Handle) error {
	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	s.live = false
	if cap(s.buf) > a.size {
		s.buf = nil
	}
	a.free = append(a.free, h.idx)
	a.inUse--
	return nil
}

// InUse returns the number of outstanding buffers.
func (a *Arena) InUse() int { return a.inUse }

func (a *Arena) lookup(h Handle) (*slot, error) {
	if !h.Valid() || int(h.idx) >= len(a.slots) {
		return nil, ErrStaleHandle
	}
	s := &a.slots[h.idx]
	if !s.live || s.gen != h.gen {
		return nil, ErrStaleHandle
	}
	return s, nil
}
