// Package conntable is a fixed-size arena of connection slots addressed by
// generation-tagged handles. A handle to a removed entry stays invalid even
// after its slot is reused.
package conntable

import (
	"errors"
	"iter"
)

var ErrTableFull = errors.New("connection table full")

// Handle names one entry. The zero Handle is never issued.
type Handle struct {
	Index uint32
	Gen   uint32
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Table holds up to a fixed number of live entries.
//
// Table is not safe for concurrent use.
type Table[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

// New creates a table with room for limit entries.
func New[T any](limit int) *Table[T] {
	t := &Table[T]{
		slots: make([]slot[T], limit),
		free:  make([]uint32, 0, limit),
	}
	for i := limit - 1; i >= 0; i-- {
		t.free = append(t.free, uint32(i))
	}
	return t
}

// Insert stores v in a free slot.
func (t *Table[T]) Insert(v T) (Handle, error) {
	if len(t.free) == 0 {
		return Handle{}, ErrTableFull
	}
	i := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := &t.slots[i]
	s.gen++
	s.live = true
	s.val = v
	t.live++
	return Handle{Index: i, Gen: s.gen}, nil
}

func (t *Table[T]) lookup(h Handle) *slot[T] {
	if int(h.Index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[h.Index]
	if !s.live || s.gen != h.Gen {
		return nil
	}
	return s
}

// Get returns the entry for h, if h still names a live entry.
func (t *Table[T]) Get(h Handle) (T, bool) {
	if s := t.lookup(h); s != nil {
		return s.val, true
	}
	var zero T
	return zero, false
}

// Remove frees h's slot and returns what it held. Removing a stale handle
// is a no-op.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	var zero T
	s := t.lookup(h)
	if s == nil {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.live = false
	t.free = append(t.free, h.Index)
	t.live--
	return v, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int { return t.live }

// Cap returns the number of slots.
func (t *Table[T]) Cap() int { return len(t.slots) }

// All iterates live entries in slot order. Removing the current entry
// during iteration is allowed.
func (t *Table[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		for i := range t.slots {
			s := &t.slots[i]
			if !s.live {
				continue
			}
			if !yield(Handle{Index: uint32(i), Gen: s.gen}, s.val) {
				return
			}
		}
	}
}
