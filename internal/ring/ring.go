// Package ring holds the fixed-capacity store of per-frame snapshots and
// input records that rollback runs over.
//
// A slot is claimed for a logical frame with Prepare and lives until the ring
// wraps past it. A slot that still holds an unconfirmed frame is never
// reclaimed: Prepare refuses instead, and the caller must stall.
package ring

// Input is one client's input word for one frame.
type Input uint32

// Frame is one ring slot: the snapshot taken at the start of Index plus the
// real and predicted input of every client for that frame.
type Frame struct {
	Index uint32
	used  bool

	HaveState bool
	State     []byte // fixed size, owned by the ring

	Real      []Input
	Simulated []Input
	HaveReal  []bool
	UsedReal  []bool

	// HaveRemote is set once any remote input has landed for this frame.
	HaveRemote bool

	Checksum     uint32
	HaveChecksum bool
}

// Save zero-fills the snapshot buffer, then lets serialize write into it.
// Zeroing first keeps stale bytes out of the checksum.
func (f *Frame) Save(serialize func([]byte) bool) bool {
	clear(f.State)
	f.HaveState = serialize(f.State)
	f.HaveChecksum = false
	return f.HaveState
}

// Input returns the value that was applied for client when stepping this
// frame: the real input if it was used, the prediction otherwise.
func (f *Frame) Input(client int) Input {
	if f.UsedReal[client] {
		return f.Real[client]
	}
	return f.Simulated[client]
}

// Mispredicted reports whether some client's real input is known, was not
// consumed when stepping, and differs from what was predicted.
func (f *Frame) Mispredicted() bool {
	for c := range f.Real {
		if f.HaveReal[c] && !f.UsedReal[c] && f.Real[c] != f.Simulated[c] {
			return true
		}
	}
	return false
}

func (f *Frame) reset(index uint32) {
	f.Index = index
	f.used = true
	f.HaveState = false
	f.HaveRemote = false
	f.HaveChecksum = false
	f.Checksum = 0
	clear(f.State)
	clear(f.Real)
	clear(f.Simulated)
	clear(f.HaveReal)
	clear(f.UsedReal)
}

// Cursor is a position in the ring: a logical frame and its physical slot.
type Cursor struct {
	Ptr   int
	Frame uint32
}

// Ring is a circular array of Frames indexed by frame modulo capacity.
//
// Ring is not safe for concurrent use; it is driven from the tick loop only.
type Ring struct {
	frames    []Frame
	stateSize int
}

// New allocates a ring of capacity slots, each with a stateSize snapshot
// buffer and input records for players clients.
func New(capacity, stateSize, players int) *Ring {
	r := &Ring{
		frames:    make([]Frame, capacity),
		stateSize: stateSize,
	}
	for i := range r.frames {
		f := &r.frames[i]
		f.State = make([]byte, stateSize)
		f.Real = make([]Input, players)
		f.Simulated = make([]Input, players)
		f.HaveReal = make([]bool, players)
		f.UsedReal = make([]bool, players)
	}
	return r
}

// Cap returns the number of slots.
func (r *Ring) Cap() int { return len(r.frames) }

// StateSize returns the snapshot size of every slot.
func (r *Ring) StateSize() int { return r.stateSize }

// At returns the cursor for a logical frame.
func (r *Ring) At(frame uint32) Cursor {
	return Cursor{Ptr: int(frame % uint32(len(r.frames))), Frame: frame}
}

// Advance returns c moved one frame forward.
func (r *Ring) Advance(c Cursor) Cursor {
	return Cursor{Ptr: (c.Ptr + 1) % len(r.frames), Frame: c.Frame + 1}
}

// Retreat returns c moved one frame back.
func (r *Ring) Retreat(c Cursor) Cursor {
	return Cursor{Ptr: (c.Ptr - 1 + len(r.frames)) % len(r.frames), Frame: c.Frame - 1}
}

// Slot returns the physical slot at c, whatever frame it currently holds.
func (r *Ring) Slot(c Cursor) *Frame {
	return &r.frames[c.Ptr]
}

// Lookup returns the slot for frame if it is currently held by that frame.
func (r *Ring) Lookup(frame uint32) (*Frame, bool) {
	f := &r.frames[frame%uint32(len(r.frames))]
	if !f.used || f.Index != frame {
		return nil, false
	}
	return f, true
}

// IsReady reports whether a snapshot has actually been written for frame.
// It is false for slots that were never used, which guards against reading
// an empty buffer at session start.
func (r *Ring) IsReady(frame uint32) bool {
	f, ok := r.Lookup(frame)
	return ok && f.HaveState
}

// Prepare returns the slot for frame, claiming and clearing it if it held an
// older frame. It fails if the slot still holds a frame at or after
// confirmed, or a frame newer than the one requested.
func (r *Ring) Prepare(frame, confirmed uint32) (*Frame, bool) {
	f := &r.frames[frame%uint32(len(r.frames))]
	if f.used {
		if f.Index == frame {
			return f, true
		}
		if f.Index >= confirmed || f.Index > frame {
			return nil, false
		}
	}
	f.reset(frame)
	return f, true
}

// Reset forgets every slot.
func (r *Ring) Reset() {
	for i := range r.frames {
		r.frames[i].reset(0)
		r.frames[i].used = false
	}
}
