package rollback

import (
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/ring"
)

// replayFrom restores the snapshot at start and re-runs every frame up to
// the local frontier. Frames with real input now use it; frames without keep
// the prediction they were first run with. Each frame is snapshotted again
// on the way so a later rollback can land on it. It reports false when the
// start snapshot cannot be restored.
func (e *Engine) replayFrom(start ring.Cursor) (int, bool) {
	e.forceReplay = false

	slot := e.ring.Slot(start)
	if slot.Index != start.Frame || !slot.HaveState {
		if e.savestates {
			e.log.Error("replay start has no snapshot", zap.Uint32("frame", start.Frame))
		}
		return 0, false
	}
	if !e.core.Unserialize(slot.State) {
		e.degrade("unserialize failed")
		return 0, false
	}

	e.mode = Replaying
	e.replay = start
	n := 0
	for e.replay.Frame < e.self.Frame {
		s := e.ring.Slot(e.replay)
		if !s.Save(e.core.Serialize) {
			e.degrade("serialize failed during replay")
		}
		for c := range s.Real {
			s.UsedReal[c] = s.HaveReal[c]
			e.inputs[c] = s.Input(c)
		}
		e.core.Run(e.inputs)
		e.replay = e.ring.Advance(e.replay)
		n++
	}

	if e.unread.Frame < e.self.Frame {
		e.other = e.unread
	} else {
		e.other = e.self
	}
	e.mode = Normal

	e.stats.Rollbacks++
	e.stats.ReplayedFrames += uint64(n)
	e.log.Debug("replayed",
		zap.Uint32("from", start.Frame),
		zap.Uint32("to", e.self.Frame),
		zap.Uint32("confirmed", e.other.Frame))
	e.verify()
	return n, true
}

// settle confirms every frame that has real input from all clients but
// could not be replayed. Those frames stand as they were run, so a frame
// run on a wrong prediction leaves this engine diverged from its peers.
func (e *Engine) settle() {
	end := min(e.unread.Frame, e.self.Frame)
	from := e.other.Frame
	var wrong uint64
	for e.other.Frame < end {
		if slot := e.ring.Slot(e.other); slot.Index == e.other.Frame && slot.Mispredicted() {
			wrong++
		}
		e.other = e.ring.Advance(e.other)
	}
	if wrong == 0 {
		return
	}
	e.stats.UnreplayedFrames += wrong
	e.log.Warn("accepting mispredicted frames without replay",
		zap.Uint32("from", from),
		zap.Uint32("to", end),
		zap.Uint64("mispredicted", wrong))
}

// rewind un-commits the tick just taken: the local frontier steps back one
// frame and the state saved at the start of that frame is restored. The
// frame keeps its local input, so running it again sends nothing new.
func (e *Engine) rewind() bool {
	prev := e.ring.Retreat(e.self)
	slot := e.ring.Slot(prev)
	if slot.Index != prev.Frame || !slot.HaveState {
		return false
	}
	if !e.core.Unserialize(slot.State) {
		e.degrade("unserialize failed")
		return false
	}
	e.self = prev
	e.stats.Rewinds++
	return true
}
