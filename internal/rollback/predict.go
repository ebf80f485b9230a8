package rollback

import (
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/ring"
)

// fold moves queued remote input into the ring, oldest first. A client's
// queue stops at the first frame whose slot still holds an unconfirmed
// frame; it is retried next tick.
func (e *Engine) fold() {
	for c := range e.inbox {
		q := e.inbox[c]
		n := 0
		for ; n < len(q); n++ {
			rec := q[n]
			if rec.frame < e.readFrame[c] {
				continue // superseded by a state load
			}
			if rec.frame > e.readFrame[c] {
				e.log.Warn("dropping out-of-order input",
					zap.Int("client", c),
					zap.Uint32("frame", rec.frame),
					zap.Uint32("expected", e.readFrame[c]))
				continue
			}
			slot, ok := e.ring.Prepare(rec.frame, e.other.Frame)
			if !ok {
				break
			}
			slot.Real[c] = rec.input
			slot.HaveReal[c] = true
			slot.HaveRemote = true
			e.lastReal[c] = rec.input
			e.readFrame[c]++
			if e.relays() {
				e.out.SendInput(rec.frame, c, rec.input)
			}
		}
		e.inbox[c] = append(q[:0], q[n:]...)
	}
}

// driveAbsent fills every host-driven slot up to the current frame with
// the client's last confirmed input and publishes it as real input, so all
// peers agree on what an absent player did.
func (e *Engine) driveAbsent() {
	for c, driven := range e.driven {
		if !driven {
			continue
		}
		for e.readFrame[c] <= e.self.Frame {
			f := e.readFrame[c]
			slot, ok := e.ring.Prepare(f, e.other.Frame)
			if !ok {
				break
			}
			in := e.lastReal[c]
			slot.Real[c] = in
			slot.HaveReal[c] = true
			e.readFrame[c]++
			e.out.SendInput(f, c, in)
		}
	}
}

// predict settles the input applied to slot: real input where it is known,
// otherwise the client's most recent confirmed input.
func (e *Engine) predict(slot *ring.Frame) {
	for c := range slot.Real {
		if slot.HaveReal[c] {
			slot.UsedReal[c] = true
			continue
		}
		slot.Simulated[c] = e.lastReal[c]
		slot.UsedReal[c] = false
	}
}

// updateUnread moves the unread cursor to the oldest frame some client has
// not yet delivered input for.
func (e *Engine) updateUnread() {
	f := e.readFrame[0]
	for _, r := range e.readFrame[1:] {
		f = min(f, r)
	}
	f = max(f, e.other.Frame)
	e.unread = e.ring.At(f)
}

// fastForward confirms frames whose predictions matched the real input that
// has since arrived. No resimulation is needed for them.
func (e *Engine) fastForward() {
	for e.other.Frame < e.unread.Frame && e.other.Frame < e.self.Frame {
		slot := e.ring.Slot(e.other)
		if slot.Index != e.other.Frame || slot.Mispredicted() {
			return
		}
		e.other = e.ring.Advance(e.other)
	}
}

// relays reports whether folded input must be forwarded: the host is the
// hub of a star, clients only ever talk to it.
func (e *Engine) relays() bool {
	return e.cfg.Role == protocol.RoleHost
}
