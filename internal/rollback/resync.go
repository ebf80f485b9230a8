package rollback

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
)

// scheduled reports whether frame carries a checksum.
func (e *Engine) scheduled(frame uint32) bool {
	if frame == 1 {
		return true
	}
	return e.cfg.CheckFrames > 0 && frame > 0 && frame%uint32(e.cfg.CheckFrames) == 0
}

// verify handles the checksum of every newly confirmed snapshot. The host
// publishes it; everyone else compares it against the host's, if the host's
// has arrived.
func (e *Engine) verify() {
	for f := e.checked + 1; f <= e.other.Frame; f++ {
		slot, ok := e.ring.Lookup(f)
		if !ok || !slot.HaveState {
			if f >= e.self.Frame {
				return // not snapshotted yet
			}
			e.checked = f
			continue
		}
		e.checked = f
		if !e.scheduled(f) {
			continue
		}
		slot.Checksum = e.cfg.Checksum(slot.State)
		slot.HaveChecksum = true

		if e.cfg.Role == protocol.RoleHost {
			e.out.SendChecksum(f, slot.Checksum)
			continue
		}
		if remote, ok := e.remoteCRC[f]; ok {
			delete(e.remoteCRC, f)
			e.compare(f, slot.Checksum, remote)
		}
	}
	e.pruneChecksums()
}

// HandleChecksum records the host's checksum for frame. If the local
// snapshot for frame is already confirmed the two are compared now.
func (e *Engine) HandleChecksum(frame, crc uint32) {
	if e.cfg.Role == protocol.RoleHost || !e.checksumsTrusted {
		return
	}
	if frame <= e.checked {
		if slot, ok := e.ring.Lookup(frame); ok && slot.HaveChecksum {
			e.compare(frame, slot.Checksum, crc)
		}
		return
	}
	e.remoteCRC[frame] = crc
}

func (e *Engine) compare(frame, local, remote uint32) {
	if !e.checksumsTrusted || local == remote {
		return
	}
	e.stats.ChecksumMismatches++

	if frame == 1 {
		// A mismatch this early is taken to mean the peers run different
		// builds whose checksums can never agree, not a real desync. Later
		// divergence goes undetected for the rest of the session.
		// TODO: decide trust from a build/version exchange at handshake
		// instead of inferring it from frame 1.
		e.checksumsTrusted = false
		clear(e.remoteCRC)
		e.log.Warn("checksum mismatch on frame 1, disabling verification",
			zap.Uint32("local", local), zap.Uint32("remote", remote))
		return
	}

	if e.resyncPending {
		// A host with nothing to send stays silent. Ask again once a
		// ring's worth of frames has gone by without an answer.
		if frame < e.resyncAt || frame-e.resyncAt < uint32(e.ring.Cap()) {
			return
		}
		e.log.Warn("resync request unanswered, asking again",
			zap.Uint32("requested", e.resyncAt), zap.Uint32("frame", frame))
	}
	e.resyncPending = true
	e.resyncAt = frame
	e.stats.Resyncs++
	e.log.Info("desync detected, requesting state",
		zap.Uint32("frame", frame),
		zap.Uint32("local", local),
		zap.Uint32("remote", remote))
	e.out.RequestResync(frame)
	e.noteResync(frame)
}

// noteResync raises a health warning when resyncs cluster.
func (e *Engine) noteResync(frame uint32) {
	if e.cfg.HealthResyncs <= 0 {
		return
	}
	e.resyncTimes = append(e.resyncTimes, frame)
	keep := e.resyncTimes[:0]
	for _, f := range e.resyncTimes {
		// A loaded state can send checking back to an earlier frame.
		d := frame - f
		if f > frame {
			d = f - frame
		}
		if d < e.cfg.HealthWindow {
			keep = append(keep, f)
		}
	}
	e.resyncTimes = keep
	if len(e.resyncTimes) >= e.cfg.HealthResyncs {
		e.stats.HealthWarnings++
		e.log.Warn("repeated resynchronization",
			zap.Int("count", len(e.resyncTimes)),
			zap.Uint32("window", e.cfg.HealthWindow),
			zap.Uint32("frame", frame))
		e.resyncTimes = e.resyncTimes[:0]
	}
}

func (e *Engine) pruneChecksums() {
	if len(e.remoteCRC) == 0 {
		return
	}
	horizon := uint32(e.ring.Cap())
	for f := range e.remoteCRC {
		if f+horizon < e.checked {
			delete(e.remoteCRC, f)
		}
	}
}

// ConfirmedState returns a copy of the snapshot at the confirmed frontier,
// for a joining peer or a resync request. An empty snapshot at frame 0
// stands for the power-on state when savestates are unavailable.
func (e *Engine) ConfirmedState() (uint32, []byte, bool) {
	frame := e.other.Frame
	if !e.savestates {
		return frame, nil, frame == 0
	}
	if frame < e.self.Frame {
		slot, ok := e.ring.Lookup(frame)
		if !ok || !slot.HaveState {
			return 0, nil, false
		}
		return frame, append([]byte(nil), slot.State...), true
	}
	// Between ticks the core holds exactly the state of the next frame.
	buf := make([]byte, e.ring.StateSize())
	if !e.core.Serialize(buf) {
		e.degrade("serialize failed")
		return frame, nil, frame == 0
	}
	return frame, buf, true
}

// HandleState adopts an authoritative snapshot of frame. Inside the replay
// window the snapshot replaces the local one and the frames after it are
// replayed at the next PostTick; otherwise the engine jumps to frame.
func (e *Engine) HandleState(frame uint32, data []byte) error {
	if len(data) == 0 {
		if frame != 0 {
			return ErrEmptyState
		}
		if e.awaitingState {
			e.awaitingState = false
			e.log.Info("starting from power-on state")
		}
		return nil
	}
	if len(data) != e.ring.StateSize() {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrStateSize, len(data), e.ring.StateSize())
	}
	if !e.savestates {
		return ErrNoSavestates
	}
	e.resyncPending = false

	if !e.awaitingState && frame < e.self.Frame {
		return e.loadInWindow(frame, data)
	}
	return e.jump(frame, data)
}

func (e *Engine) loadInWindow(frame uint32, data []byte) error {
	if e.self.Frame-frame >= uint32(e.ring.Cap()) {
		return fmt.Errorf("%w: frame %d, local %d", ErrOutsideWindow, frame, e.self.Frame)
	}
	for f := frame; f < e.self.Frame; f++ {
		if _, ok := e.ring.Lookup(f); !ok {
			return fmt.Errorf("%w: frame %d no longer held", ErrOutsideWindow, f)
		}
	}
	slot, _ := e.ring.Lookup(frame)
	copy(slot.State, data)
	slot.HaveState = true
	slot.HaveChecksum = false

	e.other = e.ring.At(frame)
	e.checked = min(e.checked, frame)
	e.forceReplay = true
	e.forcedFrom = e.other
	e.log.Info("loaded state", zap.Uint32("frame", frame), zap.Uint32("local", e.self.Frame))
	return nil
}

func (e *Engine) jump(frame uint32, data []byte) error {
	if !e.core.Unserialize(data) {
		e.degrade("unserialize failed")
		return ErrNoSavestates
	}
	e.ring.Reset()
	e.self = e.ring.At(frame)
	e.other = e.self
	e.unread = e.self
	slot, _ := e.ring.Prepare(frame, frame)
	copy(slot.State, data)
	slot.HaveState = true

	for c := range e.readFrame {
		e.readFrame[c] = max(e.readFrame[c], frame)
	}
	e.checked = max(e.checked, frame)
	e.observed = max(e.observed, frame)
	e.forceReplay = false
	e.awaitingState = false
	e.mode = Normal
	e.log.Info("adopted state", zap.Uint32("frame", frame))
	return nil
}

// HandleResync answers a peer's resync request for frame with the
// confirmed snapshot. Host only.
func (e *Engine) HandleResync(frame uint32) (uint32, []byte, bool) {
	if e.cfg.Role != protocol.RoleHost {
		return 0, nil, false
	}
	sent, data, ok := e.ConfirmedState()
	e.log.Info("resync requested",
		zap.Uint32("frame", frame), zap.Uint32("confirmed", sent), zap.Bool("ok", ok))
	return sent, data, ok
}
