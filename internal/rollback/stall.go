package rollback

import "go.uber.org/zap"

// hardStall reports whether the next frame must not run at all.
func (e *Engine) hardStall() (string, bool) {
	switch {
	case e.awaitingState:
		return "waiting for state", true
	case !e.savestates && !e.connected:
		// Without savestates nothing can be undone once a peer shows up.
		return "waiting for peer", true
	}
	return "", false
}

// stall skips the tick, logging only on the transition into the stall.
func (e *Engine) stall(reason string) {
	if e.mode != HardStalled {
		e.log.Debug(reason, zap.Uint32("frame", e.self.Frame))
	}
	e.mode = HardStalled
	e.stats.StalledTicks++
}

// shouldRewind reports whether the confirmed frontier has fallen further
// behind than tolerated.
func (e *Engine) shouldRewind() bool {
	return e.savestates && e.self.Frame-e.other.Frame > uint32(e.cfg.StallFrames)
}

// catchingUp reports whether input for more than StallFrames frames past
// the local frontier is already known. The caller should then run ticks
// back to back instead of pacing them.
func (e *Engine) catchingUp() bool {
	return e.unread.Frame > e.self.Frame+uint32(e.cfg.StallFrames)
}

// degrade switches permanently to running only on real input.
func (e *Engine) degrade(reason string) {
	if !e.savestates {
		return
	}
	e.savestates = false
	e.log.Warn("savestates unavailable, disabling speculation",
		zap.String("reason", reason),
		zap.Uint32("frame", e.self.Frame))
}
