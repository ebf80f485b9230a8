// Package input supplies the local player's button word each tick.
package input

import (
	"math/rand/v2"

	"github.com/chronologos/rollnet/internal/ring"
)

// Source is polled once per locally owned frame.
type Source interface {
	Poll(frame uint32) ring.Input
}

// Func adapts a function to Source.
type Func func(frame uint32) ring.Input

func (f Func) Poll(frame uint32) ring.Input { return f(frame) }

// None never presses anything. Spectators use it.
var None Source = Func(func(uint32) ring.Input { return 0 })

// Random presses a pseudo-random set of buttons and holds it for hold
// frames, so a peer's hold-last prediction is right most of the time. Two
// Randoms with the same seed produce the same sequence.
func Random(seed uint64, hold uint32) Source {
	if hold == 0 {
		hold = 1
	}
	return Func(func(frame uint32) ring.Input {
		r := rand.New(rand.NewPCG(seed, uint64(frame/hold)))
		return ring.Input(r.Uint32() & 0x1f)
	})
}
