// Package machine is a small deterministic simulation used to drive the
// rollback engine from the command line and in tests. Its whole state is a
// fixed-size byte image, so Serialize/Unserialize are plain copies and two
// machines fed identical input stay bit-identical.
package machine

import (
	"encoding/binary"

	"github.com/chronologos/rollnet/internal/ring"
)

// Button bits of an input word.
const (
	Up    ring.Input = 1 << 0
	Down  ring.Input = 1 << 1
	Left  ring.Input = 1 << 2
	Right ring.Input = 1 << 3
	A     ring.Input = 1 << 4
)

const (
	headerSize = 8  // frame u32 + rng u32
	playerSize = 20 // x, y, vx, vy i32 + score u32
	arena      = 1 << 12
)

// Player is a decoded view of one player's state.
type Player struct {
	X, Y   int32
	VX, VY int32
	Score  uint32
}

// Machine implements the rollback engine's Core interface.
type Machine struct {
	players int
	mem     []byte // header | players | scratch memory

	// FailSaves makes Serialize and Unserialize report failure, modelling a
	// core without savestate support.
	FailSaves bool
}

// New creates a machine for players players with memory bytes of scratch
// RAM that button A scribbles over.
func New(players, memory int) *Machine {
	m := &Machine{
		players: players,
		mem:     make([]byte, headerSize+players*playerSize+memory),
	}
	binary.BigEndian.PutUint32(m.mem[4:8], 0x9e3779b9)
	for p := 0; p < players; p++ {
		m.putPlayer(p, Player{X: int32(p) * 64, Y: int32(p) * 32})
	}
	return m
}

// StateSize returns the size of a snapshot.
func (m *Machine) StateSize() int { return len(m.mem) }

// Serialize copies the machine state into buf.
func (m *Machine) Serialize(buf []byte) bool {
	if m.FailSaves || len(buf) < len(m.mem) {
		return false
	}
	copy(buf, m.mem)
	return true
}

// Unserialize replaces the machine state with buf.
func (m *Machine) Unserialize(buf []byte) bool {
	if m.FailSaves || len(buf) < len(m.mem) {
		return false
	}
	copy(m.mem, buf)
	return true
}

// Run advances the machine by one frame with one input word per player.
func (m *Machine) Run(inputs []ring.Input) {
	frame := binary.BigEndian.Uint32(m.mem[0:4])
	rng := binary.BigEndian.Uint32(m.mem[4:8])

	for p := 0; p < m.players; p++ {
		var in ring.Input
		if p < len(inputs) {
			in = inputs[p]
		}
		pl := m.Player(p)

		if in&Left != 0 {
			pl.VX--
		}
		if in&Right != 0 {
			pl.VX++
		}
		if in&Up != 0 {
			pl.VY--
		}
		if in&Down != 0 {
			pl.VY++
		}
		pl.VX = clamp(pl.VX, -8, 8)
		pl.VY = clamp(pl.VY, -8, 8)
		pl.X = wrap(pl.X + pl.VX)
		pl.Y = wrap(pl.Y + pl.VY)

		if in&A != 0 {
			rng = xorshift(rng ^ uint32(p+1))
			pl.Score += rng & 0xf
			if scratch := m.mem[headerSize+m.players*playerSize:]; len(scratch) > 0 {
				scratch[rng%uint32(len(scratch))] ^= byte(rng >> 8)
			}
		}
		m.putPlayer(p, pl)
	}

	binary.BigEndian.PutUint32(m.mem[0:4], frame+1)
	binary.BigEndian.PutUint32(m.mem[4:8], xorshift(rng))
}

// Frame returns how many frames the machine has run.
func (m *Machine) Frame() uint32 {
	return binary.BigEndian.Uint32(m.mem[0:4])
}

// Player decodes player p.
func (m *Machine) Player(p int) Player {
	b := m.mem[headerSize+p*playerSize:]
	return Player{
		X:     int32(binary.BigEndian.Uint32(b[0:4])),
		Y:     int32(binary.BigEndian.Uint32(b[4:8])),
		VX:    int32(binary.BigEndian.Uint32(b[8:12])),
		VY:    int32(binary.BigEndian.Uint32(b[12:16])),
		Score: binary.BigEndian.Uint32(b[16:20]),
	}
}

func (m *Machine) putPlayer(p int, pl Player) {
	b := m.mem[headerSize+p*playerSize:]
	binary.BigEndian.PutUint32(b[0:4], uint32(pl.X))
	binary.BigEndian.PutUint32(b[4:8], uint32(pl.Y))
	binary.BigEndian.PutUint32(b[8:12], uint32(pl.VX))
	binary.BigEndian.PutUint32(b[12:16], uint32(pl.VY))
	binary.BigEndian.PutUint32(b[16:20], pl.Score)
}

func xorshift(x uint32) uint32 {
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	return x
}

func clamp(v, lo, hi int32) int32 {
	return min(max(v, lo), hi)
}

func wrap(v int32) int32 {
	return ((v % arena) + arena) % arena
}
