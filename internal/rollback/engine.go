// Package rollback keeps the local simulation in agreement with its peers.
//
// Each tick the engine snapshots the state, runs one frame on real input
// where it has it and predicted input where it does not, and afterwards
// folds in whatever remote input arrived. Frames whose predictions held are
// confirmed without re-running them; the first mispredicted frame is the
// divergence point from which the engine restores and replays up to the
// present. Everything happens on the caller's goroutine, between tick
// boundaries, so nothing here is locked.
package rollback

import (
	"errors"
	"fmt"
	"hash/crc32"

	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/ring"
)

// MaxPlayers bounds the width of an input record.
const MaxPlayers = 8

type Input = ring.Input

var (
	ErrInvalidConfig = errors.New("invalid engine config")
	ErrStateSize     = errors.New("state size mismatch")
	ErrNoSavestates  = errors.New("core cannot restore state")
	ErrEmptyState    = errors.New("empty state after frame 0")
	ErrOutsideWindow = errors.New("state frame outside replay window")
)

// Core is the simulation being synchronized.
type Core interface {
	StateSize() int
	Serialize(buf []byte) bool
	Unserialize(buf []byte) bool
	// Run advances exactly one frame with one input per client.
	Run(inputs []Input)
}

// Outbox receives the messages the engine produces. Implementations must
// not block.
type Outbox interface {
	SendInput(frame uint32, client int, in Input)
	SendChecksum(frame, crc uint32)
	RequestResync(frame uint32)
}

// Observer is told about every frame once it is confirmed, in order.
type Observer interface {
	OnConfirmed(frame uint32, inputs []Input)
}

// Mode is the engine's position in the tick state machine.
type Mode int

const (
	Normal Mode = iota
	Replaying
	HardStalled
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Replaying:
		return "replaying"
	case HardStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Status describes what the last tick did.
type Status struct {
	Mode Mode
	// DivergenceFrame is the frame a replay restored from. Valid when
	// Replayed > 0.
	DivergenceFrame uint32
	Replayed        int
	// Rewound is set when the tick was taken back because the confirmed
	// frontier fell too far behind.
	Rewound bool
	// CatchingUp asks the caller to run the next tick without pacing.
	CatchingUp bool
}

// Stats are cumulative counters for the session.
type Stats struct {
	Rollbacks          uint64
	ReplayedFrames     uint64
	Rewinds            uint64
	StalledTicks       uint64
	ChecksumMismatches uint64
	Resyncs            uint64
	HealthWarnings     uint64
	// UnreplayedFrames counts mispredicted frames that had to stand as run
	// because no snapshot could be restored.
	UnreplayedFrames   uint64
}

// Config holds engine configuration.
type Config struct {
	Role    protocol.Role
	Players int
	// LocalClient is the player slot this engine polls input for, -1 for a
	// spectator. The host is always client 0.
	LocalClient int
	// LocalStart is the first frame whose local input this engine owns.
	// Earlier frames of the local slot arrive from the host.
	LocalStart uint32

	Capacity    int // ring slots
	StallFrames int // tolerated distance between self and confirmed frames
	CheckFrames int // checksum interval, 0 for frame 1 only

	// HealthResyncs resyncs within HealthWindow frames raise a warning.
	HealthResyncs int
	HealthWindow  uint32

	Checksum func([]byte) uint32
	Outbox   Outbox
	Observer Observer
	Logger   *zap.Logger
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch {
	case c.Players < 1 || c.Players > MaxPlayers:
		return fmt.Errorf("%w: players %d not in [1,%d]", ErrInvalidConfig, c.Players, MaxPlayers)
	case c.StallFrames < 0 || c.CheckFrames < 0:
		return fmt.Errorf("%w: negative frame count", ErrInvalidConfig)
	case c.Capacity <= c.StallFrames+1:
		// A confirmed frame could be overwritten before it is reconciled.
		return fmt.Errorf("%w: capacity %d must exceed stall frames %d + 1", ErrInvalidConfig, c.Capacity, c.StallFrames)
	case c.Role == protocol.RoleHost && c.LocalClient != 0:
		return fmt.Errorf("%w: host must own client 0", ErrInvalidConfig)
	case c.Role == protocol.RoleSpectator && c.LocalClient != -1:
		return fmt.Errorf("%w: spectator cannot own a client", ErrInvalidConfig)
	case c.Role == protocol.RoleClient && (c.LocalClient < 1 || c.LocalClient >= c.Players):
		return fmt.Errorf("%w: client slot %d not in [1,%d)", ErrInvalidConfig, c.LocalClient, c.Players)
	}
	return nil
}

type inputRecord struct {
	frame uint32
	input Input
}

// Engine is one participant's view of the synchronized session.
type Engine struct {
	cfg  Config
	core Core
	ring *ring.Ring
	log  *zap.Logger
	out  Outbox

	self   ring.Cursor // next frame to simulate
	other  ring.Cursor // frames before this are confirmed
	unread ring.Cursor // frames before this have input from every client
	replay ring.Cursor // only meaningful while mode == Replaying

	mode        Mode
	stepped     bool
	forceReplay bool
	forcedFrom  ring.Cursor // replay start of a loaded state

	connected        bool
	savestates       bool
	checksumsTrusted bool
	awaitingState    bool
	resyncPending    bool
	resyncAt         uint32 // frame of the outstanding resync request

	readFrame []uint32 // next frame expected from each client
	lastReal  []Input
	driven    []bool // host-driven slots (no peer attached)
	inbox     [][]inputRecord

	remoteCRC   map[uint32]uint32
	checked     uint32 // frames up to here have had their checksum handled
	observed    uint32 // next frame to hand to the observer
	resyncTimes []uint32

	inputs []Input
	stats  Stats
}

// New creates an engine around core. The host starts at frame 0 with the
// core's current state; clients and spectators wait for a State message.
func New(core Core, cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Checksum == nil {
		cfg.Checksum = crc32.ChecksumIEEE
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Outbox == nil {
		cfg.Outbox = discardOutbox{}
	}

	e := &Engine{
		cfg:              cfg,
		core:             core,
		ring:             ring.New(cfg.Capacity, core.StateSize(), cfg.Players),
		log:              cfg.Logger.With(zap.String("role", cfg.Role.String())),
		out:              cfg.Outbox,
		savestates:       true,
		checksumsTrusted: true,
		awaitingState:    cfg.Role != protocol.RoleHost,
		readFrame:        make([]uint32, cfg.Players),
		lastReal:         make([]Input, cfg.Players),
		driven:           make([]bool, cfg.Players),
		inbox:            make([][]inputRecord, cfg.Players),
		remoteCRC:        make(map[uint32]uint32),
		inputs:           make([]Input, cfg.Players),
	}
	if cfg.Role == protocol.RoleHost {
		for c := 1; c < cfg.Players; c++ {
			e.driven[c] = true
		}
	}
	return e, nil
}

// SelfFrame returns the next frame to be simulated locally.
func (e *Engine) SelfFrame() uint32 { return e.self.Frame }

// ConfirmedFrame returns the confirmed frontier: every frame before it has
// been simulated on real input from every client.
func (e *Engine) ConfirmedFrame() uint32 { return e.other.Frame }

// UnreadFrame returns the frame before which input from every client is known.
func (e *Engine) UnreadFrame() uint32 { return e.unread.Frame }

// Mode returns the current state machine position.
func (e *Engine) Mode() Mode { return e.mode }

// Stats returns the cumulative counters.
func (e *Engine) Stats() Stats { return e.stats }

// Savestates reports whether speculative execution is still available.
func (e *Engine) Savestates() bool { return e.savestates }

// ChecksumsTrusted reports whether checksum verification is still enabled.
func (e *Engine) ChecksumsTrusted() bool { return e.checksumsTrusted }

// AwaitingState reports whether the engine is waiting for its first
// full state.
func (e *Engine) AwaitingState() bool { return e.awaitingState }

// SetConnected records whether a synchronizing peer is attached. Clients
// and spectators call it for their host link.
func (e *Engine) SetConnected(connected bool) {
	e.connected = connected
}

// AttachClient hands player slot client to a newly connected peer and
// returns the first frame whose input that peer owns. Host only.
func (e *Engine) AttachClient(client int) uint32 {
	e.driven[client] = false
	e.inbox[client] = e.inbox[client][:0]
	e.connected = true
	e.log.Info("client attached", zap.Int("client", client), zap.Uint32("frame", e.readFrame[client]))
	return e.readFrame[client]
}

// DetachClient returns player slot client to host control. Input that was
// queued but not yet folded in is discarded; the host keeps holding the
// client's last confirmed input from there on. Host only.
func (e *Engine) DetachClient(client int) {
	e.driven[client] = true
	e.inbox[client] = e.inbox[client][:0]
	e.connected = false
	for c := 1; c < e.cfg.Players; c++ {
		if !e.driven[c] {
			e.connected = true
		}
	}
	e.log.Info("client detached", zap.Int("client", client), zap.Uint32("frame", e.readFrame[client]))
}

// HandleInput queues client's real input for frame. It is folded into the
// ring, in order, at the start of the next tick.
func (e *Engine) HandleInput(client int, frame uint32, in Input) {
	if client < 0 || client >= e.cfg.Players || client == e.localOwner(frame) {
		return
	}
	e.inbox[client] = append(e.inbox[client], inputRecord{frame: frame, input: in})
}

// localOwner returns the local client if this engine owns its input at
// frame, otherwise -1.
func (e *Engine) localOwner(frame uint32) int {
	if e.cfg.LocalClient >= 0 && frame >= e.cfg.LocalStart {
		return e.cfg.LocalClient
	}
	return -1
}

// Tick runs PreTick, Step and PostTick.
func (e *Engine) Tick(local Input) Status {
	if e.PreTick(local) {
		e.Step()
	}
	return e.PostTick()
}

// PreTick prepares the next frame: it folds in remote input, snapshots the
// current state and settles the input to apply. It returns false when the
// frame must not run this tick; the caller then skips Step.
func (e *Engine) PreTick(local Input) bool {
	e.fold()

	if reason, stalled := e.hardStall(); stalled {
		e.stall(reason)
		return false
	}

	slot, ok := e.ring.Prepare(e.self.Frame, e.other.Frame)
	if !ok {
		e.stall("ring full")
		return false
	}

	if e.cfg.Role == protocol.RoleHost {
		e.driveAbsent()
	}
	if c := e.localOwner(e.self.Frame); c >= 0 && !slot.HaveReal[c] {
		// Recorded and sent once. A rewound frame re-runs on the same input.
		slot.Real[c] = local
		slot.HaveReal[c] = true
		e.lastReal[c] = local
		e.readFrame[c] = e.self.Frame + 1
		e.out.SendInput(e.self.Frame, c, local)
	}

	if e.savestates && !slot.Save(e.core.Serialize) {
		e.degrade("serialize failed")
		if reason, stalled := e.hardStall(); stalled {
			e.stall(reason)
			return false
		}
	}
	if !e.savestates && !e.allReal(slot) {
		e.stall("waiting for input")
		return false
	}

	e.predict(slot)
	e.verify()
	e.mode = Normal
	return true
}

// Step runs the prepared frame through the core.
func (e *Engine) Step() {
	slot := e.ring.Slot(e.self)
	for c := range e.inputs {
		e.inputs[c] = slot.Input(c)
	}
	e.core.Run(e.inputs)
	e.stepped = true
}

// PostTick advances the local frontier past the frame just run, confirms
// what can be confirmed and replays from the divergence point if a
// prediction failed or a state was loaded.
func (e *Engine) PostTick() Status {
	if !e.stepped {
		return Status{Mode: e.mode}
	}
	e.stepped = false
	e.self = e.ring.Advance(e.self)

	var st Status
	e.updateUnread()
	switch {
	case e.forceReplay:
		// Frames after a loaded state are re-run even where the
		// predictions held: they were stepped from the wrong state.
		st.DivergenceFrame = e.forcedFrom.Frame
		if n, ok := e.replayFrom(e.forcedFrom); ok {
			st.Replayed = n
		} else {
			e.settle()
		}
	default:
		e.fastForward()
		if e.other.Frame < e.unread.Frame && e.other.Frame < e.self.Frame {
			st.DivergenceFrame = e.other.Frame
			if n, ok := e.replayFrom(e.other); ok {
				st.Replayed = n
			} else {
				e.settle()
			}
		}
	}
	if !e.connected {
		// Input that arrived has been reconciled above. With nobody left
		// to disagree with, what we ran is final.
		e.other = e.self
	}

	if e.shouldRewind() {
		st.Rewound = e.rewind()
	}

	e.verify()
	e.observe()
	st.Mode = e.mode
	st.CatchingUp = e.catchingUp()
	return st
}

func (e *Engine) allReal(slot *ring.Frame) bool {
	for c := range slot.HaveReal {
		if !slot.HaveReal[c] {
			return false
		}
	}
	return true
}

// observe hands newly confirmed frames to the observer.
func (e *Engine) observe() {
	for ; e.observed < e.other.Frame; e.observed++ {
		slot, ok := e.ring.Lookup(e.observed)
		if !ok {
			continue
		}
		if e.cfg.Observer != nil {
			for c := range e.inputs {
				e.inputs[c] = slot.Input(c)
			}
			e.cfg.Observer.OnConfirmed(e.observed, e.inputs)
		}
	}
}

// InputRecord is one client's real input for one frame.
type InputRecord struct {
	Frame  uint32
	Client int
	Input  Input
}

// Backlog returns every real input the engine holds for frames at or after
// from, in frame order. A joining peer needs it to catch up.
func (e *Engine) Backlog(from uint32) []InputRecord {
	end := from
	for _, f := range e.readFrame {
		end = max(end, f)
	}
	var out []InputRecord
	for f := from; f < end; f++ {
		slot, ok := e.ring.Lookup(f)
		if !ok {
			continue
		}
		for c := range slot.HaveReal {
			if slot.HaveReal[c] {
				out = append(out, InputRecord{Frame: f, Client: c, Input: slot.Real[c]})
			}
		}
	}
	return out
}

type discardOutbox struct{}

func (discardOutbox) SendInput(uint32, int, Input) {}
func (discardOutbox) SendChecksum(uint32, uint32)  {}
func (discardOutbox) RequestResync(uint32)         {}
