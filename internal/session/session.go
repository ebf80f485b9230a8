// Package session runs the tick loop that binds a rollback engine to its
// network peers. A Host listens, owns player 0 and is the hub every other
// participant talks to; a Peer dials a host as a player or a spectator.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/input"
	"github.com/chronologos/rollnet/internal/metrics"
	"github.com/chronologos/rollnet/internal/rollback"
	"github.com/chronologos/rollnet/internal/spectator"
	"github.com/chronologos/rollnet/internal/transport"
)

const (
	defaultTick   = time.Second / 60
	assignTimeout = 10 * time.Second
)

var (
	ErrNoCore     = errors.New("no simulation core")
	ErrNoAssign   = errors.New("host did not assign a slot")
	ErrHostClosed = errors.New("host closed the connection")
)

// Config holds session configuration shared by hosts and peers.
type Config struct {
	SessionID string
	Port      int    // host: UDP port to listen on, 0 for any; peer: port to dial
	Addr      string // peer: host to dial
	Passkey   []byte

	// NewCore builds the simulation once the player count is known.
	NewCore func(players int) rollback.Core
	Input   input.Source

	Players       int // host only; peers learn it from the host
	Capacity      int
	StallFrames   int
	CheckFrames   int
	HealthResyncs int
	HealthWindow  uint32

	TickInterval  time.Duration
	MaxSpectators int
	// Frames stops the session once every frame before it is confirmed.
	// Zero runs until the context is cancelled.
	Frames uint32

	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	WebSocket *spectator.Handler // host only, optional
	// Observer, if set, also sees every confirmed frame.
	Observer rollback.Observer
}

func (c *Config) setDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Input == nil {
		c.Input = input.None
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTick
	}
}

func (c *Config) engineConfig() rollback.Config {
	return rollback.Config{
		Capacity:      c.Capacity,
		StallFrames:   c.StallFrames,
		CheckFrames:   c.CheckFrames,
		HealthResyncs: c.HealthResyncs,
		HealthWindow:  c.HealthWindow,
		Logger:        c.Logger,
	}
}

// observers fans confirmed frames out to several observers.
type observers []rollback.Observer

func (o observers) OnConfirmed(frame uint32, inputs []rollback.Input) {
	for _, obs := range o {
		obs.OnConfirmed(frame, inputs)
	}
}

func (c *Config) observer(own rollback.Observer) rollback.Observer {
	switch {
	case own == nil:
		return c.Observer
	case c.Observer == nil:
		return own
	}
	return observers{own, c.Observer}
}

// runTicks runs one paced tick and then, while the engine reports it is
// catching up, up to limit more without waiting.
func runTicks(e *rollback.Engine, src input.Source, limit int) rollback.Status {
	st := e.Tick(src.Poll(e.SelfFrame()))
	for i := 0; st.CatchingUp && i < limit; i++ {
		st = e.Tick(src.Poll(e.SelfFrame()))
	}
	return st
}

func (c *Config) observe(e *rollback.Engine) {
	if c.Metrics != nil {
		c.Metrics.Observe(e.Stats(), e.SelfFrame(), e.ConfirmedFrame())
	}
}

func (c *Config) finished(e *rollback.Engine) bool {
	return c.Frames > 0 && e.ConfirmedFrame() >= c.Frames
}

// acceptResult carries the result of a single Accept call.
type acceptResult struct {
	conn *transport.Conn
	err  error
}

// drain hands every message already queued on conn to handle without
// blocking. It stops early when handle returns false.
func drain(conn *transport.Conn, handle func(msg any) bool) {
	for {
		select {
		case msg := <-conn.Inbox():
			if !handle(msg) {
				return
			}
		default:
			return
		}
	}
}

// closed reports whether conn is closed and its inbox is empty.
func closed(conn *transport.Conn) bool {
	select {
	case <-conn.Done():
		return len(conn.Inbox()) == 0
	default:
		return false
	}
}

// shutdownGrace bounds how long a closing session waits for its queued
// messages to reach the other side.
const shutdownGrace = 2 * time.Second

func awaitClosed(conns []*transport.Conn) {
	deadline := time.After(shutdownGrace)
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-deadline:
			return
		}
	}
}
