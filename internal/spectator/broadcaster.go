// Package spectator streams the confirmed frames of a session to read-only
// viewers. Each viewer is bootstrapped with one full state and then fed
// every client's input for every later frame, numbered relative to the
// frame it joined at.
package spectator

import (
	"errors"

	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/conntable"
	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/rollback"
)

// Sink is a viewer's outbound connection. Send must not block; an error
// drops the viewer.
type Sink interface {
	Send(msg any) error
	Shutdown()
	Close() error
	Done() <-chan struct{}
}

type viewer struct {
	sink Sink
	name string
	base uint32 // frame of the bootstrap state
}

// Broadcaster implements rollback.Observer for a set of viewers.
//
// Broadcaster is driven from the tick loop and is not safe for concurrent use.
type Broadcaster struct {
	players int
	log     *zap.Logger
	viewers *conntable.Table[*viewer]
}

var _ rollback.Observer = (*Broadcaster)(nil)

// New creates a broadcaster for a session of players clients with room for
// limit viewers.
func New(players, limit int, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		players: players,
		log:     log,
		viewers: conntable.New[*viewer](limit),
	}
}

// Add registers sink as a viewer starting from the confirmed state at
// frame. It sends the session shape and the state right away; frames from
// frame on follow as they are confirmed.
func (b *Broadcaster) Add(sink Sink, name string, frame uint32, state []byte) (conntable.Handle, error) {
	v := &viewer{sink: sink, name: name, base: frame}
	h, err := b.viewers.Insert(v)
	if err != nil {
		return conntable.Handle{}, err
	}
	err = errors.Join(
		sink.Send(&protocol.Assign{Client: protocol.NoClient, Players: uint32(b.players)}),
		sink.Send(&protocol.State{Frame: frame, Data: state}),
	)
	if err != nil {
		b.drop(h, v, err)
		return conntable.Handle{}, err
	}
	b.log.Info("spectator joined", zap.String("spectator", name), zap.Uint32("frame", frame))
	return h, nil
}

// Remove forgets a viewer without closing its sink.
func (b *Broadcaster) Remove(h conntable.Handle) {
	if v, ok := b.viewers.Remove(h); ok {
		b.log.Info("spectator left", zap.String("spectator", v.name))
	}
}

// Len returns the number of viewers.
func (b *Broadcaster) Len() int { return b.viewers.Len() }

// OnConfirmed sends frame's inputs to every viewer that joined at or
// before it.
func (b *Broadcaster) OnConfirmed(frame uint32, inputs []rollback.Input) {
	for h, v := range b.viewers.All() {
		if frame < v.base {
			continue
		}
		for c, in := range inputs {
			msg := &protocol.Input{Offset: frame - v.base, Client: uint32(c), Input: uint32(in)}
			if err := v.sink.Send(msg); err != nil {
				b.drop(h, v, err)
				break
			}
		}
	}
}

// Prune drops viewers whose connection has closed.
func (b *Broadcaster) Prune() {
	for h, v := range b.viewers.All() {
		select {
		case <-v.sink.Done():
			b.viewers.Remove(h)
			b.log.Info("spectator disconnected", zap.String("spectator", v.name))
		default:
		}
	}
}

// Shutdown tells every viewer the session is over and forgets them.
func (b *Broadcaster) Shutdown() {
	for h, v := range b.viewers.All() {
		v.sink.Shutdown()
		b.viewers.Remove(h)
	}
}

// drop closes one viewer. The rest of the session is unaffected.
func (b *Broadcaster) drop(h conntable.Handle, v *viewer, err error) {
	b.viewers.Remove(h)
	v.sink.Close()
	b.log.Warn("dropping spectator", zap.String("spectator", v.name), zap.Error(err))
}
