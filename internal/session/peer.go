package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/rollback"
	"github.com/chronologos/rollnet/internal/transport"
)

// Peer is a participant that dials a host, as a player or a spectator.
// When the host goes away a player keeps running on its own.
type Peer struct {
	cfg    Config
	role   protocol.Role
	log    *zap.Logger
	conn   *transport.Conn
	engine *rollback.Engine

	base     uint32 // frame of the first State; input offsets count from it
	haveBase bool
	hostGone bool
	detached bool
	over     bool // a spectator's host left; Run returns nil
	err      error
	prof     profiler

	stats rollback.Stats
}

// NewPeer creates a peer but does not connect it. Call Run to begin.
func NewPeer(cfg Config, role protocol.Role) (*Peer, error) {
	cfg.setDefaults()
	if cfg.NewCore == nil {
		return nil, ErrNoCore
	}
	if role != protocol.RoleClient && role != protocol.RoleSpectator {
		return nil, fmt.Errorf("peer cannot join as %s", role)
	}
	cfg.Logger = cfg.Logger.With(zap.String("session_id", cfg.SessionID))
	return &Peer{
		cfg:  cfg,
		role: role,
		log:  cfg.Logger,
		prof: profiler{log: cfg.Logger, metrics: cfg.Metrics},
	}, nil
}

// Stats returns the engine counters as of the end of Run.
func (p *Peer) Stats() rollback.Stats { return p.stats }

// Run connects to the host and ticks until the frame limit is reached or
// ctx is cancelled.
func (p *Peer) Run(ctx context.Context) error {
	conn, err := transport.Dial(ctx, p.cfg.Addr, p.cfg.Port, p.cfg.Passkey, p.role, p.log)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	p.conn = conn
	defer func() {
		if !p.detached {
			p.prof.summary("host", conn)
		}
		conn.Shutdown()
		awaitClosed([]*transport.Conn{conn})
		if p.engine != nil {
			p.stats = p.engine.Stats()
		}
	}()

	assign, err := p.awaitAssign(ctx)
	if err != nil {
		return err
	}
	if err := p.start(assign); err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.tick(); err != nil {
				return err
			}
			if p.over {
				return nil
			}
			if p.cfg.finished(p.engine) {
				p.log.Info("frame limit reached", zap.Uint32("frame", p.engine.ConfirmedFrame()))
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Peer) awaitAssign(ctx context.Context) (*protocol.Assign, error) {
	timer := time.NewTimer(assignTimeout)
	defer timer.Stop()

	select {
	case msg := <-p.conn.Inbox():
		a, ok := msg.(*protocol.Assign)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrNoAssign, msg)
		}
		if p.role == protocol.RoleClient && a.Client == protocol.NoClient {
			return nil, fmt.Errorf("%w: joined as a player without a slot", ErrNoAssign)
		}
		return a, nil
	case <-p.conn.Done():
		return nil, fmt.Errorf("%w: %v", ErrHostClosed, p.conn.Err())
	case <-timer.C:
		return nil, ErrNoAssign
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Peer) start(a *protocol.Assign) error {
	players := int(a.Players)
	ecfg := p.cfg.engineConfig()
	ecfg.Role = p.role
	ecfg.Players = players
	ecfg.LocalClient = -1
	if p.role == protocol.RoleClient {
		ecfg.LocalClient = int(a.Client)
		ecfg.LocalStart = a.LocalStart
	}
	ecfg.Outbox = peerOutbox{p}
	ecfg.Observer = p.cfg.Observer

	e, err := rollback.New(p.cfg.NewCore(players), ecfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.SetConnected(true)
	p.engine = e
	p.log.Info("joined",
		zap.Stringer("role", p.role),
		zap.Int("client", ecfg.LocalClient),
		zap.Int("players", players),
		zap.Uint32("local_start", a.LocalStart))
	return nil
}

func (p *Peer) tick() error {
	if !p.hostGone {
		drain(p.conn, p.handleMessage)
		if p.err != nil {
			return p.err
		}
		if !p.hostGone && closed(p.conn) {
			p.log.Warn("lost connection to host", zap.Error(p.conn.Err()))
			p.hostGone = true
		}
	}

	st := runTicks(p.engine, p.cfg.Input, p.cfg.Capacity)

	// The host's last input was folded in by the tick above.
	if p.hostGone && !p.detached {
		if p.engine.AwaitingState() {
			return ErrHostClosed
		}
		if p.role == protocol.RoleSpectator {
			// Only the host confirms frames. Play out what it sent and stop.
			for i := 0; st.CatchingUp && i < p.cfg.Capacity; i++ {
				st = runTicks(p.engine, p.cfg.Input, p.cfg.Capacity)
			}
			p.detached = true
			p.over = true
			p.prof.summary("host", p.conn)
			p.conn.Close()
			p.cfg.observe(p.engine)
			p.log.Info("host left, spectator stopping", zap.Uint32("frame", p.engine.ConfirmedFrame()))
			return nil
		}
		p.detached = true
		p.engine.SetConnected(false)
		p.prof.summary("host", p.conn)
		p.conn.Close()
		p.log.Info("continuing without host", zap.Uint32("frame", p.engine.SelfFrame()))
	}
	if !p.detached && p.prof.due(time.Now()) {
		p.prof.sample("host", p.conn)
	}
	p.cfg.observe(p.engine)
	return nil
}

// handleMessage processes one message from the host. It returns false to
// stop reading for this tick.
func (p *Peer) handleMessage(msg any) bool {
	switch m := msg.(type) {
	case *protocol.State:
		if !p.haveBase {
			p.base = m.Frame
			p.haveBase = true
		}
		if err := p.engine.HandleState(m.Frame, m.Data); err != nil {
			if p.engine.AwaitingState() {
				p.err = fmt.Errorf("load initial state: %w", err)
				return false
			}
			p.log.Warn("rejected state", zap.Uint32("frame", m.Frame), zap.Error(err))
		}
	case *protocol.Input:
		p.engine.HandleInput(int(m.Client), p.base+m.Offset, rollback.Input(m.Input))
	case *protocol.Checksum:
		p.engine.HandleChecksum(m.Frame, m.CRC)
	case *protocol.Shutdown:
		p.log.Info("host ended the session")
		p.hostGone = true
		return false
	default:
		p.log.Warn("unexpected message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return true
}

// send queues msg for the host. A failed send leaves a gap the host can
// never fill, so the peer carries on alone.
func (p *Peer) send(msg any) {
	if p.hostGone {
		return
	}
	if err := p.conn.Send(msg); err != nil {
		p.log.Warn("send to host failed", zap.Error(err))
		p.hostGone = true
	}
}

type peerOutbox struct{ p *Peer }

func (o peerOutbox) SendInput(frame uint32, client int, in rollback.Input) {
	if frame < o.p.base {
		return
	}
	o.p.send(&protocol.Input{Offset: frame - o.p.base, Client: uint32(client), Input: uint32(in)})
}

func (peerOutbox) SendChecksum(uint32, uint32) {}

func (o peerOutbox) RequestResync(frame uint32) {
	o.p.send(&protocol.Resync{Frame: frame})
}
