package session

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
	"github.com/chronologos/rollnet/internal/rollback"
	"github.com/chronologos/rollnet/internal/spectator"
	"github.com/chronologos/rollnet/internal/transport"
)

// remote is a connected player seen from the host.
type remote struct {
	conn   *transport.Conn
	client int
	base   uint32 // frame of the State the connection was bootstrapped with

	leaving bool  // detach after the next tick
	err     error // a send failed; the peer has a gap and must go
}

func (r *remote) send(msg any) {
	if r.err != nil {
		return
	}
	if err := r.conn.Send(msg); err != nil {
		r.err = err
	}
}

// Host is the authoritative participant. It owns player 0, drives every
// slot no peer holds, relays input between players and feeds spectators.
type Host struct {
	cfg    Config
	log    *zap.Logger
	engine *rollback.Engine
	bcast  *spectator.Broadcaster
	ln     *transport.Listener
	peers  []*remote // by player slot, nil when free

	freeSlots  atomic.Int32
	spectators atomic.Int32
	wsViewers  int
	prof       profiler

	stats rollback.Stats

	// Ready is closed after the listener is bound, with Port set.
	Ready chan struct{}
	Port  int
}

// NewHost creates a host but does not start it. Call Run to begin.
func NewHost(cfg Config) (*Host, error) {
	cfg.setDefaults()
	if cfg.NewCore == nil {
		return nil, ErrNoCore
	}
	cfg.Logger = cfg.Logger.With(zap.String("session_id", cfg.SessionID))

	h := &Host{
		cfg:   cfg,
		log:   cfg.Logger,
		bcast: spectator.New(cfg.Players, cfg.MaxSpectators, cfg.Logger),
		peers: make([]*remote, cfg.Players),
		prof:  profiler{log: cfg.Logger, metrics: cfg.Metrics},
		Ready: make(chan struct{}),
	}
	ecfg := cfg.engineConfig()
	ecfg.Role = protocol.RoleHost
	ecfg.Players = cfg.Players
	ecfg.LocalClient = 0
	ecfg.Outbox = hostOutbox{h}
	ecfg.Observer = cfg.observer(h.bcast)

	e, err := rollback.New(cfg.NewCore(cfg.Players), ecfg)
	if err != nil {
		return nil, err
	}
	h.engine = e
	h.freeSlots.Store(int32(cfg.Players - 1))
	return h, nil
}

// Stats returns the engine counters as of the end of Run.
func (h *Host) Stats() rollback.Stats { return h.stats }

// Run listens for peers and ticks the session until the frame limit is
// reached or ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	ln, err := transport.Listen(h.cfg.Port, h.cfg.Passkey, h.log)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln.Admit = h.admit
	h.ln = ln

	// Peers get their Shutdown flushed before the listener, which owns the
	// UDP socket, goes away.
	defer func() {
		h.shutdown()
		h.ln.Close()
	}()

	h.Port = ln.Port()
	close(h.Ready)
	h.log.Info("hosting", zap.Int("port", h.Port), zap.Int("players", h.cfg.Players))

	acceptCh := make(chan acceptResult, 1)
	go h.acceptLoop(ctx, acceptCh)

	var wsCh <-chan *spectator.WSSink
	if h.cfg.WebSocket != nil {
		wsCh = h.cfg.WebSocket.Incoming()
	}

	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case res := <-acceptCh:
			if res.err != nil {
				// Accept errors are often transient (bad auth, refused
				// slot). Log and keep accepting.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				h.log.Warn("accept failed", zap.Error(res.err))
			} else {
				h.handleNewConn(res.conn)
			}
			go h.acceptLoop(ctx, acceptCh)

		case sink := <-wsCh:
			h.wsViewers++
			h.addSpectator(sink, "websocket-"+strconv.Itoa(h.wsViewers))

		case <-ticker.C:
			h.tick()
			if h.cfg.finished(h.engine) {
				h.log.Info("frame limit reached", zap.Uint32("frame", h.engine.ConfirmedFrame()))
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// acceptLoop calls Accept once and sends the result. The main loop re-arms
// it after processing the result.
func (h *Host) acceptLoop(ctx context.Context, ch chan<- acceptResult) {
	conn, err := h.ln.Accept(ctx)
	ch <- acceptResult{conn: conn, err: err}
}

// admit runs on the accept goroutine, before the connection reaches the
// tick loop.
func (h *Host) admit(role protocol.Role) bool {
	switch role {
	case protocol.RoleClient:
		return h.freeSlots.Load() > 0
	case protocol.RoleSpectator:
		return int(h.spectators.Load()) < h.cfg.MaxSpectators
	}
	return false
}

func (h *Host) tick() {
	for _, r := range h.peers {
		if r == nil || r.leaving {
			continue
		}
		drain(r.conn, func(msg any) bool { return h.handleMessage(r, msg) })
		if !r.leaving && closed(r.conn) {
			h.log.Warn("lost client", zap.Int("client", r.client), zap.Error(r.conn.Err()))
			r.leaving = true
		}
	}

	runTicks(h.engine, h.cfg.Input, h.cfg.Capacity)

	for c, r := range h.peers {
		if r != nil && (r.leaving || r.err != nil) {
			h.dropPeer(c, r)
		}
	}
	h.bcast.Prune()
	h.spectators.Store(int32(h.bcast.Len()))

	if h.prof.due(time.Now()) {
		for _, r := range h.peers {
			if r != nil {
				h.prof.sample(strconv.Itoa(r.client), r.conn)
			}
		}
	}

	h.cfg.observe(h.engine)
	if m := h.cfg.Metrics; m != nil {
		m.Peers.Set(float64(h.cfg.Players - 1 - int(h.freeSlots.Load())))
		m.Spectators.Set(float64(h.bcast.Len()))
	}
}

// handleMessage processes one message from a player. It returns false to
// stop reading that player for this tick.
func (h *Host) handleMessage(r *remote, msg any) bool {
	switch m := msg.(type) {
	case *protocol.Input:
		if int(m.Client) != r.client {
			h.log.Warn("input for another player's slot",
				zap.Int("client", r.client), zap.Uint32("slot", m.Client))
			return true
		}
		h.engine.HandleInput(r.client, r.base+m.Offset, rollback.Input(m.Input))
	case *protocol.Resync:
		if frame, data, ok := h.engine.HandleResync(m.Frame); ok {
			r.send(&protocol.State{Frame: frame, Data: data})
		}
	case *protocol.Shutdown:
		h.log.Info("client left", zap.Int("client", r.client))
		r.leaving = true
		return false
	default:
		h.log.Warn("unexpected message", zap.Int("client", r.client), zap.String("type", fmt.Sprintf("%T", msg)))
	}
	return true
}

func (h *Host) handleNewConn(conn *transport.Conn) {
	switch conn.Role() {
	case protocol.RoleClient:
		h.addClient(conn)
	case protocol.RoleSpectator:
		h.addSpectator(conn, conn.RemoteAddr().String())
	default:
		conn.Close()
	}
}

// addClient seats a new player: it hands over a free slot, the confirmed
// state and every input the host holds from there on.
func (h *Host) addClient(conn *transport.Conn) {
	slot := -1
	for c := 1; c < len(h.peers); c++ {
		if h.peers[c] == nil {
			slot = c
			break
		}
	}
	if slot < 0 {
		h.log.Warn("no free player slot", zap.Stringer("remote", conn.RemoteAddr()))
		conn.Close()
		return
	}
	if !h.engine.Savestates() && h.engine.SelfFrame() > 0 {
		h.log.Warn("refusing join: session is running without savestates",
			zap.Stringer("remote", conn.RemoteAddr()))
		conn.Close()
		return
	}

	start := h.engine.AttachClient(slot)
	frame, data, ok := h.engine.ConfirmedState()
	if !ok {
		h.engine.DetachClient(slot)
		h.log.Warn("no confirmed state to hand over", zap.Int("client", slot))
		conn.Close()
		return
	}

	r := &remote{conn: conn, client: slot, base: frame}
	r.send(&protocol.Assign{Client: uint32(slot), Players: uint32(h.cfg.Players), LocalStart: start})
	r.send(&protocol.State{Frame: frame, Data: data})
	for _, rec := range h.engine.Backlog(frame) {
		r.send(&protocol.Input{Offset: rec.Frame - frame, Client: uint32(rec.Client), Input: uint32(rec.Input)})
	}
	if r.err != nil {
		h.engine.DetachClient(slot)
		h.log.Warn("join handshake failed", zap.Int("client", slot), zap.Error(r.err))
		conn.Close()
		return
	}

	h.peers[slot] = r
	h.freeSlots.Add(-1)
	h.log.Info("client joined",
		zap.Int("client", slot),
		zap.Stringer("remote", conn.RemoteAddr()),
		zap.Uint32("frame", frame),
		zap.Uint32("local_start", start))
}

func (h *Host) dropPeer(c int, r *remote) {
	h.peers[c] = nil
	h.engine.DetachClient(c)
	h.freeSlots.Add(1)
	if r.err != nil {
		h.log.Warn("dropping client", zap.Int("client", c), zap.Error(r.err))
	}
	h.prof.summary(strconv.Itoa(c), r.conn)
	r.conn.Close()
}

func (h *Host) addSpectator(sink spectator.Sink, name string) {
	frame, data, ok := h.engine.ConfirmedState()
	if !ok {
		h.log.Warn("no confirmed state for spectator", zap.String("spectator", name))
		sink.Close()
		return
	}
	if _, err := h.bcast.Add(sink, name, frame, data); err != nil {
		h.log.Warn("spectator refused", zap.String("spectator", name), zap.Error(err))
		sink.Close()
		return
	}
	h.spectators.Store(int32(h.bcast.Len()))
}

// shutdown tells every peer the session is over and waits briefly for the
// messages to drain.
func (h *Host) shutdown() {
	var conns []*transport.Conn
	for c, r := range h.peers {
		if r == nil {
			continue
		}
		h.prof.summary(strconv.Itoa(c), r.conn)
		r.conn.Shutdown()
		conns = append(conns, r.conn)
		h.peers[c] = nil
	}
	h.bcast.Shutdown()
	awaitClosed(conns)
	h.stats = h.engine.Stats()
}

// hostOutbox relays the engine's output to the players. Input goes to
// every player except the one it came from, numbered from each
// connection's base frame.
type hostOutbox struct{ h *Host }

func (o hostOutbox) SendInput(frame uint32, client int, in rollback.Input) {
	for _, r := range o.h.peers {
		if r == nil || r.client == client || frame < r.base {
			continue
		}
		r.send(&protocol.Input{Offset: frame - r.base, Client: uint32(client), Input: uint32(in)})
	}
}

func (o hostOutbox) SendChecksum(frame, crc uint32) {
	for _, r := range o.h.peers {
		if r != nil {
			r.send(&protocol.Checksum{Frame: frame, CRC: crc})
		}
	}
}

func (hostOutbox) RequestResync(uint32) {}
