package rollback

import (
	"bytes"
	"testing"

	"github.com/chronologos/rollnet/internal/machine"
	"github.com/chronologos/rollnet/internal/protocol"
)

// link is a one-way in-memory wire with a fixed latency counted in pumps.
type link struct {
	latency int
	now     int
	queue   []queued
	to      func(msg any)
	hold    bool // when set, pump delivers nothing
}

type queued struct {
	due int
	msg any
}

func (l *link) send(msg any) {
	l.queue = append(l.queue, queued{due: l.now + l.latency, msg: msg})
}

func (l *link) pump() {
	n := 0
	for ; !l.hold && n < len(l.queue) && l.queue[n].due <= l.now; n++ {
		l.to(l.queue[n].msg)
	}
	l.queue = l.queue[n:]
	l.now++
}

// recorder is an Outbox that remembers everything and optionally forwards
// it over a link. Frames are sent as absolute offsets.
type recorder struct {
	l         *link
	inputs    []InputRecord
	checksums []uint32
	resyncs   []uint32
}

func (r *recorder) SendInput(frame uint32, client int, in Input) {
	r.inputs = append(r.inputs, InputRecord{Frame: frame, Client: client, Input: in})
	if r.l != nil {
		r.l.send(&protocol.Input{Offset: frame, Client: uint32(client), Input: uint32(in)})
	}
}

func (r *recorder) SendChecksum(frame, crc uint32) {
	r.checksums = append(r.checksums, frame)
	if r.l != nil {
		r.l.send(&protocol.Checksum{Frame: frame, CRC: crc})
	}
}

func (r *recorder) RequestResync(frame uint32) {
	r.resyncs = append(r.resyncs, frame)
	if r.l != nil {
		r.l.send(&protocol.Resync{Frame: frame})
	}
}

// confirmedLog is an Observer that checks frames arrive once and in order.
type confirmedLog struct {
	t      *testing.T
	base   uint32 // first frame observed
	frames [][]Input
}

func (c *confirmedLog) OnConfirmed(frame uint32, inputs []Input) {
	if want := c.base + uint32(len(c.frames)); frame != want {
		c.t.Errorf("observer got frame %d, expected %d", frame, want)
	}
	c.frames = append(c.frames, append([]Input(nil), inputs...))
}

func baseConfig(role protocol.Role, local int) Config {
	return Config{
		Role:        role,
		Players:     2,
		LocalClient: local,
		Capacity:    16,
		StallFrames: 6,
		CheckFrames: 4,
	}
}

// pair is a host and one client wired together through two links.
type pair struct {
	t            *testing.T
	host, client *Engine
	hm, cm       *machine.Machine
	hout, cout   *recorder
	up, down     *link // up: client to host
	hlog, clog   *confirmedLog
}

type pairOptions struct {
	upLatency, downLatency int
	tweak                  func(*Config)
	warmup                 int // host frames run alone before the client joins
}

func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()
	p := &pair{
		t:    t,
		hm:   machine.New(2, 32),
		cm:   machine.New(2, 32),
		up:   &link{latency: opts.upLatency},
		down: &link{latency: opts.downLatency},
		hlog: &confirmedLog{t: t},
	}
	p.hout = &recorder{l: p.down}
	p.cout = &recorder{l: p.up}

	hcfg := baseConfig(protocol.RoleHost, 0)
	hcfg.Outbox = p.hout
	hcfg.Observer = p.hlog
	if opts.tweak != nil {
		opts.tweak(&hcfg)
	}
	host, err := New(p.hm, hcfg)
	if err != nil {
		t.Fatal(err)
	}
	p.host = host
	for i := 0; i < opts.warmup; i++ {
		host.Tick(Input(i % 3))
	}

	start := host.AttachClient(1)
	frame, state, ok := host.ConfirmedState()
	if !ok {
		t.Fatal("host has no confirmed state")
	}

	ccfg := baseConfig(protocol.RoleClient, 1)
	ccfg.LocalStart = start
	ccfg.Outbox = p.cout
	p.clog = &confirmedLog{t: t, base: frame}
	ccfg.Observer = p.clog
	if opts.tweak != nil {
		opts.tweak(&ccfg)
	}
	client, err := New(p.cm, ccfg)
	if err != nil {
		t.Fatal(err)
	}
	p.client = client
	client.SetConnected(true)
	if err := client.HandleState(frame, state); err != nil {
		t.Fatalf("client load: %v", err)
	}

	// Anything sent before the join never reached the client.
	p.down.queue = nil
	for _, rec := range host.Backlog(frame) {
		client.HandleInput(rec.Client, rec.Frame, rec.Input)
	}

	p.down.to = func(msg any) { deliver(t, client, msg) }
	p.up.to = func(msg any) {
		switch m := msg.(type) {
		case *protocol.Input:
			host.HandleInput(int(m.Client), m.Offset, Input(m.Input))
		case *protocol.Resync:
			f, data, ok := host.ConfirmedState()
			if ok {
				p.down.send(&protocol.State{Frame: f, Data: data})
			}
		}
	}
	return p
}

func deliver(t *testing.T, e *Engine, msg any) {
	switch m := msg.(type) {
	case *protocol.Input:
		e.HandleInput(int(m.Client), m.Offset, Input(m.Input))
	case *protocol.Checksum:
		e.HandleChecksum(m.Frame, m.CRC)
	case *protocol.State:
		if err := e.HandleState(m.Frame, m.Data); err != nil {
			t.Logf("state at %d rejected: %v", m.Frame, err)
		}
	}
}

// round runs one tick on each side and moves messages across.
func (p *pair) round(hostIn, clientIn Input) (Status, Status) {
	hs := p.host.Tick(hostIn)
	p.down.pump()
	cs := p.client.Tick(clientIn)
	p.up.pump()
	return hs, cs
}

// stateAt returns e's snapshot of frame, which must be in its window.
func stateAt(t *testing.T, e *Engine, m *machine.Machine, frame uint32) []byte {
	t.Helper()
	if frame == e.SelfFrame() {
		buf := make([]byte, m.StateSize())
		m.Serialize(buf)
		return buf
	}
	slot, ok := e.ring.Lookup(frame)
	if !ok || !slot.HaveState {
		t.Fatalf("frame %d not in window (self %d)", frame, e.SelfFrame())
	}
	return slot.State
}

// reference runs a fresh machine sequentially over the confirmed inputs.
func reference(frames [][]Input, upTo uint32) []byte {
	m := machine.New(2, 32)
	for f := uint32(0); f < upTo; f++ {
		m.Run(frames[f])
	}
	buf := make([]byte, m.StateSize())
	m.Serialize(buf)
	return buf
}

// assertAgree checks that each peer's state at its confirmed frontier
// matches a straight sequential run over the inputs it confirmed, and that
// the peers confirmed the same inputs. It returns the lower frontier.
func (p *pair) assertAgree() uint32 {
	p.t.Helper()
	hin := p.hlog.frames
	if uint32(len(hin)) < p.clog.base {
		p.t.Fatalf("host confirmed %d frames, client joined at %d", len(hin), p.clog.base)
	}
	cin := append(append([][]Input(nil), hin[:p.clog.base]...), p.clog.frames...)

	for f := int(p.clog.base); f < min(len(hin), len(cin)); f++ {
		for c := range hin[f] {
			if hin[f][c] != cin[f][c] {
				p.t.Fatalf("frame %d client %d: host confirmed %v, client confirmed %v", f, c, hin[f][c], cin[f][c])
			}
		}
	}

	for _, side := range []struct {
		name   string
		e      *Engine
		m      *machine.Machine
		inputs [][]Input
	}{
		{"host", p.host, p.hm, hin},
		{"client", p.client, p.cm, cin},
	} {
		f := side.e.ConfirmedFrame()
		if uint32(len(side.inputs)) != f {
			p.t.Fatalf("%s observed %d frames, confirmed %d", side.name, len(side.inputs), f)
		}
		if !bytes.Equal(stateAt(p.t, side.e, side.m, f), reference(side.inputs, f)) {
			p.t.Fatalf("%s state at frame %d differs from sequential run", side.name, f)
		}
	}
	return min(p.host.ConfirmedFrame(), p.client.ConfirmedFrame())
}
