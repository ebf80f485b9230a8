package rollback

import (
	"bytes"
	"testing"

	"github.com/chronologos/rollnet/internal/machine"
	"github.com/chronologos/rollnet/internal/protocol"
)

// newLoadedClient returns a client engine that has adopted m's state at
// frame 0 and considers its host connected.
func newLoadedClient(t *testing.T, m *machine.Machine, edit func(*Config)) *Engine {
	t.Helper()
	cfg := baseConfig(protocol.RoleClient, 1)
	if edit != nil {
		edit(&cfg)
	}
	e, err := New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	state := make([]byte, m.StateSize())
	m.Serialize(state)
	if err := e.HandleState(0, state); err != nil {
		t.Fatal(err)
	}
	e.SetConnected(true)
	return e
}

func TestReplayFromDivergence(t *testing.T) {
	m := machine.New(2, 32)
	e := newLoadedClient(t, m, func(c *Config) {
		c.Capacity = 8
		c.StallFrames = 6
		c.CheckFrames = 4
	})

	// Host input for frames 0-4 arrives on time; 5-7 run on the neutral
	// prediction.
	for f := uint32(0); f < 8; f++ {
		if f < 5 {
			e.HandleInput(0, f, 0)
		}
		if st := e.Tick(0); st.Replayed != 0 {
			t.Fatalf("frame %d replayed %d frames", f, st.Replayed)
		}
	}
	if e.SelfFrame() != 8 || e.ConfirmedFrame() != 5 {
		t.Fatalf("self %d confirmed %d, want 8 and 5", e.SelfFrame(), e.ConfirmedFrame())
	}

	e.HandleInput(0, 5, machine.A)
	st := e.Tick(0)
	if st.Replayed != 4 || st.DivergenceFrame != 5 {
		t.Fatalf("status %+v, want replay of frames 5-8 from 5", st)
	}
	if e.ConfirmedFrame() != 6 {
		t.Fatalf("confirmed %d, want 6", e.ConfirmedFrame())
	}
	// Frames without real input keep the prediction they first ran with.
	for _, f := range []uint32{6, 7} {
		slot, ok := e.ring.Lookup(f)
		if !ok {
			t.Fatalf("frame %d evicted", f)
		}
		if slot.UsedReal[0] || slot.Simulated[0] != 0 {
			t.Fatalf("frame %d: used real %v simulated %v", f, slot.UsedReal[0], slot.Simulated[0])
		}
	}
	if slot, _ := e.ring.Lookup(8); slot.Simulated[0] != machine.A {
		t.Fatalf("frame 8 predicted %v, want the new last input", slot.Simulated[0])
	}

	// The stale predictions for 6 and 7 now miss in turn.
	e.HandleInput(0, 6, machine.A)
	e.HandleInput(0, 7, machine.A)
	st = e.Tick(0)
	if st.Replayed != 4 || st.DivergenceFrame != 6 {
		t.Fatalf("status %+v, want replay of frames 6-9 from 6", st)
	}

	// 8 and 9 were predicted right and confirm without a replay.
	e.HandleInput(0, 8, machine.A)
	e.HandleInput(0, 9, machine.A)
	if st = e.Tick(0); st.Replayed != 0 {
		t.Fatalf("correct predictions replayed: %+v", st)
	}
	if e.ConfirmedFrame() != 10 || e.SelfFrame() != 11 {
		t.Fatalf("self %d confirmed %d", e.SelfFrame(), e.ConfirmedFrame())
	}
	if got := e.Stats(); got.Rollbacks != 2 || got.ReplayedFrames != 8 {
		t.Fatalf("stats %+v", got)
	}

	ref := machine.New(2, 32)
	for f := 0; f < 11; f++ {
		host := Input(0)
		if f >= 5 {
			host = machine.A
		}
		ref.Run([]Input{host, 0})
	}
	want := make([]byte, ref.StateSize())
	got := make([]byte, m.StateSize())
	ref.Serialize(want)
	m.Serialize(got)
	if !bytes.Equal(got, want) {
		t.Fatal("replayed state differs from a straight run")
	}
}

func TestReplayResavesSnapshots(t *testing.T) {
	m := machine.New(2, 32)
	e := newLoadedClient(t, m, nil)
	for f := 0; f < 4; f++ {
		e.Tick(0)
	}
	before, _ := e.ring.Lookup(3)
	stale := append([]byte(nil), before.State...)

	e.HandleInput(0, 0, machine.Right|machine.A)
	e.Tick(0)

	after, _ := e.ring.Lookup(3)
	if bytes.Equal(stale, after.State) {
		t.Fatal("snapshot of frame 3 not rewritten by replay")
	}
}

func TestDisconnectReplaysLateInput(t *testing.T) {
	m := machine.New(2, 32)
	e := newLoadedClient(t, m, nil)
	for f := uint32(0); f < 6; f++ {
		if f < 3 {
			e.HandleInput(0, f, 0)
		}
		e.Tick(0)
	}

	// The host's last words arrive together with its departure.
	for f := uint32(3); f < 6; f++ {
		e.HandleInput(0, f, machine.A)
	}
	e.SetConnected(false)
	st := e.Tick(0)
	if st.DivergenceFrame != 3 {
		t.Fatalf("status %+v, want replay from 3", st)
	}
	if e.ConfirmedFrame() != e.SelfFrame() {
		t.Fatalf("confirmed %d, self %d", e.ConfirmedFrame(), e.SelfFrame())
	}

	ref := machine.New(2, 32)
	for f := 0; f < 7; f++ {
		host := Input(0)
		if f >= 3 {
			host = machine.A
		}
		ref.Run([]Input{host, 0})
	}
	want := make([]byte, ref.StateSize())
	got := make([]byte, m.StateSize())
	ref.Serialize(want)
	m.Serialize(got)
	if !bytes.Equal(got, want) {
		t.Fatal("late input was not folded in before finalizing")
	}
}
