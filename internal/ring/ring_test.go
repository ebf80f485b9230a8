package ring

import (
	"bytes"
	"testing"
)

func TestCursorWrap(t *testing.T) {
	r := New(4, 8, 2)

	c := r.At(3)
	if c.Ptr != 3 {
		t.Fatalf("At(3).Ptr = %d", c.Ptr)
	}
	c = r.Advance(c)
	if c.Ptr != 0 || c.Frame != 4 {
		t.Fatalf("Advance wrapped to %+v, want {0 4}", c)
	}
	c = r.Retreat(c)
	if c.Ptr != 3 || c.Frame != 3 {
		t.Fatalf("Retreat wrapped to %+v, want {3 3}", c)
	}
}

func TestIsReadyAtSessionStart(t *testing.T) {
	r := New(8, 16, 2)

	// Every slot is allocated and zeroed, but none has been written.
	for f := uint32(0); f < 8; f++ {
		if r.IsReady(f) {
			t.Fatalf("frame %d ready before any snapshot", f)
		}
	}

	slot, ok := r.Prepare(0, 0)
	if !ok {
		t.Fatal("prepare frame 0 on empty ring failed")
	}
	if r.IsReady(0) {
		t.Fatal("prepared slot reported ready before Save")
	}
	slot.Save(func(b []byte) bool { b[0] = 1; return true })
	if !r.IsReady(0) {
		t.Fatal("frame 0 not ready after Save")
	}
	if r.IsReady(8) {
		t.Fatal("frame 8 shares a slot with frame 0 but was never written")
	}
}

func TestSaveZeroFills(t *testing.T) {
	r := New(2, 8, 1)
	slot, _ := r.Prepare(0, 0)

	slot.Save(func(b []byte) bool {
		copy(b, bytes.Repeat([]byte{0xff}, 8))
		return true
	})
	slot.Save(func(b []byte) bool {
		b[0] = 7 // writes only one byte
		return true
	})

	want := []byte{7, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(slot.State, want) {
		t.Fatalf("state = %x, want %x (stale bytes leaked)", slot.State, want)
	}
}

func TestSaveFailureClearsReady(t *testing.T) {
	r := New(2, 4, 1)
	slot, _ := r.Prepare(1, 0)
	if slot.Save(func([]byte) bool { return false }) {
		t.Fatal("Save reported success for a failing serializer")
	}
	if r.IsReady(1) {
		t.Fatal("failed save marked the slot ready")
	}
}

func TestPrepareRefusesUnconfirmedSlot(t *testing.T) {
	r := New(4, 4, 2)

	slot, _ := r.Prepare(2, 0)
	slot.Real[1] = 5
	slot.HaveReal[1] = true

	// Frame 6 maps to the same slot. Frame 2 is not yet confirmed.
	if _, ok := r.Prepare(6, 2); ok {
		t.Fatal("Prepare overwrote a slot still holding an unconfirmed frame")
	}
	if got, ok := r.Lookup(2); !ok || got.Real[1] != 5 {
		t.Fatal("unconfirmed frame was disturbed by a refused Prepare")
	}

	// Once the confirmed frontier has passed frame 2 the slot is reclaimed.
	slot, ok := r.Prepare(6, 3)
	if !ok {
		t.Fatal("Prepare refused a slot whose frame is confirmed")
	}
	if slot.Index != 6 || slot.HaveReal[1] || slot.Real[1] != 0 {
		t.Fatalf("reclaimed slot not cleared: %+v", slot)
	}
}

func TestPrepareSameFrameKeepsRecord(t *testing.T) {
	r := New(4, 4, 2)
	slot, _ := r.Prepare(5, 0)
	slot.Real[0] = 9
	slot.HaveReal[0] = true

	again, ok := r.Prepare(5, 5)
	if !ok || again != slot || !again.HaveReal[0] || again.Real[0] != 9 {
		t.Fatal("Prepare on the same frame did not return the existing record")
	}
}

func TestPrepareRejectsOverwrittenFrame(t *testing.T) {
	r := New(4, 4, 1)
	r.Prepare(9, 0)
	// Frame 5 lived in this slot before frame 9 replaced it.
	if _, ok := r.Prepare(5, 0); ok {
		t.Fatal("Prepare resurrected a frame older than the slot's current one")
	}
}

func TestMispredicted(t *testing.T) {
	r := New(2, 1, 3)
	f, _ := r.Prepare(0, 0)

	f.Simulated[1] = 0
	f.Simulated[2] = 4
	if f.Mispredicted() {
		t.Fatal("no real input known, yet reported a misprediction")
	}

	f.Real[2], f.HaveReal[2] = 4, true
	if f.Mispredicted() {
		t.Fatal("prediction matched but reported a misprediction")
	}

	f.Real[1], f.HaveReal[1] = 1, true
	if !f.Mispredicted() {
		t.Fatal("client 1 differs from prediction but no misprediction reported")
	}

	f.UsedReal[1] = true
	if f.Mispredicted() {
		t.Fatal("real input that was consumed counted as a misprediction")
	}
	if f.Input(1) != 1 || f.Input(2) != 4 {
		t.Fatalf("applied inputs = %d,%d", f.Input(1), f.Input(2))
	}
}

func TestReset(t *testing.T) {
	r := New(4, 4, 1)
	for f := uint32(0); f < 4; f++ {
		s, _ := r.Prepare(f, 0)
		s.Save(func([]byte) bool { return true })
	}
	r.Reset()
	for f := uint32(0); f < 4; f++ {
		if r.IsReady(f) {
			t.Fatalf("frame %d still ready after Reset", f)
		}
	}
	if _, ok := r.Prepare(100, 50); !ok {
		t.Fatal("Prepare failed on a reset ring")
	}
}
