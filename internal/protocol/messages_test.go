package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestHeaderLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &Checksum{Frame: 0x01020304, CRC: 0xdeadbeef}); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	if len(b) != HeaderSize+ChecksumSize {
		t.Fatalf("encoded length %d, want %d", len(b), HeaderSize+ChecksumSize)
	}
	if op := binary.BigEndian.Uint32(b[0:4]); Opcode(op) != OpChecksum {
		t.Fatalf("opcode word = %#x", op)
	}
	if n := binary.BigEndian.Uint32(b[4:8]); n != ChecksumSize {
		t.Fatalf("length word = %d", n)
	}
	if r := binary.BigEndian.Uint32(b[8:12]); r != 0 {
		t.Fatalf("reserved word = %d, want 0", r)
	}
	if f := binary.BigEndian.Uint32(b[12:16]); f != 0x01020304 {
		t.Fatalf("frame word = %#x", f)
	}
}

func TestInputDeltaLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &Input{Offset: 7, Client: 1, Input: 0x10}); err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()[HeaderSize:]
	// frame-offset word comes first, then the input record
	if binary.BigEndian.Uint32(b[0:4]) != 7 {
		t.Fatalf("offset word = %d", binary.BigEndian.Uint32(b[0:4]))
	}
	if binary.BigEndian.Uint32(b[4:8]) != 1 || binary.BigEndian.Uint32(b[8:12]) != 0x10 {
		t.Fatalf("input record = %x", b[4:])
	}
}

func TestStateRoundTrip(t *testing.T) {
	snapshot := bytes.Repeat([]byte{0xab}, 4096)
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &State{Frame: 100, Data: snapshot}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := msg.(*State)
	if !ok {
		t.Fatalf("expected *State, got %T", msg)
	}
	if st.Frame != 100 || !bytes.Equal(st.Data, snapshot) {
		t.Fatalf("state mismatch: frame=%d len=%d", st.Frame, len(st.Data))
	}
}

func TestEmptyStateRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, &State{Frame: 0}); err != nil {
		t.Fatal(err)
	}
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if st := msg.(*State); st.Frame != 0 || len(st.Data) != 0 {
		t.Fatalf("expected empty state at frame 0, got frame=%d len=%d", st.Frame, len(st.Data))
	}
}

func TestMultipleMessagesInSequence(t *testing.T) {
	var buf bytes.Buffer

	msgs := []any{
		&AuthRequest{Token: [32]byte{1, 2, 3}, Role: RoleSpectator},
		&AuthResponse{Status: AuthRejected},
		&Assign{Client: NoClient, Players: 2, LocalStart: 100},
		&State{Frame: 100, Data: []byte("snapshot")},
		&Input{Offset: 0, Client: 0, Input: 1},
		&Input{Offset: 1, Client: 1, Input: 2},
		&Checksum{Frame: 120, CRC: 42},
		&Resync{Frame: 120},
		&Shutdown{},
	}

	for _, msg := range msgs {
		if err := WriteMessage(&buf, msg); err != nil {
			t.Fatal(err)
		}
	}

	for i, expected := range msgs {
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		switch e := expected.(type) {
		case *AuthRequest:
			d := msg.(*AuthRequest)
			if d.Token != e.Token || d.Role != e.Role {
				t.Fatalf("message %d: auth request mismatch", i)
			}
		case *AuthResponse:
			if d := msg.(*AuthResponse); d.Status != e.Status {
				t.Fatalf("message %d: auth response mismatch", i)
			}
		case *Assign:
			if d := msg.(*Assign); *d != *e {
				t.Fatalf("message %d: assign mismatch: %+v", i, d)
			}
		case *State:
			d := msg.(*State)
			if d.Frame != e.Frame || !bytes.Equal(d.Data, e.Data) {
				t.Fatalf("message %d: state mismatch", i)
			}
		case *Input:
			if d := msg.(*Input); *d != *e {
				t.Fatalf("message %d: input mismatch: %+v", i, d)
			}
		case *Checksum:
			if d := msg.(*Checksum); *d != *e {
				t.Fatalf("message %d: checksum mismatch", i)
			}
		case *Resync:
			if d := msg.(*Resync); *d != *e {
				t.Fatalf("message %d: resync mismatch", i)
			}
		case *Shutdown:
			if _, ok := msg.(*Shutdown); !ok {
				t.Fatalf("message %d: expected shutdown", i)
			}
		}
	}
}

func TestMarshalMatchesWriteMessage(t *testing.T) {
	msg := &State{Frame: 9, Data: []byte{1, 2, 3}}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, buf.Bytes()) {
		t.Fatalf("Marshal = %x, WriteMessage = %x", b, buf.Bytes())
	}
}

func TestDecodeShortPayload(t *testing.T) {
	_, err := DecodePayload(OpInput, make([]byte, 8))
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
	_, err = DecodePayload(OpAuthRequest, make([]byte, 32))
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload for truncated role, got %v", err)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := DecodePayload(Opcode(0xFF), nil)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	huge := &State{Frame: 1, Data: make([]byte, MaxPayloadSize)}
	var buf bytes.Buffer
	if err := WriteMessage(&buf, huge); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadRejectsOversizedLength(t *testing.T) {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], OpState, MaxPayloadSize+1)
	if _, err := ReadMessage(bytes.NewReader(hdr[:])); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

// --- Fuzz tests ---

func FuzzReadMessage(f *testing.F) {
	var buf bytes.Buffer
	WriteMessage(&buf, &Input{Offset: 3, Client: 1, Input: 7})
	f.Add(buf.Bytes())

	buf.Reset()
	WriteMessage(&buf, &State{Frame: 5, Data: []byte("abc")})
	f.Add(buf.Bytes())

	f.Fuzz(func(t *testing.T, data []byte) {
		ReadMessage(bytes.NewReader(data))
	})
}

func FuzzRoundTripInput(f *testing.F) {
	f.Add(uint32(0), uint32(0), uint32(0))
	f.Add(uint32(1<<32-1), uint32(7), uint32(0xffff))
	f.Fuzz(func(t *testing.T, offset, client, input uint32) {
		original := &Input{Offset: offset, Client: client, Input: input}
		var buf bytes.Buffer
		if err := WriteMessage(&buf, original); err != nil {
			t.Fatal(err)
		}
		msg, err := ReadMessage(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if decoded := msg.(*Input); *decoded != *original {
			t.Fatalf("input mismatch: got %+v, want %+v", decoded, original)
		}
	})
}
