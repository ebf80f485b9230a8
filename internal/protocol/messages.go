package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrShortPayload    = errors.New("payload too short for message type")
)

// --- Message types ---

// Input carries one client's confirmed input for one frame. Offset is
// relative to the base frame of the connection it travels on.
type Input struct {
	Offset uint32
	Client uint32
	Input  uint32
}

// State is a full snapshot of the simulation at the start of Frame.
// An empty Data at frame 0 means "start from the power-on state".
type State struct {
	Frame uint32
	Data  []byte
}

// Checksum is the authoritative integrity value of the snapshot at Frame.
type Checksum struct {
	Frame uint32
	CRC   uint32
}

// Resync asks the authoritative peer for a full state, reporting the frame
// whose checksum disagreed.
type Resync struct {
	Frame uint32
}

// Assign tells a newly connected peer which player slot it owns and the
// first frame whose input it contributes.
type Assign struct {
	Client     uint32
	Players    uint32
	LocalStart uint32
}

type Shutdown struct{}

type AuthRequest struct {
	Token [32]byte
	Role  Role
}

type AuthResponse struct {
	Status AuthStatus
}

// --- Encoding ---

// WriteMessage writes a framed message (header + payload) to w.
//
// Fixed-size messages encode into a stack buffer together with the header so
// each one costs a single Write. State payloads are written separately to
// avoid copying the snapshot.
func WriteMessage(w io.Writer, msg any) error {
	var op Opcode
	var scratch [HeaderSize + AuthRequestSize]byte
	p := scratch[HeaderSize:]
	n := 0

	switch m := msg.(type) {
	case *Input:
		op = OpInput
		binary.BigEndian.PutUint32(p[0:4], m.Offset)
		binary.BigEndian.PutUint32(p[4:8], m.Client)
		binary.BigEndian.PutUint32(p[8:12], m.Input)
		n = InputSize
	case *Checksum:
		op = OpChecksum
		binary.BigEndian.PutUint32(p[0:4], m.Frame)
		binary.BigEndian.PutUint32(p[4:8], m.CRC)
		n = ChecksumSize
	case *Resync:
		op = OpResync
		binary.BigEndian.PutUint32(p[0:4], m.Frame)
		n = ResyncSize
	case *Assign:
		op = OpAssign
		binary.BigEndian.PutUint32(p[0:4], m.Client)
		binary.BigEndian.PutUint32(p[4:8], m.Players)
		binary.BigEndian.PutUint32(p[8:12], m.LocalStart)
		n = AssignSize
	case *Shutdown:
		op = OpShutdown
	case *AuthRequest:
		op = OpAuthRequest
		copy(p[0:32], m.Token[:])
		binary.BigEndian.PutUint32(p[32:36], uint32(m.Role))
		n = AuthRequestSize
	case *AuthResponse:
		op = OpAuthResponse
		binary.BigEndian.PutUint32(p[0:4], uint32(m.Status))
		n = AuthResponseSize
	case *State:
		return writeStateMessage(w, m)
	default:
		return fmt.Errorf("unsupported message type: %T", msg)
	}

	putHeader(scratch[:HeaderSize], op, n)
	_, err := w.Write(scratch[:HeaderSize+n])
	return err
}

func putHeader(hdr []byte, op Opcode, payloadLen int) {
	binary.BigEndian.PutUint32(hdr[0:4], uint32(op))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(payloadLen))
	binary.BigEndian.PutUint32(hdr[8:12], 0)
}

// writeStateMessage writes a State message without copying the snapshot into
// an intermediate buffer.
func writeStateMessage(w io.Writer, m *State) error {
	payloadLen := StateHeaderSize + len(m.Data)
	if payloadLen > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var hdr [HeaderSize + StateHeaderSize]byte
	putHeader(hdr[:HeaderSize], OpState, payloadLen)
	binary.BigEndian.PutUint32(hdr[HeaderSize:], m.Frame)

	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(m.Data) > 0 {
		if _, err := w.Write(m.Data); err != nil {
			return err
		}
	}
	return nil
}

// Marshal returns the framed encoding of msg. Used by sinks that need whole
// messages (WebSocket binary frames) rather than a stream.
func Marshal(msg any) ([]byte, error) {
	var b sliceWriter
	if err := WriteMessage(&b, msg); err != nil {
		return nil, err
	}
	return b, nil
}

type sliceWriter []byte

func (s *sliceWriter) Write(p []byte) (int, error) {
	*s = append(*s, p...)
	return len(p), nil
}

// --- Decoding ---

// ReadMessage reads a framed message from r.
func ReadMessage(r io.Reader) (any, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	op := Opcode(binary.BigEndian.Uint32(header[0:4]))
	payloadLen := binary.BigEndian.Uint32(header[4:8])

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return DecodePayload(op, payload)
}

// DecodePayload decodes a raw payload given its opcode.
func DecodePayload(op Opcode, payload []byte) (any, error) {
	switch op {
	case OpInput:
		if len(payload) < InputSize {
			return nil, ErrShortPayload
		}
		return &Input{
			Offset: binary.BigEndian.Uint32(payload[0:4]),
			Client: binary.BigEndian.Uint32(payload[4:8]),
			Input:  binary.BigEndian.Uint32(payload[8:12]),
		}, nil

	case OpState:
		if len(payload) < StateHeaderSize {
			return nil, ErrShortPayload
		}
		return &State{
			Frame: binary.BigEndian.Uint32(payload[0:4]),
			Data:  payload[4:],
		}, nil

	case OpChecksum:
		if len(payload) < ChecksumSize {
			return nil, ErrShortPayload
		}
		return &Checksum{
			Frame: binary.BigEndian.Uint32(payload[0:4]),
			CRC:   binary.BigEndian.Uint32(payload[4:8]),
		}, nil

	case OpResync:
		if len(payload) < ResyncSize {
			return nil, ErrShortPayload
		}
		return &Resync{Frame: binary.BigEndian.Uint32(payload[0:4])}, nil

	case OpAssign:
		if len(payload) < AssignSize {
			return nil, ErrShortPayload
		}
		return &Assign{
			Client:     binary.BigEndian.Uint32(payload[0:4]),
			Players:    binary.BigEndian.Uint32(payload[4:8]),
			LocalStart: binary.BigEndian.Uint32(payload[8:12]),
		}, nil

	case OpShutdown:
		return &Shutdown{}, nil

	case OpAuthRequest:
		if len(payload) < AuthRequestSize {
			return nil, ErrShortPayload
		}
		msg := &AuthRequest{Role: Role(binary.BigEndian.Uint32(payload[32:36]))}
		copy(msg.Token[:], payload[:32])
		return msg, nil

	case OpAuthResponse:
		if len(payload) < AuthResponseSize {
			return nil, ErrShortPayload
		}
		return &AuthResponse{Status: AuthStatus(binary.BigEndian.Uint32(payload[0:4]))}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, uint32(op))
	}
}
