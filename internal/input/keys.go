package input

import (
	"github.com/chronologos/rollnet/internal/machine"
	"github.com/chronologos/rollnet/internal/ring"
)

type keyState int

const (
	keyNone         keyState = iota // mid-line
	keyAfterNewline                 // saw \r or \n (or start of input)
	keyAfterTilde                   // saw ~ at start of line
	keyEscape                       // saw ESC
	keyCSI                          // saw ESC [
)

// decoder turns raw terminal bytes into button presses. Arrow keys and
// WASD steer, space and j press A. ~. at the start of a line or Ctrl-C
// asks to quit.
type decoder struct {
	state keyState
}

func newDecoder() *decoder {
	return &decoder{state: keyAfterNewline}
}

// feed processes input and returns the buttons pressed in it and whether a
// quit sequence was seen.
func (d *decoder) feed(input []byte) (pressed ring.Input, quit bool) {
	for _, b := range input {
		switch d.state {
		case keyEscape:
			if b == '[' {
				d.state = keyCSI
				continue
			}
			d.state = keyNone
		case keyCSI:
			d.state = keyNone
			switch b {
			case 'A':
				pressed |= machine.Up
			case 'B':
				pressed |= machine.Down
			case 'C':
				pressed |= machine.Right
			case 'D':
				pressed |= machine.Left
			}
			continue
		case keyAfterTilde:
			if b == '.' {
				return pressed, true
			}
			d.state = keyNone
		}

		switch b {
		case 0x03: // Ctrl-C
			return pressed, true
		case 0x1b:
			d.state = keyEscape
		case '\r', '\n':
			d.state = keyAfterNewline
		case '~':
			if d.state == keyAfterNewline {
				d.state = keyAfterTilde
			} else {
				d.state = keyNone
			}
		default:
			d.state = keyNone
			pressed |= letter(b)
		}
	}
	return pressed, false
}

func letter(b byte) ring.Input {
	switch b {
	case 'w', 'W':
		return machine.Up
	case 's', 'S':
		return machine.Down
	case 'a', 'A':
		return machine.Left
	case 'd', 'D':
		return machine.Right
	case ' ', 'j', 'J':
		return machine.A
	}
	return 0
}
