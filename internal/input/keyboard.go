package input

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/chronologos/rollnet/internal/machine"
	"github.com/chronologos/rollnet/internal/ring"
)

// holdFor is how long a key press counts as held. Terminals report
// presses, never releases.
const holdFor = 150 * time.Millisecond

var buttonBits = []ring.Input{machine.Up, machine.Down, machine.Left, machine.Right, machine.A}

// Keyboard reads key presses from a terminal in raw mode.
type Keyboard struct {
	fd       int
	oldState *term.State
	in       io.Reader
	now      func() time.Time

	pressedAt [5]atomic.Int64 // unix nanos of the last press per button
	quit      chan struct{}
	quitOnce  sync.Once
}

// OpenKeyboard puts f into raw mode and starts reading it. Close restores
// the terminal.
func OpenKeyboard(f *os.File) (*Keyboard, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s is not a terminal", f.Name())
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("make raw: %w", err)
	}
	k := newKeyboard(f)
	k.fd = fd
	k.oldState = oldState
	go k.readLoop()
	return k, nil
}

func newKeyboard(in io.Reader) *Keyboard {
	return &Keyboard{
		fd:   -1,
		in:   in,
		now:  time.Now,
		quit: make(chan struct{}),
	}
}

// Poll returns every button pressed within the hold window.
func (k *Keyboard) Poll(uint32) ring.Input {
	cutoff := k.now().Add(-holdFor).UnixNano()
	var in ring.Input
	for i, bit := range buttonBits {
		if k.pressedAt[i].Load() > cutoff {
			in |= bit
		}
	}
	return in
}

// Quit is closed when the user asks to leave or input ends.
func (k *Keyboard) Quit() <-chan struct{} { return k.quit }

// Close restores the terminal.
func (k *Keyboard) Close() error {
	if k.oldState != nil {
		return term.Restore(k.fd, k.oldState)
	}
	return nil
}

func (k *Keyboard) press(pressed ring.Input) {
	now := k.now().UnixNano()
	for i, bit := range buttonBits {
		if pressed&bit != 0 {
			k.pressedAt[i].Store(now)
		}
	}
}

func (k *Keyboard) stop() {
	k.quitOnce.Do(func() { close(k.quit) })
}

func (k *Keyboard) readLoop() {
	defer k.stop()
	dec := newDecoder()
	buf := make([]byte, 64)
	for {
		n, err := k.in.Read(buf)
		if n > 0 {
			pressed, quit := dec.feed(buf[:n])
			k.press(pressed)
			if quit {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
