package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrSendFull   = errors.New("send buffer full")
	ErrAuthFailed = errors.New("authentication failed")
	ErrRejected   = errors.New("connection rejected")
)

// Buffer depths of the per-connection queues. A peer that falls this far
// behind is dropped rather than stalling the tick loop.
const (
	sendBuffer = 1024
	recvBuffer = 1024
)

// drainTimeout bounds how long Shutdown waits for queued messages to reach
// the peer.
const drainTimeout = time.Second

// State is a connection's lifecycle position.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one authenticated QUIC connection carrying a single ordered
// bidirectional stream. A reader and a writer goroutine move messages
// between the stream and two buffered channels, so the tick loop never
// blocks on the network: it drains Inbox and calls Send.
type Conn struct {
	role   protocol.Role
	qconn  *quic.Conn
	stream *quic.Stream
	tr     *quic.Transport // dialer side only; keeps the UDP socket alive
	log    *zap.Logger

	state atomic.Int32

	inbox    chan any
	outbox   chan any
	done     chan struct{}
	draining chan struct{}

	closeOnce sync.Once
	drainOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newConn(role protocol.Role, qconn *quic.Conn, log *zap.Logger) *Conn {
	c := &Conn{
		role:     role,
		qconn:    qconn,
		log:      log,
		inbox:    make(chan any, recvBuffer),
		outbox:   make(chan any, sendBuffer),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	c.setState(StateHandshaking)
	return c
}

// start hands the stream to the I/O goroutines.
func (c *Conn) start(stream *quic.Stream) {
	c.stream = stream
	c.setState(StateConnected)
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// State returns the lifecycle position.
func (c *Conn) State() State { return State(c.state.Load()) }

// Role returns the role the peer authenticated as.
func (c *Conn) Role() protocol.Role { return c.role }

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

// Inbox delivers decoded messages in stream order.
func (c *Conn) Inbox() <-chan any { return c.inbox }

// Done is closed once the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, nil if it was closed locally.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues msg for the writer without blocking.
func (c *Conn) Send(msg any) error {
	if c.State() != StateConnected {
		return ErrClosed
	}
	select {
	case <-c.draining:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return ErrSendFull
	}
}

// ConnectionStats returns QUIC-level connection statistics.
func (c *Conn) ConnectionStats() quic.ConnectionStats {
	return c.qconn.ConnectionStats()
}

// Shutdown queues a Shutdown message, lets the writer flush what is queued
// and then closes the connection.
func (c *Conn) Shutdown() {
	if c.State() == StateConnected {
		select {
		case c.outbox <- &protocol.Shutdown{}:
		default:
		}
	}
	c.drainOnce.Do(func() { close(c.draining) })
}

// Close closes the connection immediately.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.setState(StateClosed)
		close(c.done)
		if c.stream != nil {
			c.stream.CancelRead(0)
			c.stream.Close()
		}
		c.qconn.CloseWithError(0, "closed")
		if c.tr != nil {
			c.tr.Close()
		}
		if err != nil {
			c.log.Debug("connection closed", zap.Error(err))
		}
	})
}

func (c *Conn) readLoop() {
	for {
		msg, err := protocol.ReadMessage(c.stream)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.outbox:
			if err := protocol.WriteMessage(c.stream, msg); err != nil {
				c.fail(err)
				return
			}
		case <-c.draining:
			c.flush()
			return
		case <-c.done:
			return
		}
	}
}

// flush writes whatever is still queued, half-closes the stream and gives
// the peer a moment to read it before tearing the connection down.
func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.outbox:
			if err := protocol.WriteMessage(c.stream, msg); err != nil {
				c.fail(err)
				return
			}
			continue
		default:
		}
		break
	}
	c.stream.Close()
	select {
	case <-c.done:
	case <-c.qconn.Context().Done():
	case <-time.After(drainTimeout):
	}
	c.fail(nil)
}
