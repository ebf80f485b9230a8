package spectator

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/protocol"
)

var (
	ErrSinkFull   = errors.New("spectator send buffer full")
	ErrSinkClosed = errors.New("spectator connection closed")
)

const (
	wsSendBuffer   = 1024
	wsWriteTimeout = 5 * time.Second
)

// WSSink is a viewer connected over WebSocket. Every protocol message goes
// out as one binary frame holding its wire encoding.
type WSSink struct {
	conn *websocket.Conn
	log  *zap.Logger

	out      chan []byte
	done     chan struct{}
	draining chan struct{}

	closeOnce sync.Once
	drainOnce sync.Once
}

func newWSSink(conn *websocket.Conn, log *zap.Logger) *WSSink {
	s := &WSSink{
		conn:     conn,
		log:      log,
		out:      make(chan []byte, wsSendBuffer),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Send queues msg without blocking.
func (s *WSSink) Send(msg any) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	case <-s.draining:
		return ErrSinkClosed
	default:
	}
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	default:
		return ErrSinkFull
	}
}

// Shutdown sends a Shutdown message after whatever is queued, then a close
// frame.
func (s *WSSink) Shutdown() {
	if data, err := protocol.Marshal(&protocol.Shutdown{}); err == nil {
		select {
		case s.out <- data:
		default:
		}
	}
	s.drainOnce.Do(func() { close(s.draining) })
}

// Close drops the connection immediately.
func (s *WSSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// Done is closed once the connection is gone.
func (s *WSSink) Done() <-chan struct{} { return s.done }

func (s *WSSink) write(data []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
		s.Close()
		return false
	}
	return true
}

func (s *WSSink) writeLoop() {
	for {
		select {
		case data := <-s.out:
			if !s.write(data) {
				return
			}
		case <-s.draining:
			for {
				select {
				case data := <-s.out:
					if !s.write(data) {
						return
					}
					continue
				default:
				}
				break
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over")
			s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			s.Close()
			return
		case <-s.done:
			return
		}
	}
}

// readLoop services control frames. Viewers never send data; anything they
// do send is discarded.
func (s *WSSink) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.Close()
			return
		}
	}
}

// Handler upgrades HTTP requests carrying the session passkey to WebSocket
// viewers and hands them to the tick loop through Incoming.
type Handler struct {
	passkey  string
	log      *zap.Logger
	upgrader websocket.Upgrader
	incoming chan *WSSink
}

// NewHandler creates a handler that admits requests whose key query
// parameter is the hex-encoded passkey.
func NewHandler(passkey []byte, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		passkey: hex.EncodeToString(passkey),
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		incoming: make(chan *WSSink, 16),
	}
}

// Incoming delivers newly upgraded viewers.
func (h *Handler) Incoming() <-chan *WSSink { return h.incoming }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(h.passkey)) != 1 {
		http.Error(w, "invalid key", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	sink := newWSSink(conn, h.log.With(zap.String("spectator", r.RemoteAddr)))
	select {
	case h.incoming <- sink:
	default:
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many pending spectators")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		sink.Close()
	}
}
