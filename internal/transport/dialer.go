package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/auth"
	"github.com/chronologos/rollnet/internal/protocol"
)

// Dial connects to a host's QUIC listener and authenticates as role.
func Dial(ctx context.Context, host string, port int, passkey []byte, role protocol.Role, log *zap.Logger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%d: %w", host, port, err)
	}

	// Use a fresh UDP socket for each dial
	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, addr, peerTLS(), quicConfig())
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	conn := newConn(role, qconn, log.With(zap.String("peer", addr.String())))
	conn.tr = tr
	if err := performAuth(ctx, conn, passkey); err != nil {
		qconn.CloseWithError(1, "auth failed")
		tr.Close()
		return nil, err
	}
	return conn, nil
}

func performAuth(ctx context.Context, conn *Conn, passkey []byte) error {
	stream, err := conn.qconn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
	}

	tlsState := conn.qconn.ConnectionState().TLS
	material, err := tlsState.ExportKeyingMaterial(auth.ExporterLabel, nil, 32)
	if err != nil {
		return fmt.Errorf("export keying material: %w", err)
	}
	if err := protocol.WriteMessage(stream, &protocol.AuthRequest{
		Token: auth.ComputeAuthToken(passkey, material, conn.role),
		Role:  conn.role,
	}); err != nil {
		return fmt.Errorf("write auth request: %w", err)
	}

	msg, err := protocol.ReadMessage(stream)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return fmt.Errorf("expected AuthResponse, got %T", msg)
	}
	switch resp.Status {
	case protocol.AuthOK:
	case protocol.AuthRejected:
		return ErrRejected
	default:
		return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.Status)
	}

	stream.SetReadDeadline(time.Time{})
	conn.start(stream)
	return nil
}
