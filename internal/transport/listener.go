package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/auth"
	"github.com/chronologos/rollnet/internal/protocol"
)

// handshakeTimeout bounds one connection's authentication exchange.
const handshakeTimeout = 10 * time.Second

// Listener wraps a QUIC listener for the host side.
type Listener struct {
	tr      *quic.Transport
	ln      *quic.Listener
	port    int
	passkey []byte
	log     *zap.Logger

	// Admit, if set, is asked whether a peer that authenticated as role can
	// be taken on. A refusal is reported to the peer as AuthRejected.
	Admit func(role protocol.Role) bool
}

// Listen creates a QUIC listener on a random UDP port (or the specified port).
func Listen(port int, passkey []byte, log *zap.Logger) (*Listener, error) {
	cert, err := hostCertificate(certLifetime)
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	return ListenWithCert(port, passkey, cert, log)
}

// ListenWithCert creates a QUIC listener using the provided TLS certificate.
func ListenWithCert(port int, passkey []byte, cert tls.Certificate, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	udpConn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(hostTLS(cert), quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	return &Listener{
		tr:      tr,
		ln:      ln,
		port:    udpConn.LocalAddr().(*net.UDPAddr).Port,
		passkey: passkey,
		log:     log,
	}, nil
}

// Port returns the UDP port the listener is bound to.
func (l *Listener) Port() int {
	return l.port
}

// Accept waits for and authenticates a new peer connection. The returned
// Conn is already running its I/O goroutines.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	conn, err := l.authenticate(hctx, qconn)
	if err != nil {
		qconn.CloseWithError(1, "auth failed")
		return nil, err
	}
	return conn, nil
}

func (l *Listener) authenticate(ctx context.Context, qconn *quic.Conn) (*Conn, error) {
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetReadDeadline(deadline)
	}

	msg, err := protocol.ReadMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read auth request: %w", err)
	}
	req, ok := msg.(*protocol.AuthRequest)
	if !ok {
		return nil, fmt.Errorf("expected AuthRequest, got %T", msg)
	}

	tlsState := qconn.ConnectionState().TLS
	material, err := tlsState.ExportKeyingMaterial(auth.ExporterLabel, nil, 32)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	if req.Role == protocol.RoleHost || !auth.VerifyAuthToken(l.passkey, material, req.Role, req.Token) {
		protocol.WriteMessage(stream, &protocol.AuthResponse{Status: protocol.AuthFailed})
		return nil, fmt.Errorf("%w: invalid passkey from %s", ErrAuthFailed, qconn.RemoteAddr())
	}
	if l.Admit != nil && !l.Admit(req.Role) {
		protocol.WriteMessage(stream, &protocol.AuthResponse{Status: protocol.AuthRejected})
		return nil, fmt.Errorf("%w: no room for %s", ErrRejected, req.Role)
	}

	conn := newConn(req.Role, qconn, l.log.With(zap.String("peer", qconn.RemoteAddr().String())))
	if err := protocol.WriteMessage(stream, &protocol.AuthResponse{Status: protocol.AuthOK}); err != nil {
		return nil, fmt.Errorf("write auth response: %w", err)
	}
	stream.SetReadDeadline(time.Time{})
	conn.start(stream)
	return conn, nil
}

// Close shuts down the listener and underlying transport.
func (l *Listener) Close() error {
	l.ln.Close()
	return l.tr.Close()
}
