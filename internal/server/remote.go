package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kyujin-cho/websocket-tunnel/internal/metrics"
	"github.com/kyujin-cho/websocket-tunnel/internal/protocol"
)

const readBufferSize = 32 * 1024

var errNoSocket = errors.New("no underlying socket")

// remoteConn wraps one outbound TCP connection to a requested target.
// It is owned exclusively by its session; the socket is present once
// the dial completes and absent while connecting or after close.
type remoteConn struct {
	id   string
	host string
	port int

	mu   sync.Mutex
	conn net.Conn
}

func newRemoteConn(id, host string, port int) *remoteConn {
	return &remoteConn{id: id, host: host, port: port}
}

func (rc *remoteConn) target() string {
	return net.JoinHostPort(rc.host, strconv.Itoa(rc.port))
}

// attach installs the dialed socket.
func (rc *remoteConn) attach(conn net.Conn) {
	rc.mu.Lock()
	rc.conn = conn
	rc.mu.Unlock()
}

// Write copies payload bytes to the target socket. Returns errNoSocket
// when the socket is absent.
func (rc *remoteConn) Write(b []byte) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return errNoSocket
	}
	_, err := conn.Write(b)
	return err
}

// Close tears down the target socket. Closing a connection that has no
// socket reports the NOCONNECTION condition.
func (rc *remoteConn) Close() error {
	rc.mu.Lock()
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()
	if conn == nil {
		return errors.New(protocol.ErrNoConnection)
	}
	return conn.Close()
}

// establish dials the target and, on success, registers the connection
// and pumps target bytes back over the control channel. Runs outside
// the dispatch loop so a slow dial never blocks message processing.
func (s *session) establish(ctx context.Context, rc *remoteConn) {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(dialCtx, "tcp", rc.target())
	s.cfg.Metrics.ObserveDialDuration(metrics.RoleServer, time.Since(start).Seconds())
	if err != nil {
		reason := err.Error()
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			reason = protocol.ErrTimeout
		}
		s.logger.Warn("dial target failed", "connection", rc.id, "target", rc.target(), "error", err)
		s.cfg.Metrics.ConnectionFailed(metrics.RoleServer, protocol.StatusFailed)
		s.sendError(ctx, protocol.Message{
			Connection: rc.id,
			Status:     protocol.StatusFailed,
			Error:      reason,
		})
		return
	}

	setTCPKeepAlive(conn, s.cfg.TCPKeepAlive)
	rc.attach(conn)
	s.conns.Insert(rc)
	s.cfg.Metrics.ConnectionEstablished(metrics.RoleServer)
	s.logger.Info("connection established", "connection", rc.id, "target", rc.target())
	s.send(ctx, protocol.Message{Connection: rc.id, Status: protocol.StatusEstablished})

	s.pump(ctx, rc, conn)
}

// pump forwards every chunk read from the target socket onto the control
// channel until the socket closes, then reports CLOSED.
func (s *session) pump(ctx context.Context, rc *remoteConn, conn net.Conn) {
	go func() {
		// Unblock the read below when the session goes away.
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.cfg.Metrics.AddBytes(metrics.RoleServer, metrics.DirectionFromTarget, n)
			s.send(ctx, protocol.Message{
				Connection: rc.id,
				Data:       protocol.EncodePayload(buf[:n]),
			})
		}
		if err != nil {
			hadError := !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed)
			s.closeRemote(ctx, rc, hadError)
			return
		}
	}
}

// closeRemote removes a connection from the registry and notifies the
// client. The first closer wins; teardown races are no-ops.
func (s *session) closeRemote(ctx context.Context, rc *remoteConn, hadError bool) {
	if !s.conns.Remove(rc.id) {
		return
	}
	_ = rc.Close()
	s.cfg.Metrics.ConnectionClosed(metrics.RoleServer, protocol.StatusClosed)
	s.logger.Info("connection closed", "connection", rc.id, "target", rc.target(), "hadError", hadError)
	s.send(ctx, protocol.Message{
		Connection: rc.id,
		Status:     protocol.StatusClosed,
		HadError:   hadError,
	})
}
