package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kyujin-cho/websocket-tunnel/internal/metrics"
	"github.com/kyujin-cho/websocket-tunnel/internal/protocol"
)

// session is the server-side protocol state machine for one accepted
// control channel. Messages are processed strictly in receipt order;
// only target dials and target read pumps run concurrently.
type session struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	writeMu sync.Mutex

	// mu guards the authentication state.
	mu            sync.Mutex
	authenticated bool
	passphrase    string

	conns *registry

	wg sync.WaitGroup
}

func newSession(id string, ws *websocket.Conn, cfg Config) *session {
	return &session{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: cfg.Logger.With("session", id),
		conns:  newRegistry(),
	}
}

// run reads and dispatches control messages until the channel closes,
// then closes every owned target connection.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.cfg.Metrics.SessionOpened()
	s.logger.Info("session opened")

	defer func() {
		// Cancel in-flight dials and pumps before waiting them out.
		cancel()
		s.teardown()
		s.wg.Wait()
		s.cfg.Metrics.SessionClosed()
		s.logger.Info("session closed")
	}()

	for {
		typ, data, err := s.ws.Read(ctx)
		if err != nil {
			s.logger.Debug("control channel closed", "error", err)
			return
		}
		// Binary frames are not control traffic.
		if typ != websocket.MessageText {
			s.logger.Debug("ignoring non-text frame", "bytes", len(data))
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		s.dispatch(ctx, msg)
	}
}

func (s *session) dispatch(ctx context.Context, msg protocol.Message) {
	if err := protocol.ValidateRequest(msg); err != nil {
		s.rejectInvalid(ctx, msg, err)
		return
	}
	switch msg.Type {
	case protocol.TypeConnect:
		s.handleConnect(ctx, msg)
	case protocol.TypeStart:
		s.handleStart(ctx, msg)
	case protocol.TypeTraffic:
		s.handleTraffic(ctx, msg)
	}
}

// rejectInvalid answers requests that fail per-kind validation.
func (s *session) rejectInvalid(ctx context.Context, msg protocol.Message, err error) {
	switch {
	case errors.Is(err, protocol.ErrMissingConnection):
		s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Error: protocol.ErrNoID})
	case errors.Is(err, protocol.ErrMissingTarget):
		s.sendError(ctx, protocol.Message{Command: protocol.TypeStart, Status: protocol.StatusFailed, Error: err.Error()})
	default:
		command := msg.Type
		if command == "" {
			command = protocol.CommandUnknown
		}
		s.sendError(ctx, protocol.Message{Command: command, Error: protocol.ErrNotImplemented})
	}
}

// handleConnect authenticates the session. The connection mapping is
// initialized only on success; a failed CONNECT leaves the session
// unauthenticated.
func (s *session) handleConnect(ctx context.Context, msg protocol.Message) {
	if !s.cfg.Table.Authenticate(msg.Passphrase) {
		s.logger.Warn("authentication failed")
		s.sendError(ctx, protocol.Message{Command: protocol.TypeConnect, Error: protocol.ErrAuthFail})
		return
	}
	s.mu.Lock()
	s.authenticated = true
	s.passphrase = msg.Passphrase
	s.mu.Unlock()

	s.logger.Debug("session authenticated")
	s.send(ctx, protocol.Message{Command: protocol.TypeConnect})
}

// handleStart allocates a logical connection id, acknowledges with
// CONNECTING, and dials the target asynchronously.
func (s *session) handleStart(ctx context.Context, msg protocol.Message) {
	s.mu.Lock()
	authenticated, passphrase := s.authenticated, s.passphrase
	s.mu.Unlock()

	if !authenticated {
		s.sendError(ctx, protocol.Message{Command: protocol.TypeStart, Error: protocol.ErrAuthFail})
		return
	}
	if !s.cfg.Table.Authorize(passphrase, msg.Host, msg.Port) {
		s.logger.Warn("target not authorized", "host", msg.Host, "port", msg.Port)
		s.sendError(ctx, protocol.Message{Command: protocol.TypeStart, Error: protocol.ErrForbidden})
		return
	}

	id := uuid.NewString()
	rc := newRemoteConn(id, msg.Host, msg.Port)
	s.logger.Info("connection requested", "connection", id, "host", msg.Host, "port", msg.Port)
	s.send(ctx, protocol.Message{
		Command:    protocol.TypeStart,
		Status:     protocol.StatusConnecting,
		Connection: id,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.establish(ctx, rc)
	}()
}

// handleTraffic writes a decoded payload chunk to the referenced target
// connection and acknowledges.
func (s *session) handleTraffic(ctx context.Context, msg protocol.Message) {
	s.mu.Lock()
	authenticated := s.authenticated
	s.mu.Unlock()

	if !authenticated {
		s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection, Error: protocol.ErrAuthFail})
		return
	}

	rc, ok := s.conns.Lookup(msg.Connection)
	if !ok {
		s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection, Error: protocol.ErrInvalidID})
		return
	}

	payload, err := protocol.DecodePayload(msg.Data)
	if err != nil {
		s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection, Error: err.Error()})
		return
	}

	if err := rc.Write(payload); err != nil {
		if errors.Is(err, errNoSocket) {
			s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection, Error: protocol.ErrClosed})
			return
		}
		s.sendError(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection, Error: err.Error()})
		return
	}
	s.cfg.Metrics.AddBytes(metrics.RoleServer, metrics.DirectionToTarget, len(payload))
	s.send(ctx, protocol.Message{Command: protocol.TypeTraffic, Connection: msg.Connection})
}

// teardown closes every target connection owned by the session.
// Close errors are ignored; the session is going away regardless.
func (s *session) teardown() {
	for _, rc := range s.conns.Drain() {
		_ = rc.Close()
		s.cfg.Metrics.ConnectionClosed(metrics.RoleServer, protocol.StatusClosed)
	}
}

// send serializes one message onto the control channel. Writes from the
// dispatch loop and the per-connection pumps are mutually excluded.
func (s *session) send(ctx context.Context, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Warn("encode reply failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("control channel write failed", "error", err)
	}
}

func (s *session) sendError(ctx context.Context, msg protocol.Message) {
	s.cfg.Metrics.ProtocolError(metrics.RoleServer, msg.Error)
	s.send(ctx, msg)
}
