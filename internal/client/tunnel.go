// Package client implements the tunnel client: a local TCP listener that
// forwards one plaintext connection at a time through a WebSocket control
// channel to the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kyujin-cho/websocket-tunnel/internal/metrics"
	"github.com/kyujin-cho/websocket-tunnel/internal/protocol"
)

// State is the tunnel session's connection state. Transitions are
// guarded by the session's serialization lock; concurrent forwarders
// that observe StateReady never race to open a second WebSocket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config holds tunnel client configuration.
type Config struct {
	// RelayURL is the ws:// or wss:// address of the relay server.
	RelayURL string

	// TargetHost and TargetPort name the destination the relay dials.
	TargetHost string
	TargetPort int

	// Passphrase is presented on CONNECT. Optional.
	Passphrase string

	// ListenPort is the local port to accept plaintext clients on.
	// 0 picks a random port above 10000.
	ListenPort int

	// HandshakeTimeout bounds the CONNECT/START exchange.
	HandshakeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Tunnel owns the single WebSocket connection to the relay and drives
// the client side of the protocol.
type Tunnel struct {
	cfg    Config
	logger *slog.Logger

	// mu is the serialization lock guarding (re)establishment and the
	// state transitions. It is held across connect-if-needed, never
	// across a data forward.
	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	connection string

	writeMu sync.Mutex

	// attachMu guards the attached local socket and the pending queue.
	attachMu sync.Mutex
	local    io.Writer
	pending  [][]byte

	fatalCh chan error
}

// NewTunnel creates a tunnel session, filling in config defaults.
func NewTunnel(cfg Config) *Tunnel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	return &Tunnel{
		cfg:     cfg,
		logger:  cfg.Logger,
		fatalCh: make(chan error, 1),
	}
}

// Fatal delivers the first fatal tunnel condition. Handshake rejections
// and CLOSED/FAILED notifications for the active connection land here.
func (t *Tunnel) Fatal() <-chan error {
	return t.fatalCh
}

// Forward sends one chunk of local client bytes through the tunnel,
// establishing the session first if necessary.
func (t *Tunnel) Forward(ctx context.Context, b []byte) error {
	ws, connection, err := t.ensureConnected(ctx)
	if err != nil {
		return err
	}

	msg := protocol.Message{
		Type:       protocol.TypeTraffic,
		Connection: connection,
		Data:       protocol.EncodePayload(b),
	}
	if err := t.write(ctx, ws, msg); err != nil {
		return fmt.Errorf("forward traffic: %w", err)
	}
	t.cfg.Metrics.AddBytes(metrics.RoleClient, metrics.DirectionToTarget, len(b))
	return nil
}

// ensureConnected performs the lazy connect-if-needed step under the
// serialization lock: concurrent data arrivals that observe a broken
// session cannot race to open multiple WebSocket connections or issue
// two handshakes.
func (t *Tunnel) ensureConnected(ctx context.Context) (*websocket.Conn, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateReady {
		return t.ws, t.connection, nil
	}

	t.state = StateConnecting
	ws, connection, err := t.handshake(ctx)
	if err != nil {
		t.state = StateDisconnected
		t.fatal(err)
		return nil, "", err
	}

	t.ws = ws
	t.connection = connection
	t.state = StateReady

	go t.readLoop(ws, connection)
	return ws, connection, nil
}

// handshake opens the WebSocket and drives the CONNECT/START exchange,
// returning once the logical connection is ESTABLISHED.
func (t *Tunnel) handshake(ctx context.Context) (*websocket.Conn, string, error) {
	hsCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(hsCtx, t.cfg.RelayURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		return nil, "", fmt.Errorf("dial relay: %w", err)
	}
	t.logger.Debug("relay connected", "url", t.cfg.RelayURL)

	fail := func(err error) (*websocket.Conn, string, error) {
		_ = ws.CloseNow()
		return nil, "", err
	}

	if err := t.write(hsCtx, ws, protocol.Message{
		Type:       protocol.TypeConnect,
		Passphrase: t.cfg.Passphrase,
	}); err != nil {
		return fail(fmt.Errorf("send connect: %w", err))
	}
	reply, err := t.awaitReply(hsCtx, ws, func(m protocol.Message) bool {
		return m.Command == protocol.TypeConnect
	})
	if err != nil {
		return fail(fmt.Errorf("connect handshake: %w", err))
	}
	if reply.Error != "" {
		return fail(fmt.Errorf("connect rejected: %s", reply.Error))
	}

	if err := t.write(hsCtx, ws, protocol.Message{
		Type: protocol.TypeStart,
		Host: t.cfg.TargetHost,
		Port: t.cfg.TargetPort,
	}); err != nil {
		return fail(fmt.Errorf("send start: %w", err))
	}
	reply, err = t.awaitReply(hsCtx, ws, func(m protocol.Message) bool {
		return m.Command == protocol.TypeStart || m.Status == protocol.StatusFailed
	})
	if err != nil {
		return fail(fmt.Errorf("start handshake: %w", err))
	}
	if reply.Error != "" {
		return fail(fmt.Errorf("start rejected: %s", reply.Error))
	}
	connection := reply.Connection
	if connection == "" {
		return fail(errors.New("start reply missing connection id"))
	}

	// Wait for the asynchronous dial outcome before letting traffic flow.
	reply, err = t.awaitReply(hsCtx, ws, func(m protocol.Message) bool {
		return m.Connection == connection &&
			(m.Status == protocol.StatusEstablished || m.Status == protocol.StatusFailed)
	})
	if err != nil {
		return fail(fmt.Errorf("await establishment: %w", err))
	}
	if reply.Status == protocol.StatusFailed {
		return fail(fmt.Errorf("connection failed: %s", reply.Error))
	}

	t.cfg.Metrics.ConnectionEstablished(metrics.RoleClient)
	t.logger.Info("tunnel established", "connection", connection,
		"host", t.cfg.TargetHost, "port", t.cfg.TargetPort)
	return ws, connection, nil
}

// awaitReply reads control frames until one matches, buffering any data
// frames that arrive early. Malformed and binary frames are dropped.
func (t *Tunnel) awaitReply(ctx context.Context, ws *websocket.Conn, match func(protocol.Message) bool) (protocol.Message, error) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		if match(msg) {
			return msg, nil
		}
		if msg.Data != "" {
			t.handleData(msg)
		}
	}
}

// readLoop decodes inbound traffic for the active logical connection
// until the WebSocket closes.
func (t *Tunnel) readLoop(ws *websocket.Conn, connection string) {
	ctx := context.Background()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.markDisconnected(ws)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Debug("ignoring malformed frame", "error", err)
			continue
		}
		t.handleMessage(msg, connection)
	}
}

func (t *Tunnel) handleMessage(msg protocol.Message, connection string) {
	// Messages for other logical connections are not ours to act on.
	if msg.Connection != "" && msg.Connection != connection {
		return
	}

	switch {
	case msg.Status == protocol.StatusEstablished:
		t.logger.Info("connection ready", "connection", msg.Connection)
	case msg.Status == protocol.StatusClosed || msg.Status == protocol.StatusFailed:
		t.cfg.Metrics.ConnectionClosed(metrics.RoleClient, msg.Status)
		t.fatal(fmt.Errorf("connection %s: status %s (hadError=%v)", connection, msg.Status, msg.HadError))
	case msg.Data != "":
		t.handleData(msg)
	case msg.Command == protocol.TypeTraffic && msg.Error != "":
		t.cfg.Metrics.ProtocolError(metrics.RoleClient, msg.Error)
		if msg.Error == protocol.ErrClosed {
			t.fatal(fmt.Errorf("connection %s: target socket closed", connection))
			return
		}
		t.logger.Warn("traffic rejected", "connection", connection, "error", msg.Error)
	}
}

// handleData writes an inbound payload to the attached local socket, or
// queues it until a local client attaches.
func (t *Tunnel) handleData(msg protocol.Message) {
	payload, err := protocol.DecodePayload(msg.Data)
	if err != nil {
		t.logger.Warn("payload decode failed", "error", err)
		return
	}
	t.cfg.Metrics.AddBytes(metrics.RoleClient, metrics.DirectionFromTarget, len(payload))

	t.attachMu.Lock()
	defer t.attachMu.Unlock()
	if t.local == nil {
		t.pending = append(t.pending, payload)
		return
	}
	if _, err := t.local.Write(payload); err != nil {
		t.logger.Warn("local write failed", "error", err)
	}
}

// Attach binds the (at most one) local client socket and flushes the
// pending queue to it in arrival order. A second concurrent client is
// refused.
func (t *Tunnel) Attach(conn io.Writer) error {
	t.attachMu.Lock()
	defer t.attachMu.Unlock()
	if t.local != nil {
		return errors.New("a local client is already attached")
	}
	t.local = conn
	for _, b := range t.pending {
		if _, err := t.local.Write(b); err != nil {
			t.logger.Warn("pending flush failed", "error", err)
			break
		}
	}
	t.pending = nil
	return nil
}

// Detach clears the attached client and closes the WebSocket; the next
// local connection re-establishes the session lazily.
func (t *Tunnel) Detach() {
	t.attachMu.Lock()
	t.local = nil
	t.attachMu.Unlock()
	t.Close()
}

// Close tears down the WebSocket connection, if any.
func (t *Tunnel) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws != nil {
		_ = t.ws.Close(websocket.StatusNormalClosure, "client closing")
		t.ws = nil
	}
	t.connection = ""
	t.state = StateDisconnected
}

// markDisconnected clears connectivity after a read failure, unless a
// newer WebSocket has already replaced the broken one.
func (t *Tunnel) markDisconnected(ws *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ws != ws {
		return
	}
	t.logger.Info("relay connection lost")
	t.ws = nil
	t.connection = ""
	t.state = StateDisconnected
}

// write serializes one message onto the WebSocket.
func (t *Tunnel) write(ctx context.Context, ws *websocket.Conn, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, data)
}

// fatal records the first fatal condition for the run loop.
func (t *Tunnel) fatal(err error) {
	select {
	case t.fatalCh <- err:
	default:
	}
}

// State reports the current session state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
