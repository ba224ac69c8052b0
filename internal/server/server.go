// Package server implements the relay: it accepts WebSocket control
// channels, authenticates clients against the credential table, dials
// target hosts on their behalf, and multiplexes logical TCP connections
// over each channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kyujin-cho/websocket-tunnel/internal/auth"
	"github.com/kyujin-cho/websocket-tunnel/internal/metrics"
	"github.com/kyujin-cho/websocket-tunnel/internal/protocol"
)

// Config holds relay server configuration.
type Config struct {
	// Addr is the listen address, e.g. ":3000".
	Addr string

	// Table is the credential table. Nil disables authentication.
	Table *auth.Table

	// DialTimeout bounds outbound target dials.
	DialTimeout time.Duration

	// TCPKeepAlive is applied to target connections.
	TCPKeepAlive time.Duration

	// MaxSessions caps concurrent control channels. 0 = unlimited.
	MaxSessions int

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Server is the relay. It implements http.Handler: WebSocket upgrade
// requests become sessions, anything else receives 404.
type Server struct {
	cfg Config
	sem *sessionSemaphore
}

// New creates a Server, filling in config defaults.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}
	return &Server{cfg: cfg, sem: newSessionSemaphore(cfg.MaxSessions)}
}

// ServeHTTP upgrades control channel requests and runs one session per
// accepted WebSocket connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		http.NotFound(w, r)
		return
	}
	if !s.sem.tryAcquire() {
		s.cfg.Logger.Warn("max sessions reached, rejecting connection", "remote", r.RemoteAddr)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.release()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	sess := newSession(uuid.NewString(), ws, s.cfg)
	sess.run(r.Context())
	_ = ws.Close(websocket.StatusNormalClosure, "done")
}

// Serve listens on cfg.Addr and serves control channels until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves control channels on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.cfg.Logger.Info("relay listening", "addr", ln.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
