package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
)

const (
	// Random local ports are picked above this floor.
	ephemeralPortFloor = 10000

	listenAttempts  = 10
	localBufferSize = 32 * 1024
)

// Listener accepts one local plaintext TCP client at a time and feeds
// its bytes into the tunnel session.
type Listener struct {
	cfg    Config
	tunnel *Tunnel
}

// NewListener creates a local listener bound to a tunnel session.
func NewListener(cfg Config, tunnel *Tunnel) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = tunnel.logger
	}
	return &Listener{cfg: cfg, tunnel: tunnel}
}

// Run binds the local port and serves clients until the context is
// cancelled or the tunnel reports a fatal condition, which is returned.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := l.listen()
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	l.cfg.Logger.Info("local listener ready", "addr", ln.Addr(),
		"target", net.JoinHostPort(l.cfg.TargetHost, strconv.Itoa(l.cfg.TargetPort)))

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		l.acceptLoop(ctx, ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-l.tunnel.Fatal():
		l.cfg.Logger.Error("tunnel failed", "error", err)
		runErr = err
	}

	ln.Close() //nolint:errcheck // best-effort cleanup
	l.tunnel.Close()
	<-acceptDone
	return runErr
}

// listen binds the configured port, or picks a random port above 10000
// when none is configured.
func (l *Listener) listen() (net.Listener, error) {
	if l.cfg.ListenPort != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.cfg.ListenPort))
		if err != nil {
			return nil, fmt.Errorf("listen on port %d: %w", l.cfg.ListenPort, err)
		}
		return ln, nil
	}

	var lastErr error
	for range listenAttempts {
		port := ephemeralPortFloor + 1 + rand.IntN(65535-ephemeralPortFloor-1)
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free local port found: %w", lastErr)
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		// One attached client at a time; reject latecomers outright.
		if err := l.tunnel.Attach(conn); err != nil {
			l.cfg.Logger.Warn("rejecting second local client", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		l.cfg.Logger.Info("local client attached", "remote", conn.RemoteAddr())
		// Serve concurrently so a second connection is rejected
		// immediately instead of queueing in the accept backlog.
		go l.serveLocal(ctx, conn)
	}
}

// serveLocal forwards local client bytes through the tunnel until the
// client disconnects, then drops the WebSocket so the next client
// re-establishes lazily.
func (l *Listener) serveLocal(ctx context.Context, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		l.tunnel.Detach()
		l.cfg.Logger.Info("local client detached", "remote", conn.RemoteAddr())
	}()

	buf := make([]byte, localBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if fwdErr := l.tunnel.Forward(ctx, buf[:n]); fwdErr != nil {
				l.cfg.Logger.Error("forward failed", "error", fwdErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Run wires a tunnel session to a local listener and blocks until a
// fatal condition or cancellation.
func Run(ctx context.Context, cfg Config) error {
	tunnel := NewTunnel(cfg)
	return NewListener(cfg, tunnel).Run(ctx)
}
