// Package e2e exercises a real relay server and tunnel client together
// over loopback: a local TCP client talks through the tunnel to a TCP
// echo target.
package e2e

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kyujin-cho/websocket-tunnel/internal/auth"
	"github.com/kyujin-cho/websocket-tunnel/internal/client"
	"github.com/kyujin-cho/websocket-tunnel/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEchoServer starts a TCP server that echoes everything back.
func startEchoServer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr)
}

// startRelay runs the relay server on an httptest server.
func startRelay(t *testing.T, table *auth.Table) string {
	t.Helper()
	srv := httptest.NewServer(server.New(server.Config{
		Table:  table,
		Logger: discardLogger(),
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// freePort grabs an available loopback port for the client listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// startClient runs the tunnel client in the background and returns the
// local listener address plus the channel Run's result lands on.
func startClient(t *testing.T, cfg client.Config) (string, <-chan error) {
	t.Helper()
	cfg.Logger = discardLogger()
	cfg.ListenPort = freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, cfg) }()
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.ListenPort)), done
}

// dialLocal connects to the client's local listener, retrying while the
// listener is still coming up.
func dialLocal(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial local listener: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func roundTrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("echo = %q, want %q", buf, payload)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	echo := startEchoServer(t)
	relayURL := startRelay(t, nil)

	addr, _ := startClient(t, client.Config{
		RelayURL:   relayURL,
		TargetHost: echo.IP.String(),
		TargetPort: echo.Port,
	})

	conn := dialLocal(t, addr)
	defer conn.Close()
	roundTrip(t, conn, []byte("hello through the tunnel\n"))
}

func TestEchoWithCredentials(t *testing.T) {
	echo := startEchoServer(t)
	table := auth.New(&auth.Credential{
		Passphrase: "hunter2",
		Allowed: map[string]auth.PortSet{
			echo.IP.String(): {echo.Port: {}},
		},
	})
	relayURL := startRelay(t, table)

	addr, _ := startClient(t, client.Config{
		RelayURL:   relayURL,
		TargetHost: echo.IP.String(),
		TargetPort: echo.Port,
		Passphrase: "hunter2",
	})

	conn := dialLocal(t, addr)
	defer conn.Close()
	roundTrip(t, conn, []byte("authenticated traffic"))
}

func TestWrongPassphraseFails(t *testing.T) {
	echo := startEchoServer(t)
	relayURL := startRelay(t, auth.Single("hunter2"))

	addr, done := startClient(t, client.Config{
		RelayURL:   relayURL,
		TargetHost: echo.IP.String(),
		TargetPort: echo.Port,
		Passphrase: "wrong",
	})

	conn := dialLocal(t, addr)
	defer conn.Close()
	// The handshake is lazy: the first bytes trigger it and it fails.
	_, _ = conn.Write([]byte("trigger"))

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the client run to fail")
		}
		if !strings.Contains(err.Error(), "AUTHFAIL") {
			t.Errorf("error = %v, want AUTHFAIL", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client run did not terminate")
	}
}

func TestLargeTransfer(t *testing.T) {
	echo := startEchoServer(t)
	relayURL := startRelay(t, nil)

	addr, _ := startClient(t, client.Config{
		RelayURL:   relayURL,
		TargetHost: echo.IP.String(),
		TargetPort: echo.Port,
	})

	conn := dialLocal(t, addr)
	defer conn.Close()

	// Larger than a single read buffer, so the payload crosses several
	// control frames in both directions.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 16*1024) // 256 KiB

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		errCh <- err
	}()

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(30 * time.Second)) //nolint:errcheck // test deadline
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("echoed payload does not match")
	}
}

func TestSequentialClients(t *testing.T) {
	echo := startEchoServer(t)
	relayURL := startRelay(t, nil)

	addr, _ := startClient(t, client.Config{
		RelayURL:   relayURL,
		TargetHost: echo.IP.String(),
		TargetPort: echo.Port,
	})

	first := dialLocal(t, addr)
	roundTrip(t, first, []byte("first client"))
	_ = first.Close()

	// The next client triggers a fresh session on the same listener.
	deadline := time.Now().Add(10 * time.Second)
	for {
		second := dialLocal(t, addr)
		second.SetDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
		payload := []byte("second client")
		if _, err := second.Write(payload); err == nil {
			buf := make([]byte, len(payload))
			if _, err := io.ReadFull(second, buf); err == nil && bytes.Equal(buf, payload) {
				_ = second.Close()
				return
			}
		}
		_ = second.Close()
		if time.Now().After(deadline) {
			t.Fatal("second client never completed a round trip")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
