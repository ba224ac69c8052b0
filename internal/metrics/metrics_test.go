package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
		return
	}
	if m.Registry == nil {
		t.Fatal("Registry is nil")
	}

	// Trigger all metrics so they appear in Gather output.
	m.SessionOpened()
	m.ConnectionEstablished(RoleServer)
	m.ConnectionClosed(RoleServer, "CLOSED")
	m.ConnectionFailed(RoleServer, "FAILED")
	m.AddBytes(RoleServer, DirectionToTarget, 100)
	m.ProtocolError(RoleServer, "AUTHFAIL")
	m.ObserveDialDuration(RoleServer, 0.1)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	wantNames := []string{
		"wstunnel_sessions_total",
		"wstunnel_active_sessions",
		"wstunnel_connections_total",
		"wstunnel_active_connections",
		"wstunnel_bytes_total",
		"wstunnel_protocol_errors_total",
		"wstunnel_dial_duration_seconds",
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range wantNames {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	if g := testutil.ToFloat64(m.activeSessions); g != 2 {
		t.Errorf("active_sessions = %v, want 2", g)
	}

	m.SessionClosed()
	if g := testutil.ToFloat64(m.activeSessions); g != 1 {
		t.Errorf("active_sessions = %v, want 1", g)
	}
	if c := testutil.ToFloat64(m.sessionsTotal); c != 2 {
		t.Errorf("sessions_total = %v, want 2", c)
	}
}

func TestConnectionLifecycle(t *testing.T) {
	m := New()

	m.ConnectionEstablished(RoleServer)
	if g := testutil.ToFloat64(m.activeConnections.WithLabelValues(RoleServer)); g != 1 {
		t.Errorf("active_connections = %v, want 1", g)
	}

	m.ConnectionClosed(RoleServer, "CLOSED")
	if g := testutil.ToFloat64(m.activeConnections.WithLabelValues(RoleServer)); g != 0 {
		t.Errorf("active_connections = %v, want 0", g)
	}
	if c := testutil.ToFloat64(m.connectionsTotal.WithLabelValues(RoleServer, "CLOSED")); c != 1 {
		t.Errorf("connections_total = %v, want 1", c)
	}
}

func TestAddBytesIgnoresNonPositive(t *testing.T) {
	m := New()
	m.AddBytes(RoleClient, DirectionFromTarget, 0)
	m.AddBytes(RoleClient, DirectionFromTarget, -5)
	m.AddBytes(RoleClient, DirectionFromTarget, 64)
	if c := testutil.ToFloat64(m.bytesTotal.WithLabelValues(RoleClient, DirectionFromTarget)); c != 64 {
		t.Errorf("bytes_total = %v, want 64", c)
	}
}

func TestNilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.SessionClosed()
	m.ConnectionEstablished(RoleClient)
	m.ConnectionClosed(RoleClient, "CLOSED")
	m.ConnectionFailed(RoleClient, "FAILED")
	m.AddBytes(RoleClient, DirectionToTarget, 10)
	m.ProtocolError(RoleClient, "TIMEOUT")
	m.ObserveDialDuration(RoleClient, 0.5)
}

func TestServe(t *testing.T) {
	m := New()
	m.SessionOpened()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Serve(ctx, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	url := fmt.Sprintf("http://%s/metrics", ln.Addr())
	var body string
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics endpoint never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, "wstunnel_sessions_total") {
		t.Error("expected wstunnel_sessions_total in /metrics output")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}
