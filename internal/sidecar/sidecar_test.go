package sidecar

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartDisabled(t *testing.T) {
	m := New(config.SidecarSettings{Enabled: false}, testLogger())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Running() {
		t.Error("disabled manager reports running")
	}
}

func TestStartWithoutCommand(t *testing.T) {
	m := New(config.SidecarSettings{Enabled: true, Port: freePort(t)}, testLogger())
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing command")
	}
}

func TestSpawnKilledWhenNeverHealthy(t *testing.T) {
	cfg := config.SidecarSettings{
		Enabled:     true,
		Command:     "sleep",
		Args:        []string{"30"},
		Port:        freePort(t),
		TimeoutSecs: 1,
	}
	m := New(cfg, testLogger())

	err := m.Start(context.Background())
	if err == nil {
		m.Stop()
		t.Fatal("expected readiness timeout")
	}
	if !strings.Contains(err.Error(), "not healthy") {
		t.Errorf("error = %v", err)
	}
	if m.Running() {
		t.Error("child still running after failed readiness")
	}
}

func TestPortReclaim(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()

	cfg := config.SidecarSettings{
		Enabled:     true,
		Command:     "sleep",
		Args:        []string{"30"},
		Port:        port,
		TimeoutSecs: 1,
	}
	m := New(cfg, testLogger())
	m.settle = 10 * time.Millisecond

	killed := false
	m.killPortOwner = func(p int) error {
		if p != port {
			t.Errorf("kill asked for port %d, want %d", p, port)
		}
		killed = true
		return ln.Close()
	}

	// Readiness still fails (nothing serves /health), but the contended
	// port must have been reclaimed before the spawn.
	err = m.Start(context.Background())
	if err == nil {
		m.Stop()
		t.Fatal("expected readiness timeout")
	}
	if !killed {
		t.Error("port owner was never killed")
	}
	if strings.Contains(err.Error(), "still in use") {
		t.Errorf("port not reclaimed: %v", err)
	}
}

func TestPortReclaimFailure(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()

	cfg := config.SidecarSettings{
		Enabled: true,
		Command: "sleep",
		Args:    []string{"30"},
		Port:    port,
	}
	m := New(cfg, testLogger())
	m.settle = 10 * time.Millisecond
	m.killPortOwner = func(int) error { return nil }

	err = m.Start(context.Background())
	if err == nil {
		m.Stop()
		t.Fatal("expected bind failure")
	}
	if !strings.Contains(err.Error(), "still in use") {
		t.Errorf("error = %v", err)
	}
}

func TestHealthPoll(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	m := New(config.SidecarSettings{Enabled: true, Port: port}, testLogger())
	if !m.healthOK(context.Background()) {
		t.Error("health check failed against live endpoint")
	}

	// Healthy is false without a managed process even if the port answers.
	if m.Healthy(context.Background()) {
		t.Error("Healthy true with no managed process")
	}
}

func TestStopIdempotent(t *testing.T) {
	m := New(config.SidecarSettings{Enabled: true}, testLogger())
	m.Stop()
	m.Stop()
}
