// Package sidecar supervises the co-located agent runtime process. The
// gateway spawns it with an inherited port, restarts contended ports by
// killing the occupying PID, and polls its health endpoint until ready.
package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/observability"
)

const (
	// placeholderAPIKey satisfies runtimes that refuse to boot without a
	// key. The sidecar routes back through this gateway, which holds the
	// real credentials.
	placeholderAPIKey = "sk-ant-placeholder"

	healthPollInterval = 2 * time.Second
	healthCallTimeout  = 10 * time.Second
	portSettleDelay    = 2 * time.Second
)

// Manager owns at most one sidecar process at a time.
type Manager struct {
	cfg    config.SidecarSettings
	logger *observability.Logger
	client *http.Client

	mu   sync.RWMutex
	proc *process

	// killPortOwner is swapped in tests.
	killPortOwner func(port int) error
	settle        time.Duration
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// New creates a manager. It does not spawn anything until Start.
func New(cfg config.SidecarSettings, logger *observability.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		logger:        logger,
		client:        &http.Client{Timeout: healthCallTimeout},
		killPortOwner: killPortOwner,
		settle:        portSettleDelay,
	}
}

// Start spawns the sidecar and blocks until its health endpoint answers or
// the readiness deadline passes. A contended port is reclaimed once by
// killing the occupying process; a second bind failure is returned to the
// caller.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}
	if m.cfg.Command == "" {
		return fmt.Errorf("sidecar enabled but no command configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc != nil {
		return fmt.Errorf("sidecar already running")
	}

	if portInUse(m.cfg.Port) {
		m.logger.Warn(ctx, "sidecar port contended, killing owner", "port", m.cfg.Port)
		if err := m.killPortOwner(m.cfg.Port); err != nil {
			m.logger.Warn(ctx, "port owner kill failed", "port", m.cfg.Port, "error", err.Error())
		}
		time.Sleep(m.settle)
		if portInUse(m.cfg.Port) {
			return fmt.Errorf("sidecar port %d still in use after kill", m.cfg.Port)
		}
	}

	proc, err := m.spawn(ctx)
	if err != nil {
		return err
	}
	m.proc = proc

	if err := m.waitReady(ctx); err != nil {
		m.killLocked()
		return err
	}
	m.logger.Info(ctx, "sidecar ready", "port", m.cfg.Port)
	return nil
}

func (m *Manager) spawn(ctx context.Context) (*process, error) {
	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(m.cfg.Port),
		"GIN_MODE=release",
	)
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+placeholderAPIKey)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn sidecar: %w", err)
	}
	m.logger.Info(ctx, "sidecar spawned", "command", m.cfg.Command, "pid", cmd.Process.Pid)

	go m.pump(stdout, "stdout")
	go m.pump(stderr, "stderr")

	proc := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
	}()
	return proc, nil
}

// pump forwards child output into the structured log one line at a time.
func (m *Manager) pump(r io.Reader, stream string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		m.logger.Debug(context.Background(), "sidecar output", "stream", stream, "line", sc.Text())
	}
}

// waitReady polls the health endpoint until it answers 200 or the overall
// deadline passes. The child exiting early fails the wait immediately.
func (m *Manager) waitReady(ctx context.Context) error {
	timeout := time.Duration(m.cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.After(timeout)
	tick := time.NewTicker(healthPollInterval)
	defer tick.Stop()

	for {
		if m.healthOK(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.proc.done:
			return fmt.Errorf("sidecar exited before becoming healthy: %v", m.proc.err)
		case <-deadline:
			return fmt.Errorf("sidecar not healthy after %s", timeout)
		case <-tick.C:
		}
	}
}

// Healthy polls the sidecar's health endpoint. The result is never cached.
func (m *Manager) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	running := m.proc != nil
	m.mu.RUnlock()
	if !running {
		return false
	}
	return m.healthOK(ctx)
}

func (m *Manager) healthOK(ctx context.Context) bool {
	callCtx, cancel := context.WithTimeout(ctx, healthCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/health", m.cfg.Port), nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Running reports whether a child process is currently held.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.proc == nil {
		return false
	}
	select {
	case <-m.proc.done:
		return false
	default:
		return true
	}
}

// Stop kills the child outright. The sidecar holds no state worth a
// graceful drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killLocked()
}

func (m *Manager) killLocked() {
	if m.proc == nil {
		return
	}
	if m.proc.cmd.Process != nil {
		m.proc.cmd.Process.Kill()
	}
	<-m.proc.done
	m.proc = nil
}

func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}
