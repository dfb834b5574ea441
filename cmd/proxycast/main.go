// Package main is the CLI entry point for the ProxyCast gateway.
//
// ProxyCast is a local multi-tenant LLM gateway. It accepts requests in the
// Anthropic, OpenAI, and CodeWhisperer wire dialects, converts them to a
// neutral form, and routes them across a pool of backend credentials with
// tier-aware selection and failure governance.
//
// # Basic Usage
//
// Start the gateway:
//
//	proxycast serve
//
// Start with an explicit config and port:
//
//	proxycast serve --config /etc/proxycast/config.json --port 9090
//
// # Environment Variables
//
//   - PROXYCAST_API_KEY: shared API key clients must present
//   - PROXYCAST_PORT: listen port override
//   - ANTHROPIC_API_KEY: seed key passed through to the sidecar runtime
//   - PROXYCAST_EXECUTION_TRACKER_ENABLED: "0"/"false"/"off"/"no" disables
//     execution run recording
//
// # Exit Codes
//
//	0  clean shutdown
//	1  configuration could not be loaded
//	2  listen port still bound after reclaim
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/proxycast/proxycast/internal/config"
	"github.com/proxycast/proxycast/internal/credential"
	"github.com/proxycast/proxycast/internal/gateway"
	"github.com/proxycast/proxycast/internal/heartbeat"
	"github.com/proxycast/proxycast/internal/hooks"
	"github.com/proxycast/proxycast/internal/memory"
	"github.com/proxycast/proxycast/internal/observability"
	"github.com/proxycast/proxycast/internal/scheduler"
	"github.com/proxycast/proxycast/internal/selector"
	"github.com/proxycast/proxycast/internal/sidecar"
	"github.com/proxycast/proxycast/internal/skills"
	"github.com/proxycast/proxycast/internal/storage"
	"github.com/proxycast/proxycast/internal/tracker"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitPortBound = 2
)

func main() {
	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
	os.Exit(exitOK)
}

// exitCodeFor maps the failure class onto the documented exit codes.
func exitCodeFor(err error) int {
	if errors.Is(err, gateway.ErrPortInUse) {
		return exitPortBound
	}
	return exitConfig
}

// configError wraps configuration load and validation failures.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type serveOptions struct {
	configPath string
	host       string
	port       int
	apiKey     string
	debug      bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &configError{fmt.Errorf("load config: %w", err)}
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.apiKey != "" {
		cfg.Server.APIKey = opts.apiKey
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return &configError{fmt.Errorf("validate config: %w", err)}
	}

	format := "text"
	if cfg.Logging.JSON {
		format = "json"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: format,
		File:   cfg.Logging.File,
	})
	metrics := observability.NewMetrics()

	logger.Info(ctx, "starting proxycast gateway",
		"version", version,
		"commit", commit,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	db, err := storage.Open(storage.DefaultPath())
	if err != nil {
		return &configError{fmt.Errorf("open database: %w", err)}
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	credStore := credential.NewStore(db, cfg.Scheduler.FailureThreshold)
	pool := credential.NewPool(credStore,
		time.Duration(cfg.Selector.SyncIntervalSec)*time.Second, logger.Slog())
	if err := pool.Sync(ctx); err != nil {
		logger.Warn(ctx, "initial credential sync failed", "error", err.Error())
	}
	go pool.Run(ctx)

	sel := selector.New(pool)
	trk := tracker.New(db, logger.Slog())

	hookEngine, err := hooks.NewEngine(cfg.Hooks, logger.Slog())
	if err != nil {
		return &configError{fmt.Errorf("hooks: %w", err)}
	}

	instructions := skills.NewDiscoverer(logger.Slog())
	defer instructions.Close()

	side := sidecar.New(cfg.Sidecar, logger)
	if err := side.Start(ctx); err != nil {
		if strings.Contains(err.Error(), "still in use") {
			return fmt.Errorf("%w: sidecar port %d", gateway.ErrPortInUse, cfg.Sidecar.Port)
		}
		logger.Warn(ctx, "sidecar start failed", "error", err.Error())
	}
	defer side.Stop()

	var schedRunner *scheduler.Runner
	if cfg.Scheduler.Enabled {
		schedStore := scheduler.NewStore(db, cfg.Scheduler.FailureThreshold,
			time.Duration(cfg.Scheduler.CooldownSecs)*time.Second, logger.Slog())
		schedRunner = scheduler.NewRunner(schedStore, scheduledTaskExecutor(cfg, side, instructions), logger.Slog())
		schedRunner.OnFinal(metrics.RecordSchedulerRun)
		schedRunner.Start(ctx)
		defer schedRunner.Stop()
	}

	if cfg.Heartbeat.Enabled {
		engine := heartbeat.NewEngine(heartbeat.Config{
			TaskFile:      cfg.Heartbeat.TaskFile,
			CycleInterval: time.Duration(cfg.Heartbeat.IntervalSecs) * time.Second,
			BestEffort:    cfg.Heartbeat.BestEffort,
		}, agentExecutor(cfg, side, instructions), nil, logDelivery(logger), trk, logger.Slog())
		engine.Start(ctx)
		defer engine.Stop()
	}

	srv := gateway.NewServer(gateway.Options{
		Settings: cfg,
		Logger:   logger,
		Metrics:  metrics,
		Store:    credStore,
		Pool:     pool,
		Selector: sel,
		Tracker:  trk,
		Hooks:    hookEngine,
		Memories: memory.NewStore(db),
		Switcher: config.NewSwitcher(opts.configPath),
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "gateway listening",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	<-ctx.Done()
	logger.Info(context.Background(), "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(context.Background(), "shutdown incomplete", "error", err.Error())
	}
	logger.Info(context.Background(), "gateway stopped")
	return nil
}

// agentExecutor dispatches intelligent heartbeat tasks through the sidecar
// agent runtime. Without a running sidecar the mode is unavailable and the
// engine reports the task as errored.
func agentExecutor(cfg *config.Settings, side *sidecar.Manager, instructions *skills.Discoverer) heartbeat.Executor {
	if !cfg.Sidecar.Enabled {
		return nil
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/v1/agents/chat", cfg.Sidecar.Port)
	client := &http.Client{}

	return heartbeat.ExecutorFunc(func(ctx context.Context, task heartbeat.Task) (string, error) {
		if !side.Running() {
			return "", fmt.Errorf("sidecar not running")
		}
		prompt := task.Prompt
		if wd, err := os.Getwd(); err == nil {
			if layered := skills.Combined(instructions.Discover(wd)); layered != "" {
				prompt = layered + "\n\n" + prompt
			}
		}
		body, err := json.Marshal(map[string]string{"message": prompt})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("agent dispatch: %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Response string `json:"response"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("agent response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("agent dispatch status %d", resp.StatusCode)
		}
		return out.Response, nil
	})
}

// scheduledTaskExecutor routes DB-scheduled tasks the same way as
// intelligent heartbeat tasks.
func scheduledTaskExecutor(cfg *config.Settings, side *sidecar.Manager, instructions *skills.Discoverer) scheduler.Executor {
	agent := agentExecutor(cfg, side, instructions)
	return scheduler.ExecutorFunc(func(ctx context.Context, task *scheduler.Task) error {
		if agent == nil {
			return fmt.Errorf("no agent runtime for task kind %q", task.Kind)
		}
		prompt, _ := task.Payload["prompt"].(string)
		_, err := agent.Execute(ctx, heartbeat.Task{Name: task.Name, Prompt: prompt})
		return err
	})
}

// logDelivery reports heartbeat results into the structured log.
func logDelivery(logger *observability.Logger) heartbeat.DeliveryFunc {
	return func(ctx context.Context, result *heartbeat.TaskResult) error {
		logger.Info(ctx, "heartbeat task finished",
			"task", result.Task.Name,
			"status", string(result.Status),
			"duration_ms", result.DurationMs,
		)
		return nil
	}
}
