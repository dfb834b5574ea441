package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proxycast/proxycast/internal/tracker"
)

// DefaultCycleInterval is the pause between heartbeat cycles.
const DefaultCycleInterval = 60 * time.Second

// DefaultTaskTimeout caps tasks that do not set timeout_secs.
const DefaultTaskTimeout = 120 * time.Second

// ResultStatus summarises one task execution.
type ResultStatus string

const (
	ResultOK      ResultStatus = "ok"
	ResultError   ResultStatus = "error"
	ResultSkipped ResultStatus = "skipped"
)

// TaskResult is delivered after each task run.
type TaskResult struct {
	Task       Task         `json:"task"`
	Status     ResultStatus `json:"status"`
	Output     string       `json:"output,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Executor runs one heartbeat task. The agent runtime and the skill
// runtime each provide one.
type Executor interface {
	Execute(ctx context.Context, task Task) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, task Task) (string, error) {
	return f(ctx, task)
}

// DeliveryFunc receives task results. With BestEffort set, delivery
// errors are logged and dropped; otherwise they fail the cycle.
type DeliveryFunc func(ctx context.Context, result *TaskResult) error

// Config configures the heartbeat engine.
type Config struct {
	TaskFile      string
	CycleInterval time.Duration
	BestEffort    bool
}

// Engine reloads the task file each cycle, runs due tasks, and
// delivers their results.
type Engine struct {
	cfg     Config
	agent   Executor
	skills  Executor
	deliver DeliveryFunc
	tracker *tracker.Tracker
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	lastRun map[string]time.Time
}

// NewEngine wires the engine. agent and skills may be nil; tasks
// needing a missing executor are reported as errors.
func NewEngine(cfg Config, agent, skills Executor, deliver DeliveryFunc, tr *tracker.Tracker, logger *slog.Logger) *Engine {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		agent:   agent,
		skills:  skills,
		deliver: deliver,
		tracker: tr,
		logger:  logger.With("component", "heartbeat"),
		now:     time.Now,
		lastRun: make(map[string]time.Time),
	}
}

// Start launches the cycle loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	doneCh := e.doneCh
	e.mu.Unlock()
	<-doneCh
}

func (e *Engine) run(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		close(e.doneCh)
		e.mu.Unlock()
	}()

	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Cycle(ctx); err != nil {
				e.logger.Error("heartbeat cycle failed", "error", err)
			}
		}
	}
}

// Cycle loads the task file, runs every due task once, and delivers
// results. A task is due when its interval has elapsed since its last
// run, or its cron expression fired since then. Duplicate names run
// once per cycle.
func (e *Engine) Cycle(ctx context.Context) error {
	tasks, err := LoadTasks(e.cfg.TaskFile)
	if err != nil {
		return err
	}

	now := e.now()
	seen := map[string]bool{}
	for _, task := range tasks {
		if task.Disabled || seen[task.Name] {
			continue
		}
		seen[task.Name] = true

		e.mu.Lock()
		last := e.lastRun[task.Name]
		e.mu.Unlock()
		if !e.due(task, last, now) {
			continue
		}

		e.mu.Lock()
		e.lastRun[task.Name] = now
		e.mu.Unlock()

		result := e.execute(ctx, task)
		if err := e.deliverResult(ctx, result); err != nil {
			if !e.cfg.BestEffort {
				return err
			}
			e.logger.Warn("result delivery dropped", "task", task.Name, "error", err)
		}
	}
	return nil
}

func (e *Engine) due(task Task, last, now time.Time) bool {
	if task.Cron != "" {
		sched, err := cronParser.Parse(task.Cron)
		if err != nil {
			return false
		}
		if last.IsZero() {
			last = now.Add(-e.cfg.CycleInterval)
		}
		next := sched.Next(last)
		return !next.IsZero() && !next.After(now)
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= time.Duration(task.EverySecs)*time.Second
}

func (e *Engine) execute(ctx context.Context, task Task) *TaskResult {
	started := e.now()
	result := &TaskResult{Task: task, Timestamp: started}

	timeout := DefaultTaskTimeout
	if task.TimeoutSecs > 0 {
		timeout = time.Duration(task.TimeoutSecs) * time.Second
	}

	run := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		output, err := e.executeMode(ctx, task)
		result.Output = output
		return err
	}

	var err error
	if e.tracker != nil {
		err = e.tracker.WithRun(ctx, tracker.RunOptions{
			Source:    tracker.SourceHeartbeat,
			SourceRef: task.Name,
		}, nil, run)
	} else {
		err = run(ctx)
	}

	result.DurationMs = e.now().Sub(started).Milliseconds()
	if err != nil {
		result.Status = ResultError
		result.Error = err.Error()
		e.logger.Warn("heartbeat task failed", "task", task.Name, "error", err)
	} else {
		result.Status = ResultOK
	}
	return result
}

func (e *Engine) executeMode(ctx context.Context, task Task) (string, error) {
	switch task.Mode() {
	case ModeLogOnly:
		e.logger.Info("heartbeat task fired", "task", task.Name)
		return "", nil
	case ModeIntelligent:
		if e.agent == nil {
			return "", fmt.Errorf("no agent executor configured")
		}
		return e.agent.Execute(ctx, task)
	case ModeSkill:
		if e.skills == nil {
			return "", fmt.Errorf("no skill executor configured")
		}
		return e.skills.Execute(ctx, task)
	default:
		return "", fmt.Errorf("unknown execution mode %q", task.ExecutionMode)
	}
}

func (e *Engine) deliverResult(ctx context.Context, result *TaskResult) error {
	if e.deliver == nil {
		return nil
	}
	if err := e.deliver(ctx, result); err != nil {
		return fmt.Errorf("deliver result for %q: %w", result.Task.Name, err)
	}
	return nil
}
