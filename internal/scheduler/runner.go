package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is the pause between due-task sweeps.
const DefaultPollInterval = 10 * time.Second

// DefaultDueBatch caps how many due tasks one sweep claims.
const DefaultDueBatch = 100

// Executor runs one claimed task.
type Executor interface {
	Execute(ctx context.Context, task *Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Runner sweeps the store for due tasks and drives each through the
// running/completed/failed transitions. Transitions are conditional
// updates in the store, so concurrent runners cannot double-claim.
type Runner struct {
	store    *Store
	exec     Executor
	logger   *slog.Logger
	interval time.Duration
	batch    int

	// onFinal observes terminal transitions; nil disables.
	onFinal func(status string)

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRunner wires a runner over the store.
func NewRunner(store *Store, exec Executor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		exec:     exec,
		logger:   logger.With("component", "scheduler"),
		interval: DefaultPollInterval,
		batch:    DefaultDueBatch,
	}
}

// OnFinal registers an observer for terminal transitions. Must be set
// before Start.
func (r *Runner) OnFinal(fn func(status string)) { r.onFinal = fn }

// Start launches the poll loop. A second Start while running is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()
	<-done
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	tasks, err := r.store.GetDueTasks(ctx, r.batch)
	if err != nil {
		r.logger.Error("due-task sweep failed", "error", err)
		return
	}
	for _, task := range tasks {
		r.runOne(ctx, task)
	}
}

func (r *Runner) runOne(ctx context.Context, task *Task) {
	if err := r.store.MarkRunning(ctx, task.ID); err != nil {
		switch {
		case errors.Is(err, ErrCooldown):
			r.logger.Debug("task cooling down", "task_id", task.ID)
		case errors.Is(err, ErrConflict):
			// Another runner claimed it first.
		default:
			r.logger.Error("claim failed", "task_id", task.ID, "error", err)
		}
		return
	}

	execErr := errors.New("no executor configured")
	if r.exec != nil {
		execErr = r.exec.Execute(ctx, task)
	}

	if execErr != nil {
		r.logger.Warn("task failed", "task_id", task.ID, "name", task.Name, "error", execErr)
		if err := r.store.MarkFailed(ctx, task.ID); err != nil {
			r.logger.Error("failed transition lost", "task_id", task.ID, "error", err)
		}
		r.final(string(StatusFailed))
		return
	}

	if err := r.store.MarkCompleted(ctx, task.ID); err != nil {
		r.logger.Error("completed transition lost", "task_id", task.ID, "error", err)
	}
	r.logger.Info("task completed", "task_id", task.ID, "name", task.Name)
	r.final(string(StatusCompleted))
}

func (r *Runner) final(status string) {
	if r.onFinal != nil {
		r.onFinal(status)
	}
}
