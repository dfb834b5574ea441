package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Runner executes the registry's ordered steps for one request.
type Runner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRunner creates a runner.
func NewRunner(registry *Registry, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, logger: logger}
}

// Run executes the pipeline. A step returning a StepError ends the request
// with that error; a panic is contained and surfaces as a redacted 500.
// Step internals never reach the caller's error message.
func (r *Runner) Run(ctx context.Context, rc *RequestContext) (stepErr *StepError) {
	if rc.StartedAt.IsZero() {
		rc.StartedAt = time.Now()
	}
	steps := r.registry.OrderedSteps()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return &StepError{Status: 499, Message: "request cancelled", Err: err}
		}
		if err := r.runStep(ctx, step, rc); err != nil {
			if err.Status >= 500 {
				r.logger.Error("pipeline step failed",
					"request_id", rc.RequestID,
					"step", step.Name(),
					"status", err.Status,
					"error", err.Err)
			} else {
				r.logger.Warn("pipeline step aborted request",
					"request_id", rc.RequestID,
					"step", step.Name(),
					"status", err.Status,
					"reason", err.Message)
			}
			return err
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, step Step, rc *RequestContext) (stepErr *StepError) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline step panicked",
				"request_id", rc.RequestID,
				"step", step.Name(),
				"panic", rec)
			stepErr = &StepError{
				Status:  http.StatusInternalServerError,
				Message: "internal error",
			}
		}
	}()
	return step.Execute(ctx, rc)
}
