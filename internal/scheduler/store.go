package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	DefaultFailureThreshold = 3
	MinFailureThreshold     = 1
	DefaultCooldown         = 300 * time.Second
	MinCooldown             = 30 * time.Second
)

var (
	// ErrNotFound is returned when no task has the given ID.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a transition loses the race for a
	// task, or the task is not in a state the transition accepts.
	ErrConflict = errors.New("conflicting task transition")
	// ErrCooldown is returned by MarkRunning while the task is
	// auto-disabled after repeated failures.
	ErrCooldown = errors.New("task is cooling down")
)

// Task is one scheduled unit of work.
type Task struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Kind                string         `json:"kind"`
	Payload             map[string]any `json:"payload,omitempty"`
	Provider            string         `json:"provider,omitempty"`
	Model               string         `json:"model,omitempty"`
	Schedule            Schedule       `json:"schedule"`
	Status              Status         `json:"status"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	AutoDisabledUntil   *time.Time     `json:"auto_disabled_until,omitempty"`
	NextRunAt           *time.Time     `json:"next_run_at,omitempty"`
	LastStartedAt       *time.Time     `json:"last_started_at,omitempty"`
	LastFinishedAt      *time.Time     `json:"last_finished_at,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status
	Kind   string
	Limit  int
}

// Store is the scheduled-task DAO. Transitions are single conditional
// updates so at most one caller wins an in-flight transition.
type Store struct {
	db        *sql.DB
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore wraps an open database. Threshold and cooldown are clamped
// to their minimums; zero values select the defaults.
func NewStore(db *sql.DB, threshold int, cooldown time.Duration, logger *slog.Logger) *Store {
	if threshold == 0 {
		threshold = DefaultFailureThreshold
	}
	if threshold < MinFailureThreshold {
		threshold = MinFailureThreshold
	}
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	if cooldown < MinCooldown {
		cooldown = MinCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:        db,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With("component", "scheduler"),
		now:       time.Now,
	}
}

// Create validates the schedule, assigns an ID, computes the first
// next_run_at, and inserts the task as pending.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Kind == "" {
		t.Kind = "prompt"
	}
	t.Status = StatusPending

	now := s.now()
	next, ok, err := t.Schedule.Next(now, time.Time{})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("schedule for %q never fires", t.Name)
	}
	t.NextRunAt = &next

	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return err
	}
	sched, err := marshalSchedule(t.Schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, name, kind, payload_json, provider, model, schedule_json, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Kind, payload, nullStr(t.Provider), nullStr(t.Model), sched, t.Status, next)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get returns one task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// List returns tasks matching the filter, soonest next run first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Task, error) {
	query := selectTask + ` WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY next_run_at IS NULL, next_run_at`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a task.
func (s *Store) Update(ctx context.Context, t *Task) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return err
	}
	sched, err := marshalSchedule(t.Schedule)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET name = ?, kind = ?, payload_json = ?, provider = ?, model = ?, schedule_json = ?,
		    next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		t.Name, t.Kind, payload, nullStr(t.Provider), nullStr(t.Model), sched,
		nullTime(t.NextRunAt), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

// Delete removes a task.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res)
}

// GetDueTasks returns pending tasks whose next_run_at has passed,
// soonest first.
func (s *Store) GetDueTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectTask+`
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at LIMIT ?`,
		StatusPending, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRunning transitions pending→running. Returns ErrCooldown while
// the task is auto-disabled and ErrConflict when another caller holds
// the transition.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, last_started_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
		  AND (auto_disabled_until IS NULL OR auto_disabled_until <= ?)`,
		StatusRunning, now, id, StatusPending, now)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.AutoDisabledUntil != nil && t.AutoDisabledUntil.After(now) {
		return fmt.Errorf("%w until %s", ErrCooldown, t.AutoDisabledUntil.Format(time.RFC3339))
	}
	return ErrConflict
}

// MarkCompleted transitions running→terminal, clears the failure
// counters, and reschedules recurring tasks back to pending.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCompleted, true)
}

// MarkFailed transitions running→terminal, bumps consecutive_failures,
// and arms the cooldown at the failure threshold. Recurring tasks go
// back to pending and retry at their next slot.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusFailed, false)
}

// MarkCancelled cancels a pending or running task and makes it inert.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, next_run_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelled, id, StatusPending, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return transitionResult(res)
}

func (s *Store) finish(ctx context.Context, id string, terminal Status, success bool) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	now := s.now()
	status := terminal
	var nextRun *time.Time
	if t.Schedule.Kind != ScheduleOnce {
		lastStarted := now
		if t.LastStartedAt != nil {
			lastStarted = *t.LastStartedAt
		}
		next, ok, err := t.Schedule.Next(now, lastStarted)
		if err != nil {
			return err
		}
		if ok {
			status = StatusPending
			nextRun = &next
		}
	}

	if success {
		res, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, next_run_at = ?, last_finished_at = ?,
			    consecutive_failures = 0, auto_disabled_until = NULL,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			status, nullTime(nextRun), now, id, StatusRunning)
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		return transitionResult(res)
	}

	failures := t.ConsecutiveFailures + 1
	var disabledUntil *time.Time
	if failures >= s.threshold {
		until := now.Add(s.cooldown)
		disabledUntil = &until
		s.logger.Warn("task auto-disabled after repeated failures",
			"task_id", id, "failures", failures, "until", until)
	} else if t.AutoDisabledUntil != nil {
		disabledUntil = t.AutoDisabledUntil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET status = ?, next_run_at = ?, last_finished_at = ?,
		    consecutive_failures = ?, auto_disabled_until = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		status, nullTime(nextRun), now, failures, nullTime(disabledUntil), id, StatusRunning)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return transitionResult(res)
}

const selectTask = `
	SELECT id, name, kind, payload_json, provider, model, schedule_json, status,
	       consecutive_failures, auto_disabled_until, next_run_at,
	       last_started_at, last_finished_at, created_at, updated_at
	FROM scheduled_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var payload, sched string
	var provider, model sql.NullString
	var disabled, nextRun, started, finished sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Kind, &payload, &provider, &model, &sched, &t.Status,
		&t.ConsecutiveFailures, &disabled, &nextRun, &started, &finished,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Provider = provider.String
	t.Model = model.String
	t.AutoDisabledUntil = timePtr(disabled)
	t.NextRunAt = timePtr(nextRun)
	t.LastStartedAt = timePtr(started)
	t.LastFinishedAt = timePtr(finished)
	if t.Schedule, err = unmarshalSchedule(sched); err != nil {
		return nil, err
	}
	if t.Payload, err = unmarshalPayload(payload); err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func transitionResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func marshalPayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
