// Package tracker keeps the agent-run ledger: one row per logical
// user-facing operation, regardless of which entry point started it.
// Terminal state is written at most once.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnabledEnv toggles tracking process-wide. "0", "false", "off", and
// "no" disable it; anything else (or unset) leaves it on.
const EnabledEnv = "PROXYCAST_EXECUTION_TRACKER_ENABLED"

// RunSource names the entry point that started a run.
type RunSource string

const (
	SourceGateway   RunSource = "gateway"
	SourceScheduler RunSource = "scheduler"
	SourceHeartbeat RunSource = "heartbeat"
)

// RunStatus is the ledger state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// RunOptions describe the run being started.
type RunOptions struct {
	Source    RunSource
	SourceRef string
	SessionID string
	Metadata  map[string]any
}

// Outcome is the terminal record for a run.
type Outcome struct {
	Status       RunStatus
	ErrorCode    string
	ErrorMessage string
	Metadata     map[string]any
}

// Finalizer maps the wrapped operation's error to an Outcome. A nil
// finalizer records completed/failed from the error alone.
type Finalizer func(err error) Outcome

// Tracker writes the agent_runs ledger. Persistence failures degrade
// silently: the wrapped operation's result is never affected.
type Tracker struct {
	db      *sql.DB
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// New builds a tracker over an open database, honouring EnabledEnv.
func New(db *sql.DB, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		db:      db,
		logger:  logger.With("component", "tracker"),
		enabled: enabledFromEnv(os.Getenv(EnabledEnv)),
		now:     time.Now,
	}
}

func enabledFromEnv(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

// Enabled reports whether runs are being recorded.
func (t *Tracker) Enabled() bool { return t.enabled }

// WithRun records fn as one ledger run: insert as running, execute,
// then write the terminal row exactly once. fn's error passes through
// untouched.
func (t *Tracker) WithRun(ctx context.Context, opts RunOptions, finalize Finalizer, fn func(context.Context) error) error {
	if !t.enabled {
		return fn(ctx)
	}

	runID := uuid.New().String()
	started := t.now()
	if err := t.insertRun(ctx, runID, opts, started); err != nil {
		t.logger.Warn("run insert failed, continuing untracked", "error", err)
		return fn(ctx)
	}

	err := fn(ctx)

	outcome := defaultOutcome(err)
	if finalize != nil {
		outcome = finalize(err)
	}
	if ferr := t.finishRun(context.WithoutCancel(ctx), runID, started, outcome); ferr != nil {
		t.logger.Warn("run finalize failed", "run_id", runID, "error", ferr)
	}
	return err
}

func defaultOutcome(err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusCompleted}
	}
	if errors.Is(err, context.Canceled) {
		return Outcome{Status: StatusCancelled, ErrorMessage: err.Error()}
	}
	return Outcome{Status: StatusFailed, ErrorMessage: err.Error()}
}

func (t *Tracker) insertRun(ctx context.Context, id string, opts RunOptions, started time.Time) error {
	meta, err := marshalMeta(opts.Metadata)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, source, source_ref, session_id, status, started_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, opts.Source, nullStr(opts.SourceRef), nullStr(opts.SessionID),
		StatusRunning, started, meta)
	return err
}

// finishRun writes terminal state; the finished_at guard ensures a run
// is finalized at most once.
func (t *Tracker) finishRun(ctx context.Context, id string, started time.Time, o Outcome) error {
	if o.Status == "" || o.Status == StatusRunning {
		o.Status = StatusCompleted
	}
	meta, err := marshalMeta(o.Metadata)
	if err != nil {
		return err
	}
	now := t.now()
	res, err := t.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = ?, finished_at = ?, duration_ms = ?,
		    error_code = ?, error_message = ?,
		    metadata_json = COALESCE(?, metadata_json)
		WHERE id = ? AND finished_at IS NULL`,
		o.Status, now, now.Sub(started).Milliseconds(),
		nullStr(o.ErrorCode), nullStr(o.ErrorMessage), meta, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s already finalized", id)
	}
	return nil
}

// Run is one ledger row.
type Run struct {
	ID           string         `json:"id"`
	Source       RunSource      `json:"source"`
	SourceRef    string         `json:"source_ref,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Status       RunStatus      `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// GetRun returns one ledger row by ID.
func (t *Tracker) GetRun(ctx context.Context, id string) (*Run, error) {
	row := t.db.QueryRowContext(ctx, `
		SELECT id, source, source_ref, session_id, status, started_at, finished_at,
		       duration_ms, error_code, error_message, metadata_json
		FROM agent_runs WHERE id = ?`, id)

	var r Run
	var ref, sess, code, msg, meta sql.NullString
	var finished sql.NullTime
	var duration sql.NullInt64
	err := row.Scan(&r.ID, &r.Source, &ref, &sess, &r.Status, &r.StartedAt, &finished,
		&duration, &code, &msg, &meta)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	r.SourceRef = ref.String
	r.SessionID = sess.String
	r.ErrorCode = code.String
	r.ErrorMessage = msg.String
	if finished.Valid {
		v := finished.Time
		r.FinishedAt = &v
	}
	if duration.Valid {
		v := duration.Int64
		r.DurationMs = &v
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode run metadata: %w", err)
		}
	}
	return &r, nil
}

// ListRuns returns recent runs for a session, newest first.
func (t *Tracker) ListRuns(ctx context.Context, sessionID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id FROM agent_runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, err := t.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func marshalMeta(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal metadata: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
