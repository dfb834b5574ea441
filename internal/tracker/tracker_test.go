package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/proxycast/proxycast/internal/storage"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tr := New(db, nil)
	tr.enabled = true
	return tr
}

func TestEnabledFromEnv(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"1", true},
		{"true", true},
		{"anything", true},
		{"0", false},
		{"false", false},
		{"FALSE", false},
		{"off", false},
		{"no", false},
		{" no ", false},
	}
	for _, tt := range tests {
		if got := enabledFromEnv(tt.value); got != tt.want {
			t.Errorf("enabledFromEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestWithRunSuccess(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	var capturedID string
	err := tr.WithRun(ctx, RunOptions{
		Source:    SourceHeartbeat,
		SourceRef: "morning-report",
		SessionID: "sess-1",
		Metadata:  map[string]any{"cycle": float64(4)},
	}, nil, func(ctx context.Context) error {
		runs, err := tr.ListRuns(ctx, "sess-1", 10)
		if err != nil || len(runs) != 1 {
			t.Fatalf("mid-run ledger: %v %v", runs, err)
		}
		if runs[0].Status != StatusRunning {
			t.Fatalf("mid-run status = %s", runs[0].Status)
		}
		capturedID = runs[0].ID
		return nil
	})
	if err != nil {
		t.Fatalf("WithRun: %v", err)
	}

	run, err := tr.GetRun(ctx, capturedID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != StatusCompleted || run.FinishedAt == nil || run.DurationMs == nil {
		t.Fatalf("run = %+v", run)
	}
	if run.Source != SourceHeartbeat || run.SourceRef != "morning-report" {
		t.Fatalf("run = %+v", run)
	}
	if run.Metadata["cycle"] != float64(4) {
		t.Fatalf("metadata = %v", run.Metadata)
	}
}

func TestWithRunFailurePassesErrorThrough(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := tr.WithRun(ctx, RunOptions{Source: SourceGateway, SessionID: "s"}, nil,
		func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	runs, err := tr.ListRuns(ctx, "s", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].Status != StatusFailed || runs[0].ErrorMessage != "boom" {
		t.Fatalf("run = %+v", runs[0])
	}
}

func TestWithRunCustomFinalizer(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	err := tr.WithRun(ctx, RunOptions{Source: SourceScheduler, SessionID: "s"},
		func(err error) Outcome {
			return Outcome{
				Status:    StatusFailed,
				ErrorCode: "upstream_declined",
				Metadata:  map[string]any{"attempts": float64(2)},
			}
		},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("WithRun: %v", err)
	}

	runs, _ := tr.ListRuns(ctx, "s", 1)
	if runs[0].Status != StatusFailed || runs[0].ErrorCode != "upstream_declined" {
		t.Fatalf("run = %+v", runs[0])
	}
	if runs[0].Metadata["attempts"] != float64(2) {
		t.Fatalf("metadata = %v", runs[0].Metadata)
	}
}

func TestFinishRunOnlyOnce(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	started := time.Now()
	if err := tr.insertRun(ctx, "run-1", RunOptions{Source: SourceGateway}, started); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tr.finishRun(ctx, "run-1", started, Outcome{Status: StatusCompleted}); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	if err := tr.finishRun(ctx, "run-1", started, Outcome{Status: StatusFailed}); err == nil {
		t.Fatal("second finish should be rejected")
	}

	run, err := tr.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("terminal state overwritten: %s", run.Status)
	}
}

func TestDisabledTrackerStillRuns(t *testing.T) {
	tr := newTestTracker(t)
	tr.enabled = false

	ran := false
	err := tr.WithRun(context.Background(), RunOptions{Source: SourceGateway}, nil,
		func(context.Context) error { ran = true; return nil })
	if err != nil || !ran {
		t.Fatalf("ran=%v err=%v", ran, err)
	}

	runs, err := tr.ListRuns(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("disabled tracker wrote %d rows", len(runs))
	}
}
