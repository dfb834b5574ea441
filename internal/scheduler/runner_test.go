package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunnerSweepCompletes(t *testing.T) {
	s, now := newTestStore(t, 0, 0)
	ctx := context.Background()

	if err := s.Create(ctx, intervalTask("sweep-ok", 60)); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(61 * time.Second)

	var ran []string
	r := NewRunner(s, ExecutorFunc(func(ctx context.Context, task *Task) error {
		ran = append(ran, task.Name)
		return nil
	}), nil)

	var finals []string
	r.OnFinal(func(status string) { finals = append(finals, status) })

	r.sweep(ctx)

	if len(ran) != 1 || ran[0] != "sweep-ok" {
		t.Fatalf("executed = %v", ran)
	}
	if len(finals) != 1 || finals[0] != string(StatusCompleted) {
		t.Errorf("finals = %v", finals)
	}

	tasks, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].Status != StatusPending {
		t.Errorf("interval task status = %s, want pending for next cycle", tasks[0].Status)
	}
	if tasks[0].ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d", tasks[0].ConsecutiveFailures)
	}
}

func TestRunnerSweepFailureGovernance(t *testing.T) {
	s, now := newTestStore(t, 2, time.Minute)
	ctx := context.Background()

	if err := s.Create(ctx, intervalTask("sweep-fail", 1)); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	r := NewRunner(s, ExecutorFunc(func(ctx context.Context, task *Task) error {
		return boom
	}), nil)

	for i := 0; i < 2; i++ {
		*now = now.Add(2 * time.Second)
		r.sweep(ctx)
	}

	tasks, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	task := tasks[0]
	if task.ConsecutiveFailures != 2 {
		t.Fatalf("consecutive failures = %d, want 2", task.ConsecutiveFailures)
	}
	if task.AutoDisabledUntil == nil || !task.AutoDisabledUntil.After(*now) {
		t.Errorf("auto_disabled_until = %v", task.AutoDisabledUntil)
	}

	// The cooling-down task is skipped, not failed again.
	*now = now.Add(2 * time.Second)
	r.sweep(ctx)
	tasks, _ = s.List(ctx, ListFilter{})
	if tasks[0].ConsecutiveFailures != 2 {
		t.Errorf("cooldown not honoured: failures = %d", tasks[0].ConsecutiveFailures)
	}
}

func TestRunnerStartStop(t *testing.T) {
	s, _ := newTestStore(t, 0, 0)
	r := NewRunner(s, nil, nil)
	r.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.Start(ctx) // second start is a no-op
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent
}
