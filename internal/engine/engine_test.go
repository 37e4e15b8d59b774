package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mgrady/taskvisor/internal/engine"
	"github.com/mgrady/taskvisor/internal/model"
	"github.com/mgrady/taskvisor/internal/runner"
	"github.com/mgrady/taskvisor/internal/store"
	"github.com/mgrady/taskvisor/internal/task"
)

func newTestEngine(t *testing.T) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := runner.NewRegistry()
	reg.Register("ok", func(ctx context.Context, args []string) (any, error) {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return "hello", nil
	})
	reg.Register("fail", func(ctx context.Context, args []string) (any, error) {
		return nil, errors.New("runner crash")
	})
	reg.Register("block", func(ctx context.Context, args []string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Register("boom", func(ctx context.Context, args []string) (any, error) {
		panic("boom")
	})

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng, err := engine.NewEngine(s, reg, task.Config{Name: "test"}, 0, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Shutdown() })
	return eng, s
}

func makeTask(runnerName string) *model.Task {
	timeout := 10
	return &model.Task{
		ID:        model.NewID(),
		Runner:    runnerName,
		Status:    model.StatusPending,
		TimeoutS:  &timeout,
		CreatedAt: time.Now().UTC(),
	}
}

// waitForStatus polls the store until the task reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("ok")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.WorkerID == "" {
		t.Error("worker ID not assigned at submission")
	}
	if task.MonitorRef == "" {
		t.Error("monitor ref not assigned at submission")
	}

	completed := waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
	if string(completed.Output) != `"hello"` {
		t.Errorf("output = %q, want %q", completed.Output, `"hello"`)
	}
	if completed.Mode != model.ModeAwaited {
		t.Errorf("mode = %q, want awaited", completed.Mode)
	}
	if completed.DurationMS == nil || *completed.DurationMS < 0 {
		t.Errorf("duration_ms = %v, want >= 0", completed.DurationMS)
	}
	if completed.StartedAt == nil {
		t.Error("started_at is nil")
	}
	if completed.FinishedAt == nil {
		t.Error("finished_at is nil")
	}
	if completed.WorkerID == "" {
		t.Error("worker_id lost during terminal write")
	}
	if completed.OwnerHost == "" {
		t.Error("owner_host not stamped")
	}
}

func TestSubmitUnknownRunner(t *testing.T) {
	eng, _ := newTestEngine(t)

	tsk := makeTask("nonexistent")
	err := eng.Submit(context.Background(), tsk)
	var invalid *task.InvalidArgumentError
	if !errors.As(err, &invalid) {
		t.Errorf("Submit error = %v, want *task.InvalidArgumentError", err)
	}
}

func TestSubmitRunnerCrash(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("fail")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	crashed := waitForStatus(t, s, task.ID, model.StatusCrashed, 5*time.Second)
	if !strings.Contains(crashed.Error, "runner crash") {
		t.Errorf("error = %q, want the original crash reason", crashed.Error)
	}
}

func TestSubmitPanicIsolated(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("boom")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	crashed := waitForStatus(t, s, task.ID, model.StatusCrashed, 5*time.Second)
	if !strings.Contains(crashed.Error, "boom") {
		t.Errorf("error = %q, want the panic value", crashed.Error)
	}
}

func TestSubmitTimeout(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("block")
	timeout := 1
	task.TimeoutS = &timeout
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	killed := waitForStatus(t, s, task.ID, model.StatusKilled, 5*time.Second)
	if !strings.Contains(killed.Error, "timed out") {
		t.Errorf("error = %q, want a timeout message", killed.Error)
	}
}

func TestKill(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("block")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Kill(context.Background(), task.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusKilled, 5*time.Second)

	// Second kill is a no-op.
	if err := eng.Kill(context.Background(), task.ID); err != nil {
		t.Fatalf("second Kill: %v", err)
	}
}

func TestKillUnknownTask(t *testing.T) {
	eng, _ := newTestEngine(t)

	err := eng.Kill(context.Background(), "nonexistent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Kill unknown = %v, want ErrNotFound", err)
	}
}

func TestSubmitDetached(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("ok")
	if err := eng.SubmitDetached(context.Background(), task); err != nil {
		t.Fatalf("SubmitDetached: %v", err)
	}

	completed := waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)
	if completed.Mode != model.ModeDetached {
		t.Errorf("mode = %q, want detached", completed.Mode)
	}
	if completed.WorkerID == "" {
		t.Error("worker_id not recorded for detached task")
	}
}

func TestSubmitDetachedCrash(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("fail")
	if err := eng.SubmitDetached(context.Background(), task); err != nil {
		t.Fatalf("SubmitDetached: %v", err)
	}

	crashed := waitForStatus(t, s, task.ID, model.StatusCrashed, 5*time.Second)
	if !strings.Contains(crashed.Error, "runner crash") {
		t.Errorf("error = %q, want the crash reason", crashed.Error)
	}
}

func TestLifecycleEventsJournaled(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("ok")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	events, err := s.GetEvents(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	wantKinds := []string{engine.EventSpawned, engine.EventRunning, engine.EventCompleted}
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i)
		}
		if e.Kind != wantKinds[i] {
			t.Errorf("events[%d].Kind = %q, want %q", i, e.Kind, wantKinds[i])
		}
	}
}

func TestEventStream(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("ok")

	// Subscribe before submitting so no event is missed.
	ch, unsub := eng.Broker().Subscribe(task.ID)
	defer unsub()

	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	var kinds []string
	for ev := range ch {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{engine.EventSpawned, engine.EventRunning, engine.EventCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("received %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestWorkersSnapshot(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("block")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusRunning, 5*time.Second)

	workers := eng.Workers()
	if len(workers) != 1 {
		t.Fatalf("len(workers) = %d, want 1", len(workers))
	}
	if workers[0].TaskID != task.ID {
		t.Errorf("worker task_id = %q, want %q", workers[0].TaskID, task.ID)
	}
	if workers[0].Mode != "awaited" {
		t.Errorf("worker mode = %q, want awaited", workers[0].Mode)
	}

	if err := eng.Kill(context.Background(), task.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusKilled, 5*time.Second)
}

func TestShutdownDrainsAwaiters(t *testing.T) {
	eng, s := newTestEngine(t)

	task := makeTask("ok")
	if err := eng.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, task.ID, model.StatusCompleted, 5*time.Second)

	if err := eng.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The supervisor is closed to new work.
	next := makeTask("ok")
	if err := eng.Submit(context.Background(), next); err == nil {
		t.Error("Submit after shutdown succeeded")
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t)

	ids := make([]string, 5)
	for i := range ids {
		task := makeTask("ok")
		ids[i] = task.ID
		if err := eng.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}
