package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mgrady/taskvisor/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestTask() *model.Task {
	timeout := 30
	return &model.Task{
		ID:        model.NewID(),
		Runner:    "sleep",
		Args:      []string{"100ms"},
		Mode:      model.ModeAwaited,
		Status:    model.StatusPending,
		OwnerHost: "test-host",
		OwnerName: "taskvisor",
		TimeoutS:  &timeout,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}

	if got.ID != task.ID {
		t.Errorf("ID = %q, want %q", got.ID, task.ID)
	}
	if got.Runner != task.Runner {
		t.Errorf("Runner = %q, want %q", got.Runner, task.Runner)
	}
	if len(got.Args) != 1 || got.Args[0] != "100ms" {
		t.Errorf("Args = %v, want [100ms]", got.Args)
	}
	if got.Mode != model.ModeAwaited {
		t.Errorf("Mode = %q, want %q", got.Mode, model.ModeAwaited)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusPending)
	}
	if got.OwnerHost != "test-host" {
		t.Errorf("OwnerHost = %q, want test-host", got.OwnerHost)
	}
	if *got.TimeoutS != 30 {
		t.Errorf("TimeoutS = %d, want 30", *got.TimeoutS)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask error = %v, want ErrNotFound", err)
	}
}

func TestCreateTaskNilArgs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	task.Args = nil

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Args != nil {
		t.Errorf("Args = %v, want nil", got.Args)
	}
}

func TestListTasksPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, total, err := s.ListTasks(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}

	tasks2, total2, err := s.ListTasks(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListTasks page 3: %v", err)
	}
	if total2 != 5 {
		t.Errorf("total page 3 = %d, want 5", total2)
	}
	if len(tasks2) != 1 {
		t.Errorf("len(tasks) page 3 = %d, want 1", len(tasks2))
	}
}

func TestListTasksOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := makeTestTask()
		task.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask[%d]: %v", i, err)
		}
	}

	tasks, _, err := s.ListTasks(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}

	// Newest first.
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.After(tasks[i-1].CreatedAt) {
			t.Errorf("tasks not in DESC order: [%d].CreatedAt=%v > [%d].CreatedAt=%v",
				i, tasks[i].CreatedAt, i-1, tasks[i-1].CreatedAt)
		}
	}
}

func TestUpdateTaskStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// pending -> running sets started_at.
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusRunning)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil after running transition")
	}

	// running -> completed sets finished_at.
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusCompleted); err != nil {
		t.Fatalf("running->completed: %v", err)
	}
	got, _ = s.GetTask(ctx, task.ID)
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after completed transition")
	}
}

func TestUpdateTaskStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// pending -> completed skips running.
	err := s.UpdateTaskStatus(ctx, task.ID, model.StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskStatusTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusKilled); err != nil {
		t.Fatalf("running->killed: %v", err)
	}

	err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("killed->running error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTaskStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTaskStatus error = %v, want ErrNotFound", err)
	}
}

func TestSetTaskWorker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.SetTaskWorker(ctx, task.ID, "worker-1", "ref-1"); err != nil {
		t.Fatalf("SetTaskWorker: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want worker-1", got.WorkerID)
	}
	if got.MonitorRef != "ref-1" {
		t.Errorf("MonitorRef = %q, want ref-1", got.MonitorRef)
	}

	if err := s.SetTaskWorker(ctx, "nonexistent", "w", "r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetTaskWorker unknown = %v, want ErrNotFound", err)
	}
}

func TestUpdateTaskTerminalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}

	now := time.Now().UTC()
	durationMS := 150
	task.Status = model.StatusCompleted
	task.Output = []byte(`"hello"`)
	task.DurationMS = &durationMS
	task.StartedAt = &now
	finishedAt := now.Add(150 * time.Millisecond)
	task.FinishedAt = &finishedAt

	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
	if string(got.Output) != `"hello"` {
		t.Errorf("Output = %q, want %q", got.Output, `"hello"`)
	}
	if *got.DurationMS != 150 {
		t.Errorf("DurationMS = %d, want 150", *got.DurationMS)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil")
	}
}

func TestUpdateTaskInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task.Status = model.StatusCompleted
	err := s.UpdateTask(ctx, task)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("UpdateTask error = %v, want ErrInvalidTransition", err)
	}
}

func TestUpdateTaskSameStatusAllowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()

	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusKilled); err != nil {
		t.Fatalf("running->killed: %v", err)
	}

	// A second finisher rewriting the same terminal status is not a
	// lifecycle violation.
	durationMS := 10
	task.Status = model.StatusKilled
	task.Error = "worker killed"
	task.DurationMS = &durationMS
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask same status: %v", err)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	task := makeTestTask()
	task.ID = "nonexistent"
	if err := s.UpdateTask(context.Background(), task); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTask error = %v, want ErrNotFound", err)
	}
}

func TestGetTaskStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		task := makeTestTask()
		if err := s.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if i < 2 {
			if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusRunning); err != nil {
				t.Fatalf("UpdateTaskStatus running: %v", err)
			}
			if err := s.UpdateTaskStatus(ctx, task.ID, model.StatusCompleted); err != nil {
				t.Fatalf("UpdateTaskStatus completed: %v", err)
			}
			dur := 100 + i*100 // 100, 200
			if _, err := s.db.ExecContext(ctx,
				"UPDATE tasks SET duration_ms = ? WHERE id = ?", dur, task.ID); err != nil {
				t.Fatalf("set duration: %v", err)
			}
		}
	}

	exec := makeTestTask()
	exec.Runner = "exec"
	if err := s.CreateTask(ctx, exec); err != nil {
		t.Fatalf("CreateTask (exec): %v", err)
	}

	stats, err := s.GetTaskStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("Total = %d, want 4", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 {
		t.Errorf("completed count = %d, want 2", stats.CountByStatus[model.StatusCompleted])
	}
	if stats.CountByStatus[model.StatusPending] != 2 {
		t.Errorf("pending count = %d, want 2", stats.CountByStatus[model.StatusPending])
	}
	if stats.CountByRunner["sleep"] != 3 {
		t.Errorf("sleep count = %d, want 3", stats.CountByRunner["sleep"])
	}
	if stats.CountByRunner["exec"] != 1 {
		t.Errorf("exec count = %d, want 1", stats.CountByRunner["exec"])
	}
	if stats.AvgDurationMS != 150 {
		t.Errorf("AvgDurationMS = %f, want 150", stats.AvgDurationMS)
	}
}

func TestGetTaskStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetTaskStats(context.Background())
	if err != nil {
		t.Fatalf("GetTaskStats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("AvgDurationMS = %f, want 0", stats.AvgDurationMS)
	}
}

func TestInsertAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	kinds := []string{"spawned", "running", "completed"}
	for i, kind := range kinds {
		if err := s.InsertEvent(ctx, task.ID, i, kind, fmt.Sprintf("detail %d", i)); err != nil {
			t.Fatalf("InsertEvent[%d]: %v", i, err)
		}
	}

	events, err := s.GetEvents(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i)
		}
		if e.Kind != kinds[i] {
			t.Errorf("events[%d].Kind = %q, want %q", i, e.Kind, kinds[i])
		}
		if e.TaskID != task.ID {
			t.Errorf("events[%d].TaskID = %q, want %q", i, e.TaskID, task.ID)
		}
		if e.ID == 0 {
			t.Errorf("events[%d].ID = 0, expected non-zero auto-increment ID", i)
		}
	}
}

func TestInsertEventDuplicateSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := makeTestTask()
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.InsertEvent(ctx, task.ID, 0, "spawned", ""); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if err := s.InsertEvent(ctx, task.ID, 0, "spawned", ""); err == nil {
		t.Error("duplicate (task_id, seq) insert succeeded")
	}
}

func TestGetEventsIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := makeTestTask()
	t2 := makeTestTask()
	if err := s.CreateTask(ctx, t1); err != nil {
		t.Fatalf("CreateTask t1: %v", err)
	}
	if err := s.CreateTask(ctx, t2); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}

	if err := s.InsertEvent(ctx, t1.ID, 0, "spawned", "t1"); err != nil {
		t.Fatalf("InsertEvent t1: %v", err)
	}
	if err := s.InsertEvent(ctx, t2.ID, 0, "spawned", "t2"); err != nil {
		t.Fatalf("InsertEvent t2: %v", err)
	}

	events, err := s.GetEvents(ctx, t1.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 || events[0].Detail != "t1" {
		t.Errorf("events = %v, want single t1 event", events)
	}
}

func TestMigrationIdempotency(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.db.Exec(createTasksTable); err != nil {
		t.Fatalf("second tasks migration: %v", err)
	}
	if _, err := s.db.Exec(createEventsTable); err != nil {
		t.Fatalf("second events migration: %v", err)
	}
}
