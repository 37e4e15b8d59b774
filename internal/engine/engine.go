package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mgrady/taskvisor/internal/model"
	"github.com/mgrady/taskvisor/internal/runner"
	"github.com/mgrady/taskvisor/internal/store"
	"github.com/mgrady/taskvisor/internal/task"
)

// DefaultTimeoutS is the default await timeout in seconds when the engine is
// built with a zero default and the task specifies none.
const DefaultTimeoutS = 30

// WorkerInfo is a point-in-time view of one live worker and the task it is
// executing.
type WorkerInfo struct {
	ID     string     `json:"id"`
	TaskID string     `json:"task_id,omitempty"`
	State  string     `json:"state"`
	Mode   string     `json:"mode"`
	Owner  task.Owner `json:"owner"`
}

// tracked links a live worker back to its task record.
type tracked struct {
	taskID   string
	runner   string
	detached bool
	started  time.Time
}

// Engine orchestrates supervised task execution: it binds runners, spawns
// workers through the task supervisor, awaits outcomes with timeout
// enforcement, and journals every transition.
type Engine struct {
	store           store.Store
	sup             *task.Supervisor
	runners         *runner.Registry
	logger          *slog.Logger
	broker          *EventBroker
	defaultTimeoutS int

	wg sync.WaitGroup

	mu      sync.Mutex
	workers map[string]tracked
}

// NewEngine starts a supervisor with the given config and returns an engine
// wired to it. The supervisor's observer hook is owned by the engine; any
// Observer already set on cfg is replaced.
func NewEngine(s store.Store, reg *runner.Registry, cfg task.Config, defaultTimeoutS int, logger *slog.Logger) (*Engine, error) {
	if defaultTimeoutS <= 0 {
		defaultTimeoutS = DefaultTimeoutS
	}

	e := &Engine{
		store:           s,
		runners:         reg,
		logger:          logger,
		broker:          NewEventBroker(),
		defaultTimeoutS: defaultTimeoutS,
		workers:         make(map[string]tracked),
	}

	cfg.Observer = e.workerExited
	sup, err := task.StartLink(cfg, logger)
	if err != nil {
		return nil, err
	}
	e.sup = sup
	return e, nil
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Supervisor returns the underlying task supervisor.
func (e *Engine) Supervisor() *task.Supervisor {
	return e.sup
}

// Submit binds the task's runner, journals the record as pending, spawns an
// awaited worker, and launches a goroutine that awaits the outcome. Binding
// failures (InvalidArgumentError) and spawn failures (SpawnError) are
// returned synchronously; execution failures are journaled asynchronously.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	fn, err := e.runners.Bind(t.Runner, t.Args)
	if err != nil {
		return err
	}

	t.Mode = model.ModeAwaited
	e.stampOwner(t)
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	e.mu.Lock()
	h, err := e.sup.Async(fn)
	if err != nil {
		e.mu.Unlock()
		e.finishFailed(t.ID, t.Runner, nil, model.StatusCrashed, fmt.Sprintf("spawn: %v", err))
		return err
	}
	e.workers[h.Worker.ID] = tracked{taskID: t.ID, runner: t.Runner}
	activeWorkers.Inc()
	e.mu.Unlock()

	t.WorkerID = h.Worker.ID
	t.MonitorRef = h.Ref
	if err := e.store.SetTaskWorker(ctx, t.ID, t.WorkerID, t.MonitorRef); err != nil {
		e.logger.Error("record worker assignment", "task_id", t.ID, "error", err)
	}

	tCopy := *t
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.awaitOutcome(&tCopy, h)
	}()

	return nil
}

// SubmitDetached is the fire-and-forget path: no monitor, no handshake, no
// retained handle. The worker's terminal status is journaled by the
// supervisor's exit observer, so the side effects outlive the caller.
func (e *Engine) SubmitDetached(ctx context.Context, t *model.Task) error {
	fn, err := e.runners.Bind(t.Runner, t.Args)
	if err != nil {
		return err
	}

	t.Mode = model.ModeDetached
	e.stampOwner(t)
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	// The observer serializes on e.mu, so the spawn bookkeeping below lands
	// before a fast-finishing worker's terminal journaling runs.
	e.mu.Lock()
	w, err := e.sup.StartChild(fn)
	if err != nil {
		e.mu.Unlock()
		e.finishFailed(t.ID, t.Runner, nil, model.StatusCrashed, fmt.Sprintf("spawn: %v", err))
		return err
	}
	e.workers[w.ID] = tracked{taskID: t.ID, runner: t.Runner, detached: true, started: time.Now()}
	activeWorkers.Inc()

	t.WorkerID = w.ID
	if err := e.store.SetTaskWorker(context.Background(), t.ID, w.ID, ""); err != nil {
		e.logger.Error("record worker assignment", "task_id", t.ID, "error", err)
	}
	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Killed between journaling and spawn; reap the worker.
			e.sup.Terminate(w.ID)
		} else {
			e.logger.Error("transition to running", "task_id", t.ID, "error", err)
		}
	}
	e.event(t.ID, 0, EventSpawned, "worker "+w.ID)
	e.event(t.ID, 1, EventRunning, "")
	e.mu.Unlock()

	return nil
}

// Kill forcibly terminates the worker executing the given task and journals
// the record as killed. Idempotent: killing an already-finished task is a
// no-op. Returns store.ErrNotFound for an unknown task ID.
func (e *Engine) Kill(ctx context.Context, id string) error {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if t.WorkerID != "" {
		e.sup.Terminate(t.WorkerID)
	}

	if model.TerminalStatus(t.Status) {
		return nil
	}
	// A finish racing this kill may have already written a terminal status;
	// that is the idempotent no-op case, not a failure.
	err = e.store.UpdateTaskStatus(ctx, id, model.StatusKilled)
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("journal kill: %w", err)
	}
	return nil
}

// Workers returns a snapshot of live workers with their task bindings.
func (e *Engine) Workers() []WorkerInfo {
	children := e.sup.Children()

	e.mu.Lock()
	defer e.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(children))
	for _, w := range children {
		infos = append(infos, WorkerInfo{
			ID:     w.ID,
			TaskID: e.workers[w.ID].taskID,
			State:  w.State(),
			Mode:   w.Mode(),
			Owner:  w.Owner,
		})
	}
	return infos
}

// Wait blocks until all in-flight awaiter goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops the supervisor per its configured shutdown policy, then
// drains the awaiter goroutines.
func (e *Engine) Shutdown() error {
	err := e.sup.Stop()
	e.wg.Wait()
	return err
}

// awaitOutcome runs in a goroutine per awaited task: running transition,
// await with timeout, terminal journaling. On timeout it terminates the
// worker so neither the worker nor the monitor subscription leaks.
func (e *Engine) awaitOutcome(t *model.Task, h *task.Handle) {
	// Close the event stream when execution finishes, regardless of outcome.
	defer e.broker.Close(t.ID)

	if err := e.store.UpdateTaskStatus(context.Background(), t.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A kill landed before the worker was journaled as running; the
			// supervisor terminates the worker, nothing left to await.
			return
		}
		e.logger.Error("transition to running", "task_id", t.ID, "error", err)
		e.finishFailed(t.ID, t.Runner, nil, model.StatusCrashed, fmt.Sprintf("failed to start: %v", err))
		return
	}
	e.event(t.ID, 0, EventSpawned, "worker "+t.WorkerID)
	e.event(t.ID, 1, EventRunning, "")

	// Capture start time right after the running transition so started_at
	// stays consistent across the success, crash, and kill paths.
	start := time.Now()

	timeoutS := e.defaultTimeoutS
	if t.TimeoutS != nil && *t.TimeoutS > 0 {
		timeoutS = *t.TimeoutS
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
	defer cancel()

	value, err := h.Await(ctx)

	switch {
	case err == nil:
		output, merr := json.Marshal(value)
		if merr != nil {
			e.logger.Error("encode task output", "task_id", t.ID, "error", merr)
			output = nil
		}
		e.finishTerminal(t.ID, t.Runner, start, model.StatusCompleted, output, "")
	case errors.Is(err, context.DeadlineExceeded):
		// The await timed out: kill the worker, or it and the monitor
		// subscription would leak.
		e.sup.Terminate(h.Worker.ID)
		e.finishTerminal(t.ID, t.Runner, start, model.StatusKilled, nil, fmt.Sprintf("task timed out after %ds", timeoutS))
	case errors.Is(err, task.ErrKilled):
		e.finishTerminal(t.ID, t.Runner, start, model.StatusKilled, nil, err.Error())
	default:
		e.finishTerminal(t.ID, t.Runner, start, model.StatusCrashed, nil, err.Error())
	}
}

// workerExited is the supervisor observer: it fires once per worker exit,
// on the worker's goroutine, after deregistration.
func (e *Engine) workerExited(w *task.Worker, reason error) {
	if w.Mode() == "awaited" {
		handshakeWait.Observe(w.HandshakeWait().Seconds())
	}

	e.mu.Lock()
	entry, ok := e.workers[w.ID]
	delete(e.workers, w.ID)
	e.mu.Unlock()
	if !ok {
		return
	}
	activeWorkers.Dec()

	if !entry.detached {
		// Awaited outcomes are journaled by awaitOutcome.
		return
	}

	status := model.StatusCompleted
	errMsg := ""
	switch {
	case reason == nil:
	case errors.Is(reason, task.ErrKilled):
		status = model.StatusKilled
		errMsg = reason.Error()
	default:
		status = model.StatusCrashed
		errMsg = reason.Error()
	}

	e.finishTerminal(entry.taskID, entry.runner, entry.started, status, nil, errMsg)
	e.broker.Close(entry.taskID)
}

// finishTerminal journals a terminal status with duration and outcome, and
// records metrics. start is when execution began.
func (e *Engine) finishTerminal(id, runnerName string, start time.Time, status string, output []byte, errMsg string) {
	now := time.Now().UTC()
	durationMS := int(time.Since(start).Milliseconds())

	t := &model.Task{
		ID:         id,
		Status:     status,
		Output:     output,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if err := e.updateTerminal(t); err != nil {
		e.logger.Error("journal terminal status", "task_id", id, "status", status, "error", err)
	}

	tasksTotal.WithLabelValues(runnerName, status).Inc()
	taskDuration.Observe(time.Since(start).Seconds())
	e.event(id, 2, status, errMsg)
}

// finishFailed marks a task that never reached running as failed. startedAt
// may be nil if execution never started.
func (e *Engine) finishFailed(id, runnerName string, startedAt *time.Time, status, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	t := &model.Task{
		ID:         id,
		Status:     status,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}
	if err := e.updateTerminal(t); err != nil {
		e.logger.Error("journal failed task", "task_id", id, "error", err)
	}
	tasksTotal.WithLabelValues(runnerName, status).Inc()
}

// updateTerminal preserves the worker assignment columns across the terminal
// write by re-reading them first.
func (e *Engine) updateTerminal(t *model.Task) error {
	current, err := e.store.GetTask(context.Background(), t.ID)
	if err != nil {
		return err
	}
	t.WorkerID = current.WorkerID
	t.MonitorRef = current.MonitorRef
	return e.store.UpdateTask(context.Background(), t)
}

// event persists one lifecycle event and publishes it to subscribers.
func (e *Engine) event(taskID string, seq int, kind, detail string) {
	if err := e.store.InsertEvent(context.Background(), taskID, seq, kind, detail); err != nil {
		e.logger.Error("persist event", "task_id", taskID, "seq", seq, "error", err)
	}
	e.broker.Publish(taskID, TaskEvent{Kind: kind, Detail: detail})
}

func (e *Engine) stampOwner(t *model.Task) {
	owner := e.sup.OwnerDescriptor()
	t.OwnerHost = owner.Host
	t.OwnerName = owner.Name
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}
