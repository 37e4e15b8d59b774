package task

import (
	"context"
	"runtime/debug"
	"sync"
	"time"
)

// Callable is the unit of work executed inside a worker. A non-nil error or a
// recovered panic counts as a crash; the ctx is cancelled when the worker is
// forcibly terminated.
type Callable func(ctx context.Context) (any, error)

// Worker states.
const (
	StateAwaitingHandshake = "awaiting_handshake"
	StateRunning           = "running"
	StateCompleted         = "completed"
	StateCrashed           = "crashed"
	StateKilled            = "killed"
)

// Worker is one spawned execution context: a goroutine running the entry
// protocol around a single callable. Workers share no state with their
// caller; all coordination goes through channels.
type Worker struct {
	ID    string
	Owner Owner

	work      Callable
	awaited   bool
	handshake chan handshake
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	onExit    func(w *Worker, reason error)

	mu        sync.Mutex
	state     string
	spawnedAt time.Time
	startedAt time.Time
}

func newWorker(owner Owner, work Callable, awaited bool) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ID:        NewRef(),
		Owner:     owner,
		work:      work,
		awaited:   awaited,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		spawnedAt: time.Now(),
		state:     StateRunning,
	}
	if awaited {
		// Capacity 1 so the facade's handshake send never blocks and stays
		// retrievable after a pre-handshake kill.
		w.handshake = make(chan handshake, 1)
		w.state = StateAwaitingHandshake
	}
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Mode reports the startup shape: "awaited" or "detached".
func (w *Worker) Mode() string {
	if w.awaited {
		return "awaited"
	}
	return "detached"
}

// Done returns a channel closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// HandshakeWait returns how long the worker waited between spawn and the
// start of execution. Zero until the worker has started running.
func (w *Worker) HandshakeWait() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startedAt.IsZero() {
		return 0
	}
	return w.startedAt.Sub(w.spawnedAt)
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	if state == StateRunning && w.startedAt.IsZero() {
		w.startedAt = time.Now()
	}
	w.mu.Unlock()
}

// kill requests hard termination. A worker awaiting its handshake unblocks
// immediately; a running callable observes a cancelled ctx. Goroutines
// cannot be preempted, so a callable that ignores its ctx keeps running
// detached until it returns; its outcome is discarded.
func (w *Worker) kill() {
	w.cancel()
}

// run is the worker entry protocol. For the awaited startup shape it blocks
// until the handshake arrives, then executes the callable and reports the
// outcome: a Result to the owner mailbox on success, or a Down on the
// monitor channel on crash. Detached workers start running immediately and
// report nothing.
func (w *Worker) run() {
	defer close(w.done)

	var hs handshake
	if w.awaited {
		// A kill issued before the goroutine was scheduled wins over a
		// buffered handshake.
		killed := false
		select {
		case <-w.ctx.Done():
			killed = true
		default:
		}
		if !killed {
			select {
			case hs = <-w.handshake:
			case <-w.ctx.Done():
				killed = true
			}
		}
		if killed {
			// Killed before the handshake arrived. If the facade already
			// sent it, the monitor is reachable through the buffer and must
			// learn the kill; otherwise no observer exists and the exit is
			// silent.
			select {
			case hs = <-w.handshake:
				hs.Down <- Down{Ref: hs.Ref, Reason: ErrKilled}
			default:
			}
			w.finish(StateKilled, ErrKilled)
			return
		}
	}
	w.setState(StateRunning)

	value, err := w.invoke()

	// A kill wins over whatever the callable produced: a killed worker never
	// reports success.
	select {
	case <-w.ctx.Done():
		if err == nil {
			err = ErrKilled
		}
		w.deliverDown(hs, err)
		w.finish(StateKilled, err)
		return
	default:
	}

	if err != nil {
		w.deliverDown(hs, err)
		w.finish(StateCrashed, err)
		return
	}

	if w.awaited {
		// Best effort: an owner that terminated cannot observe the result
		// regardless, so an undeliverable success is dropped.
		select {
		case hs.Mailbox <- Result{Ref: hs.Ref, Value: value}:
		default:
		}
	}
	w.finish(StateCompleted, nil)
}

// invoke runs the callable with panic isolation. A panic never propagates
// into any other goroutine; it becomes a PanicError carrying the original
// panic value and stack.
func (w *Worker) invoke() (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return w.work(w.ctx)
}

func (w *Worker) deliverDown(hs handshake, reason error) {
	if !w.awaited || hs.Down == nil {
		return
	}
	// One-shot, capacity 1: the send cannot block.
	select {
	case hs.Down <- Down{Ref: hs.Ref, Reason: reason}:
	default:
	}
}

func (w *Worker) finish(state string, reason error) {
	w.setState(state)
	if w.onExit != nil {
		w.onExit(w, reason)
	}
}
