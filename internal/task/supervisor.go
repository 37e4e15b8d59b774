package task

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Restart policy constants for fire-and-forget children. Awaited children
// are never restarted: their monitor reference cannot survive a respawn.
const (
	RestartTemporary = "temporary"
	RestartTransient = "transient"
	RestartPermanent = "permanent"
)

// Defaults applied by StartLink when Config fields are zero.
const (
	DefaultShutdown    = 5 * time.Second
	DefaultMaxRestarts = 3
	DefaultMaxSeconds  = 5
)

// killGrace bounds how long Stop waits for killed workers to unwind.
const killGrace = time.Second

// Config controls a supervisor started with StartLink.
type Config struct {
	// Name registers a symbolic name for the supervisor; it becomes part of
	// the owner descriptor carried by every worker.
	Name string

	// Restart is the policy applied to fire-and-forget children. Default
	// temporary: never restart.
	Restart string

	// Shutdown is how long Stop waits for children to finish before killing
	// them. Ignored when BrutalKill is set. Default 5s.
	Shutdown time.Duration

	// BrutalKill makes Stop kill all children immediately.
	BrutalKill bool

	// MaxRestarts and MaxSeconds bound restart intensity: more than
	// MaxRestarts restarts within MaxSeconds seconds stops the supervisor.
	MaxRestarts int
	MaxSeconds  int

	// Observer, if set, is invoked once per worker exit with the worker and
	// its termination reason (nil on normal completion). Called outside the
	// supervisor lock.
	Observer func(w *Worker, reason error)
}

// Supervisor is the child spawner and public facade: it creates workers on
// demand from callables, tracks them in a registry serialized by a single
// mutex, and tears them down on Stop.
type Supervisor struct {
	cfg    Config
	owner  Owner
	logger *slog.Logger

	mu       sync.Mutex
	children map[string]*Worker
	closed   bool
	restarts []time.Time
	wg       sync.WaitGroup
}

// StartLink validates cfg, fills defaults, and returns a running supervisor.
// Validation failures are InvalidArgumentError values; no worker exists yet
// when they are returned.
func StartLink(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	switch cfg.Restart {
	case "":
		cfg.Restart = RestartTemporary
	case RestartTemporary, RestartTransient, RestartPermanent:
	default:
		return nil, &InvalidArgumentError{Reason: fmt.Sprintf("unknown restart policy %q", cfg.Restart)}
	}
	if cfg.Shutdown < 0 {
		return nil, &InvalidArgumentError{Reason: "negative shutdown timeout"}
	}
	if cfg.Shutdown == 0 {
		cfg.Shutdown = DefaultShutdown
	}
	if cfg.MaxRestarts < 0 || cfg.MaxSeconds < 0 {
		return nil, &InvalidArgumentError{Reason: "negative restart intensity"}
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.MaxSeconds == 0 {
		cfg.MaxSeconds = DefaultMaxSeconds
	}
	if logger == nil {
		logger = slog.Default()
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	return &Supervisor{
		cfg:      cfg,
		owner:    Owner{Host: host, Name: cfg.Name},
		logger:   logger,
		children: make(map[string]*Worker),
	}, nil
}

// OwnerDescriptor returns the owner identity stamped on spawned workers.
func (s *Supervisor) OwnerDescriptor() Owner {
	return s.owner
}

// Async spawns a worker for fn and returns a Handle the caller can await.
// The worker is registered and monitored before the handshake is sent, so a
// callable that crashes instantly still delivers exactly one notification.
func (s *Supervisor) Async(fn Callable) (*Handle, error) {
	if fn == nil {
		return nil, &InvalidArgumentError{Reason: "nil callable"}
	}

	w, err := s.startChild(fn, true)
	if err != nil {
		return nil, err
	}

	// Monitor first, handshake second: the worker cannot do anything
	// observable until the handshake lands.
	ref := NewRef()
	mailbox := make(chan Result, 1)
	down := make(chan Down, 1)
	w.handshake <- handshake{Ref: ref, Mailbox: mailbox, Down: down}

	return &Handle{Worker: w, Ref: ref, mailbox: mailbox, down: down}, nil
}

// StartChild spawns a fire-and-forget worker for fn. No monitor or handshake
// is set up; the worker begins executing immediately, and its lifetime is
// fully decoupled from the caller's.
func (s *Supervisor) StartChild(fn Callable) (*Worker, error) {
	if fn == nil {
		return nil, &InvalidArgumentError{Reason: "nil callable"}
	}
	return s.startChild(fn, false)
}

func (s *Supervisor) startChild(fn Callable, awaited bool) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &SpawnError{Err: ErrClosed}
	}

	w := newWorker(s.owner, fn, awaited)
	w.onExit = s.childExited
	s.children[w.ID] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run()
	}()
	return w, nil
}

// Terminate forcibly stops the worker with the given ID. It is idempotent:
// terminating an unknown or already-finished worker is a no-op.
func (s *Supervisor) Terminate(id string) {
	s.mu.Lock()
	w, ok := s.children[id]
	if ok {
		delete(s.children, id)
	}
	s.mu.Unlock()

	if ok {
		w.kill()
	}
}

// Children returns a snapshot of currently-supervised workers. Ordering is
// unspecified; workers created or destroyed after the snapshot may or may
// not appear.
func (s *Supervisor) Children() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Worker, 0, len(s.children))
	for _, w := range s.children {
		out = append(out, w)
	}
	return out
}

// Stop closes the supervisor to new children and tears down the live ones
// per the configured shutdown policy. Safe to call more than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	kids := make([]*Worker, 0, len(s.children))
	for _, w := range s.children {
		kids = append(kids, w)
	}
	s.mu.Unlock()

	if s.cfg.BrutalKill {
		for _, w := range kids {
			w.kill()
		}
	} else if !s.waitChildren(s.cfg.Shutdown) {
		for _, w := range s.Children() {
			w.kill()
		}
	}

	if !s.waitChildren(killGrace) {
		n := len(s.Children())
		s.logger.Warn("workers still running after kill", "count", n)
		return fmt.Errorf("stop supervisor: %d workers did not exit", n)
	}
	return nil
}

// waitChildren waits up to d for all worker goroutines to exit.
func (s *Supervisor) waitChildren(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// childExited deregisters a finished worker and applies the restart policy
// for fire-and-forget children.
func (s *Supervisor) childExited(w *Worker, reason error) {
	s.mu.Lock()
	delete(s.children, w.ID)

	var replacement *Worker
	exceeded := false
	if s.shouldRestart(w, reason) {
		if s.recordRestart() {
			replacement = newWorker(s.owner, w.work, false)
			replacement.onExit = s.childExited
			s.children[replacement.ID] = replacement
			s.wg.Add(1)
		} else {
			exceeded = true
		}
	}
	observer := s.cfg.Observer
	s.mu.Unlock()

	if observer != nil {
		observer(w, reason)
	}

	if replacement != nil {
		s.logger.Info("restarting child",
			"worker_id", w.ID,
			"replacement_id", replacement.ID,
			"reason", reason,
		)
		go func() {
			defer s.wg.Done()
			replacement.run()
		}()
	}

	if exceeded {
		s.logger.Error("restart intensity exceeded, stopping supervisor",
			"max_restarts", s.cfg.MaxRestarts,
			"max_seconds", s.cfg.MaxSeconds,
		)
		go func() {
			if err := s.Stop(); err != nil {
				s.logger.Error("stop after intensity breach", "error", err)
			}
		}()
	}
}

// shouldRestart applies the restart policy. Killed workers are never
// restarted: a Terminate is an explicit operator decision.
func (s *Supervisor) shouldRestart(w *Worker, reason error) bool {
	if s.closed || w.awaited || errors.Is(reason, ErrKilled) {
		return false
	}
	switch s.cfg.Restart {
	case RestartPermanent:
		return true
	case RestartTransient:
		return reason != nil
	default:
		return false
	}
}

// recordRestart adds a restart to the intensity window and reports whether
// it stayed within bounds. Caller holds s.mu.
func (s *Supervisor) recordRestart() bool {
	now := time.Now()
	cutoff := now.Add(-time.Duration(s.cfg.MaxSeconds) * time.Second)
	kept := s.restarts[:0]
	for _, ts := range s.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.restarts = append(kept, now)
	return len(s.restarts) <= s.cfg.MaxRestarts
}
