package task

import (
	"errors"
	"fmt"
)

// ErrClosed is returned (wrapped in a SpawnError) when a spawn is attempted
// on a stopped supervisor.
var ErrClosed = errors.New("supervisor closed")

// ErrKilled is the termination reason delivered when a worker is forcibly
// stopped via Terminate or a brutal-kill shutdown.
var ErrKilled = errors.New("worker killed")

// SpawnError reports that the supervisor could not create a worker. It is
// surfaced synchronously by Async and StartChild; execution failures are
// never reported this way.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker: %v", e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// InvalidArgumentError reports caller-side misuse, detected before any worker
// is spawned.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s", e.Reason)
}

// PanicError is the termination reason recorded when a callable panics. The
// panic value is preserved unmodified; if it is an error, Unwrap exposes it
// to errors.Is/errors.As.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
