package task

import (
	"context"

	"github.com/oklog/ulid/v2"
)

// NewRef generates a fresh monitor reference (ULID string).
func NewRef() string {
	return ulid.Make().String()
}

// Owner describes the caller a worker reports back to. It is computed when
// the worker is spawned and carried by the worker for crash reporting.
type Owner struct {
	Host string `json:"host"`
	Name string `json:"name,omitempty"`
}

// Result is the message a worker sends to its owner's mailbox when the
// callable returns normally. Ref ties it back to the Handle that spawned it.
type Result struct {
	Ref   string
	Value any
}

// Down is the monitor notification delivered when a worker terminates
// abnormally. Reason carries the original failure unmodified.
type Down struct {
	Ref    string
	Reason error
}

// handshake is sent exactly once by Async to a freshly spawned worker. The
// worker performs no observable action before receiving it, which guarantees
// the monitor is active by the time anything observable happens.
type handshake struct {
	Ref     string
	Mailbox chan<- Result
	Down    chan<- Down
}

// Handle identifies a spawned, awaitable unit of work. It is owned
// exclusively by the caller that created it.
type Handle struct {
	Worker *Worker
	Ref    string

	mailbox <-chan Result
	down    <-chan Down
}

// Await blocks until the task's success result or crash notification arrives,
// or ctx expires. On success it returns the callable's value; on crash it
// returns the original termination reason. Timeout handling is the caller's
// responsibility: after a ctx expiry the caller should Terminate the worker
// to avoid leaking it.
func (h *Handle) Await(ctx context.Context) (any, error) {
	select {
	case r := <-h.mailbox:
		return r.Value, nil
	case d := <-h.down:
		return nil, d.Reason
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
