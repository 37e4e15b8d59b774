package model

import "time"

// Task status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCrashed   = "crashed"
	StatusKilled    = "killed"
)

// Submission mode constants.
const (
	ModeAwaited  = "awaited"
	ModeDetached = "detached"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusCrashed: true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusCrashed:   true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusCrashed || status == StatusKilled
}

// Event is a single persisted lifecycle event from a task execution.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task represents one unit of work submitted to the supervisor.
type Task struct {
	ID         string     `json:"id"`
	Runner     string     `json:"runner"`
	Args       []string   `json:"args,omitempty"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	OwnerHost  string     `json:"owner_host,omitempty"`
	OwnerName  string     `json:"owner_name,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	MonitorRef string     `json:"monitor_ref,omitempty"`
	Output     []byte     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	TimeoutS   *int       `json:"timeout_s,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
