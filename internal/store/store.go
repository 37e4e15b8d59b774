package store

import (
	"context"

	"github.com/mgrady/taskvisor/internal/model"
)

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByRunner map[string]int `json:"count_by_runner"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for the task journal.
type Store interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, limit, offset int) ([]*model.Task, int, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error
	SetTaskWorker(ctx context.Context, id, workerID, monitorRef string) error
	UpdateTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertEvent(ctx context.Context, taskID string, seq int, kind, detail string) error
	GetEvents(ctx context.Context, taskID string) ([]model.Event, error)
	Close() error
}
