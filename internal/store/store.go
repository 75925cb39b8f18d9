package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/conduit/internal/model"
)

// ErrInvalidTransition is returned when a task state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// TaskRecord is the persisted view of a task: its identity, where it ran,
// its settled result and the definition it was submitted with.
type TaskRecord struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Name         string          `json:"name"`
	Kind         string          `json:"kind"`
	RemoteHostID string          `json:"remote_host_id"`
	State        string          `json:"state"`
	JobID        string          `json:"job_id,omitempty"`
	RT           *int            `json:"rt,omitempty"`
	JobStatus    *int            `json:"job_status,omitempty"`
	Error        string          `json:"error,omitempty"`
	Definition   json.RawMessage `json:"definition,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	SubmittedAt  *time.Time      `json:"submitted_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
}

// NewTaskRecord snapshots t. The task's definition is kept as JSON so a
// record can be inspected or resubmitted later.
func NewTaskRecord(t *model.Task) (*TaskRecord, error) {
	def, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &TaskRecord{
		ID:           t.ID,
		ProjectID:    t.ProjectID,
		Name:         t.Name,
		Kind:         t.Kind,
		RemoteHostID: t.RemoteHostID,
		State:        t.State(),
		JobID:        t.JobID,
		RT:           t.RT,
		JobStatus:    t.JobStatus,
		Definition:   def,
		CreatedAt:    t.CreatedAt,
		SubmittedAt:  t.SubmittedAt,
		StartedAt:    t.StartedAt,
		EndedAt:      t.EndedAt,
	}, nil
}

// LogLine is one captured output line of a task.
type LogLine struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CountByHost   map[string]int `json:"count_by_host"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for tasks.
type Store interface {
	CreateTask(ctx context.Context, r *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, projectID string, limit, offset int) ([]*TaskRecord, int, error)
	UpdateTaskState(ctx context.Context, id, state string) error
	UpdateTask(ctx context.Context, r *TaskRecord) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
	InsertLogLine(ctx context.Context, taskID string, seq int, line string) error
	GetLogLines(ctx context.Context, taskID string) ([]LogLine, error)
	Close() error
}
