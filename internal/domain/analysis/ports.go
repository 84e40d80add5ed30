package analysis

import (
	"context"
	"errors"
)

// ErrTaskNotFound is returned by a TaskStore when no record exists for an id.
var ErrTaskNotFound = errors.New("task not found")

// TaskStore persists task identity, state, progress and error. Updates are
// partial and must be idempotent under duplicate delivery.
type TaskStore interface {
	// CreateTask inserts a new task record.
	CreateTask(ctx context.Context, task *Task) error

	// UpdateTask applies a partial update to an existing task.
	UpdateTask(ctx context.Context, taskID string, upd TaskUpdate) error

	// GetTask fetches a task by id.
	GetTask(ctx context.Context, taskID string) (*Task, error)

	// ListActiveParentTasks returns parent tasks that are not yet terminal,
	// optionally filtered to a coordinating node.
	ListActiveParentTasks(ctx context.Context, coordinator string) ([]*Task, error)
}

// EntityResolver enumerates the distinct category-field values a
// high-cardinality detector will fan out over.
type EntityResolver interface {
	ResolveEntities(ctx context.Context, detector Detector, dateRange DetectionDateRange) ([]string, error)
}

// EntityAssignment asks a worker to execute one task. Coordinator names the
// node that expects the worker's completion report.
type EntityAssignment struct {
	Detector    Detector
	Task        *Task
	Coordinator string
}

// Dispatcher delivers messages to nodes. Each call is a single attempt; the
// caller decides what a delivery failure means.
type Dispatcher interface {
	// Forward delivers a forwarding request to the node that should handle it.
	Forward(ctx context.Context, node string, req ForwardRequest) (JobResponse, error)

	// RunTask hands a task to a worker node for execution.
	RunTask(ctx context.Context, node string, assignment EntityAssignment) error

	// CancelTask asks a worker node to stop executing the given task.
	CancelTask(ctx context.Context, node, detectorID, taskID string) error

	// Profile returns the tasks a worker node is currently executing.
	Profile(ctx context.Context, node string) ([]TaskProfile, error)

	// Ping reports whether node is up and serving.
	Ping(ctx context.Context, node string) error
}

// WorkerSelector chooses the worker node an entity task runs on.
type WorkerSelector interface {
	SelectWorker(ctx context.Context, detectorID string) (string, error)
	Workers() []string
}

// RunResult summarizes one finished execution.
type RunResult struct {
	AnomalyCount int
}

// AnalysisRunner executes the model for one task. It is the boundary to the
// anomaly detection algorithm itself.
type AnalysisRunner interface {
	Run(ctx context.Context, detector Detector, task *Task) (RunResult, error)
}
