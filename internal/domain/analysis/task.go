package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of historical analysis work. A parent task represents a
// whole detector run; a child task represents one entity of a
// high-cardinality run and references its parent.
type Task struct {
	taskID       string
	detectorID   string
	parentTaskID string
	entity       string
	state        TaskState
	progress     float64
	errMsg       string
	dateRange    DetectionDateRange
	coordinator  string
	workerNode   string
	createdAt    time.Time
	updatedAt    time.Time
}

// NewParentTask creates the detector-level task for a new run.
func NewParentTask(detectorID string, dateRange DetectionDateRange, coordinator string, now time.Time) *Task {
	return &Task{
		taskID:      uuid.New().String(),
		detectorID:  detectorID,
		state:       TaskStateCreated,
		dateRange:   dateRange,
		coordinator: coordinator,
		createdAt:   now,
		updatedAt:   now,
	}
}

// NewEntityTask creates a child task for one entity of the parent's run.
func NewEntityTask(parent *Task, entity, workerNode string, now time.Time) *Task {
	return &Task{
		taskID:       uuid.New().String(),
		detectorID:   parent.detectorID,
		parentTaskID: parent.taskID,
		entity:       entity,
		state:        TaskStateCreated,
		dateRange:    parent.dateRange,
		coordinator:  parent.coordinator,
		workerNode:   workerNode,
		createdAt:    now,
		updatedAt:    now,
	}
}

// ReconstructTask rebuilds a Task from persisted or wire data without
// applying creation rules.
func ReconstructTask(
	taskID, detectorID, parentTaskID, entity string,
	state TaskState,
	progress float64,
	errMsg string,
	dateRange DetectionDateRange,
	coordinator, workerNode string,
	createdAt, updatedAt time.Time,
) *Task {
	return &Task{
		taskID:       taskID,
		detectorID:   detectorID,
		parentTaskID: parentTaskID,
		entity:       entity,
		state:        state,
		progress:     progress,
		errMsg:       errMsg,
		dateRange:    dateRange,
		coordinator:  coordinator,
		workerNode:   workerNode,
		createdAt:    createdAt,
		updatedAt:    updatedAt,
	}
}

// Getters.
func (t *Task) TaskID() string                { return t.taskID }
func (t *Task) DetectorID() string            { return t.detectorID }
func (t *Task) ParentTaskID() string          { return t.parentTaskID }
func (t *Task) Entity() string                { return t.entity }
func (t *Task) State() TaskState              { return t.state }
func (t *Task) Progress() float64             { return t.progress }
func (t *Task) Error() string                 { return t.errMsg }
func (t *Task) DateRange() DetectionDateRange { return t.dateRange }
func (t *Task) Coordinator() string           { return t.coordinator }
func (t *Task) WorkerNode() string            { return t.workerNode }
func (t *Task) CreatedAt() time.Time          { return t.createdAt }
func (t *Task) UpdatedAt() time.Time          { return t.updatedAt }

// IsEntityTask reports whether the task runs a single entity of an HC run.
func (t *Task) IsEntityTask() bool { return t.entity != "" }

// HasError reports whether the task carries an error message.
func (t *Task) HasError() bool { return t.errMsg != "" }

// ParentOrSelfID returns the id of the parent task for child tasks, and the
// task's own id otherwise.
func (t *Task) ParentOrSelfID() string {
	if t.parentTaskID != "" {
		return t.parentTaskID
	}
	return t.taskID
}

// WithError returns a copy of the task carrying the given error message.
// Workers use it to report a failed execution.
func (t *Task) WithError(msg string) *Task {
	cp := *t
	cp.errMsg = msg
	return &cp
}

// Apply validates and applies a partial update to the task.
func (t *Task) Apply(upd TaskUpdate, now time.Time) error {
	// Re-applying the current state is a no-op so duplicate deliveries stay idempotent.
	if upd.State != nil && *upd.State != t.state {
		if err := t.state.validateTransition(*upd.State); err != nil {
			return err
		}
	}
	if t.state.IsTerminal() && t.changesFields(upd) {
		return fmt.Errorf("task %s is %s and can no longer be updated", t.taskID, t.state)
	}

	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 1) {
		return fmt.Errorf("progress %f out of range [0, 1]", *upd.Progress)
	}

	if upd.State != nil {
		t.state = *upd.State
	}
	if upd.Progress != nil {
		t.progress = *upd.Progress
	}
	if upd.Error != nil {
		t.errMsg = *upd.Error
	}
	t.updatedAt = now
	return nil
}

// changesFields reports whether upd would alter progress or error.
func (t *Task) changesFields(upd TaskUpdate) bool {
	if upd.Progress != nil && *upd.Progress != t.progress {
		return true
	}
	return upd.Error != nil && *upd.Error != t.errMsg
}

// TaskUpdate is a partial update of the persisted task fields. Nil fields
// are left untouched.
type TaskUpdate struct {
	State    *TaskState
	Progress *float64
	Error    *string
}

// NewTaskUpdate starts an empty partial update.
func NewTaskUpdate() TaskUpdate { return TaskUpdate{} }

// WithState sets the target state.
func (u TaskUpdate) WithState(s TaskState) TaskUpdate {
	u.State = &s
	return u
}

// WithProgress sets the completed ratio.
func (u TaskUpdate) WithProgress(p float64) TaskUpdate {
	u.Progress = &p
	return u
}

// WithError sets the error text. An empty string clears it.
func (u TaskUpdate) WithError(msg string) TaskUpdate {
	u.Error = &msg
	return u
}
