package analysis

import (
	"errors"
	"fmt"
)

// TaskState represents the lifecycle state of a historical analysis task,
// either the detector-level parent task or one entity-level child task.
type TaskState string

// ErrTaskStateUnknown is returned when a task state is unknown.
var ErrTaskStateUnknown = errors.New("task state unknown")

const (
	// TaskStateCreated indicates the task record exists but nothing was scheduled.
	TaskStateCreated TaskState = "CREATED"

	// TaskStateInit indicates the task was persisted and is being prepared for dispatch.
	TaskStateInit TaskState = "INIT"

	// TaskStateRunning indicates at least one execution is in flight.
	TaskStateRunning TaskState = "RUNNING"

	// TaskStateFinished indicates the task completed.
	TaskStateFinished TaskState = "FINISHED"

	// TaskStateFailed indicates the task could not complete.
	TaskStateFailed TaskState = "FAILED"

	// TaskStateStopped indicates the task was cancelled.
	TaskStateStopped TaskState = "STOPPED"

	// TaskStateUnspecified is used when a task state is unknown.
	TaskStateUnspecified TaskState = "UNSPECIFIED"
)

// String returns the string representation of the TaskState.
func (s TaskState) String() string { return string(s) }

// Int32 returns the int32 value for wire enum values.
func (s TaskState) Int32() int32 {
	switch s {
	case TaskStateCreated:
		return 1
	case TaskStateInit:
		return 2
	case TaskStateRunning:
		return 3
	case TaskStateFinished:
		return 4
	case TaskStateFailed:
		return 5
	case TaskStateStopped:
		return 6
	default:
		return 0
	}
}

// TaskStateFromInt32 creates a TaskState from an int32 value.
func TaskStateFromInt32(i int32) TaskState {
	switch i {
	case 1:
		return TaskStateCreated
	case 2:
		return TaskStateInit
	case 3:
		return TaskStateRunning
	case 4:
		return TaskStateFinished
	case 5:
		return TaskStateFailed
	case 6:
		return TaskStateStopped
	default:
		return TaskStateUnspecified
	}
}

// ParseTaskState converts a string to a TaskState.
func ParseTaskState(s string) TaskState {
	switch s {
	case "CREATED":
		return TaskStateCreated
	case "INIT":
		return TaskStateInit
	case "RUNNING":
		return TaskStateRunning
	case "FINISHED":
		return TaskStateFinished
	case "FAILED":
		return TaskStateFailed
	case "STOPPED":
		return TaskStateStopped
	default:
		return TaskStateUnspecified
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateFinished || s == TaskStateFailed || s == TaskStateStopped
}

// validateTransition checks if a state transition is valid and returns an error if not.
func (s TaskState) validateTransition(target TaskState) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid task state transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces CREATED -> INIT -> RUNNING -> {FINISHED, FAILED, STOPPED}.
// A task may fail or be stopped before it ever runs, and RUNNING may be
// re-applied to record progress.
func (s TaskState) isValidTransition(target TaskState) bool {
	switch s {
	case TaskStateCreated:
		return target == TaskStateInit || target == TaskStateFailed || target == TaskStateStopped
	case TaskStateInit:
		return target == TaskStateRunning || target == TaskStateFailed || target == TaskStateStopped
	case TaskStateRunning:
		return target == TaskStateRunning ||
			target == TaskStateFinished ||
			target == TaskStateFailed ||
			target == TaskStateStopped
	case TaskStateFinished, TaskStateFailed, TaskStateStopped:
		// Terminal states.
		return false
	default:
		return false
	}
}
