package analysis

import (
	"errors"
	"fmt"
)

// ErrNoEntityFound is recorded on a high-cardinality task whose detector
// produced no entities for the requested range.
var ErrNoEntityFound = errors.New("no entity found")

// ValidationError indicates a malformed request. It is raised before any
// cache or store mutation takes place.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError indicates an operation targeted a detector with no active run.
// Workers routinely race with a coordinator that has already cleaned up, so
// callers treat this as benign.
type NotFoundError struct {
	DetectorID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no active task cache for detector %s", e.DetectorID)
}

// UnsupportedActionError indicates an unknown action or an action that is
// structurally invalid for the detector or task it carries.
type UnsupportedActionError struct {
	Action Action
	Reason string
}

func (e *UnsupportedActionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported task action %s", e.Action)
	}
	return fmt.Sprintf("unsupported task action %s: %s", e.Action, e.Reason)
}

// ConflictError indicates a START for a detector that already has an active run.
type ConflictError struct {
	DetectorID string
	TaskID     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("detector %s already has a running historical task %s", e.DetectorID, e.TaskID)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
