package analysis

import "fmt"

// ForwardRequest is the wire envelope routed between nodes. Every action
// travels in this shape; ToCommand narrows it to the fields the action needs.
type ForwardRequest struct {
	DetectorID           string
	Detector             *Detector
	DateRange            *DetectionDateRange
	Task                 *Task
	Action               Action
	StaleRunningEntities []string
}

// Command is the tagged variant the coordinator switches on.
type Command interface {
	Action() Action
	DetectorID() string
}

// StartCommand begins a historical analysis run for a detector.
type StartCommand struct {
	Detector  Detector
	DateRange DetectionDateRange
}

// NextEntityCommand reports that the task's execution ended and the next
// entity, if any, should run. A non-empty task error is carried along as the
// parent's latest error.
type NextEntityCommand struct {
	Detector Detector
	Task     *Task
}

// PushBackEntityCommand reports a failed entity execution.
type PushBackEntityCommand struct {
	Detector Detector
	Task     *Task
}

// CancelCommand stops a high-cardinality run.
type CancelCommand struct {
	Detector Detector
	Task     *Task
}

// CleanStaleEntitiesCommand repairs entities the coordinator believes are
// running but that no worker reports.
type CleanStaleEntitiesCommand struct {
	ID            string
	Task          *Task
	StaleEntities []string
}

// FinishedCommand reports a single-entity execution completed.
type FinishedCommand struct {
	ID   string
	Task *Task
}

func (StartCommand) Action() Action              { return ActionStart }
func (NextEntityCommand) Action() Action         { return ActionNextEntity }
func (PushBackEntityCommand) Action() Action     { return ActionPushBackEntity }
func (CancelCommand) Action() Action             { return ActionCancel }
func (CleanStaleEntitiesCommand) Action() Action { return ActionCleanStaleRunningEntities }
func (FinishedCommand) Action() Action           { return ActionFinished }

func (c StartCommand) DetectorID() string              { return c.Detector.ID() }
func (c NextEntityCommand) DetectorID() string         { return c.Detector.ID() }
func (c PushBackEntityCommand) DetectorID() string     { return c.Detector.ID() }
func (c CancelCommand) DetectorID() string             { return c.Detector.ID() }
func (c CleanStaleEntitiesCommand) DetectorID() string { return c.ID }
func (c FinishedCommand) DetectorID() string           { return c.ID }

// ToCommand validates the envelope and converts it into the variant for its
// action. Validation and structural errors are returned before anything is
// mutated.
func (r ForwardRequest) ToCommand() (Command, error) {
	if r.DetectorID == "" {
		return nil, &ValidationError{Field: "detector_id", Reason: "must be set"}
	}
	if r.Detector != nil && r.Detector.ID() != r.DetectorID {
		return nil, &ValidationError{
			Field:  "detector",
			Reason: fmt.Sprintf("id %s does not match detector_id %s", r.Detector.ID(), r.DetectorID),
		}
	}
	if r.Task != nil && r.Task.DetectorID() != r.DetectorID {
		return nil, &ValidationError{
			Field:  "task",
			Reason: fmt.Sprintf("task belongs to detector %s, not %s", r.Task.DetectorID(), r.DetectorID),
		}
	}

	switch r.Action {
	case ActionStart:
		if r.Detector == nil {
			return nil, &ValidationError{Field: "detector", Reason: "must be set"}
		}
		if r.DateRange == nil || r.DateRange.IsZero() {
			return nil, &ValidationError{Field: "date_range", Reason: "must be set"}
		}
		// Re-check in case the range was built without the constructor.
		if err := validateDateRange(r.DateRange.StartTime(), r.DateRange.EndTime()); err != nil {
			return nil, err
		}
		return StartCommand{Detector: *r.Detector, DateRange: *r.DateRange}, nil

	case ActionNextEntity:
		d, err := r.requireDetectorAndTask()
		if err != nil {
			return nil, err
		}
		if !d.IsMultiEntity() {
			return nil, &UnsupportedActionError{Action: r.Action, Reason: "detector is not high-cardinality"}
		}
		return NextEntityCommand{Detector: d, Task: r.Task}, nil

	case ActionPushBackEntity:
		d, err := r.requireDetectorAndTask()
		if err != nil {
			return nil, err
		}
		if !r.Task.IsEntityTask() {
			return nil, &UnsupportedActionError{Action: r.Action, Reason: "task is not an entity task"}
		}
		return PushBackEntityCommand{Detector: d, Task: r.Task}, nil

	case ActionCancel:
		d, err := r.requireDetectorAndTask()
		if err != nil {
			return nil, err
		}
		if !d.IsMultiEntity() {
			return nil, &UnsupportedActionError{Action: r.Action, Reason: "only high-cardinality runs can be cancelled through forwarding"}
		}
		return CancelCommand{Detector: d, Task: r.Task}, nil

	case ActionCleanStaleRunningEntities:
		return CleanStaleEntitiesCommand{ID: r.DetectorID, Task: r.Task, StaleEntities: r.StaleRunningEntities}, nil

	case ActionFinished:
		return FinishedCommand{ID: r.DetectorID, Task: r.Task}, nil

	default:
		return nil, &UnsupportedActionError{Action: r.Action}
	}
}

func (r ForwardRequest) requireDetectorAndTask() (Detector, error) {
	if r.Detector == nil {
		return Detector{}, &ValidationError{Field: "detector", Reason: "must be set"}
	}
	if r.Task == nil {
		return Detector{}, &ValidationError{Field: "task", Reason: "must be set"}
	}
	return *r.Detector, nil
}

// NewNextEntityRequest builds the report a worker sends after an entity
// task ends.
func NewNextEntityRequest(d Detector, t *Task) ForwardRequest {
	return ForwardRequest{DetectorID: d.ID(), Detector: &d, Task: t, Action: ActionNextEntity}
}

// NewPushBackEntityRequest builds the report a worker sends after an entity
// task fails.
func NewPushBackEntityRequest(d Detector, t *Task) ForwardRequest {
	return ForwardRequest{DetectorID: d.ID(), Detector: &d, Task: t, Action: ActionPushBackEntity}
}

// NewCleanStaleRequest builds a reconciliation request.
func NewCleanStaleRequest(detectorID string, entities []string) ForwardRequest {
	return ForwardRequest{DetectorID: detectorID, Action: ActionCleanStaleRunningEntities, StaleRunningEntities: entities}
}
