// Package protobuf converts analysis domain values to and from their
// structpb wire representation. The same shapes are used on the event bus
// and on the node-to-node gRPC transport.
package protobuf

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	serializationerrors "github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/errors"
)

// DetectorToStruct converts a domain Detector to its wire representation.
func DetectorToStruct(d analysis.Detector) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":             structpb.NewStringValue(d.ID()),
		"name":           structpb.NewStringValue(d.Name()),
		"category_field": structpb.NewStringValue(d.CategoryField()),
	}}
}

// StructToDetector converts a wire detector to its domain representation.
func StructToDetector(s *structpb.Struct) (analysis.Detector, error) {
	if s == nil {
		return analysis.Detector{}, serializationerrors.ErrMissingField{Field: "detector"}
	}
	id := str(s, "id")
	if id == "" {
		return analysis.Detector{}, serializationerrors.ErrMissingField{Field: "detector.id"}
	}
	return analysis.NewDetector(id, str(s, "name"), str(s, "category_field")), nil
}

// DateRangeToStruct encodes a range as epoch milliseconds.
func DateRangeToStruct(r analysis.DetectionDateRange) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"start_time": structpb.NewNumberValue(float64(r.StartTime().UnixMilli())),
		"end_time":   structpb.NewNumberValue(float64(r.EndTime().UnixMilli())),
	}}
}

// StructToDateRange decodes and validates an epoch millisecond range.
func StructToDateRange(s *structpb.Struct) (analysis.DetectionDateRange, error) {
	if !has(s, "start_time") {
		return analysis.DetectionDateRange{}, &analysis.ValidationError{Field: "start_time", Reason: "must be set"}
	}
	if !has(s, "end_time") {
		return analysis.DetectionDateRange{}, &analysis.ValidationError{Field: "end_time", Reason: "must be set"}
	}
	return analysis.DateRangeFromMillis(int64(num(s, "start_time")), int64(num(s, "end_time")))
}

// TaskToStruct converts a domain Task to its wire representation.
func TaskToStruct(t *analysis.Task) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"task_id":        structpb.NewStringValue(t.TaskID()),
		"detector_id":    structpb.NewStringValue(t.DetectorID()),
		"parent_task_id": structpb.NewStringValue(t.ParentTaskID()),
		"entity":         structpb.NewStringValue(t.Entity()),
		"state":          structpb.NewStringValue(string(t.State())),
		"progress":       structpb.NewNumberValue(t.Progress()),
		"error":          structpb.NewStringValue(t.Error()),
		"coordinator":    structpb.NewStringValue(t.Coordinator()),
		"worker_node":    structpb.NewStringValue(t.WorkerNode()),
		"created_at":     structpb.NewNumberValue(toMillis(t.CreatedAt())),
		"updated_at":     structpb.NewNumberValue(toMillis(t.UpdatedAt())),
	}
	if !t.DateRange().IsZero() {
		fields["date_range"] = structpb.NewStructValue(DateRangeToStruct(t.DateRange()))
	}
	return &structpb.Struct{Fields: fields}
}

// StructToTask converts a wire task to its domain representation.
func StructToTask(s *structpb.Struct) (*analysis.Task, error) {
	if s == nil {
		return nil, serializationerrors.ErrNilEvent{EventType: "task"}
	}

	taskID := str(s, "task_id")
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, serializationerrors.ErrInvalidUUID{Field: "task_id", Err: err}
	}
	parentID := str(s, "parent_task_id")
	if parentID != "" {
		if _, err := uuid.Parse(parentID); err != nil {
			return nil, serializationerrors.ErrInvalidUUID{Field: "parent_task_id", Err: err}
		}
	}
	detectorID := str(s, "detector_id")
	if detectorID == "" {
		return nil, serializationerrors.ErrMissingField{Field: "task.detector_id"}
	}

	rawState := str(s, "state")
	state := analysis.ParseTaskState(rawState)
	if state == analysis.TaskStateUnspecified {
		return nil, serializationerrors.ErrInvalidTaskState{Value: rawState}
	}

	var dateRange analysis.DetectionDateRange
	if dr := sub(s, "date_range"); dr != nil {
		var err error
		if dateRange, err = StructToDateRange(dr); err != nil {
			return nil, fmt.Errorf("task %s date range: %w", taskID, err)
		}
	}

	return analysis.ReconstructTask(
		taskID,
		detectorID,
		parentID,
		str(s, "entity"),
		state,
		num(s, "progress"),
		str(s, "error"),
		dateRange,
		str(s, "coordinator"),
		str(s, "worker_node"),
		fromMillis(num(s, "created_at")),
		fromMillis(num(s, "updated_at")),
	), nil
}

// ForwardRequestToStruct converts a forwarding envelope to its wire representation.
// Optional members are omitted when unset.
func ForwardRequestToStruct(r analysis.ForwardRequest) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"detector_id": structpb.NewStringValue(r.DetectorID),
		"action":      structpb.NewStringValue(string(r.Action)),
	}
	if r.Detector != nil {
		fields["detector"] = structpb.NewStructValue(DetectorToStruct(*r.Detector))
	}
	if r.DateRange != nil {
		fields["date_range"] = structpb.NewStructValue(DateRangeToStruct(*r.DateRange))
	}
	if r.Task != nil {
		fields["task"] = structpb.NewStructValue(TaskToStruct(r.Task))
	}
	if len(r.StaleRunningEntities) > 0 {
		vals := make([]*structpb.Value, 0, len(r.StaleRunningEntities))
		for _, e := range r.StaleRunningEntities {
			vals = append(vals, structpb.NewStringValue(e))
		}
		fields["stale_running_entities"] = structpb.NewListValue(&structpb.ListValue{Values: vals})
	}
	return &structpb.Struct{Fields: fields}
}

// StructToForwardRequest converts a wire envelope to its domain representation.
// Structural checks on the action are left to ForwardRequest.ToCommand.
func StructToForwardRequest(s *structpb.Struct) (analysis.ForwardRequest, error) {
	if s == nil {
		return analysis.ForwardRequest{}, serializationerrors.ErrNilEvent{EventType: "forward_request"}
	}

	req := analysis.ForwardRequest{
		DetectorID: str(s, "detector_id"),
		Action:     analysis.ParseAction(str(s, "action")),
	}

	if ds := sub(s, "detector"); ds != nil {
		d, err := StructToDetector(ds)
		if err != nil {
			return analysis.ForwardRequest{}, err
		}
		req.Detector = &d
	}
	if drs := sub(s, "date_range"); drs != nil {
		dr, err := StructToDateRange(drs)
		if err != nil {
			return analysis.ForwardRequest{}, err
		}
		req.DateRange = &dr
	}
	if ts := sub(s, "task"); ts != nil {
		t, err := StructToTask(ts)
		if err != nil {
			return analysis.ForwardRequest{}, err
		}
		req.Task = t
	}
	for _, v := range s.GetFields()["stale_running_entities"].GetListValue().GetValues() {
		req.StaleRunningEntities = append(req.StaleRunningEntities, v.GetStringValue())
	}
	return req, nil
}

// JobResponseToStruct converts a response to its wire representation.
func JobResponseToStruct(r analysis.JobResponse) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":                structpb.NewStringValue(r.ID),
		"forecasts_created": structpb.NewNumberValue(float64(r.ForecastsCreated)),
		"anomaly_count":     structpb.NewNumberValue(float64(r.AnomalyCount)),
		"error_count":       structpb.NewNumberValue(float64(r.ErrorCount)),
		"status":            structpb.NewNumberValue(float64(r.Status)),
	}}
}

// StructToJobResponse converts a wire response to its domain representation.
func StructToJobResponse(s *structpb.Struct) analysis.JobResponse {
	return analysis.JobResponse{
		ID:               str(s, "id"),
		ForecastsCreated: int(num(s, "forecasts_created")),
		AnomalyCount:     int(num(s, "anomaly_count")),
		ErrorCount:       int(num(s, "error_count")),
		Status:           int(num(s, "status")),
	}
}

// EntityAssignmentToStruct converts a worker assignment to its wire representation.
func EntityAssignmentToStruct(a analysis.EntityAssignment) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"detector":    structpb.NewStructValue(DetectorToStruct(a.Detector)),
		"task":        structpb.NewStructValue(TaskToStruct(a.Task)),
		"coordinator": structpb.NewStringValue(a.Coordinator),
	}}
}

// StructToEntityAssignment converts a wire assignment to its domain representation.
func StructToEntityAssignment(s *structpb.Struct) (analysis.EntityAssignment, error) {
	d, err := StructToDetector(sub(s, "detector"))
	if err != nil {
		return analysis.EntityAssignment{}, err
	}
	ts := sub(s, "task")
	if ts == nil {
		return analysis.EntityAssignment{}, serializationerrors.ErrMissingField{Field: "task"}
	}
	t, err := StructToTask(ts)
	if err != nil {
		return analysis.EntityAssignment{}, err
	}
	coordinator := str(s, "coordinator")
	if coordinator == "" {
		return analysis.EntityAssignment{}, serializationerrors.ErrMissingField{Field: "coordinator"}
	}
	return analysis.EntityAssignment{Detector: d, Task: t, Coordinator: coordinator}, nil
}

// CancelTaskToStruct encodes a request to stop one running task.
func CancelTaskToStruct(detectorID, taskID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"detector_id": structpb.NewStringValue(detectorID),
		"task_id":     structpb.NewStringValue(taskID),
	}}
}

// StructToCancelTask decodes a request to stop one running task.
func StructToCancelTask(s *structpb.Struct) (detectorID, taskID string, err error) {
	if detectorID = str(s, "detector_id"); detectorID == "" {
		return "", "", serializationerrors.ErrMissingField{Field: "detector_id"}
	}
	if taskID = str(s, "task_id"); taskID == "" {
		return "", "", serializationerrors.ErrMissingField{Field: "task_id"}
	}
	return detectorID, taskID, nil
}

// TaskProfilesToStruct converts a worker profile listing to its wire representation.
func TaskProfilesToStruct(profiles []analysis.TaskProfile) *structpb.Struct {
	vals := make([]*structpb.Value, 0, len(profiles))
	for _, p := range profiles {
		vals = append(vals, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"node_id":     structpb.NewStringValue(p.NodeID()),
			"detector_id": structpb.NewStringValue(p.DetectorID()),
			"task_id":     structpb.NewStringValue(p.TaskID()),
			"entity":      structpb.NewStringValue(p.Entity()),
			"started_at":  structpb.NewNumberValue(toMillis(p.StartedAt())),
		}}))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"profiles": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

// StructToTaskProfiles converts a wire profile listing to its domain representation.
func StructToTaskProfiles(s *structpb.Struct) []analysis.TaskProfile {
	values := s.GetFields()["profiles"].GetListValue().GetValues()
	profiles := make([]analysis.TaskProfile, 0, len(values))
	for _, v := range values {
		p := v.GetStructValue()
		profiles = append(profiles, analysis.NewTaskProfile(
			str(p, "node_id"),
			str(p, "detector_id"),
			str(p, "task_id"),
			str(p, "entity"),
			fromMillis(num(p, "started_at")),
		))
	}
	return profiles
}

func str(s *structpb.Struct, key string) string { return s.GetFields()[key].GetStringValue() }

func num(s *structpb.Struct, key string) float64 { return s.GetFields()[key].GetNumberValue() }

func sub(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

func has(s *structpb.Struct, key string) bool {
	_, ok := s.GetFields()[key]
	return ok
}

func toMillis(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

func fromMillis(ms float64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms)).UTC()
}
