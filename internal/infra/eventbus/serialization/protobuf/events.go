package protobuf

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	serializationerrors "github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/errors"
)

// HistoricalTaskStartedEventToStruct converts a domain HistoricalTaskStartedEvent to its wire representation.
func HistoricalTaskStartedEventToStruct(e analysis.HistoricalTaskStartedEvent) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"detector_id":  structpb.NewStringValue(e.DetectorID),
		"task_id":      structpb.NewStringValue(e.TaskID),
		"entity_count": structpb.NewNumberValue(float64(e.EntityCount)),
		"occurred_at":  structpb.NewNumberValue(toMillis(e.OccurredAt())),
	}}
}

// StructToHistoricalTaskStartedEvent converts a wire event to its domain representation.
func StructToHistoricalTaskStartedEvent(s *structpb.Struct) (analysis.HistoricalTaskStartedEvent, error) {
	if s == nil {
		return analysis.HistoricalTaskStartedEvent{}, serializationerrors.ErrNilEvent{EventType: "HistoricalTaskStarted"}
	}
	if str(s, "task_id") == "" {
		return analysis.HistoricalTaskStartedEvent{}, serializationerrors.ErrMissingField{Field: "task_id"}
	}
	return analysis.NewHistoricalTaskStartedEvent(
		str(s, "detector_id"),
		str(s, "task_id"),
		int(num(s, "entity_count")),
		fromMillis(num(s, "occurred_at")),
	), nil
}

// HistoricalTaskFinishedEventToStruct converts a domain HistoricalTaskFinishedEvent to its wire representation.
func HistoricalTaskFinishedEventToStruct(e analysis.HistoricalTaskFinishedEvent) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"detector_id": structpb.NewStringValue(e.DetectorID),
		"task_id":     structpb.NewStringValue(e.TaskID),
		"state":       structpb.NewStringValue(string(e.State)),
		"error":       structpb.NewStringValue(e.Error),
		"occurred_at": structpb.NewNumberValue(toMillis(e.OccurredAt())),
	}}
}

// StructToHistoricalTaskFinishedEvent converts a wire event to its domain representation.
func StructToHistoricalTaskFinishedEvent(s *structpb.Struct) (analysis.HistoricalTaskFinishedEvent, error) {
	if s == nil {
		return analysis.HistoricalTaskFinishedEvent{}, serializationerrors.ErrNilEvent{EventType: "HistoricalTaskFinished"}
	}
	if str(s, "task_id") == "" {
		return analysis.HistoricalTaskFinishedEvent{}, serializationerrors.ErrMissingField{Field: "task_id"}
	}
	rawState := str(s, "state")
	state := analysis.ParseTaskState(rawState)
	if state == analysis.TaskStateUnspecified {
		return analysis.HistoricalTaskFinishedEvent{}, serializationerrors.ErrInvalidTaskState{Value: rawState}
	}
	return analysis.NewHistoricalTaskFinishedEvent(
		str(s, "detector_id"),
		str(s, "task_id"),
		state,
		str(s, "error"),
		fromMillis(num(s, "occurred_at")),
	), nil
}

// EntityTaskFailedEventToStruct converts a domain EntityTaskFailedEvent to its wire representation.
func EntityTaskFailedEventToStruct(e analysis.EntityTaskFailedEvent) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"detector_id": structpb.NewStringValue(e.DetectorID),
		"task_id":     structpb.NewStringValue(e.TaskID),
		"entity":      structpb.NewStringValue(e.Entity),
		"reason":      structpb.NewStringValue(e.Reason),
		"attempts":    structpb.NewNumberValue(float64(e.Attempts)),
		"occurred_at": structpb.NewNumberValue(toMillis(e.OccurredAt())),
	}}
}

// StructToEntityTaskFailedEvent converts a wire event to its domain representation.
func StructToEntityTaskFailedEvent(s *structpb.Struct) (analysis.EntityTaskFailedEvent, error) {
	if s == nil {
		return analysis.EntityTaskFailedEvent{}, serializationerrors.ErrNilEvent{EventType: "EntityTaskFailed"}
	}
	if str(s, "entity") == "" {
		return analysis.EntityTaskFailedEvent{}, serializationerrors.ErrMissingField{Field: "entity"}
	}
	return analysis.NewEntityTaskFailedEvent(
		str(s, "detector_id"),
		str(s, "task_id"),
		str(s, "entity"),
		str(s, "reason"),
		int(num(s, "attempts")),
		fromMillis(num(s, "occurred_at")),
	), nil
}
