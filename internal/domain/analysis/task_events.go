package analysis

import (
	"time"

	"github.com/ahrav/historical-armada/internal/domain/events"
)

// Event types relevant to historical analysis tasks.
const (
	EventTypeHistoricalTaskStarted  events.EventType = "HistoricalTaskStarted"
	EventTypeHistoricalTaskFinished events.EventType = "HistoricalTaskFinished"
	EventTypeEntityTaskFailed       events.EventType = "EntityTaskFailed"
)

// HistoricalTaskStartedEvent signals a parent task was created and seeded.
type HistoricalTaskStartedEvent struct {
	occurredAt  time.Time
	DetectorID  string
	TaskID      string
	EntityCount int
}

func NewHistoricalTaskStartedEvent(detectorID, taskID string, entityCount int, now time.Time) HistoricalTaskStartedEvent {
	return HistoricalTaskStartedEvent{
		occurredAt:  now,
		DetectorID:  detectorID,
		TaskID:      taskID,
		EntityCount: entityCount,
	}
}

func (e HistoricalTaskStartedEvent) EventType() events.EventType {
	return EventTypeHistoricalTaskStarted
}
func (e HistoricalTaskStartedEvent) OccurredAt() time.Time { return e.occurredAt }

// HistoricalTaskFinishedEvent signals a parent task reached a terminal state.
type HistoricalTaskFinishedEvent struct {
	occurredAt time.Time
	DetectorID string
	TaskID     string
	State      TaskState
	Error      string
}

func NewHistoricalTaskFinishedEvent(detectorID, taskID string, state TaskState, errMsg string, now time.Time) HistoricalTaskFinishedEvent {
	return HistoricalTaskFinishedEvent{
		occurredAt: now,
		DetectorID: detectorID,
		TaskID:     taskID,
		State:      state,
		Error:      errMsg,
	}
}

func (e HistoricalTaskFinishedEvent) EventType() events.EventType {
	return EventTypeHistoricalTaskFinished
}
func (e HistoricalTaskFinishedEvent) OccurredAt() time.Time { return e.occurredAt }

// EntityTaskFailedEvent signals an entity was dropped from a run for good.
type EntityTaskFailedEvent struct {
	occurredAt time.Time
	DetectorID string
	TaskID     string
	Entity     string
	Reason     string
	Attempts   int
}

func NewEntityTaskFailedEvent(detectorID, taskID, entity, reason string, attempts int, now time.Time) EntityTaskFailedEvent {
	return EntityTaskFailedEvent{
		occurredAt: now,
		DetectorID: detectorID,
		TaskID:     taskID,
		Entity:     entity,
		Reason:     reason,
		Attempts:   attempts,
	}
}

func (e EntityTaskFailedEvent) EventType() events.EventType { return EventTypeEntityTaskFailed }
func (e EntityTaskFailedEvent) OccurredAt() time.Time       { return e.occurredAt }
