// Package reliability classifies lifecycle events by how much delivery effort
// they warrant.
package reliability

import (
	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
)

// IsCriticalEvent determines if an event type must survive transient broker
// failures.
//
// Critical events are terminal facts about a run that:
// 1. Won't be naturally retransmitted by subsequent messages
// 2. Would leave consumers with a run that never ends if lost
//
// A lost HistoricalTaskStarted is superseded by the run's terminal event, so
// it is published on a best-effort basis.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case analysis.EventTypeHistoricalTaskFinished,
		analysis.EventTypeEntityTaskFailed:
		return true

	case analysis.EventTypeHistoricalTaskStarted:
		return false

	default:
		return false
	}
}
