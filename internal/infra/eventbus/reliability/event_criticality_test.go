package reliability

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
)

func TestIsCriticalEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		eventType events.EventType
		want      bool
	}{
		{
			name:      "HistoricalTaskFinished is critical",
			eventType: analysis.EventTypeHistoricalTaskFinished,
			want:      true,
		},
		{
			name:      "EntityTaskFailed is critical",
			eventType: analysis.EventTypeEntityTaskFailed,
			want:      true,
		},
		{
			name:      "HistoricalTaskStarted is best effort",
			eventType: analysis.EventTypeHistoricalTaskStarted,
			want:      false,
		},
		{
			name:      "Unknown event type is not critical",
			eventType: events.EventType("UnknownEvent"),
			want:      false,
		},
		{
			name:      "Empty event type is not critical",
			eventType: "",
			want:      false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsCriticalEvent(tt.eventType))
		})
	}
}
