package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryClassifier(t *testing.T) {
	t.Parallel()

	defaults := NewRetryClassifier(nil)
	assert.True(t, defaults.IsRetryable("worker node-b: dispatch failed: connection refused"))
	assert.True(t, defaults.IsRetryable("Query Timed Out after 30s"))
	assert.False(t, defaults.IsRetryable("invalid feature query"))
	assert.False(t, defaults.IsRetryable(""))

	custom := NewRetryClassifier([]string{" circuit breaker ", ""})
	assert.True(t, custom.IsRetryable("Circuit Breaker tripped"))
	assert.False(t, custom.IsRetryable("timed out"))
}

func TestFinalizePolicy_TerminalState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  FinalizePolicy
		outcome RunOutcome
		want    TaskState
	}{
		{name: "cancelled wins", policy: FinalizeLastReport, outcome: RunOutcome{Cancelled: true, LastReportError: "x"}, want: TaskStateStopped},
		{name: "entity error still finishes", policy: FinalizeLastReport, outcome: RunOutcome{LastReportEntity: true, LastReportError: "x"}, want: TaskStateFinished},
		{name: "parent error fails", policy: FinalizeLastReport, outcome: RunOutcome{LastReportError: ErrNoEntityFound.Error()}, want: TaskStateFailed},
		{name: "clean last report", policy: FinalizeLastReport, outcome: RunOutcome{Succeeded: 3}, want: TaskStateFinished},
		{name: "no success fails", policy: FinalizeNoSuccess, outcome: RunOutcome{LastReportEntity: true, Failed: 2}, want: TaskStateFailed},
		{name: "some success finishes", policy: FinalizeNoSuccess, outcome: RunOutcome{Succeeded: 1, Failed: 2}, want: TaskStateFinished},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.policy.TerminalState(tt.outcome))
		})
	}

	_, err := ParseFinalizePolicy("majority")
	assert.Error(t, err)
	p, err := ParseFinalizePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FinalizeLastReport, p)
}

func TestFindStaleEntities(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-time.Minute)

	running := []RunningEntity{
		NewRunningEntity("det-1", "e1", "node-b", now.Add(-10*time.Minute)),
		NewRunningEntity("det-1", "e2", "node-b", now.Add(-10*time.Minute)),
		NewRunningEntity("det-1", "e3", "node-c", now),
		NewRunningEntity("det-2", "e1", "node-c", now.Add(-5*time.Minute)),
	}
	profiles := []TaskProfile{
		NewTaskProfile("node-b", "det-1", "t1", "e1", now.Add(-10*time.Minute)),
	}

	stale := FindStaleEntities(running, profiles, cutoff)
	assert.Equal(t, map[string][]string{
		"det-1": {"e2"},
		"det-2": {"e1"},
	}, stale)
}
