package analysis

import "fmt"

// FinalizePolicy decides the terminal state of a high-cardinality parent
// task once every entity has left the cache.
type FinalizePolicy string

const (
	// FinalizeLastReport fails the run only when the final report came from a
	// non-entity task carrying an error.
	FinalizeLastReport FinalizePolicy = "last_report"

	// FinalizeNoSuccess fails the run when no entity completed successfully.
	FinalizeNoSuccess FinalizePolicy = "no_success"
)

// ParseFinalizePolicy converts configuration text into a policy.
func ParseFinalizePolicy(s string) (FinalizePolicy, error) {
	switch FinalizePolicy(s) {
	case "", FinalizeLastReport:
		return FinalizeLastReport, nil
	case FinalizeNoSuccess:
		return FinalizeNoSuccess, nil
	default:
		return "", fmt.Errorf("unknown finalize policy %q", s)
	}
}

// RunOutcome is what the coordinator knows about a run when its last entity
// drains.
type RunOutcome struct {
	Cancelled        bool
	LastReportEntity bool
	LastReportError  string
	Succeeded        int
	Failed           int
}

// TerminalState applies the policy to an outcome.
func (p FinalizePolicy) TerminalState(o RunOutcome) TaskState {
	if o.Cancelled {
		return TaskStateStopped
	}
	switch p {
	case FinalizeNoSuccess:
		if o.Succeeded == 0 {
			return TaskStateFailed
		}
		return TaskStateFinished
	default:
		if !o.LastReportEntity && o.LastReportError != "" {
			return TaskStateFailed
		}
		return TaskStateFinished
	}
}
