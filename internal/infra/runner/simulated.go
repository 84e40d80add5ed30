// Package runner provides analysis.AnalysisRunner implementations that are
// not backed by a real anomaly detection model.
package runner

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

var _ analysis.AnalysisRunner = (*Simulated)(nil)

// Simulated occupies a task for a fixed duration and reports no anomalies.
// It lets a node exercise the full orchestration path without a model.
type Simulated struct {
	duration time.Duration
	clock    clockwork.Clock
}

// NewSimulated creates a Simulated runner.
func NewSimulated(duration time.Duration, clock clockwork.Clock) *Simulated {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Simulated{duration: duration, clock: clock}
}

// Run waits for the configured duration or until ctx is done.
func (s *Simulated) Run(ctx context.Context, _ analysis.Detector, _ *analysis.Task) (analysis.RunResult, error) {
	if s.duration <= 0 {
		return analysis.RunResult{}, ctx.Err()
	}
	select {
	case <-s.clock.After(s.duration):
		return analysis.RunResult{}, nil
	case <-ctx.Done():
		return analysis.RunResult{}, ctx.Err()
	}
}
