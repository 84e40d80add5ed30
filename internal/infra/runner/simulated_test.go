package runner

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

func TestSimulatedCompletesAfterDuration(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	r := NewSimulated(time.Minute, clock)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), analysis.Detector{}, nil)
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(time.Minute)
	assert.NoError(t, <-done)
}

func TestSimulatedStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := NewSimulated(time.Hour, clockwork.NewFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, analysis.Detector{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
