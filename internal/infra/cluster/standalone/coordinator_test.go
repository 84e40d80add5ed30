package standalone

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/historical-armada/pkg/common/logger"
)

func TestCoordinatorLeadsUntilStopped(t *testing.T) {
	t.Parallel()

	c := NewCoordinator(logger.Noop())

	var mu sync.Mutex
	var changes []bool
	c.OnLeadershipChange(func(isLeader bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, isLeader)
	})

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("coordinator did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}
