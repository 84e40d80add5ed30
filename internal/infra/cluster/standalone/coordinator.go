// Package standalone provides a cluster coordinator for deployments with a
// single analysis node, which always leads.
package standalone

import (
	"context"
	"sync"

	"github.com/ahrav/historical-armada/internal/app/cluster"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator reports leadership as soon as it starts and gives it up on stop.
type Coordinator struct {
	mu     sync.Mutex
	cb     func(isLeader bool)
	cancel context.CancelFunc

	logger *logger.Logger
}

// NewCoordinator creates a standalone coordinator.
func NewCoordinator(logger *logger.Logger) *Coordinator {
	return &Coordinator{logger: logger.With("component", "standalone_coordinator")}
}

// Start takes leadership and blocks until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	cb := c.cb
	c.mu.Unlock()
	defer cancel()

	c.logger.Info(ctx, "became leader")
	if cb != nil {
		cb(true)
	}

	<-ctx.Done()

	c.logger.Info(context.Background(), "lost leadership")
	if cb != nil {
		cb(false)
	}
	return nil
}

// Stop ends Start.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// OnLeadershipChange registers cb. It must be called before Start.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}
