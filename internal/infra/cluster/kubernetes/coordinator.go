// Package kubernetes elects the cluster leader using a Kubernetes lease.
package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/historical-armada/internal/app/cluster"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// Compile-time check to verify that Coordinator implements the Coordinator interface.
var _ cluster.Coordinator = new(Coordinator)

// Coordinator elects one analysis node as leader using Kubernetes lease locks.
// Only the leader reconciles stale entities, which prevents two nodes from
// repairing the same run.
type Coordinator struct {
	nodeID string

	client kubernetes.Interface
	config K8sConfig

	leaderElector *leaderelection.LeaderElector

	mu sync.Mutex
	// Called when leadership status changes.
	leadershipChangeCB func(isLeader bool)
	cancel             context.CancelFunc

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a new coordinator with the given configuration.
// It sets up leader election using Kubernetes lease locks.
func NewCoordinator(nodeID string, cfg *K8sConfig, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := getKubernetesClient(cfg.KubeConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}
	return newCoordinator(nodeID, client, cfg, logger, tracer)
}

func newCoordinator(
	nodeID string,
	client kubernetes.Interface,
	cfg *K8sConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("node_id", nodeID),
		),
	)
	defer span.End()

	config := cfg.withDefaults()
	if config.Identity == "" {
		config.Identity = nodeID
	}

	logger = logger.With(
		"component", "kubernetes_coordinator",
		"namespace", config.Namespace,
		"leader_lock_id", config.LeaderLockID,
		"identity", config.Identity,
	)

	coordinator := &Coordinator{
		nodeID: nodeID,
		client: client,
		config: config,
		logger: logger,
		tracer: tracer,
	}

	// Configure lease-based leader election lock.
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      config.LeaderLockID,
			Namespace: config.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: config.Identity,
		},
	}

	leaderConfig := leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   config.LeaseDuration,
		RenewDeadline:   config.RenewDeadline,
		RetryPeriod:     config.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            config.LeaderLockID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderConfig)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	coordinator.leaderElector = elector
	span.AddEvent("leader_elector_created")
	logger.Info(context.Background(), "Leader elector created")

	return coordinator, nil
}

// Start begins the leader election process and blocks until the context is
// canceled or Stop is called. Leadership is released on return.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.start",
		trace.WithAttributes(
			attribute.String("node_id", c.nodeID),
		),
	)
	c.logger.Info(ctx, "Starting leader elector")
	span.AddEvent("leader_elector_started")
	span.End()

	// Run returns once leadership is lost or ctx is done.
	for ctx.Err() == nil {
		c.leaderElector.Run(ctx)
	}
	return nil
}

// Stop releases leadership and ends Start.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "Stopping leader elector")
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// OnLeadershipChange registers a callback that will be invoked when this instance
// gains or loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading",
		trace.WithAttributes(
			attribute.String("node_id", c.nodeID),
		),
	)
	defer span.End()

	c.logger.Info(ctx, "became leader")
	span.AddEvent("became_leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading",
		trace.WithAttributes(
			attribute.String("node_id", c.nodeID),
		),
	)
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	span.AddEvent("lost_leadership")
	c.notify(false)
}
