// Package memory provides an in-process analysis.Dispatcher that routes calls
// to coordinators and workers registered on the same process. It backs
// single-process deployments and end-to-end tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/protobuf"
)

// ErrUnknownNode is returned for calls addressed to a node that was never registered.
var ErrUnknownNode = errors.New("unknown node")

// ForwardHandler applies forwarded requests on a coordinating node.
type ForwardHandler interface {
	Handle(ctx context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error)
}

// TaskExecutor runs entity tasks on a worker node.
type TaskExecutor interface {
	RunTask(ctx context.Context, assignment analysis.EntityAssignment) error
	CancelTask(ctx context.Context, detectorID, taskID string) error
	Profile(ctx context.Context) ([]analysis.TaskProfile, error)
}

type node struct {
	coordinator ForwardHandler
	worker      TaskExecutor
}

var _ analysis.Dispatcher = (*Loopback)(nil)

// Loopback delivers dispatcher calls to registered nodes. Every message is
// passed through the wire codec so nodes never share domain values.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]node
}

// NewLoopback creates an empty Loopback.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]node)}
}

// Register makes a node reachable. Either role may be nil.
func (l *Loopback) Register(nodeID string, coordinator ForwardHandler, worker TaskExecutor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nodes[nodeID] = node{coordinator: coordinator, worker: worker}
}

// Unregister makes a node unreachable, as if it had crashed.
func (l *Loopback) Unregister(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

func (l *Loopback) lookup(nodeID string) (node, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n, ok := l.nodes[nodeID]
	if !ok {
		return node{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return n, nil
}

// Forward delivers req to the coordinator registered as nodeID.
func (l *Loopback) Forward(ctx context.Context, nodeID string, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	n, err := l.lookup(nodeID)
	if err != nil {
		return analysis.JobResponse{}, err
	}
	if n.coordinator == nil {
		return analysis.JobResponse{}, fmt.Errorf("node %s does not coordinate analysis tasks", nodeID)
	}

	copied, err := protobuf.StructToForwardRequest(protobuf.ForwardRequestToStruct(req))
	if err != nil {
		return analysis.JobResponse{}, fmt.Errorf("encode forward request: %w", err)
	}
	resp, err := n.coordinator.Handle(ctx, copied)
	if err != nil && resp.Status == 0 {
		resp.Status = analysis.StatusForError(err)
	}
	return resp, err
}

// RunTask delivers the assignment to the worker registered as nodeID.
func (l *Loopback) RunTask(ctx context.Context, nodeID string, assignment analysis.EntityAssignment) error {
	n, err := l.lookup(nodeID)
	if err != nil {
		return err
	}
	if n.worker == nil {
		return fmt.Errorf("node %s does not execute analysis tasks", nodeID)
	}

	copied, err := protobuf.StructToEntityAssignment(protobuf.EntityAssignmentToStruct(assignment))
	if err != nil {
		return fmt.Errorf("encode entity assignment: %w", err)
	}
	return n.worker.RunTask(ctx, copied)
}

// CancelTask asks the worker registered as nodeID to stop a task.
func (l *Loopback) CancelTask(ctx context.Context, nodeID, detectorID, taskID string) error {
	n, err := l.lookup(nodeID)
	if err != nil {
		return err
	}
	if n.worker == nil {
		return fmt.Errorf("node %s does not execute analysis tasks", nodeID)
	}
	return n.worker.CancelTask(ctx, detectorID, taskID)
}

// Profile returns the tasks the worker registered as nodeID is executing.
func (l *Loopback) Profile(ctx context.Context, nodeID string) ([]analysis.TaskProfile, error) {
	n, err := l.lookup(nodeID)
	if err != nil {
		return nil, err
	}
	if n.worker == nil {
		return nil, fmt.Errorf("node %s does not execute analysis tasks", nodeID)
	}
	return n.worker.Profile(ctx)
}

// Ping succeeds while nodeID is registered.
func (l *Loopback) Ping(_ context.Context, nodeID string) error {
	_, err := l.lookup(nodeID)
	return err
}
