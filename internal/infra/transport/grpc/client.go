package grpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/protobuf"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("grpc node client closed")

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialOptions appends dial options used for every node connection.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithCallTimeout bounds every RPC made by the client.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithTracerProvider sets the provider used by the client stats handler.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) { c.tracerProvider = tp }
}

var _ analysis.Dispatcher = (*Client)(nil)

// Client implements analysis.Dispatcher by calling the AnalysisNode service
// on peer nodes. One connection is kept per node and created on first use.
type Client struct {
	// peers maps node ids to dial targets. Nodes absent from the map are
	// dialed using the node id as the target.
	peers map[string]string

	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	closed bool

	dialOpts       []grpc.DialOption
	callTimeout    time.Duration
	tracerProvider trace.TracerProvider

	logger *logger.Logger
}

// NewClient creates a Client for the given peer address book.
func NewClient(peers map[string]string, logger *logger.Logger, opts ...ClientOption) *Client {
	c := &Client{
		peers:  make(map[string]string, len(peers)),
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger.With("component", "grpc_node_client"),
	}
	for node, addr := range peers {
		c.peers[node] = addr
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) node(node string) (*nodeClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if conn, ok := c.conns[node]; ok {
		return &nodeClient{cc: conn}, nil
	}

	target := node
	if addr, ok := c.peers[node]; ok {
		target = addr
	}

	var handlerOpts []otelgrpc.Option
	if c.tracerProvider != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithTracerProvider(c.tracerProvider))
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler(handlerOpts...)),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to node %s (%s): %w", node, target, err)
	}
	c.conns[node] = conn
	c.logger.Debug(context.Background(), "created node connection", "node", node, "target", target)
	return &nodeClient{cc: conn}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// Forward sends req to node. A rejected request returns the domain error it
// carried together with a response holding the matching status.
func (c *Client) Forward(ctx context.Context, node string, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	nc, err := c.node(node)
	if err != nil {
		return analysis.JobResponse{}, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := nc.Forward(ctx, protobuf.ForwardRequestToStruct(req))
	if err != nil {
		derr := fromStatus(err)
		return analysis.JobResponse{Status: analysis.StatusForError(derr)}, derr
	}
	return protobuf.StructToJobResponse(out), nil
}

// RunTask asks node to execute the assignment.
func (c *Client) RunTask(ctx context.Context, node string, assignment analysis.EntityAssignment) error {
	nc, err := c.node(node)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err = nc.RunTask(ctx, protobuf.EntityAssignmentToStruct(assignment))
	return fromStatus(err)
}

// CancelTask asks node to stop the given task.
func (c *Client) CancelTask(ctx context.Context, node, detectorID, taskID string) error {
	nc, err := c.node(node)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err = nc.CancelTask(ctx, protobuf.CancelTaskToStruct(detectorID, taskID))
	return fromStatus(err)
}

// Profile fetches the tasks node is executing.
func (c *Client) Profile(ctx context.Context, node string) ([]analysis.TaskProfile, error) {
	nc, err := c.node(node)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := nc.Profile(ctx, new(emptypb.Empty))
	if err != nil {
		return nil, fromStatus(err)
	}
	return protobuf.StructToTaskProfiles(out), nil
}

// Ping runs a standard gRPC health check against node.
func (c *Client) Ping(ctx context.Context, node string) error {
	nc, err := c.node(node)
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := healthpb.NewHealthClient(nc.cc).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check of node %s failed: %w", node, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("node %s is %s", node, resp.GetStatus())
	}
	return nil
}

// Close closes every node connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var errs []error
	for node, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection to %s: %w", node, err))
		}
	}
	c.conns = nil
	return errors.Join(errs...)
}
