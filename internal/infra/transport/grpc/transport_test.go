package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	protoCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

type fakeCoordinator struct {
	handleFunc func(req analysis.ForwardRequest) (analysis.JobResponse, error)
}

func (f *fakeCoordinator) Handle(_ context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error) {
	return f.handleFunc(req)
}

type fakeWorker struct {
	mu          sync.Mutex
	assignments []analysis.EntityAssignment
	cancels     [][2]string
	profiles    []analysis.TaskProfile
	runErr      error
}

func (f *fakeWorker) RunTask(_ context.Context, a analysis.EntityAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return f.runErr
	}
	f.assignments = append(f.assignments, a)
	return nil
}

func (f *fakeWorker) CancelTask(_ context.Context, detectorID, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, [2]string{detectorID, taskID})
	return nil
}

func (f *fakeWorker) Profile(context.Context) ([]analysis.TaskProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles, nil
}

const bufSize = 1024 * 1024

// startNode serves a Server over an in-process listener and returns a client
// that reaches it as "node-b".
func startNode(t *testing.T, coordinator ForwardHandler, worker TaskExecutor) *Client {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	RegisterNodeServer(srv, NewServer(coordinator, worker, logger.Noop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client := NewClient(
		map[string]string{"node-b": "passthrough:///bufnet"},
		logger.Noop(),
		WithCallTimeout(5*time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testAssignment(t *testing.T) analysis.EntityAssignment {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dr, err := analysis.NewDetectionDateRange(start, start.Add(24*time.Hour))
	require.NoError(t, err)
	parent := analysis.NewParentTask("det-1", dr, "node-a", start)
	return analysis.EntityAssignment{
		Detector:    analysis.NewDetector("det-1", "latency", "host"),
		Task:        analysis.NewEntityTask(parent, "host-1", "node-b", start),
		Coordinator: "node-a",
	}
}

func TestClientForward(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handleErr  error
		wantStatus int
		checkErr   func(t *testing.T, err error)
	}{
		{
			name:       "accepted",
			wantStatus: 200,
		},
		{
			name:       "not found",
			handleErr:  &analysis.NotFoundError{DetectorID: "det-1"},
			wantStatus: 404,
			checkErr: func(t *testing.T, err error) {
				var nf *analysis.NotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, "det-1", nf.DetectorID)
			},
		},
		{
			name:       "conflict",
			handleErr:  &analysis.ConflictError{DetectorID: "det-1", TaskID: "task-9"},
			wantStatus: 409,
			checkErr: func(t *testing.T, err error) {
				var ce *analysis.ConflictError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, "task-9", ce.TaskID)
			},
		},
		{
			name:       "validation",
			handleErr:  &analysis.ValidationError{Field: "start_time", Reason: "must be set"},
			wantStatus: 400,
			checkErr: func(t *testing.T, err error) {
				var ve *analysis.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "start_time", ve.Field)
			},
		},
		{
			name:       "unsupported action",
			handleErr:  &analysis.UnsupportedActionError{Action: analysis.ActionFinished, Reason: "multi-entity detector"},
			wantStatus: 400,
			checkErr: func(t *testing.T, err error) {
				var ue *analysis.UnsupportedActionError
				require.ErrorAs(t, err, &ue)
				assert.Equal(t, analysis.ActionFinished, ue.Action)
			},
		},
		{
			name:       "internal",
			handleErr:  errors.New("store unavailable"),
			wantStatus: 500,
			checkErr: func(t *testing.T, err error) {
				assert.Equal(t, protoCodes.Internal, status.Code(err))
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got analysis.ForwardRequest
			coordinator := &fakeCoordinator{handleFunc: func(req analysis.ForwardRequest) (analysis.JobResponse, error) {
				got = req
				if tt.handleErr != nil {
					return analysis.JobResponse{}, tt.handleErr
				}
				return analysis.NewOKResponse("task-1"), nil
			}}
			client := startNode(t, coordinator, nil)

			req := analysis.NewCleanStaleRequest("det-1", []string{"host-1", "host-2"})
			resp, err := client.Forward(context.Background(), "node-b", req)

			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "det-1", got.DetectorID)
			assert.Equal(t, analysis.ActionCleanStaleRunningEntities, got.Action)
			assert.Equal(t, []string{"host-1", "host-2"}, got.StaleRunningEntities)
			if tt.checkErr == nil {
				require.NoError(t, err)
				assert.Equal(t, "task-1", resp.ID)
				return
			}
			tt.checkErr(t, err)
		})
	}
}

func TestClientWorkerCalls(t *testing.T) {
	t.Parallel()

	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	worker := &fakeWorker{profiles: []analysis.TaskProfile{
		analysis.NewTaskProfile("node-b", "det-1", "task-1", "host-1", started),
	}}
	client := startNode(t, nil, worker)
	ctx := context.Background()

	a := testAssignment(t)
	require.NoError(t, client.RunTask(ctx, "node-b", a))
	require.Len(t, worker.assignments, 1)
	assert.Equal(t, a.Task.TaskID(), worker.assignments[0].Task.TaskID())
	assert.Equal(t, "host-1", worker.assignments[0].Task.Entity())
	assert.Equal(t, "node-a", worker.assignments[0].Coordinator)

	require.NoError(t, client.CancelTask(ctx, "node-b", "det-1", "task-1"))
	assert.Equal(t, [][2]string{{"det-1", "task-1"}}, worker.cancels)

	profiles, err := client.Profile(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, worker.profiles, profiles)
}

func TestServerRoleNotServed(t *testing.T) {
	t.Parallel()

	client := startNode(t, nil, nil)
	ctx := context.Background()

	_, err := client.Forward(ctx, "node-b", analysis.NewCleanStaleRequest("det-1", nil))
	assert.Equal(t, protoCodes.Unimplemented, status.Code(err))

	err = client.RunTask(ctx, "node-b", testAssignment(t))
	assert.Equal(t, protoCodes.Unimplemented, status.Code(err))

	_, err = client.Profile(ctx, "node-b")
	assert.Equal(t, protoCodes.Unimplemented, status.Code(err))
}

func TestServerRejectsMalformedMessages(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeCoordinator{}, &fakeWorker{}, logger.Noop())
	ctx := context.Background()

	_, err := srv.RunTask(ctx, nil)
	assert.Equal(t, protoCodes.InvalidArgument, status.Code(err))

	_, err = srv.CancelTask(ctx, nil)
	assert.Equal(t, protoCodes.InvalidArgument, status.Code(err))
}

func TestClientClosed(t *testing.T) {
	t.Parallel()

	client := NewClient(nil, logger.Noop())
	require.NoError(t, client.Close())

	err := client.RunTask(context.Background(), "node-b", testAssignment(t))
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestStatusRoundTrip(t *testing.T) {
	t.Parallel()

	assert.Nil(t, toStatus(nil))
	assert.Nil(t, fromStatus(nil))

	err := fromStatus(toStatus(context.DeadlineExceeded))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	plain := errors.New("plain")
	assert.Equal(t, plain, fromStatus(plain))
}

func TestClientPing(t *testing.T) {
	t.Parallel()

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthServer)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client := NewClient(
		map[string]string{"node-b": "passthrough:///bufnet"},
		logger.Noop(),
		WithCallTimeout(5*time.Second),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	t.Cleanup(func() { _ = client.Close() })

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, client.Ping(context.Background(), "node-b"))

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	assert.Error(t, client.Ping(context.Background(), "node-b"))

	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.Ping(context.Background(), "node-b"), ErrClientClosed)
}
