package grpc

import (
	"context"

	protoCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/serialization/protobuf"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// ForwardHandler applies forwarded requests on the coordinating node.
type ForwardHandler interface {
	Handle(ctx context.Context, req analysis.ForwardRequest) (analysis.JobResponse, error)
}

// TaskExecutor runs entity tasks on a worker node.
type TaskExecutor interface {
	RunTask(ctx context.Context, assignment analysis.EntityAssignment) error
	CancelTask(ctx context.Context, detectorID, taskID string) error
	Profile(ctx context.Context) ([]analysis.TaskProfile, error)
}

var _ NodeServer = (*Server)(nil)

// Server adapts a node's coordinator and worker to the AnalysisNode service.
// Either side may be nil on nodes that do not play that role; the matching
// RPCs then report Unimplemented.
type Server struct {
	coordinator ForwardHandler
	worker      TaskExecutor
	logger      *logger.Logger
}

// NewServer creates a Server for the given coordinator and worker.
func NewServer(coordinator ForwardHandler, worker TaskExecutor, logger *logger.Logger) *Server {
	return &Server{
		coordinator: coordinator,
		worker:      worker,
		logger:      logger.With("component", "grpc_node_server"),
	}
}

// Forward decodes a ForwardRequest and hands it to the coordinator.
func (s *Server) Forward(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.coordinator == nil {
		return nil, status.Error(protoCodes.Unimplemented, "node does not coordinate analysis tasks")
	}

	req, err := protobuf.StructToForwardRequest(in)
	if err != nil {
		return nil, status.Errorf(protoCodes.InvalidArgument, "invalid forward request: %v", err)
	}

	resp, err := s.coordinator.Handle(ctx, req)
	if err != nil {
		if analysis.IsNotFound(err) {
			s.logger.Debug(ctx, "forward target has no active run", "detector_id", req.DetectorID, "action", req.Action.String())
		} else {
			s.logger.Warn(ctx, "forward request failed",
				"detector_id", req.DetectorID,
				"action", req.Action.String(),
				"error", err,
			)
		}
		return nil, toStatus(err)
	}
	return protobuf.JobResponseToStruct(resp), nil
}

// RunTask decodes an EntityAssignment and starts it on the worker.
func (s *Server) RunTask(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.worker == nil {
		return nil, status.Error(protoCodes.Unimplemented, "node does not execute analysis tasks")
	}

	assignment, err := protobuf.StructToEntityAssignment(in)
	if err != nil {
		return nil, status.Errorf(protoCodes.InvalidArgument, "invalid entity assignment: %v", err)
	}
	if err := s.worker.RunTask(ctx, assignment); err != nil {
		s.logger.Warn(ctx, "failed to start entity task",
			"detector_id", assignment.Detector.ID(),
			"task_id", assignment.Task.TaskID(),
			"error", err,
		)
		return nil, toStatus(err)
	}
	return new(emptypb.Empty), nil
}

// CancelTask stops a running task on the worker.
func (s *Server) CancelTask(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s.worker == nil {
		return nil, status.Error(protoCodes.Unimplemented, "node does not execute analysis tasks")
	}

	detectorID, taskID, err := protobuf.StructToCancelTask(in)
	if err != nil {
		return nil, status.Errorf(protoCodes.InvalidArgument, "invalid cancel request: %v", err)
	}
	if err := s.worker.CancelTask(ctx, detectorID, taskID); err != nil {
		return nil, toStatus(err)
	}
	return new(emptypb.Empty), nil
}

// Profile reports the tasks the worker is executing.
func (s *Server) Profile(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.worker == nil {
		return nil, status.Error(protoCodes.Unimplemented, "node does not execute analysis tasks")
	}

	profiles, err := s.worker.Profile(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return protobuf.TaskProfilesToStruct(profiles), nil
}
