package grpc

import (
	"context"
	"errors"

	protoCodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
)

// Error kinds carried in status details so typed domain errors survive the hop.
const (
	kindValidation  = "validation"
	kindUnsupported = "unsupported_action"
	kindNotFound    = "not_found"
	kindConflict    = "conflict"
)

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		verr *analysis.ValidationError
		uerr *analysis.UnsupportedActionError
		nerr *analysis.NotFoundError
		cerr *analysis.ConflictError
	)
	var (
		code   protoCodes.Code
		detail map[string]any
	)
	switch {
	case errors.As(err, &verr):
		code = protoCodes.InvalidArgument
		detail = map[string]any{"kind": kindValidation, "field": verr.Field, "reason": verr.Reason}
	case errors.As(err, &uerr):
		code = protoCodes.InvalidArgument
		detail = map[string]any{"kind": kindUnsupported, "action": uerr.Action.String(), "reason": uerr.Reason}
	case errors.As(err, &nerr):
		code = protoCodes.NotFound
		detail = map[string]any{"kind": kindNotFound, "detector_id": nerr.DetectorID}
	case errors.As(err, &cerr):
		code = protoCodes.AlreadyExists
		detail = map[string]any{"kind": kindConflict, "detector_id": cerr.DetectorID, "task_id": cerr.TaskID}
	case errors.Is(err, context.Canceled):
		return status.Error(protoCodes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(protoCodes.DeadlineExceeded, err.Error())
	default:
		return status.Error(protoCodes.Internal, err.Error())
	}

	st := status.New(code, err.Error())
	s, serr := structpb.NewStruct(detail)
	if serr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(protoadapt.MessageV1Of(s)); derr == nil {
		st = withDetail
	}
	return st.Err()
}

// fromStatus converts a gRPC error back into the domain error it carries.
// Errors without a recognised detail are returned unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := s.GetFields()
		str := func(k string) string { return fields[k].GetStringValue() }
		switch str("kind") {
		case kindValidation:
			return &analysis.ValidationError{Field: str("field"), Reason: str("reason")}
		case kindUnsupported:
			return &analysis.UnsupportedActionError{Action: analysis.ParseAction(str("action")), Reason: str("reason")}
		case kindNotFound:
			return &analysis.NotFoundError{DetectorID: str("detector_id")}
		case kindConflict:
			return &analysis.ConflictError{DetectorID: str("detector_id"), TaskID: str("task_id")}
		}
	}

	switch st.Code() {
	case protoCodes.Canceled:
		return errors.Join(context.Canceled, err)
	case protoCodes.DeadlineExceeded:
		return errors.Join(context.DeadlineExceeded, err)
	}
	return err
}
