package analysis

import (
	"errors"
	"net/http"
)

// JobResponse is returned to the caller of every forwarded action, whether
// the action completed or was only accepted for asynchronous dispatch.
type JobResponse struct {
	ID               string
	ForecastsCreated int
	AnomalyCount     int
	ErrorCount       int
	Status           int
}

// NewOKResponse acknowledges an action for the given task id.
func NewOKResponse(id string) JobResponse {
	return JobResponse{ID: id, Status: http.StatusOK}
}

// StatusForError maps a coordinator error to its response status.
func StatusForError(err error) int {
	var (
		verr *ValidationError
		uerr *UnsupportedActionError
		nerr *NotFoundError
		cerr *ConflictError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr), errors.As(err, &uerr):
		return http.StatusBadRequest
	case errors.As(err, &nerr):
		return http.StatusNotFound
	case errors.As(err, &cerr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
