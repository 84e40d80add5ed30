package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DetectionDateRange bounds a historical analysis run. Both ends are
// required and the start may not come after the end.
type DetectionDateRange struct {
	startTime time.Time
	endTime   time.Time
}

// dateRangeFields is the validated shape of a DetectionDateRange.
type dateRangeFields struct {
	StartTime time.Time `validate:"required"`
	EndTime   time.Time `validate:"required,gtefield=StartTime"`
}

// NewDetectionDateRange constructs a validated DetectionDateRange.
func NewDetectionDateRange(start, end time.Time) (DetectionDateRange, error) {
	if err := validateDateRange(start, end); err != nil {
		return DetectionDateRange{}, err
	}
	return DetectionDateRange{startTime: start.UTC(), endTime: end.UTC()}, nil
}

func validateDateRange(start, end time.Time) error {
	err := validate.Struct(dateRangeFields{StartTime: start, EndTime: end})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "date_range", Reason: err.Error()}
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return &ValidationError{Field: toWireName(fe.Field()), Reason: "must be set"}
	case "gtefield":
		return &ValidationError{Field: "date_range", Reason: "start_time must not be after end_time"}
	default:
		return &ValidationError{Field: toWireName(fe.Field()), Reason: fe.Error()}
	}
}

func toWireName(field string) string {
	switch field {
	case "StartTime":
		return "start_time"
	case "EndTime":
		return "end_time"
	default:
		return field
	}
}

// StartTime returns the inclusive start of the range.
func (r DetectionDateRange) StartTime() time.Time { return r.startTime }

// EndTime returns the end of the range.
func (r DetectionDateRange) EndTime() time.Time { return r.endTime }

// IsZero reports whether the range was never set.
func (r DetectionDateRange) IsZero() bool { return r.startTime.IsZero() && r.endTime.IsZero() }

// String renders the range for logs.
func (r DetectionDateRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.startTime.Format(time.RFC3339), r.endTime.Format(time.RFC3339))
}

// wireDateRange is the JSON representation using epoch milliseconds.
type wireDateRange struct {
	StartTime *int64 `json:"start_time"`
	EndTime   *int64 `json:"end_time"`
}

// MarshalJSON encodes the range as epoch milliseconds.
func (r DetectionDateRange) MarshalJSON() ([]byte, error) {
	start, end := r.startTime.UnixMilli(), r.endTime.UnixMilli()
	return json.Marshal(wireDateRange{StartTime: &start, EndTime: &end})
}

// UnmarshalJSON decodes epoch milliseconds and re-validates the range so an
// invalid range can never be materialized from the wire.
func (r *DetectionDateRange) UnmarshalJSON(data []byte) error {
	var w wireDateRange
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode date range: %w", err)
	}

	var start, end time.Time
	if w.StartTime != nil {
		start = time.UnixMilli(*w.StartTime)
	}
	if w.EndTime != nil {
		end = time.UnixMilli(*w.EndTime)
	}

	dr, err := NewDetectionDateRange(start, end)
	if err != nil {
		return err
	}
	*r = dr
	return nil
}

// DateRangeFromMillis builds a validated range from epoch millisecond values.
func DateRangeFromMillis(startMillis, endMillis int64) (DetectionDateRange, error) {
	return NewDetectionDateRange(time.UnixMilli(startMillis), time.UnixMilli(endMillis))
}
