package serializationerrors

import "fmt"

// ErrNilEvent indicates that a nil event was provided for serialization/deserialization
type ErrNilEvent struct{ EventType string }

func (e ErrNilEvent) Error() string { return fmt.Sprintf("nil %s event", e.EventType) }

// ErrInvalidUUID indicates that a UUID field could not be parsed
type ErrInvalidUUID struct {
	Field string
	Err   error
}

func (e ErrInvalidUUID) Error() string { return fmt.Sprintf("invalid %s: %v", e.Field, e.Err) }

func (e ErrInvalidUUID) Unwrap() error { return e.Err }

// ErrMissingField indicates a required field was absent from the wire message.
type ErrMissingField struct{ Field string }

func (e ErrMissingField) Error() string { return fmt.Sprintf("missing field %s", e.Field) }

// ErrInvalidTaskState indicates the wire carried a state name this node does not know.
type ErrInvalidTaskState struct{ Value string }

func (e ErrInvalidTaskState) Error() string { return fmt.Sprintf("invalid task state: %q", e.Value) }

// ErrUnexpectedPayload indicates a payload of the wrong Go type was handed to a serializer.
type ErrUnexpectedPayload struct {
	Want string
	Got  any
}

func (e ErrUnexpectedPayload) Error() string {
	return fmt.Sprintf("payload is not %s: %T", e.Want, e.Got)
}
