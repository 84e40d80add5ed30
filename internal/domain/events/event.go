package events

import (
	"context"
	"time"
)

// DomainEvent is a fact that happened inside a bounded context. Concrete
// events expose their type for routing and the moment they occurred.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventMetadata carries transport details of a delivered event so handlers
// and logs can reference where it came from.
type EventMetadata struct {
	Partition int32
	Offset    int64
}

// EventEnvelope encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a DetectorID that events can be grouped or partitioned by.
	Key string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual domain event. The concrete type depends on Type.
	Payload any

	// Metadata holds transport specific delivery information.
	Metadata EventMetadata
}

// AckFunc acknowledges (nil) or rejects (non-nil) a delivered event.
type AckFunc func(error)

// HandlerFunc processes a single delivered event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error
