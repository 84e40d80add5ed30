package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher implements the events.DomainEventPublisher interface on
// top of an EventBus. It wraps domain events in an envelope so the bus can
// route and serialize them without knowing their concrete types.
type DomainEventPublisher struct {
	eventBus events.EventBus

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDomainEventPublisher creates a new publisher that will distribute domain
// events through the provided event bus.
func NewDomainEventPublisher(bus events.EventBus, logger *logger.Logger, tracer trace.Tracer) *DomainEventPublisher {
	return &DomainEventPublisher{
		eventBus: bus,
		logger:   logger.With("component", "domain_event_publisher"),
		tracer:   tracer,
	}
}

// PublishDomainEvent sends a domain event through the event bus. The envelope
// timestamp is the moment the event occurred, not the moment it was sent.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	domainOpts ...events.PublishOption,
) error {
	ctx, span := pub.tracer.Start(ctx, "domain_event_publisher.publish",
		trace.WithAttributes(attribute.String("event_type", string(event.EventType()))))
	defer span.End()

	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}

	if err := pub.eventBus.Publish(ctx, evt, convertDomainOptions(domainOpts)...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		pub.logger.Warn(ctx, "Failed to publish domain event", "event_type", event.EventType(), "err", err)
		return err
	}
	span.SetStatus(codes.Ok, "published")
	return nil
}

// convertDomainOptions folds domain-level publishing options into the
// minimal set of bus options, dropping options that set nothing.
func convertDomainOptions(domainOpts []events.PublishOption) []events.PublishOption {
	dp := events.ApplyPublishOptions(domainOpts...)

	var eventOpts []events.PublishOption
	if dp.Key != "" {
		eventOpts = append(eventOpts, events.WithKey(dp.Key))
	}
	if len(dp.Headers) > 0 {
		eventOpts = append(eventOpts, events.WithHeaders(dp.Headers))
	}
	return eventOpts
}
