// Package eventdispatcher routes delivered events to the single handler
// registered for their type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered handler.
// Each event type has exactly one handler responsible for processing it.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(nodeID, tracer, logger)
//	if err := dispatcher.RegisterHandler(ctx, lifecycleHandler); err != nil { ... }
//	bus.Subscribe(ctx, types, dispatcher.Dispatch)
type Dispatcher struct {
	nodeID string

	mu       sync.RWMutex
	handlers map[events.EventType]events.EventHandler

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with an empty registry; handlers must be
// registered before dispatching any events.
func New(nodeID string, tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	return &Dispatcher{
		nodeID:   nodeID,
		handlers: make(map[events.EventType]events.EventHandler),
		tracer:   tracer,
		logger:   logger.With("component", "event_dispatcher", "node_id", nodeID),
	}
}

// HandlerAlreadyRegisteredError indicates a second handler claimed an event type.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler registers h for every event type it supports. Registration
// is all or nothing: if any type is already claimed, nothing is registered.
func (d *Dispatcher) RegisterHandler(ctx context.Context, h events.EventHandler) error {
	supported := h.SupportedEvents()
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("handler_type", fmt.Sprintf("%T", h)),
			attribute.Int("event_type_count", len(supported)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, et := range supported {
		if _, exists := d.handlers[et]; exists {
			err := &HandlerAlreadyRegisteredError{EventType: et}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	for _, et := range supported {
		d.handlers[et] = h
	}

	d.logger.Debug(ctx, "handler registered", "handler_type", fmt.Sprintf("%T", h), "event_types", supported)
	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// EventTypes returns every event type that has a registered handler.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for et := range d.handlers {
		types = append(types, et)
	}
	return types
}

// HandlerNotFoundError is an error type that indicates a handler was not found for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch hands evt to its registered handler inside a new span. It has the
// shape of events.HandlerFunc so it can be passed to EventBus.Subscribe.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"partition", evt.Metadata.Partition,
		"offset", evt.Metadata.Offset,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Add("handler_type", fmt.Sprintf("%T", handler))

	if err := handler.HandleEvent(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event for handler %T with event type %s: %w",
			handler, evt.Type, err,
		)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logger.Debug(ctx, "event dispatched successfully")
	return nil
}
