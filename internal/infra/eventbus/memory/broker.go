// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for tests and for
// single-node deployments that run without Kafka.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ahrav/historical-armada/internal/domain/events"
)

// ErrBrokerClosed is returned by operations on a closed broker.
var ErrBrokerClosed = errors.New("event broker closed")

type subscription struct {
	id      uint64
	types   map[events.EventType]struct{}
	handler events.HandlerFunc
}

var _ events.EventBus = (*Broker)(nil)

// Broker delivers published events synchronously to every subscriber of the
// event's type, in subscription order.
type Broker struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool

	offset atomic.Int64
}

// NewBroker creates and initializes a new in-memory event broker.
func NewBroker() *Broker { return new(Broker) }

// Subscribe registers a handler for the given event types. The subscription
// is removed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	types := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		types[et] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: types, handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return nil
}

func (b *Broker) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber, stopping at the
// first handler error. A negative acknowledgement is reported as an error too.
func (b *Broker) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyPublishOptions(opts...)
	if params.Key != "" {
		event.Key = params.Key
	}
	event.Metadata = events.EventMetadata{Offset: b.offset.Add(1) - 1}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	// Copy matching handlers so none run while the lock is held.
	var handlers []events.HandlerFunc
	for _, s := range b.subs {
		if _, ok := s.types[event.Type]; ok {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		var nack error
		ack := func(err error) { nack = err }
		if err := handler(ctx, event, ack); err != nil {
			return err
		}
		if nack != nil {
			return nack
		}
	}
	return nil
}

// Close drops all subscriptions. Later calls to Publish and Subscribe fail.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = nil
	return nil
}
