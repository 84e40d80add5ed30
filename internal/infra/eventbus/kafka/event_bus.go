// Package kafka provides a Kafka-based implementation of the event bus used
// to broadcast analysis task lifecycle events.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/reliability"
	"github.com/ahrav/historical-armada/internal/infra/eventbus/serialization"
	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// EventBusConfig contains the routing and identity settings of the bus.
type EventBusConfig struct {
	// LifecycleTopic receives every task lifecycle event.
	LifecycleTopic string

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// ServiceType identifies the role of the node, e.g. "coordinator".
	ServiceType string

	// PublishAttempts bounds retries of transient broker errors for
	// critical events.
	PublishAttempts uint64
	// CommitInterval is how often consumed offsets are committed.
	CommitInterval time.Duration
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	publishAttempts uint64
	commitInterval  time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBus creates an event bus over an established producer and consumer group.
func NewEventBus(
	producer sarama.SyncProducer,
	consumerGroup sarama.ConsumerGroup,
	cfg *EventBusConfig,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}
	if cfg.LifecycleTopic == "" {
		return nil, fmt.Errorf("lifecycle topic is required for kafka event bus")
	}
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	// All lifecycle events share one topic keyed by detector id, so the
	// events of one run stay ordered within a partition.
	topicMap := map[events.EventType]string{
		analysis.EventTypeHistoricalTaskStarted:  cfg.LifecycleTopic,
		analysis.EventTypeHistoricalTaskFinished: cfg.LifecycleTopic,
		analysis.EventTypeEntityTaskFailed:       cfg.LifecycleTopic,
	}

	return &EventBus{
		producer:        producer,
		consumerGroup:   consumerGroup,
		topicMap:        topicMap,
		publishAttempts: cfg.PublishAttempts,
		commitInterval:  cfg.CommitInterval,
		logger:          logger,
		metrics:         metrics,
		tracer:          tracer,
	}, nil
}

// Publish sends a domain event to the topic configured for its type.
// Transient broker errors are retried with backoff; anything else fails fast.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	pParams := events.ApplyPublishOptions(opts...)
	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialization failed")
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}
	if !event.Timestamp.IsZero() {
		kafkaMsg.Timestamp = event.Timestamp
	}
	for k, v := range pParams.Headers {
		kafkaMsg.Headers = append(kafkaMsg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	tracing.InjectTraceContext(ctx, kafkaMsg)

	// Best-effort events get a single attempt.
	maxAttempts := b.publishAttempts
	if !reliability.IsCriticalEvent(event.Type) {
		maxAttempts = 1
	}
	span.SetAttributes(attribute.Int64("publish.max_attempts", int64(maxAttempts)))

	attempt := 0
	operation := func() error {
		attempt++
		err := b.publishToTopic(ctx, kafkaMsg)
		if err == nil || isTransientProducerError(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond
	expBackoff.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(expBackoff, maxAttempts-1), ctx)
	if err := backoff.Retry(operation, retry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}

	span.SetAttributes(attribute.Int("publish.attempts", attempt))
	span.SetStatus(codes.Ok, "published")
	return nil
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic.
func (b *EventBus) publishToTopic(ctx context.Context, kafkaMsg *sarama.ProducerMessage) error {
	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, kafkaMsg.Topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", kafkaMsg.Topic, err)
	}
	b.metrics.IncMessagePublished(ctx, kafkaMsg.Topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", kafkaMsg.Topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// isTransientProducerError reports broker conditions that typically clear on
// their own, such as leader elections.
func isTransientProducerError(err error) bool {
	for _, kerr := range []sarama.KError{
		sarama.ErrLeaderNotAvailable,
		sarama.ErrNotLeaderForPartition,
		sarama.ErrRequestTimedOut,
		sarama.ErrNotEnoughReplicas,
		sarama.ErrNotEnoughReplicasAfterAppend,
		sarama.ErrNetworkException,
	} {
		if errors.Is(err, kerr) {
			return true
		}
	}
	return errors.Is(err, sarama.ErrOutOfBrokers)
}

// Subscribe registers a handler function to process domain events from specified event types.
// It manages consumer group membership and message processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	wanted := make(map[events.EventType]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		wanted[et] = struct{}{}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, wanted, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	wanted map[events.EventType]struct{},
	handler events.HandlerFunc,
) {
	cgHandler := &domainEventHandler{
		userHandler:    handler,
		wanted:         wanted,
		commitInterval: b.commitInterval,
		logger:         b.logger,
		tracer:         b.tracer,
		metrics:        b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// domainEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into domain events for the application.
type domainEventHandler struct {
	userHandler events.HandlerFunc
	// wanted filters the event types sharing a topic down to the subscribed ones.
	wanted         map[events.EventType]struct{}
	commitInterval time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *domainEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *domainEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// domain events and invoking the user-provided handler.
func (h *domainEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	for msg := range claim.Messages() {
		h.handleMessage(sess, claim.Partition(), msg, consumeLogger, &lastCommit)
	}

	sess.Commit()
	return nil
}

func (h *domainEventHandler) handleMessage(
	sess sarama.ConsumerGroupSession,
	partition int32,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
	lastCommit *time.Time,
) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, domainBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		sess.MarkMessage(msg, "")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		return
	}
	if _, ok := h.wanted[evtType]; !ok {
		sess.MarkMessage(msg, "")
		span.AddEvent("event_type_not_subscribed")
		return
	}

	payloadObj, err := serialization.DeserializePayload(evtType, domainBytes)
	if err != nil {
		sess.MarkMessage(msg, "")
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		return
	}

	dEvent := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Timestamp: msg.Timestamp,
		Payload:   payloadObj,
		Metadata: events.EventMetadata{
			Partition: partition,
			Offset:    msg.Offset,
		},
	}

	consumeLogger.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", dEvent.Key,
	)

	ack := func(err error) {
		ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
			trace.WithLinks(trace.LinkFromContext(msgCtx)),
		)
		defer ackSpan.End()

		if err != nil {
			consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
			h.metrics.IncConsumeError(ackCtx, msg.Topic)
			ackSpan.RecordError(err)
			ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
			return
		}
		h.metrics.IncMessageConsumed(ackCtx, msg.Topic)
		sess.MarkMessage(msg, "")

		if time.Since(*lastCommit) > h.commitInterval {
			sess.Commit()
			*lastCommit = time.Now()
			consumeLogger.Debug(ackCtx, "Committed offsets", "topic", msg.Topic, "offset", msg.Offset)
		}
	}

	if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
		consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
		span.RecordError(err)
		return
	}
	consumeLogger.Debug(msgCtx, "Successfully processed message", "topic", msg.Topic)
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
