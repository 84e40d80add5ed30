package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/historical-armada/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup
type ClientConfig struct {
	Brokers  []string
	ClientID string
	// Version is the broker protocol version, e.g. "3.6.0". Empty uses 3.6.0.
	Version string
}

// NewClient creates and configures a Kafka client with the provided settings.
// It sets up consistent configuration for both producers and consumers.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka client requires at least one broker")
	}

	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Group.Member.UserData = []byte(cfg.ClientID)
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	// Version should be consistent across all components
	config.Version = sarama.V3_6_0_0
	if cfg.Version != "" {
		v, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid kafka version %q: %w", cfg.Version, err)
		}
		config.Version = v
	}

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectEventBus creates an EventBus instance using the provided Kafka client.
// It handles retries for establishing producer and consumer group connections
// and gives up once ctx is done.
func ConnectEventBus(
	ctx context.Context,
	cfg *EventBusConfig,
	client sarama.Client,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var eventBus *EventBus

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		eventBus, err = NewEventBus(
			producer,
			consumerGroup,
			cfg,
			logger,
			metrics,
			tracer,
		)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			// Configuration errors will not heal on retry.
			return backoff.Permanent(fmt.Errorf("creating event bus: %w", err))
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}

	logger.Info(ctx, "Connected kafka event bus", "topic", cfg.LifecycleTopic, "group_id", cfg.GroupID)
	return eventBus, nil
}
