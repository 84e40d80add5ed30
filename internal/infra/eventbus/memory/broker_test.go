package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/historical-armada/internal/domain/analysis"
	"github.com/ahrav/historical-armada/internal/domain/events"
)

func finishedEnvelope(taskID string) events.EventEnvelope {
	evt := analysis.NewHistoricalTaskFinishedEvent("det-1", taskID, analysis.TaskStateFinished, "", time.Now())
	return events.EventEnvelope{Type: evt.EventType(), Timestamp: evt.OccurredAt(), Payload: evt}
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var got []events.EventEnvelope
	err := broker.Subscribe(ctx, []events.EventType{analysis.EventTypeHistoricalTaskFinished},
		func(_ context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
			got = append(got, evt)
			ack(nil)
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, finishedEnvelope("task-1"), events.WithKey("det-1")))

	require.Len(t, got, 1)
	assert.Equal(t, "det-1", got[0].Key)
	assert.Equal(t, "task-1", got[0].Payload.(analysis.HistoricalTaskFinishedEvent).TaskID)
}

func TestSubscriberOnlyReceivesItsTypes(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()

	var calls int
	err := broker.Subscribe(ctx, []events.EventType{analysis.EventTypeEntityTaskFailed},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			calls++
			return nil
		})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, finishedEnvelope("task-1")))
	assert.Zero(t, calls)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	subscriberCount := 3

	var mu sync.Mutex
	received := 0
	for i := 0; i < subscriberCount; i++ {
		err := broker.Subscribe(ctx, []events.EventType{analysis.EventTypeHistoricalTaskFinished},
			func(context.Context, events.EventEnvelope, events.AckFunc) error {
				mu.Lock()
				defer mu.Unlock()
				received++
				return nil
			})
		require.NoError(t, err)
	}

	require.NoError(t, broker.Publish(ctx, finishedEnvelope("task-1")))
	assert.Equal(t, subscriberCount, received)
}

func TestHandlerErrorAndNack(t *testing.T) {
	t.Parallel()

	expectedErr := errors.New("handler error")
	tests := []struct {
		name    string
		handler events.HandlerFunc
	}{
		{
			name: "handler error",
			handler: func(context.Context, events.EventEnvelope, events.AckFunc) error {
				return expectedErr
			},
		},
		{
			name: "negative ack",
			handler: func(_ context.Context, _ events.EventEnvelope, ack events.AckFunc) error {
				ack(expectedErr)
				return nil
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			broker := NewBroker()
			ctx := context.Background()
			require.NoError(t, broker.Subscribe(ctx, []events.EventType{analysis.EventTypeHistoricalTaskFinished}, tt.handler))

			err := broker.Publish(ctx, finishedEnvelope("task-1"))
			assert.ErrorIs(t, err, expectedErr)
		})
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	calls := 0
	err := broker.Subscribe(ctx, []events.EventType{analysis.EventTypeHistoricalTaskFinished},
		func(context.Context, events.EventEnvelope, events.AckFunc) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		})
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		broker.mu.RLock()
		defer broker.mu.RUnlock()
		return len(broker.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Publish(context.Background(), finishedEnvelope("task-1")))
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx := context.Background()
	var wg sync.WaitGroup
	eventCount := 100
	subscriberCount := 5
	wg.Add(eventCount * subscriberCount)

	for i := 0; i < subscriberCount; i++ {
		err := broker.Subscribe(ctx, []events.EventType{analysis.EventTypeHistoricalTaskFinished},
			func(context.Context, events.EventEnvelope, events.AckFunc) error {
				wg.Done()
				return nil
			})
		require.NoError(t, err)
	}

	for i := 0; i < eventCount; i++ {
		go func(id int) {
			assert.NoError(t, broker.Publish(ctx, finishedEnvelope(fmt.Sprintf("task-%d", id))))
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handlers")
	}
}

func TestContextCancellationAndClose(t *testing.T) {
	t.Parallel()

	broker := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, broker.Publish(ctx, finishedEnvelope("task-1")), context.Canceled)
	assert.ErrorIs(t, broker.Subscribe(ctx, nil, func(context.Context, events.EventEnvelope, events.AckFunc) error { return nil }), context.Canceled)

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, broker.Publish(context.Background(), finishedEnvelope("task-1")), ErrBrokerClosed)
}
