package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisEventBus shares room events between relay instances over Redis
// pub/sub. Events are delivered to local subscribers directly; copies that
// come back from Redis with this instance's id are skipped.
type RedisEventBus struct {
	client     redis.UniversalClient
	channel    string
	instanceID string
	logger     *zap.SugaredLogger
	breaker    *circuitbreaker.CircuitBreaker
	local      *MemoryEventBus

	mu      sync.Mutex
	pubsub  *redis.PubSub
	started bool
}

func NewRedisEventBus(
	client redis.UniversalClient,
	channel string,
	instanceID string,
	logger *zap.SugaredLogger,
) *RedisEventBus {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             10 * time.Second,
		MaxRequestsHalfOpen: 1,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("event bus circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &RedisEventBus{
		client:     client,
		channel:    channel,
		instanceID: instanceID,
		logger:     logger,
		breaker:    breaker,
		local:      NewMemoryEventBus(instanceID, logger),
	}
}

// Publish delivers locally, then forwards to Redis. A Redis failure is
// returned but local subscribers have already seen the event.
func (eb *RedisEventBus) Publish(ctx context.Context, event *domain.RoomEvent) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := eb.local.deliver(event); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return eb.client.Publish(ctx, eb.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
	)
	return nil
}

// Start subscribes to the Redis channel and relays remote events to local
// subscribers until ctx is done. It returns once the subscription is
// confirmed.
func (eb *RedisEventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.started {
		return fmt.Errorf("already started")
	}

	pubsub := eb.client.Subscribe(ctx, eb.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	eb.pubsub = pubsub
	eb.started = true

	go eb.pump(ctx, pubsub.Channel())
	return nil
}

func (eb *RedisEventBus) pump(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event domain.RoomEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if event.InstanceID == eb.instanceID {
				continue
			}
			if err := eb.local.deliver(&event); err != nil && !errors.Is(err, ErrBusClosed) {
				eb.logger.Warnw("failed to deliver remote event", "error", err)
			}
		}
	}
}

func (eb *RedisEventBus) Subscribe(ctx context.Context, handler func(*domain.RoomEvent) error) error {
	return eb.local.Subscribe(ctx, handler)
}

func (eb *RedisEventBus) Close() error {
	eb.mu.Lock()
	pubsub := eb.pubsub
	eb.pubsub = nil
	eb.mu.Unlock()

	_ = eb.local.Close()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
