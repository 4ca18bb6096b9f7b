package distributed

import (
	"context"
	"errors"
	"sync"
	"time"

	"confab/internal/core/domain"

	"go.uber.org/zap"
)

var ErrBusClosed = errors.New("event bus closed")

const subscriberBuffer = 256

// MemoryEventBus fans events out to in-process subscribers. Publish never
// blocks; a subscriber that falls subscriberBuffer events behind loses the
// overflow.
type MemoryEventBus struct {
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[chan *domain.RoomEvent]struct{}
	closed bool
	done   chan struct{}
}

func NewMemoryEventBus(instanceID string, logger *zap.SugaredLogger) *MemoryEventBus {
	return &MemoryEventBus{
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[chan *domain.RoomEvent]struct{}),
		done:       make(chan struct{}),
	}
}

// Publish stamps the instance id and timestamp when absent.
func (b *MemoryEventBus) Publish(ctx context.Context, event *domain.RoomEvent) error {
	if event.InstanceID == "" {
		event.InstanceID = b.instanceID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	return b.deliver(event)
}

func (b *MemoryEventBus) deliver(event *domain.RoomEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	for ch := range b.subs {
		ev := *event
		select {
		case ch <- &ev:
		default:
			b.logger.Warnw("event subscriber lagging, dropping event",
				"type", event.Type,
				"room_id", event.RoomID,
			)
		}
	}
	return nil
}

// Subscribe calls handler for each event until ctx is done or the bus is
// closed.
func (b *MemoryEventBus) Subscribe(ctx context.Context, handler func(*domain.RoomEvent) error) error {
	ch := make(chan *domain.RoomEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case ev := <-ch:
			if err := handler(ev); err != nil {
				b.logger.Warnw("error handling event",
					"type", ev.Type,
					"room_id", ev.RoomID,
					"error", err,
				)
			}
		}
	}
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
