package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/retry"
	"confab/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "confab:meeting:"

type RedisMeetingRepository struct {
	client redis.UniversalClient
	prefix string
	// modifyRetry bounds optimistic-lock retries in Modify.
	modifyRetry retry.Config
}

func NewRedisMeetingRepository(client redis.UniversalClient) ports.MeetingRepository {
	return &RedisMeetingRepository{
		client: client,
		prefix: defaultPrefix,
		modifyRetry: retry.Config{
			Enabled:         true,
			MaxAttempts:     10,
			Strategy:        retry.Exponential,
			InitialDelay:    time.Millisecond,
			MaxDelay:        50 * time.Millisecond,
			Multiplier:      2,
			Jitter:          true,
			RetryableErrors: []error{redis.TxFailedErr},
		},
	}
}

func (r *RedisMeetingRepository) meetingKey(id domain.MeetingID) string {
	return r.prefix + string(id)
}

func (r *RedisMeetingRepository) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	ctx, span := tracing.TraceRepository(ctx, "create", "redis")
	defer span.End()

	data, err := json.Marshal(meeting)
	if err != nil {
		return fmt.Errorf("failed to marshal meeting: %w", err)
	}

	ok, err := r.client.SetNX(ctx, r.meetingKey(meeting.ID), data, 0).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to store meeting in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrMeetingExists, meeting.ID)
	}

	if meeting.IsActive {
		if err := r.client.SAdd(ctx, r.activeKey(), string(meeting.ID)).Err(); err != nil {
			return fmt.Errorf("failed to add meeting to active set: %w", err)
		}
	}
	return nil
}

func (r *RedisMeetingRepository) GetByID(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	ctx, span := tracing.TraceRepository(ctx, "get", "redis")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MeetingIDKey.String(string(id)))

	return r.get(ctx, r.client, id)
}

func (r *RedisMeetingRepository) get(ctx context.Context, c redis.Cmdable, id domain.MeetingID) (*domain.Meeting, error) {
	data, err := c.Get(ctx, r.meetingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrMeetingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting from Redis: %w", err)
	}

	var meeting domain.Meeting
	if err := json.Unmarshal(data, &meeting); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meeting: %w", err)
	}
	return &meeting, nil
}

func (r *RedisMeetingRepository) Update(ctx context.Context, meeting *domain.Meeting) error {
	_, err := r.Modify(ctx, meeting.ID, func(m *domain.Meeting) error {
		*m = *meeting.Clone()
		return nil
	})
	return err
}

// Modify runs fn inside a WATCH transaction on the meeting key and retries
// when another writer commits first.
func (r *RedisMeetingRepository) Modify(ctx context.Context, id domain.MeetingID, fn func(m *domain.Meeting) error) (*domain.Meeting, error) {
	ctx, span := tracing.TraceRepository(ctx, "modify", "redis")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MeetingIDKey.String(string(id)))

	key := r.meetingKey(id)
	var result *domain.Meeting

	err := retry.Retry(ctx, r.modifyRetry, func() error {
		return r.client.Watch(ctx, func(tx *redis.Tx) error {
			meeting, err := r.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := fn(meeting); err != nil {
				return err
			}
			data, err := json.Marshal(meeting)
			if err != nil {
				return fmt.Errorf("failed to marshal meeting: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if meeting.IsActive {
					pipe.SAdd(ctx, r.activeKey(), string(id))
				} else {
					pipe.SRem(ctx, r.activeKey(), string(id))
				}
				return nil
			})
			if err != nil {
				return err
			}
			result = meeting
			return nil
		}, key)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrMeetingNotFound) {
			tracing.RecordError(ctx, err)
		}
		return nil, err
	}
	return result, nil
}

func (r *RedisMeetingRepository) Delete(ctx context.Context, id domain.MeetingID) error {
	ctx, span := tracing.TraceRepository(ctx, "delete", "redis")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.MeetingIDKey.String(string(id)))

	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.meetingKey(id))
	pipe.SRem(ctx, r.activeKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete meeting from Redis: %w", err)
	}
	if del.Val() == 0 {
		return domain.ErrMeetingNotFound
	}
	return nil
}

// ListActive returns active meetings, oldest first. Ids left in the active
// set after their record vanished are skipped.
func (r *RedisMeetingRepository) ListActive(ctx context.Context) ([]*domain.Meeting, error) {
	ctx, span := tracing.TraceRepository(ctx, "list_active", "redis")
	defer span.End()

	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active meetings from Redis: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Meeting{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.meetingKey(domain.MeetingID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active meetings from Redis: %w", err)
	}

	meetings := make([]*domain.Meeting, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var meeting domain.Meeting
		if err := json.Unmarshal([]byte(s), &meeting); err != nil {
			continue
		}
		if meeting.IsActive {
			meetings = append(meetings, &meeting)
		}
	}
	sort.Slice(meetings, func(i, j int) bool {
		return meetings[i].CreatedAt.Before(meetings[j].CreatedAt)
	})
	return meetings, nil
}
