package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
)

type MemoryMeetingRepository struct {
	meetings map[domain.MeetingID]*domain.Meeting
	mu       sync.RWMutex
}

func NewMemoryMeetingRepository() ports.MeetingRepository {
	return &MemoryMeetingRepository{
		meetings: make(map[domain.MeetingID]*domain.Meeting),
	}
}

func (r *MemoryMeetingRepository) Create(ctx context.Context, meeting *domain.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[meeting.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrMeetingExists, meeting.ID)
	}

	r.meetings[meeting.ID] = meeting.Clone()
	return nil
}

func (r *MemoryMeetingRepository) GetByID(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meeting, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}
	return meeting.Clone(), nil
}

func (r *MemoryMeetingRepository) Update(ctx context.Context, meeting *domain.Meeting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[meeting.ID]; !exists {
		return domain.ErrMeetingNotFound
	}
	r.meetings[meeting.ID] = meeting.Clone()
	return nil
}

func (r *MemoryMeetingRepository) Modify(ctx context.Context, id domain.MeetingID, fn func(m *domain.Meeting) error) (*domain.Meeting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.meetings[id]
	if !exists {
		return nil, domain.ErrMeetingNotFound
	}

	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	r.meetings[id] = working
	return working.Clone(), nil
}

func (r *MemoryMeetingRepository) Delete(ctx context.Context, id domain.MeetingID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.meetings[id]; !exists {
		return domain.ErrMeetingNotFound
	}
	delete(r.meetings, id)
	return nil
}

// ListActive returns active meetings, oldest first.
func (r *MemoryMeetingRepository) ListActive(ctx context.Context) ([]*domain.Meeting, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*domain.Meeting, 0, len(r.meetings))
	for _, meeting := range r.meetings {
		if meeting.IsActive {
			active = append(active, meeting.Clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}
