package ports

import (
	"context"

	"confab/internal/core/domain"
)

// MeetingRepository stores meeting records. Returned meetings are copies;
// mutate them through Update or Modify.
type MeetingRepository interface {
	Create(ctx context.Context, meeting *domain.Meeting) error
	GetByID(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error)
	Update(ctx context.Context, meeting *domain.Meeting) error
	// Modify applies fn to the stored meeting atomically with respect to
	// other Modify calls and returns the stored result. An error from fn
	// aborts the change.
	Modify(ctx context.Context, id domain.MeetingID, fn func(m *domain.Meeting) error) (*domain.Meeting, error)
	Delete(ctx context.Context, id domain.MeetingID) error
	ListActive(ctx context.Context) ([]*domain.Meeting, error)
}
