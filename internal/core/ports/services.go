package ports

import (
	"context"

	"confab/internal/core/domain"
)

type MeetingService interface {
	CreateMeeting(ctx context.Context, title, hostID string) (*domain.Meeting, error)
	GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error)
	ListMeetings(ctx context.Context) ([]*domain.Meeting, error)
	JoinMeeting(ctx context.Context, id domain.MeetingID, participantID, name string) (*domain.Meeting, error)
	LeaveMeeting(ctx context.Context, id domain.MeetingID, participantID string) (*domain.Meeting, error)
	DeleteMeeting(ctx context.Context, id domain.MeetingID) error
}

// EventBus carries room membership events between the relay and the
// meeting service, and between relay instances when backed by Redis.
type EventBus interface {
	Publish(ctx context.Context, event *domain.RoomEvent) error
	Subscribe(ctx context.Context, handler func(*domain.RoomEvent) error) error
	Close() error
}

// JoinTicketValidator checks the short-lived token a client presents when
// attaching to a room.
type JoinTicketValidator interface {
	ValidateJoinTicket(token string, roomID domain.RoomID) error
}
