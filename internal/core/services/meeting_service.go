package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	apperrors "confab/pkg/errors"
	"confab/pkg/utils"
	"confab/pkg/validation"

	"go.uber.org/zap"
)

const (
	defaultMeetingTitle = "Untitled Meeting"
	defaultHostID       = "anonymous"
)

// MeetingMetrics receives the active meeting gauge.
type MeetingMetrics interface {
	SetActiveMeetings(n int)
}

// MeetingService manages meeting records and mirrors live relay membership
// into them.
type MeetingService struct {
	repo    ports.MeetingRepository
	metrics MeetingMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time
}

var _ ports.MeetingService = (*MeetingService)(nil)

// NewMeetingService creates the service. metrics may be nil.
func NewMeetingService(repo ports.MeetingRepository, metrics MeetingMetrics, logger *zap.SugaredLogger) *MeetingService {
	return &MeetingService{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *MeetingService) CreateMeeting(ctx context.Context, title, hostID string) (*domain.Meeting, error) {
	title = strings.TrimSpace(utils.SanitizeString(title))
	if title == "" {
		title = defaultMeetingTitle
	}
	if err := validation.ValidateMeetingTitle(title); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		hostID = defaultHostID
	}

	meeting := &domain.Meeting{
		ID:               domain.MeetingID(utils.NewMeetingID()),
		Title:            title,
		HostID:           hostID,
		Participants:     []string{},
		LiveParticipants: []string{},
		CreatedAt:        s.now(),
		IsActive:         true,
	}
	if err := s.repo.Create(ctx, meeting); err != nil {
		return nil, fmt.Errorf("failed to create meeting: %w", err)
	}

	s.logger.Infow("meeting created", "meeting_id", meeting.ID, "host_id", hostID)
	s.refreshGauge(ctx)
	return meeting, nil
}

func (s *MeetingService) GetMeeting(ctx context.Context, id domain.MeetingID) (*domain.Meeting, error) {
	return s.repo.GetByID(ctx, id)
}

// ListMeetings returns the active meetings, oldest first.
func (s *MeetingService) ListMeetings(ctx context.Context) ([]*domain.Meeting, error) {
	return s.repo.ListActive(ctx)
}

// JoinMeeting registers participantID on an active meeting. Joining twice
// is a no-op.
func (s *MeetingService) JoinMeeting(ctx context.Context, id domain.MeetingID, participantID, name string) (*domain.Meeting, error) {
	if err := validation.ValidateParticipantID(participantID); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	meeting, err := s.repo.Modify(ctx, id, func(m *domain.Meeting) error {
		if !m.IsActive {
			return domain.ErrMeetingInactive
		}
		if !m.HasParticipant(participantID) {
			m.Participants = append(m.Participants, participantID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("participant joined meeting",
		"meeting_id", id,
		"participant_id", participantID,
		"name", name,
	)
	return meeting, nil
}

// LeaveMeeting removes participantID. The meeting ends when nobody is left.
func (s *MeetingService) LeaveMeeting(ctx context.Context, id domain.MeetingID, participantID string) (*domain.Meeting, error) {
	meeting, err := s.repo.Modify(ctx, id, func(m *domain.Meeting) error {
		m.Participants = remove(m.Participants, participantID)
		if len(m.Participants) == 0 {
			m.IsActive = false
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("participant left meeting",
		"meeting_id", id,
		"participant_id", participantID,
		"meeting_active", meeting.IsActive,
	)
	if !meeting.IsActive {
		s.refreshGauge(ctx)
	}
	return meeting, nil
}

func (s *MeetingService) DeleteMeeting(ctx context.Context, id domain.MeetingID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("meeting deleted", "meeting_id", id)
	s.refreshGauge(ctx)
	return nil
}

// MirrorRoomEvents applies membership events published by the local relay
// to the matching meeting records until ctx is done. Events from other
// instances are skipped; their own meeting service records them.
func (s *MeetingService) MirrorRoomEvents(ctx context.Context, bus ports.EventBus, instanceID string) error {
	return bus.Subscribe(ctx, func(ev *domain.RoomEvent) error {
		if ev.InstanceID != "" && ev.InstanceID != instanceID {
			return nil
		}
		return s.ApplyRoomEvent(ctx, ev)
	})
}

// ApplyRoomEvent updates LiveParticipants for one event. Rooms that have no
// meeting record are ignored.
func (s *MeetingService) ApplyRoomEvent(ctx context.Context, ev *domain.RoomEvent) error {
	var fn func(m *domain.Meeting) error
	live := string(ev.ParticipantID)

	switch ev.Type {
	case domain.EventParticipantJoined:
		fn = func(m *domain.Meeting) error {
			for _, p := range m.LiveParticipants {
				if p == live {
					return nil
				}
			}
			m.LiveParticipants = append(m.LiveParticipants, live)
			return nil
		}
	case domain.EventParticipantLeft:
		fn = func(m *domain.Meeting) error {
			m.LiveParticipants = remove(m.LiveParticipants, live)
			return nil
		}
	default:
		return nil
	}

	_, err := s.repo.Modify(ctx, domain.MeetingID(ev.RoomID), fn)
	if errors.Is(err, domain.ErrMeetingNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Warnw("failed to mirror room event",
			"type", ev.Type,
			"room_id", ev.RoomID,
			"participant_id", ev.ParticipantID,
			"error", err,
		)
	}
	return err
}

func (s *MeetingService) refreshGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		s.logger.Debugw("failed to count active meetings", "error", err)
		return
	}
	s.metrics.SetActiveMeetings(len(active))
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
