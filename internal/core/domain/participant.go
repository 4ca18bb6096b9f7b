package domain

import "time"

type RoomID string
type ParticipantID string

// MediaKind names one of the three media-state flags a participant owns.
type MediaKind string

const (
	MediaAudio  MediaKind = "audio"
	MediaVideo  MediaKind = "video"
	MediaScreen MediaKind = "screen"
)

// MediaState holds the flags mutated only by the owning participant.
type MediaState struct {
	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
}

// DefaultMediaState is the state of a freshly attached participant.
func DefaultMediaState() MediaState {
	return MediaState{AudioEnabled: true, VideoEnabled: true}
}

// Set updates the flag for kind and reports whether it changed.
func (m *MediaState) Set(kind MediaKind, value bool) bool {
	var flag *bool
	switch kind {
	case MediaAudio:
		flag = &m.AudioEnabled
	case MediaVideo:
		flag = &m.VideoEnabled
	case MediaScreen:
		flag = &m.ScreenSharing
	default:
		return false
	}
	if *flag == value {
		return false
	}
	*flag = value
	return true
}

// Get returns the flag for kind.
func (m MediaState) Get(kind MediaKind) bool {
	switch kind {
	case MediaAudio:
		return m.AudioEnabled
	case MediaVideo:
		return m.VideoEnabled
	case MediaScreen:
		return m.ScreenSharing
	default:
		return false
	}
}

// Participant is one attached channel inside a room. Records are owned by
// the room registry; Media is only read or written under the room lock.
type Participant struct {
	ID       ParticipantID
	Name     string
	RoomID   RoomID
	Media    MediaState
	Channel  Channel
	JoinedAt time.Time
}

// Snapshot returns a copy safe to hand out after the room lock is released.
func (p *Participant) Snapshot() Participant {
	return Participant{
		ID:       p.ID,
		Name:     p.Name,
		RoomID:   p.RoomID,
		Media:    p.Media,
		JoinedAt: p.JoinedAt,
	}
}
