package domain

import "time"

type MeetingID string

// Meeting is the metadata record served by the meetings REST surface.
type Meeting struct {
	ID               MeetingID `json:"id"`
	Title            string    `json:"title"`
	HostID           string    `json:"hostId"`
	Participants     []string  `json:"participants"`
	LiveParticipants []string  `json:"liveParticipants"`
	CreatedAt        time.Time `json:"createdAt"`
	IsActive         bool      `json:"isActive"`
}

// HasParticipant reports whether id is registered on the meeting.
func (m *Meeting) HasParticipant(id string) bool {
	for _, p := range m.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices with callers.
func (m *Meeting) Clone() *Meeting {
	c := *m
	c.Participants = append([]string(nil), m.Participants...)
	c.LiveParticipants = append([]string(nil), m.LiveParticipants...)
	return &c
}
