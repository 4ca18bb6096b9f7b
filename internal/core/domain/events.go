package domain

import "time"

type RoomEventType string

const (
	EventParticipantJoined RoomEventType = "participant.joined"
	EventParticipantLeft   RoomEventType = "participant.left"
	EventRoomClosed        RoomEventType = "room.closed"
)

// RoomEvent is published by the relay whenever room membership changes.
type RoomEvent struct {
	Type          RoomEventType `json:"type"`
	InstanceID    string        `json:"instance_id,omitempty"`
	RoomID        RoomID        `json:"room_id"`
	ParticipantID ParticipantID `json:"participant_id,omitempty"`
	Name          string        `json:"name,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}
