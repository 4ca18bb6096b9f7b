package protocol

import "time"

// Type identifies an envelope on the signaling channel.
type Type string

const (
	TypeJoin              Type = "join"
	TypeParticipantsList  Type = "participants-list"
	TypeParticipantJoined Type = "participant-joined"
	TypeParticipantLeft   Type = "participant-left"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeICECandidate      Type = "ice-candidate"
	TypeAudioToggle       Type = "audio-toggle"
	TypeVideoToggle       Type = "video-toggle"
	TypeScreenShare       Type = "screen-share"
	TypeMessage           Type = "message"
	TypeHeartbeat         Type = "heartbeat"
	TypeHeartbeatAck      Type = "heartbeat-ack"
)

// IsEphemeral reports whether envelopes of type t may be dropped under
// outbound backpressure. Only candidates and media toggles qualify; a lost
// heartbeat-ack would count as a missed heartbeat on the client.
func IsEphemeral(t Type) bool {
	switch t {
	case TypeICECandidate, TypeAudioToggle, TypeVideoToggle, TypeScreenShare:
		return true
	default:
		return false
	}
}

// Message is the closed set of decoded envelopes.
type Message interface {
	MessageType() Type
}

// SessionDescription carries an SDP blob in RTCSessionDescriptionInit shape.
// The relay never inspects it.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate carries an ICE candidate in RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ParticipantInfo is one entry of a participants-list.
type ParticipantInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
}

type Join struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName,omitempty"`
}

type ParticipantsList struct {
	Participants []ParticipantInfo `json:"participants"`
}

type ParticipantJoined struct {
	ParticipantID string `json:"participantId"`
	Name          string `json:"name"`
}

type ParticipantLeft struct {
	ParticipantID string `json:"participantId"`
}

// Offer is sent with TargetID by the client and delivered with SenderID.
type Offer struct {
	TargetID string             `json:"targetId,omitempty"`
	SenderID string             `json:"senderId,omitempty"`
	SDP      SessionDescription `json:"sdp"`
}

type Answer struct {
	TargetID string             `json:"targetId,omitempty"`
	SenderID string             `json:"senderId,omitempty"`
	SDP      SessionDescription `json:"sdp"`
}

type ICECandidate struct {
	TargetID  string    `json:"targetId,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	Candidate Candidate `json:"candidate"`
}

type AudioToggle struct {
	ParticipantID string `json:"participantId,omitempty"`
	Enabled       bool   `json:"enabled"`
}

type VideoToggle struct {
	ParticipantID string `json:"participantId,omitempty"`
	Enabled       bool   `json:"enabled"`
}

type ScreenShare struct {
	ParticipantID string `json:"participantId,omitempty"`
	Started       bool   `json:"started"`
}

// Chat is the "message" envelope. Outbound clients only set Message; the
// relay fills in the sender and a server timestamp.
type Chat struct {
	ParticipantID string `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"`
	Message       string `json:"message"`
	Timestamp     string `json:"timestamp,omitempty"`
}

type Heartbeat struct{}

type HeartbeatAck struct{}

func (Join) MessageType() Type              { return TypeJoin }
func (ParticipantsList) MessageType() Type  { return TypeParticipantsList }
func (ParticipantJoined) MessageType() Type { return TypeParticipantJoined }
func (ParticipantLeft) MessageType() Type   { return TypeParticipantLeft }
func (Offer) MessageType() Type             { return TypeOffer }
func (Answer) MessageType() Type            { return TypeAnswer }
func (ICECandidate) MessageType() Type      { return TypeICECandidate }
func (AudioToggle) MessageType() Type       { return TypeAudioToggle }
func (VideoToggle) MessageType() Type       { return TypeVideoToggle }
func (ScreenShare) MessageType() Type       { return TypeScreenShare }
func (Chat) MessageType() Type              { return TypeMessage }
func (Heartbeat) MessageType() Type         { return TypeHeartbeat }
func (HeartbeatAck) MessageType() Type      { return TypeHeartbeatAck }

// FormatTimestamp renders chat timestamps the way browsers produce
// Date.toISOString().
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
