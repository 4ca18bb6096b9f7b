package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned for envelopes whose type is not part of the
	// protocol (or not valid in the decoding direction). Callers ignore them.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrMalformed is returned for envelopes that fail to parse or validate.
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is the wire frame exchanged in both directions.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps msg in an envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// MustEncode is Encode for messages that cannot fail to marshal.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// PeekType extracts the envelope type without validating data.
func PeekType(raw []byte) (Type, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return "", err
	}
	return env.Type, nil
}

// DecodeRequest decodes a client to server envelope. Sender identity fields
// (senderId, participantId, name, timestamp) are accepted but must be
// overwritten by the relay.
func DecodeRequest(raw []byte) (Message, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeJoin:
		return decodeJoin(env)
	case TypeOffer, TypeAnswer:
		return decodeDescription(env, true)
	case TypeICECandidate:
		return decodeCandidate(env, true)
	case TypeAudioToggle, TypeVideoToggle:
		return decodeToggle(env, false)
	case TypeScreenShare:
		return decodeScreenShare(env, false)
	case TypeMessage:
		return decodeChat(env, false)
	case TypeHeartbeat:
		if err := decodeEmpty(env); err != nil {
			return nil, err
		}
		return Heartbeat{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeEvent decodes a server to client envelope.
func DecodeEvent(raw []byte) (Message, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeParticipantsList:
		return decodeParticipantsList(env)
	case TypeParticipantJoined:
		var w struct {
			ParticipantID *string `json:"participantId"`
			Name          *string `json:"name"`
		}
		if err := decodeStrict(env, &w); err != nil {
			return nil, err
		}
		if err := require(env.Type, "participantId", w.ParticipantID != nil && *w.ParticipantID != ""); err != nil {
			return nil, err
		}
		return ParticipantJoined{ParticipantID: *w.ParticipantID, Name: deref(w.Name)}, nil
	case TypeParticipantLeft:
		var w struct {
			ParticipantID *string `json:"participantId"`
		}
		if err := decodeStrict(env, &w); err != nil {
			return nil, err
		}
		if err := require(env.Type, "participantId", w.ParticipantID != nil && *w.ParticipantID != ""); err != nil {
			return nil, err
		}
		return ParticipantLeft{ParticipantID: *w.ParticipantID}, nil
	case TypeOffer, TypeAnswer:
		return decodeDescription(env, false)
	case TypeICECandidate:
		return decodeCandidate(env, false)
	case TypeAudioToggle, TypeVideoToggle:
		return decodeToggle(env, true)
	case TypeScreenShare:
		return decodeScreenShare(env, true)
	case TypeMessage:
		return decodeChat(env, true)
	case TypeHeartbeatAck:
		if err := decodeEmpty(env); err != nil {
			return nil, err
		}
		return HeartbeatAck{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformed)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// decodeStrict decodes env.Data into v, rejecting unknown fields at every
// level. A missing or null data member decodes as an empty object.
func decodeStrict(env Envelope, v any) error {
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func decodeEmpty(env Envelope) error {
	var w struct{}
	return decodeStrict(env, &w)
}

func require(t Type, field string, ok bool) error {
	if !ok {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, t, field)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func decodeJoin(env Envelope) (Message, error) {
	var w struct {
		RoomID      *string `json:"roomId"`
		DisplayName *string `json:"displayName"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := require(env.Type, "roomId", w.RoomID != nil && *w.RoomID != ""); err != nil {
		return nil, err
	}
	return Join{RoomID: *w.RoomID, DisplayName: deref(w.DisplayName)}, nil
}

func decodeParticipantsList(env Envelope) (Message, error) {
	var w struct {
		Participants *[]ParticipantInfo `json:"participants"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := require(env.Type, "participants", w.Participants != nil); err != nil {
		return nil, err
	}
	for _, p := range *w.Participants {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: participants-list entry without id", ErrMalformed)
		}
	}
	return ParticipantsList{Participants: *w.Participants}, nil
}

// decodeDescription handles offer and answer. Outbound envelopes must name a
// target; inbound ones must name a sender.
func decodeDescription(env Envelope, outbound bool) (Message, error) {
	var w struct {
		TargetID *string             `json:"targetId"`
		SenderID *string             `json:"senderId"`
		SDP      *SessionDescription `json:"sdp"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := requireRoute(env.Type, outbound, w.TargetID, w.SenderID); err != nil {
		return nil, err
	}
	if err := require(env.Type, "sdp", w.SDP != nil && w.SDP.Type != ""); err != nil {
		return nil, err
	}

	if env.Type == TypeOffer {
		return Offer{TargetID: deref(w.TargetID), SenderID: deref(w.SenderID), SDP: *w.SDP}, nil
	}
	return Answer{TargetID: deref(w.TargetID), SenderID: deref(w.SenderID), SDP: *w.SDP}, nil
}

func decodeCandidate(env Envelope, outbound bool) (Message, error) {
	var w struct {
		TargetID  *string    `json:"targetId"`
		SenderID  *string    `json:"senderId"`
		Candidate *Candidate `json:"candidate"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := requireRoute(env.Type, outbound, w.TargetID, w.SenderID); err != nil {
		return nil, err
	}
	if err := require(env.Type, "candidate", w.Candidate != nil); err != nil {
		return nil, err
	}
	return ICECandidate{TargetID: deref(w.TargetID), SenderID: deref(w.SenderID), Candidate: *w.Candidate}, nil
}

func requireRoute(t Type, outbound bool, target, sender *string) error {
	if outbound {
		return require(t, "targetId", target != nil && *target != "")
	}
	return require(t, "senderId", sender != nil && *sender != "")
}

func decodeToggle(env Envelope, inbound bool) (Message, error) {
	var w struct {
		ParticipantID *string `json:"participantId"`
		Enabled       *bool   `json:"enabled"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := require(env.Type, "enabled", w.Enabled != nil); err != nil {
		return nil, err
	}
	if inbound {
		if err := require(env.Type, "participantId", w.ParticipantID != nil && *w.ParticipantID != ""); err != nil {
			return nil, err
		}
	}

	if env.Type == TypeAudioToggle {
		return AudioToggle{ParticipantID: deref(w.ParticipantID), Enabled: *w.Enabled}, nil
	}
	return VideoToggle{ParticipantID: deref(w.ParticipantID), Enabled: *w.Enabled}, nil
}

func decodeScreenShare(env Envelope, inbound bool) (Message, error) {
	var w struct {
		ParticipantID *string `json:"participantId"`
		Started       *bool   `json:"started"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := require(env.Type, "started", w.Started != nil); err != nil {
		return nil, err
	}
	if inbound {
		if err := require(env.Type, "participantId", w.ParticipantID != nil && *w.ParticipantID != ""); err != nil {
			return nil, err
		}
	}
	return ScreenShare{ParticipantID: deref(w.ParticipantID), Started: *w.Started}, nil
}

func decodeChat(env Envelope, inbound bool) (Message, error) {
	var w struct {
		ParticipantID *string `json:"participantId"`
		Name          *string `json:"name"`
		Message       *string `json:"message"`
		Timestamp     *string `json:"timestamp"`
	}
	if err := decodeStrict(env, &w); err != nil {
		return nil, err
	}
	if err := require(env.Type, "message", w.Message != nil); err != nil {
		return nil, err
	}
	if inbound {
		if err := require(env.Type, "participantId", w.ParticipantID != nil && *w.ParticipantID != ""); err != nil {
			return nil, err
		}
	}
	return Chat{
		ParticipantID: deref(w.ParticipantID),
		Name:          deref(w.Name),
		Message:       *w.Message,
		Timestamp:     deref(w.Timestamp),
	}, nil
}
