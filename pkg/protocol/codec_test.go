package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	trequire "github.com/stretchr/testify/require"
)

func TestDecodeRequest_ValidEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{
			name: "join with display name",
			raw:  `{"type":"join","data":{"roomId":"r1","displayName":"Ada"}}`,
			want: Join{RoomID: "r1", DisplayName: "Ada"},
		},
		{
			name: "offer",
			raw:  `{"type":"offer","data":{"targetId":"b","sdp":{"type":"offer","sdp":"v=0"}}}`,
			want: Offer{TargetID: "b", SDP: SessionDescription{Type: "offer", SDP: "v=0"}},
		},
		{
			name: "answer carrying a spoofed sender",
			raw:  `{"type":"answer","data":{"targetId":"a","senderId":"mallory","sdp":{"type":"answer","sdp":"v=0"}}}`,
			want: Answer{TargetID: "a", SenderID: "mallory", SDP: SessionDescription{Type: "answer", SDP: "v=0"}},
		},
		{
			name: "video toggle off",
			raw:  `{"type":"video-toggle","data":{"enabled":false}}`,
			want: VideoToggle{Enabled: false},
		},
		{
			name: "screen share",
			raw:  `{"type":"screen-share","data":{"started":true}}`,
			want: ScreenShare{Started: true},
		},
		{
			name: "chat",
			raw:  `{"type":"message","data":{"message":"hi"}}`,
			want: Chat{Message: "hi"},
		},
		{
			name: "heartbeat without data",
			raw:  `{"type":"heartbeat"}`,
			want: Heartbeat{},
		},
		{
			name: "heartbeat with empty data",
			raw:  `{"type":"heartbeat","data":{}}`,
			want: Heartbeat{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRequest([]byte(tt.raw))
			trequire.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeRequest_Candidate(t *testing.T) {
	raw := `{"type":"ice-candidate","data":{"targetId":"b","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0,"usernameFragment":null}}}`

	msg, err := DecodeRequest([]byte(raw))
	trequire.NoError(t, err)

	c, ok := msg.(ICECandidate)
	trequire.True(t, ok)
	assert.Equal(t, "b", c.TargetID)
	trequire.NotNil(t, c.Candidate.SDPMid)
	assert.Equal(t, "0", *c.Candidate.SDPMid)
	trequire.NotNil(t, c.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *c.Candidate.SDPMLineIndex)
	assert.Nil(t, c.Candidate.UsernameFragment)
}

func TestDecodeRequest_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing type", `{"data":{}}`},
		{"unknown top level field", `{"type":"heartbeat","extra":1}`},
		{"join without room", `{"type":"join","data":{"displayName":"x"}}`},
		{"offer without target", `{"type":"offer","data":{"sdp":{"type":"offer","sdp":"v=0"}}}`},
		{"offer without sdp", `{"type":"offer","data":{"targetId":"b"}}`},
		{"offer with unknown sdp field", `{"type":"offer","data":{"targetId":"b","sdp":{"type":"offer","sdp":"v=0","x":1}}}`},
		{"toggle without flag", `{"type":"audio-toggle","data":{}}`},
		{"toggle with wrong flag type", `{"type":"audio-toggle","data":{"enabled":"no"}}`},
		{"toggle with unknown field", `{"type":"audio-toggle","data":{"enabled":true,"muted":true}}`},
		{"screen share without flag", `{"type":"screen-share","data":{"enabled":true}}`},
		{"chat without message", `{"type":"message","data":{}}`},
		{"heartbeat with payload", `{"type":"heartbeat","data":{"ts":1}}`},
		{"trailing data", `{"type":"heartbeat"}{"type":"heartbeat"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tt.raw))
			trequire.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeRequest_UnknownType(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"type":"reaction","data":{"emoji":"+1"}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	// Server-to-client types are not valid requests.
	_, err = DecodeRequest([]byte(`{"type":"participant-left","data":{"participantId":"a"}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeEvent_RequiresSenderIdentity(t *testing.T) {
	_, err := DecodeEvent([]byte(`{"type":"offer","data":{"targetId":"b","sdp":{"type":"offer","sdp":"v=0"}}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeEvent([]byte(`{"type":"audio-toggle","data":{"enabled":true}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	msg, err := DecodeEvent([]byte(`{"type":"audio-toggle","data":{"participantId":"a","enabled":true}}`))
	trequire.NoError(t, err)
	assert.Equal(t, AudioToggle{ParticipantID: "a", Enabled: true}, msg)
}

func TestDecodeEvent_ParticipantsList(t *testing.T) {
	msg, err := DecodeEvent([]byte(`{"type":"participants-list","data":{"participants":[]}}`))
	trequire.NoError(t, err)
	assert.Equal(t, ParticipantsList{Participants: []ParticipantInfo{}}, msg)

	_, err = DecodeEvent([]byte(`{"type":"participants-list","data":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeEvent([]byte(`{"type":"participants-list","data":{"participants":[{"name":"x"}]}}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_RoundTripsThroughDecoder(t *testing.T) {
	raw, err := Encode(Offer{SenderID: "a", SDP: SessionDescription{Type: "offer", SDP: "v=0"}})
	trequire.NoError(t, err)

	var env map[string]any
	trequire.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "offer", env["type"])
	data := env["data"].(map[string]any)
	assert.NotContains(t, data, "targetId")
	assert.Equal(t, "a", data["senderId"])

	msg, err := DecodeEvent(raw)
	trequire.NoError(t, err)
	assert.Equal(t, Offer{SenderID: "a", SDP: SessionDescription{Type: "offer", SDP: "v=0"}}, msg)
}

func TestEncode_KeepsFalseFlags(t *testing.T) {
	raw := MustEncode(VideoToggle{ParticipantID: "a", Enabled: false})
	assert.JSONEq(t, `{"type":"video-toggle","data":{"participantId":"a","enabled":false}}`, string(raw))
}

func TestIsEphemeral(t *testing.T) {
	assert.True(t, IsEphemeral(TypeICECandidate))
	assert.True(t, IsEphemeral(TypeVideoToggle))
	assert.True(t, IsEphemeral(TypeScreenShare))
	assert.False(t, IsEphemeral(TypeHeartbeatAck))
	assert.False(t, IsEphemeral(TypeMessage))
	assert.False(t, IsEphemeral(TypeOffer))
	assert.False(t, IsEphemeral(TypeParticipantLeft))
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"offer","data":{"anything":1}}`))
	trequire.NoError(t, err)
	assert.Equal(t, TypeOffer, typ)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_000_000, time.FixedZone("X", 3600))
	assert.Equal(t, "2024-03-09T13:05:07.123Z", FormatTimestamp(ts))
}
