package client

import (
	"errors"
	"testing"

	"confab/internal/core/domain"
	"confab/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_LocalToggleSentOncePerChange(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPresence(sig)

	require.NoError(t, p.SetVideo(false))
	require.NoError(t, p.SetVideo(false))
	require.NoError(t, p.SetAudio(true))
	require.NoError(t, p.SetScreenSharing(true))

	assert.Equal(t, []protocol.Message{
		protocol.VideoToggle{Enabled: false},
		protocol.ScreenShare{Started: true},
	}, sig.take())
	assert.Equal(t, domain.MediaState{AudioEnabled: true, VideoEnabled: false, ScreenSharing: true}, p.Local())
}

func TestPresence_FailedSendKeepsState(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPresence(sig)

	sig.setErr(errors.New("closed"))
	assert.Error(t, p.SetAudio(false))
	assert.True(t, p.Local().AudioEnabled)

	sig.setErr(nil)
	require.NoError(t, p.SetAudio(false))
	assert.Equal(t, []protocol.Message{protocol.AudioToggle{Enabled: false}}, sig.take())
}

func TestPresence_RemoteView(t *testing.T) {
	p := NewPresence(&fakeSignaler{})

	changes := 0
	p.OnChange(func() { changes++ })

	p.Apply(protocol.ParticipantsList{Participants: []protocol.ParticipantInfo{
		{ID: "a", Name: "Alice", AudioEnabled: true, VideoEnabled: false},
	}})
	p.Apply(protocol.ParticipantJoined{ParticipantID: "b", Name: "Bob"})
	p.Apply(protocol.VideoToggle{ParticipantID: "b", Enabled: false})
	p.Apply(protocol.ScreenShare{ParticipantID: "a", Started: true})

	got := p.Participants()
	require.Len(t, got, 2)
	assert.Equal(t, RemoteParticipant{
		ID:    "a",
		Name:  "Alice",
		Media: domain.MediaState{AudioEnabled: true, ScreenSharing: true},
	}, got[0])
	assert.Equal(t, RemoteParticipant{
		ID:    "b",
		Name:  "Bob",
		Media: domain.MediaState{AudioEnabled: true},
	}, got[1])
	assert.Equal(t, 4, changes)

	p.Apply(protocol.ParticipantLeft{ParticipantID: "a"})
	_, ok := p.Participant("a")
	assert.False(t, ok)
	assert.Len(t, p.Participants(), 1)
}

func TestPresence_ToggleOnlyTouchesNamedParticipant(t *testing.T) {
	p := NewPresence(&fakeSignaler{})
	p.Apply(protocol.ParticipantJoined{ParticipantID: "a"})
	p.Apply(protocol.ParticipantJoined{ParticipantID: "b"})

	p.Apply(protocol.AudioToggle{ParticipantID: "a", Enabled: false})

	a, _ := p.Participant("a")
	b, _ := p.Participant("b")
	assert.False(t, a.Media.AudioEnabled)
	assert.True(t, b.Media.AudioEnabled)
	assert.True(t, p.Local().AudioEnabled)
}

func TestPresence_IgnoresUnknownAndRedundant(t *testing.T) {
	p := NewPresence(&fakeSignaler{})
	changes := 0
	p.OnChange(func() { changes++ })

	p.Apply(protocol.AudioToggle{ParticipantID: "ghost", Enabled: false})
	p.Apply(protocol.ParticipantLeft{ParticipantID: "ghost"})
	p.Apply(protocol.ParticipantJoined{ParticipantID: "a"})
	p.Apply(protocol.AudioToggle{ParticipantID: "a", Enabled: true})

	assert.Equal(t, 1, changes)
}

func TestPresence_ResyncLocal(t *testing.T) {
	sig := &fakeSignaler{}
	p := NewPresence(sig)
	require.NoError(t, p.SetAudio(false))
	require.NoError(t, p.SetScreenSharing(true))
	sig.take()

	require.NoError(t, p.ResyncLocal())

	assert.Equal(t, []protocol.Message{
		protocol.AudioToggle{Enabled: false},
		protocol.ScreenShare{Started: true},
	}, sig.take())
}

func TestPresence_ResetRemote(t *testing.T) {
	p := NewPresence(&fakeSignaler{})
	p.Apply(protocol.ParticipantJoined{ParticipantID: "a"})

	p.ResetRemote()

	assert.Empty(t, p.Participants())
}
