package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"confab/internal/client"
	"confab/internal/core/domain"
	"confab/pkg/logger"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ServerOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  server_url: ws://from-file:9000/ws\n  display_name: bot\n"), 0o600))

	flagConfig, flagServer = path, ""
	t.Cleanup(func() { flagConfig, flagServer = "", "" })

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "ws://from-file:9000/ws", cfg.Client.ServerURL)
	assert.Equal(t, "bot", cfg.Client.DisplayName)

	flagServer = "wss://override/ws"
	cfg, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "wss://override/ws", cfg.Client.ServerURL)
}

func TestRoomsView(t *testing.T) {
	assert.Contains(t, roomsView(nil), "nobody here")

	member := client.RoomMember{ID: "p1", Name: "Alice", Media: domain.MediaState{AudioEnabled: true}}
	out := roomsView([]client.Room{{ID: "standup", Participants: []client.RoomMember{member}}})
	assert.Contains(t, out, "standup")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "p1")
}

func TestRootCommand_RequiresRoom(t *testing.T) {
	f := rootCmd.Flags().Lookup("room")
	require.NotNil(t, f)
	assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("server"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

type screenCapture struct{ closes int }

func (s *screenCapture) AudioTrack() webrtc.TrackLocal { return nil }
func (s *screenCapture) VideoTrack() webrtc.TrackLocal { return nil }
func (s *screenCapture) SetAudioEnabled(bool)          {}
func (s *screenCapture) SetVideoEnabled(bool)          {}
func (s *screenCapture) Close() error {
	s.closes++
	return nil
}

func newTestSession() *session {
	log := logger.Nop()
	conn := client.NewConnectionManager(client.ManagerConfig{ServerURL: "ws://localhost:0/ws"}, nil, log)
	return &session{
		meeting:  client.NewMeeting(conn, nil, nil, log),
		roomID:   "standup",
		joinedAt: time.Now(),
		logger:   log,
	}
}

func TestSession_LeaveClosesScreenOnce(t *testing.T) {
	sess := newTestSession()
	screen := &screenCapture{}
	sess.screen = screen

	require.NoError(t, sess.leave())
	require.NoError(t, sess.leave())

	assert.Equal(t, 1, screen.closes)
	assert.Nil(t, sess.screen)
}

func TestSession_RunCommand(t *testing.T) {
	sess := newTestSession()

	quit, err := sess.runCommand("  ")
	assert.False(t, quit)
	assert.NoError(t, err)

	quit, err = sess.runCommand("/quit")
	assert.True(t, quit)
	assert.NoError(t, err)

	_, err = sess.runCommand("/audio maybe")
	assert.EqualError(t, err, "usage: /audio on|off")

	_, err = sess.runCommand("/dance")
	assert.ErrorIs(t, err, errUnknownCommand)

	_, err = sess.runCommand("/unshare")
	assert.NoError(t, err)
}
