package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/protocol"
	"confab/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrAlreadyJoined = errors.New("meeting already joined")
	ErrNotJoined     = errors.New("meeting not joined")
)

// LocalMedia is the captured camera and microphone. The meeting owns it
// from Capture until Leave.
type LocalMedia interface {
	AudioTrack() webrtc.TrackLocal
	VideoTrack() webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// MediaCapturer acquires local media. A refused capture returns an error
// wrapping domain.ErrCapabilityDenied.
type MediaCapturer interface {
	Capture(ctx context.Context) (LocalMedia, error)
}

// ChatMessage is one received chat line.
type ChatMessage struct {
	ParticipantID string
	Name          string
	Message       string
	Timestamp     time.Time
}

// Meeting is one client's participation in a room: the signaling channel,
// one negotiation session per remote peer, presence, and local media.
type Meeting struct {
	conn     *ConnectionManager
	factory  PeerConnectionFactory
	capturer MediaCapturer
	presence *Presence
	logger   *zap.SugaredLogger

	mu           sync.Mutex
	joined       bool
	lost         bool
	orch         *Orchestrator
	media        LocalMedia
	screen       webrtc.TrackLocal
	unsubscribe  []func()
	onChat       func(ChatMessage)
	onMediaError func(error)
	onPeerFailed func(peerID string, err error)
	onDisconnect func(error)
}

// NewMeeting builds a meeting over conn. capturer may be nil for a
// receive-only participant.
func NewMeeting(conn *ConnectionManager, factory PeerConnectionFactory, capturer MediaCapturer, logger *zap.SugaredLogger) *Meeting {
	m := &Meeting{
		conn:     conn,
		factory:  factory,
		capturer: capturer,
		presence: NewPresence(conn),
		logger:   logger,
	}
	conn.OnStateChange(m.channelStateChanged)
	return m
}

func (m *Meeting) Presence() *Presence {
	return m.presence
}

// Peers returns the ids of the remote participants we hold a session with.
func (m *Meeting) Peers() []string {
	m.mu.Lock()
	orch := m.orch
	m.mu.Unlock()
	if orch == nil {
		return nil
	}
	return orch.Peers()
}

// PeerState returns the negotiation state towards peerID.
func (m *Meeting) PeerState(peerID string) (NegotiationState, bool) {
	m.mu.Lock()
	orch := m.orch
	m.mu.Unlock()
	if orch == nil {
		return NegotiationNone, false
	}
	return orch.State(peerID)
}

func (m *Meeting) OnChat(fn func(ChatMessage)) {
	m.mu.Lock()
	m.onChat = fn
	m.mu.Unlock()
}

// OnMediaError is called when local media cannot be captured. The meeting
// continues without it.
func (m *Meeting) OnMediaError(fn func(error)) {
	m.mu.Lock()
	m.onMediaError = fn
	m.mu.Unlock()
}

// OnPeerFailed is called when the session with one peer could not be
// recovered. Other peers are unaffected.
func (m *Meeting) OnPeerFailed(fn func(peerID string, err error)) {
	m.mu.Lock()
	m.onPeerFailed = fn
	m.mu.Unlock()
}

// OnDisconnected is called once reconnection has been given up. Every
// resource has been released by then.
func (m *Meeting) OnDisconnected(fn func(error)) {
	m.mu.Lock()
	m.onDisconnect = fn
	m.mu.Unlock()
}

// Join captures local media and joins roomID. On error nothing is left
// running.
func (m *Meeting) Join(ctx context.Context, roomID domain.RoomID) error {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joined = true
	m.lost = false
	m.mu.Unlock()

	media, err := m.capture(ctx)
	if err != nil {
		m.release()
		return err
	}

	orch := NewOrchestrator(m.factory, m.conn, m.logger)
	if d := m.conn.cfg.RestartTimeout; d > 0 {
		orch.SetRestartTimeout(d)
	}
	orch.SetLocalTracks(localTracks(media))
	orch.OnPeerFailed(m.peerFailed)
	orch.Subscribe(m.conn)

	unsubs := []func(){
		m.presence.Subscribe(m.conn),
		m.conn.On(protocol.TypeMessage, m.chatReceived),
	}

	m.mu.Lock()
	m.orch = orch
	m.media = media
	m.unsubscribe = unsubs
	m.mu.Unlock()

	if err := m.conn.Connect(ctx, roomID); err != nil {
		m.release()
		return err
	}

	if media == nil {
		// Peers assume audio and video until told otherwise.
		if err := m.presence.SetAudio(false); err != nil {
			m.logger.Warnw("failed to announce muted audio", "error", err)
		}
		if err := m.presence.SetVideo(false); err != nil {
			m.logger.Warnw("failed to announce disabled video", "error", err)
		}
	}

	m.logger.Infow("joined meeting", "room_id", roomID, "local_media", media != nil)
	return nil
}

func (m *Meeting) capture(ctx context.Context) (LocalMedia, error) {
	if m.capturer == nil {
		return nil, nil
	}
	media, err := m.capturer.Capture(ctx)
	if err == nil {
		return media, nil
	}
	if !errors.Is(err, domain.ErrCapabilityDenied) {
		return nil, fmt.Errorf("failed to capture local media: %w", err)
	}

	m.logger.Warnw("continuing without local media", "error", err)
	m.mu.Lock()
	fn := m.onMediaError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
	return nil, nil
}

func localTracks(media LocalMedia) []webrtc.TrackLocal {
	if media == nil {
		return nil
	}
	var tracks []webrtc.TrackLocal
	if t := media.AudioTrack(); t != nil {
		tracks = append(tracks, t)
	}
	if t := media.VideoTrack(); t != nil {
		tracks = append(tracks, t)
	}
	return tracks
}

// Leave closes every peer session and the channel, and stops local media.
func (m *Meeting) Leave() error {
	m.mu.Lock()
	joined := m.joined
	m.mu.Unlock()
	if !joined {
		return nil
	}
	return m.release()
}

func (m *Meeting) release() error {
	m.mu.Lock()
	orch := m.orch
	media := m.media
	unsubs := m.unsubscribe
	m.orch = nil
	m.media = nil
	m.screen = nil
	m.unsubscribe = nil
	m.joined = false
	m.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if orch != nil {
		orch.Close()
	}
	m.conn.Disconnect()
	m.presence.ResetRemote()

	if media != nil {
		if err := media.Close(); err != nil {
			return fmt.Errorf("failed to release local media: %w", err)
		}
	}
	return nil
}

func (m *Meeting) channelStateChanged(from, to State) {
	switch {
	case from == StateOpen && to == StateConnecting:
		m.mu.Lock()
		orch := m.orch
		m.lost = true
		m.mu.Unlock()

		// The relay has already evicted our identity; every peer will see
		// us join again as a newcomer.
		if orch != nil {
			orch.Reset()
		}
		m.presence.ResetRemote()

	case to == StateOpen:
		m.mu.Lock()
		resync := m.lost
		m.lost = false
		m.mu.Unlock()

		if resync {
			if err := m.presence.ResyncLocal(); err != nil {
				m.logger.Warnw("failed to resync media state", "error", err)
			}
		}

	case to == StateDisconnected:
		m.mu.Lock()
		joined := m.joined
		fn := m.onDisconnect
		m.mu.Unlock()
		if !joined {
			return
		}

		if err := m.release(); err != nil {
			m.logger.Warnw("failed to release meeting", "error", err)
		}
		if fn != nil {
			fn(fmt.Errorf("%w: reconnect attempts exhausted", domain.ErrTransportLoss))
		}
	}
}

func (m *Meeting) active() (*Orchestrator, LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined || m.orch == nil {
		return nil, nil, ErrNotJoined
	}
	return m.orch, m.media, nil
}

func (m *Meeting) SetAudio(enabled bool) error {
	_, media, err := m.active()
	if err != nil {
		return err
	}
	if media != nil {
		media.SetAudioEnabled(enabled)
	}
	return m.presence.SetAudio(enabled)
}

func (m *Meeting) SetVideo(enabled bool) error {
	_, media, err := m.active()
	if err != nil {
		return err
	}
	if media != nil {
		media.SetVideoEnabled(enabled)
	}
	return m.presence.SetVideo(enabled)
}

// StartScreenShare sends track in place of the camera to every peer.
func (m *Meeting) StartScreenShare(track webrtc.TrackLocal) error {
	if track == nil {
		return errors.New("screen share track is required")
	}
	orch, _, err := m.active()
	if err != nil {
		return err
	}

	if err := orch.ReplaceVideoTrack(track); err != nil {
		return fmt.Errorf("failed to switch to screen share: %w", err)
	}
	m.mu.Lock()
	m.screen = track
	m.mu.Unlock()

	orch.RenegotiateAll()
	return m.presence.SetScreenSharing(true)
}

// StopScreenShare restores the camera track, if any.
func (m *Meeting) StopScreenShare() error {
	orch, media, err := m.active()
	if err != nil {
		return err
	}

	m.mu.Lock()
	sharing := m.screen != nil
	m.screen = nil
	m.mu.Unlock()
	if !sharing {
		return nil
	}

	var camera webrtc.TrackLocal
	if media != nil {
		camera = media.VideoTrack()
	}
	if err := orch.ReplaceVideoTrack(camera); err != nil {
		return fmt.Errorf("failed to restore camera: %w", err)
	}
	orch.RenegotiateAll()
	return m.presence.SetScreenSharing(false)
}

// SendChat broadcasts text to the other participants.
func (m *Meeting) SendChat(text string) error {
	if _, _, err := m.active(); err != nil {
		return err
	}
	if err := validation.ValidateChatMessage(text); err != nil {
		return err
	}
	return m.conn.Send(protocol.Chat{Message: text})
}

func (m *Meeting) chatReceived(msg protocol.Message) {
	chat, ok := msg.(protocol.Chat)
	if !ok {
		return
	}
	m.mu.Lock()
	fn := m.onChat
	m.mu.Unlock()
	if fn == nil {
		return
	}

	ts, err := time.Parse(time.RFC3339Nano, chat.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	fn(ChatMessage{
		ParticipantID: chat.ParticipantID,
		Name:          chat.Name,
		Message:       chat.Message,
		Timestamp:     ts,
	})
}

func (m *Meeting) peerFailed(peerID string, err error) {
	m.mu.Lock()
	fn := m.onPeerFailed
	m.mu.Unlock()
	if fn != nil {
		fn(peerID, err)
	}
}
