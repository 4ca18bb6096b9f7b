package webrtc

import (
	"errors"
	"fmt"

	"confab/internal/client"
	"confab/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config holds the peer connection settings of a meeting participant.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// ConfigFrom maps the webrtc section of the configuration.
func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	return c
}

// PeerFactory creates pion peer connections for the negotiation
// orchestrator.
type PeerFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	stats  *Stats
	logger *zap.SugaredLogger

	onRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
}

var _ client.PeerConnectionFactory = (*PeerFactory)(nil)

func NewPeerFactory(cfg Config, logger *zap.SugaredLogger) (*PeerFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: newZapLoggerFactory(logger),
	}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &PeerFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		},
		stats:  NewStats(),
		logger: logger,
	}, nil
}

// Stats returns the media counters shared by every connection of the
// factory.
func (f *PeerFactory) Stats() *Stats {
	return f.stats
}

// OnRemoteTrack registers fn for every remote track received. It must be
// set before connections are created.
func (f *PeerFactory) OnRemoteTrack(fn func(remoteID string, track *webrtc.TrackRemote)) {
	f.onRemoteTrack = fn
}

// NewPeerConnection creates a connection sending tracks to remoteID. A
// missing audio track becomes a receive-only transceiver; a missing video
// track leaves an idle sender so a screen share can be swapped in later.
func (f *PeerFactory) NewPeerConnection(remoteID string, tracks []webrtc.TrackLocal) (client.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peerConnection{
		pc:       pc,
		remoteID: remoteID,
		stats:    f.stats,
		logger:   f.logger,
	}
	if err := p.addTracks(tracks); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f.logger.Infow("remote track started",
			"peer_id", remoteID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		if f.onRemoteTrack != nil {
			f.onRemoteTrack(remoteID, track)
		}
		go p.readRemoteTrack(track)
		go p.readRTCP(receiver.ReadRTCP)
	})

	return p, nil
}

func (p *peerConnection) addTracks(tracks []webrtc.TrackLocal) error {
	var hasAudio bool
	for _, track := range tracks {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			hasAudio = true
		case webrtc.RTPCodecTypeVideo:
			p.video = sender
		}
		go p.readRTCP(sender.ReadRTCP)
	}

	if !hasAudio {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}
	if p.video == nil {
		tr, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("failed to add video transceiver: %w", err)
		}
		p.video = tr.Sender()
		if err := p.video.ReplaceTrack(nil); err != nil {
			return fmt.Errorf("failed to idle video sender: %w", err)
		}
		go p.readRTCP(p.video.ReadRTCP)
	}
	return nil
}

var errNoVideoSender = errors.New("peer connection has no video sender")
