package webrtc

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// peerConnection adapts *webrtc.PeerConnection to client.PeerConnection.
type peerConnection struct {
	pc       *webrtc.PeerConnection
	video    *webrtc.RTPSender
	remoteID string
	stats    *Stats
	logger   *zap.SugaredLogger
}

func (p *peerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *peerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *peerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *peerConnection) OnLocalCandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debugw("peer connection state changed",
			"peer_id", p.remoteID,
			"connection_state", state,
		)
		fn(state)
	})
}

func (p *peerConnection) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	if p.video == nil {
		return errNoVideoSender
	}
	return p.video.ReplaceTrack(track)
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

// readRemoteTrack drains RTP from a remote track and counts it.
func (p *peerConnection) readRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	kind := track.Kind()

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("remote track read ended",
					"peer_id", p.remoteID,
					"track_id", track.ID(),
					"error", err,
				)
			}
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			p.stats.malformed.Add(1)
			continue
		}
		p.stats.packetReceived(kind, len(packet.Payload))
	}
}

// readRTCP drains RTCP so interceptors keep running, and counts keyframe
// requests from the remote side.
func (p *peerConnection) readRTCP(read func() ([]rtcp.Packet, interceptor.Attributes, error)) {
	for {
		packets, _, err := read()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				p.stats.keyframeRequests.Add(1)
			case *rtcp.ReceiverReport:
				p.stats.receiverReports.Add(1)
			}
		}
	}
}
