package webrtc

import (
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// Stats counts media seen by a participant's peer connections.
type Stats struct {
	audioPackets     atomic.Uint64
	videoPackets     atomic.Uint64
	payloadBytes     atomic.Uint64
	malformed        atomic.Uint64
	keyframeRequests atomic.Uint64
	receiverReports  atomic.Uint64
}

func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) packetReceived(kind webrtc.RTPCodecType, payload int) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		s.audioPackets.Add(1)
	case webrtc.RTPCodecTypeVideo:
		s.videoPackets.Add(1)
	}
	s.payloadBytes.Add(uint64(payload))
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	AudioPackets     uint64
	VideoPackets     uint64
	PayloadBytes     uint64
	Malformed        uint64
	KeyframeRequests uint64
	ReceiverReports  uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		AudioPackets:     s.audioPackets.Load(),
		VideoPackets:     s.videoPackets.Load(),
		PayloadBytes:     s.payloadBytes.Load(),
		Malformed:        s.malformed.Load(),
		KeyframeRequests: s.keyframeRequests.Load(),
		ReceiverReports:  s.receiverReports.Load(),
	}
}
