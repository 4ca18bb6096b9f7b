package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"confab/internal/client"
	"confab/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalMedia is a headless participant's outgoing media: an Opus track fed
// with silence and an idle VP8 track. Disabled tracks stop producing
// samples.
type LocalMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

var _ client.LocalMedia = (*LocalMedia)(nil)

func (m *LocalMedia) AudioTrack() webrtc.TrackLocal {
	if m.audio == nil {
		return nil
	}
	return m.audio
}

func (m *LocalMedia) VideoTrack() webrtc.TrackLocal {
	if m.video == nil {
		return nil
	}
	return m.video
}

func (m *LocalMedia) SetAudioEnabled(enabled bool) {
	m.audioEnabled.Store(enabled)
}

func (m *LocalMedia) SetVideoEnabled(enabled bool) {
	m.videoEnabled.Store(enabled)
}

func (m *LocalMedia) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
	return nil
}

func (m *LocalMedia) pump() {
	defer close(m.done)
	if m.audio == nil {
		<-m.stop
		return
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if !m.audioEnabled.Load() {
				continue
			}
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				m.logger.Debugw("failed to write audio sample", "error", err)
			}
		}
	}
}

// Capturer produces LocalMedia for a headless participant. With both
// kinds disabled it reports the capability as denied.
type Capturer struct {
	Audio  bool
	Video  bool
	Logger *zap.SugaredLogger
}

var _ client.MediaCapturer = (*Capturer)(nil)

func (c *Capturer) Capture(ctx context.Context) (client.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no capture device enabled", domain.ErrCapabilityDenied)
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	streamID := uuid.NewString()
	m := &LocalMedia{
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		m.audio = track
		m.audioEnabled.Store(true)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		m.video = track
		m.videoEnabled.Store(true)
	}

	go m.pump()
	return m, nil
}
