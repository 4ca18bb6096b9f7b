package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/protocol"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errTransportClosed = errors.New("transport closed")

// pipeTransport is an in-memory signaling channel. The test plays the
// relay on the other end.
type pipeTransport struct {
	url    string
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeTransport(url string) *pipeTransport {
	return &pipeTransport{
		url:    url,
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteFrame(data []byte) error {
	select {
	case <-p.closed:
		return errTransportClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return errTransportClosed
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// push delivers a server envelope to the client.
func (p *pipeTransport) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	select {
	case p.in <- protocol.MustEncode(msg):
	case <-time.After(waitFor):
		t.Fatal("client is not reading")
	}
}

// next returns the next envelope the client wrote.
func (p *pipeTransport) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case data := <-p.out:
		msg, err := protocol.DecodeRequest(data)
		require.NoError(t, err, string(data))
		return msg
	case <-time.After(waitFor):
		t.Fatal("no envelope written")
		return nil
	}
}

// nextOfType skips envelopes until one of type typ.
func (p *pipeTransport) nextOfType(t *testing.T, typ protocol.Type) protocol.Message {
	t.Helper()
	for {
		msg := p.next(t)
		if msg.MessageType() == typ {
			return msg
		}
	}
}

// quiet asserts nothing of type typ is written within d.
func (p *pipeTransport) quiet(t *testing.T, typ protocol.Type, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case data := <-p.out:
			msg, err := protocol.DecodeRequest(data)
			require.NoError(t, err)
			require.NotEqual(t, typ, msg.MessageType(), "unexpected %s", typ)
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	fail  func(n int) error
	n     int
	times []time.Time
	dials chan *pipeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *pipeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	d.n++
	n := d.n
	d.times = append(d.times, time.Now())
	fail := d.fail
	d.mu.Unlock()

	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	tr := newPipeTransport(rawURL)
	d.dials <- tr
	return tr, nil
}

func (d *fakeDialer) setFail(fn func(n int) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

func (d *fakeDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func (d *fakeDialer) next(t *testing.T) *pipeTransport {
	t.Helper()
	select {
	case tr := <-d.dials:
		return tr
	case <-time.After(waitFor):
		t.Fatal("no dial")
		return nil
	}
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]State
}

func (r *stateRecorder) record(from, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, [2]State{from, to})
	r.mu.Unlock()
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr[1])
	}
	return out
}

// fakePC records every call the orchestrator makes.
type fakePC struct {
	mu          sync.Mutex
	remoteID    string
	tracks      []webrtc.TrackLocal
	offers      int
	answers     int
	restarts    int
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []string
	video       webrtc.TrackLocal
	replaced    int
	closed      bool
	onCandidate func(*webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	remoteErr   error
}

func (p *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if opts != nil && opts.ICERestart {
		p.restarts++
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", p.remoteID, p.offers)}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s-%d", p.remoteID, p.answers)}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, desc)
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remote = append(p.remote, desc)
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c.Candidate)
	return nil
}

func (p *fakePC) OnLocalCandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePC) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = track
	p.replaced++
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(state)
}

func (p *fakePC) fireCandidate(candidate string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	fn(&webrtc.ICECandidateInit{Candidate: candidate})
}

type pcView struct {
	offers     int
	answers    int
	restarts   int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []string
	video      webrtc.TrackLocal
	replaced   int
	closed     bool
}

func (p *fakePC) snapshot() pcView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pcView{
		offers:     p.offers,
		answers:    p.answers,
		restarts:   p.restarts,
		local:      append([]webrtc.SessionDescription(nil), p.local...),
		remote:     append([]webrtc.SessionDescription(nil), p.remote...),
		candidates: append([]string(nil), p.candidates...),
		video:      p.video,
		replaced:   p.replaced,
		closed:     p.closed,
	}
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs map[string][]*fakePC
	err error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{pcs: make(map[string][]*fakePC)}
}

func (f *fakeFactory) NewPeerConnection(remoteID string, tracks []webrtc.TrackLocal) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{remoteID: remoteID, tracks: tracks}
	f.pcs[remoteID] = append(f.pcs[remoteID], pc)
	return pc, nil
}

// pc returns the latest peer connection created for remoteID.
func (f *fakeFactory) pc(t *testing.T, remoteID string) *fakePC {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.pcs[remoteID]
	require.NotEmpty(t, list, "no peer connection for %s", remoteID)
	return list[len(list)-1]
}

func (f *fakeFactory) created(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[remoteID])
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (s *fakeSignaler) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

// take returns and clears everything sent so far.
func (s *fakeSignaler) take() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

func (s *fakeSignaler) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeMedia struct {
	mu     sync.Mutex
	audio  webrtc.TrackLocal
	video  webrtc.TrackLocal
	muted  bool
	hidden bool
	closed bool
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)
	return &fakeMedia{audio: audio, video: video}
}

func (m *fakeMedia) AudioTrack() webrtc.TrackLocal { return m.audio }
func (m *fakeMedia) VideoTrack() webrtc.TrackLocal { return m.video }

func (m *fakeMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.muted = !enabled
	m.mu.Unlock()
}

func (m *fakeMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.hidden = !enabled
	m.mu.Unlock()
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeCapturer struct {
	media LocalMedia
	err   error
}

func (c fakeCapturer) Capture(context.Context) (LocalMedia, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.media, nil
}

var errDenied = fmt.Errorf("%w: camera permission refused", domain.ErrCapabilityDenied)
