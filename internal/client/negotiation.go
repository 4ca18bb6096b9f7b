package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/protocol"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// NegotiationState is the offer/answer state of one peer session.
type NegotiationState int

const (
	NegotiationNone NegotiationState = iota
	NegotiationHaveLocalOffer
	NegotiationHaveRemoteOffer
	NegotiationConnected
	NegotiationFailed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNone:
		return "none"
	case NegotiationHaveLocalOffer:
		return "have-local-offer"
	case NegotiationHaveRemoteOffer:
		return "have-remote-offer"
	case NegotiationConnected:
		return "connected"
	case NegotiationFailed:
		return "failed"
	default:
		return fmt.Sprintf("negotiation(%d)", int(s))
	}
}

// Role says which side sent the initial offer for a pair.
type Role int

const (
	// RoleOfferer is taken by members that were already in the room when
	// the peer joined.
	RoleOfferer Role = iota
	// RoleAnswerer is taken by the newcomer. It yields on offer collisions.
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

const defaultRestartTimeout = 15 * time.Second

var (
	ErrPeerNotFound       = errors.New("peer session not found")
	ErrOrchestratorClosed = errors.New("negotiation orchestrator closed")
)

// PeerConnection is the negotiation primitive for one remote participant.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// OnLocalCandidate is called for each gathered local candidate. A nil
	// candidate marks the end of gathering.
	OnLocalCandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	// ReplaceVideoTrack swaps the outgoing video track without touching
	// the audio sender. nil stops sending video.
	ReplaceVideoTrack(track webrtc.TrackLocal) error
	Close() error
}

// PeerConnectionFactory creates a PeerConnection sending tracks to remoteID.
type PeerConnectionFactory interface {
	NewPeerConnection(remoteID string, tracks []webrtc.TrackLocal) (PeerConnection, error)
}

// Signaler sends envelopes to the relay.
type Signaler interface {
	Send(msg protocol.Message) error
}

// Subscriber registers envelope handlers, as ConnectionManager.On does.
type Subscriber interface {
	On(t protocol.Type, fn Handler) func()
}

type peerSession struct {
	id    string
	role  Role
	pc    PeerConnection
	state NegotiationState

	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	localSent     bool
	pendingLocal  []webrtc.ICECandidateInit

	restarted    bool
	restartTimer *time.Timer
	renegotiate  bool
	iceRestart   bool
	closed       bool
}

// Orchestrator runs one offer/answer state machine per remote participant.
//
// Every session mutation happens on a single event loop: envelope handlers
// and peer connection callbacks only post work to it, so no two steps for
// the same peer ever run concurrently. Observer callbacks are delivered in
// order on a separate loop and may call back into the orchestrator.
type Orchestrator struct {
	factory  PeerConnectionFactory
	signaler Signaler
	logger   *zap.SugaredLogger

	loop   *eventLoop
	notify *eventLoop

	restartTimeout time.Duration

	// owned by loop
	sessions map[string]*peerSession
	tracks   []webrtc.TrackLocal

	mu          sync.Mutex
	onState     func(peerID string, state NegotiationState)
	onFailed    func(peerID string, err error)
	closeOnce   sync.Once
	unsubscribe []func()
}

func NewOrchestrator(factory PeerConnectionFactory, signaler Signaler, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		factory:        factory,
		signaler:       signaler,
		logger:         logger,
		loop:           newEventLoop(),
		notify:         newEventLoop(),
		restartTimeout: defaultRestartTimeout,
		sessions:       make(map[string]*peerSession),
	}
}

// SetRestartTimeout sets how long a peer may stay failed after its restart
// began before it is reported through OnPeerFailed.
func (o *Orchestrator) SetRestartTimeout(d time.Duration) {
	o.loop.call(func() { o.restartTimeout = d })
}

// OnPeerStateChange registers the observer of per-peer state changes.
func (o *Orchestrator) OnPeerStateChange(fn func(peerID string, state NegotiationState)) {
	o.mu.Lock()
	o.onState = fn
	o.mu.Unlock()
}

// OnPeerFailed registers the observer of peers that could not be recovered.
// The error wraps domain.ErrNegotiationFailed.
func (o *Orchestrator) OnPeerFailed(fn func(peerID string, err error)) {
	o.mu.Lock()
	o.onFailed = fn
	o.mu.Unlock()
}

// Subscribe wires the orchestrator to the membership and negotiation
// envelopes of sub.
func (o *Orchestrator) Subscribe(sub Subscriber) {
	handler := func(msg protocol.Message) { o.HandleMessage(msg) }
	unsubs := []func(){
		sub.On(protocol.TypeParticipantJoined, handler),
		sub.On(protocol.TypeParticipantLeft, handler),
		sub.On(protocol.TypeOffer, handler),
		sub.On(protocol.TypeAnswer, handler),
		sub.On(protocol.TypeICECandidate, handler),
	}
	o.mu.Lock()
	o.unsubscribe = append(o.unsubscribe, unsubs...)
	o.mu.Unlock()
}

// HandleMessage queues msg for the event loop. Types the orchestrator does
// not act on are ignored.
func (o *Orchestrator) HandleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ParticipantJoined:
		o.loop.post(func() { o.peerJoined(m.ParticipantID) })
	case protocol.ParticipantLeft:
		o.loop.post(func() { o.peerLeft(m.ParticipantID) })
	case protocol.Offer:
		o.loop.post(func() { o.remoteOffer(m.SenderID, m.SDP) })
	case protocol.Answer:
		o.loop.post(func() { o.remoteAnswer(m.SenderID, m.SDP) })
	case protocol.ICECandidate:
		o.loop.post(func() { o.remoteCandidate(m.SenderID, m.Candidate) })
	}
}

// SetLocalTracks sets the tracks attached to peer connections created from
// now on.
func (o *Orchestrator) SetLocalTracks(tracks []webrtc.TrackLocal) {
	cp := append([]webrtc.TrackLocal(nil), tracks...)
	o.loop.call(func() { o.tracks = cp })
}

// ReplaceVideoTrack swaps the outgoing video track on every live session.
func (o *Orchestrator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	var errs []error
	ok := o.loop.call(func() {
		o.tracks = withVideoTrack(o.tracks, track)
		for _, s := range o.sessions {
			if s.state == NegotiationFailed {
				continue
			}
			if err := s.pc.ReplaceVideoTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("peer %s: %w", s.id, err))
			}
		}
	})
	if !ok {
		return ErrOrchestratorClosed
	}
	return errors.Join(errs...)
}

func withVideoTrack(tracks []webrtc.TrackLocal, video webrtc.TrackLocal) []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(tracks)+1)
	for _, t := range tracks {
		if t.Kind() != webrtc.RTPCodecTypeVideo {
			out = append(out, t)
		}
	}
	if video != nil {
		out = append(out, video)
	}
	return out
}

// Renegotiate starts a new offer/answer cycle with peerID, keeping the
// session. A request made while a negotiation is in flight runs once it
// completes.
func (o *Orchestrator) Renegotiate(peerID string) error {
	var err error
	if !o.loop.call(func() { err = o.renegotiate(peerID) }) {
		return ErrOrchestratorClosed
	}
	return err
}

// RenegotiateAll renegotiates every session that has not failed.
func (o *Orchestrator) RenegotiateAll() {
	o.loop.call(func() {
		for id, s := range o.sessions {
			if s.state == NegotiationFailed {
				continue
			}
			_ = o.renegotiate(id)
		}
	})
}

// State returns the negotiation state of peerID.
func (o *Orchestrator) State(peerID string) (NegotiationState, bool) {
	var (
		state NegotiationState
		found bool
	)
	o.loop.call(func() {
		if s, ok := o.sessions[peerID]; ok {
			state, found = s.state, true
		}
	})
	return state, found
}

// Role returns the role this side holds towards peerID.
func (o *Orchestrator) Role(peerID string) (Role, bool) {
	var (
		role  Role
		found bool
	)
	o.loop.call(func() {
		if s, ok := o.sessions[peerID]; ok {
			role, found = s.role, true
		}
	})
	return role, found
}

// Peers returns the ids of every live session.
func (o *Orchestrator) Peers() []string {
	var ids []string
	o.loop.call(func() {
		ids = make([]string, 0, len(o.sessions))
		for id := range o.sessions {
			ids = append(ids, id)
		}
	})
	return ids
}

// Reset closes every session. The orchestrator stays usable; it is called
// when the signaling channel is lost and our identity is gone.
func (o *Orchestrator) Reset() {
	o.loop.call(o.closeAll)
}

// Flush waits until queued work and observer callbacks have run.
func (o *Orchestrator) Flush() {
	o.loop.call(func() {})
	o.notify.call(func() {})
}

// Close unsubscribes, tears down every session and stops the loop. Work
// queued afterwards is discarded.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		unsubs := o.unsubscribe
		o.unsubscribe = nil
		o.mu.Unlock()
		for _, fn := range unsubs {
			fn()
		}

		o.loop.stop(o.closeAll)
		o.loop.wait()
		o.notify.stop(nil)
	})
}

func (o *Orchestrator) closeAll() {
	for id, s := range o.sessions {
		o.destroy(s)
		delete(o.sessions, id)
	}
}

// Everything below runs on o.loop.

func (o *Orchestrator) newSession(peerID string, role Role) (*peerSession, error) {
	pc, err := o.factory.NewPeerConnection(peerID, o.tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	s := &peerSession{id: peerID, role: role, pc: pc}

	pc.OnLocalCandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		cand := *c
		o.loop.post(func() { o.localCandidate(s, cand) })
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.loop.post(func() { o.transportState(s, state) })
	})

	o.sessions[peerID] = s
	o.logger.Debugw("peer session created", "peer_id", peerID, "role", role)
	return s, nil
}

func (o *Orchestrator) session(peerID string) (*peerSession, bool) {
	s, ok := o.sessions[peerID]
	if !ok || s.closed {
		return nil, false
	}
	return s, true
}

func (o *Orchestrator) destroy(s *peerSession) {
	if s.closed {
		return
	}
	s.closed = true
	o.stopRestartTimer(s)
	if err := s.pc.Close(); err != nil {
		o.logger.Debugw("failed to close peer connection", "peer_id", s.id, "error", err)
	}
}

func (o *Orchestrator) setState(s *peerSession, state NegotiationState) {
	if s.state == state {
		return
	}
	s.state = state

	o.mu.Lock()
	fn := o.onState
	o.mu.Unlock()
	if fn != nil {
		id := s.id
		o.notify.post(func() { fn(id, state) })
	}
}

func (o *Orchestrator) fail(s *peerSession, err error) {
	if s.state == NegotiationFailed {
		return
	}
	err = fmt.Errorf("%w: peer %s: %v", domain.ErrNegotiationFailed, s.id, err)
	o.logger.Warnw("peer negotiation failed", "peer_id", s.id, "role", s.role, "error", err)

	o.setState(s, NegotiationFailed)
	s.pendingRemote = nil
	s.pendingLocal = nil
	o.destroy(s)

	o.mu.Lock()
	fn := o.onFailed
	o.mu.Unlock()
	if fn != nil {
		id := s.id
		o.notify.post(func() { fn(id, err) })
	}
}

func (o *Orchestrator) peerJoined(peerID string) {
	if old, ok := o.sessions[peerID]; ok {
		o.logger.Warnw("replacing existing peer session", "peer_id", peerID)
		o.destroy(old)
		delete(o.sessions, peerID)
	}

	s, err := o.newSession(peerID, RoleOfferer)
	if err != nil {
		o.logger.Errorw("failed to start negotiation", "peer_id", peerID, "error", err)
		return
	}
	o.sendOffer(s, false)
}

func (o *Orchestrator) peerLeft(peerID string) {
	s, ok := o.sessions[peerID]
	if !ok {
		return
	}
	o.destroy(s)
	delete(o.sessions, peerID)
	o.logger.Debugw("peer session closed", "peer_id", peerID)
}

func (o *Orchestrator) sendOffer(s *peerSession, restart bool) {
	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		o.fail(s, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		o.fail(s, fmt.Errorf("set local offer: %w", err))
		return
	}
	o.setState(s, NegotiationHaveLocalOffer)

	if err := o.signaler.Send(protocol.Offer{TargetID: s.id, SDP: fromSessionDescription(offer)}); err != nil {
		o.logger.Warnw("failed to send offer", "peer_id", s.id, "error", err)
		return
	}
	o.markLocalSent(s)
}

func (o *Orchestrator) remoteOffer(from string, sdp protocol.SessionDescription) {
	desc := toSessionDescription(sdp)
	if desc.Type != webrtc.SDPTypeOffer {
		o.logger.Warnw("dropping offer with bad sdp type", "peer_id", from, "sdp_type", sdp.Type)
		return
	}

	s, ok := o.sessions[from]
	if !ok {
		var err error
		if s, err = o.newSession(from, RoleAnswerer); err != nil {
			o.logger.Errorw("failed to answer offer", "peer_id", from, "error", err)
			return
		}
	}
	if s.closed {
		o.logger.Debugw("ignoring offer for failed peer", "peer_id", from)
		return
	}

	if s.state == NegotiationHaveLocalOffer {
		if s.role == RoleOfferer {
			o.logger.Debugw("ignoring colliding offer", "peer_id", from)
			return
		}
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			o.fail(s, fmt.Errorf("rollback local offer: %w", err))
			return
		}
		// Our offer is gone; send it again once this exchange completes.
		s.renegotiate = true
		o.logger.Debugw("rolled back colliding offer", "peer_id", from)
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		o.fail(s, fmt.Errorf("set remote offer: %w", err))
		return
	}
	o.setState(s, NegotiationHaveRemoteOffer)
	o.remoteDescriptionSet(s)
	if s.closed {
		return
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		o.fail(s, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		o.fail(s, fmt.Errorf("set local answer: %w", err))
		return
	}
	if err := o.signaler.Send(protocol.Answer{TargetID: s.id, SDP: fromSessionDescription(answer)}); err != nil {
		o.logger.Warnw("failed to send answer", "peer_id", s.id, "error", err)
		return
	}
	o.markLocalSent(s)

	o.setState(s, NegotiationConnected)
	o.runDeferred(s)
}

func (o *Orchestrator) remoteAnswer(from string, sdp protocol.SessionDescription) {
	s, ok := o.session(from)
	if !ok || s.state != NegotiationHaveLocalOffer {
		o.logger.Debugw("ignoring unexpected answer", "peer_id", from)
		return
	}
	desc := toSessionDescription(sdp)
	if desc.Type != webrtc.SDPTypeAnswer {
		o.logger.Warnw("dropping answer with bad sdp type", "peer_id", from, "sdp_type", sdp.Type)
		return
	}

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		o.fail(s, fmt.Errorf("set remote answer: %w", err))
		return
	}
	o.remoteDescriptionSet(s)
	if s.closed {
		return
	}
	o.setState(s, NegotiationConnected)
	o.runDeferred(s)
}

func (o *Orchestrator) remoteCandidate(from string, c protocol.Candidate) {
	s, ok := o.sessions[from]
	if !ok {
		var err error
		if s, err = o.newSession(from, RoleAnswerer); err != nil {
			o.logger.Errorw("failed to hold early candidate", "peer_id", from, "error", err)
			return
		}
	}
	if s.closed {
		return
	}

	init := toCandidateInit(c)
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, init)
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		o.logger.Warnw("failed to add remote candidate", "peer_id", from, "error", err)
	}
}

// remoteDescriptionSet flushes queued remote candidates in arrival order.
func (o *Orchestrator) remoteDescriptionSet(s *peerSession) {
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			o.logger.Warnw("failed to add queued candidate", "peer_id", s.id, "error", err)
		}
	}
}

func (o *Orchestrator) localCandidate(s *peerSession, c webrtc.ICECandidateInit) {
	if s.closed || o.sessions[s.id] != s {
		return
	}
	if !s.localSent {
		s.pendingLocal = append(s.pendingLocal, c)
		return
	}
	o.sendCandidate(s, c)
}

func (o *Orchestrator) markLocalSent(s *peerSession) {
	s.localSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	for _, c := range pending {
		o.sendCandidate(s, c)
	}
}

func (o *Orchestrator) sendCandidate(s *peerSession, c webrtc.ICECandidateInit) {
	msg := protocol.ICECandidate{TargetID: s.id, Candidate: fromCandidateInit(c)}
	if err := o.signaler.Send(msg); err != nil {
		o.logger.Debugw("failed to send candidate", "peer_id", s.id, "error", err)
	}
}

func (o *Orchestrator) transportState(s *peerSession, state webrtc.PeerConnectionState) {
	if s.closed || o.sessions[s.id] != s {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if s.restarted {
			o.logger.Infow("peer connection recovered", "peer_id", s.id)
		}
		s.restarted = false
		o.stopRestartTimer(s)

	case webrtc.PeerConnectionStateFailed:
		if s.restarted {
			o.fail(s, errors.New("connectivity restart failed"))
			return
		}
		s.restarted = true
		o.armRestartTimer(s)
		if s.role == RoleAnswerer {
			o.logger.Infow("peer connection failed, waiting for remote restart", "peer_id", s.id)
			return
		}
		o.logger.Infow("peer connection failed, restarting ice", "peer_id", s.id)
		if s.state == NegotiationHaveLocalOffer || s.state == NegotiationHaveRemoteOffer {
			s.iceRestart = true
			return
		}
		o.sendOffer(s, true)
	}
}

// armRestartTimer fails s unless its transport reaches connected within
// restartTimeout. Runs on o.loop, as does the expiry.
func (o *Orchestrator) armRestartTimer(s *peerSession) {
	o.stopRestartTimer(s)
	var timer *time.Timer
	timer = time.AfterFunc(o.restartTimeout, func() {
		o.loop.post(func() {
			if s.restartTimer != timer || s.closed || o.sessions[s.id] != s {
				return
			}
			s.restartTimer = nil
			o.fail(s, fmt.Errorf("no recovery within %s", o.restartTimeout))
		})
	})
	s.restartTimer = timer
}

func (o *Orchestrator) stopRestartTimer(s *peerSession) {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (o *Orchestrator) renegotiate(peerID string) error {
	s, ok := o.sessions[peerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	if s.closed {
		return fmt.Errorf("%w: peer %s", domain.ErrNegotiationFailed, peerID)
	}
	switch s.state {
	case NegotiationHaveLocalOffer, NegotiationHaveRemoteOffer:
		s.renegotiate = true
		return nil
	}
	o.sendOffer(s, false)
	return nil
}

// runDeferred starts the renegotiation or ICE restart requested while the
// previous exchange was in flight.
func (o *Orchestrator) runDeferred(s *peerSession) {
	if !s.renegotiate && !s.iceRestart {
		return
	}
	restart := s.iceRestart
	s.renegotiate = false
	s.iceRestart = false
	o.sendOffer(s, restart)
}

func toSessionDescription(d protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromSessionDescription(d webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toCandidateInit(c protocol.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) protocol.Candidate {
	return protocol.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
