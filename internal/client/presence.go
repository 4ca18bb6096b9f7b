package client

import (
	"sync"

	"confab/internal/core/domain"
	"confab/pkg/protocol"
)

// RemoteParticipant is the local view of another member of the room.
type RemoteParticipant struct {
	ID    string
	Name  string
	Media domain.MediaState
}

// Presence keeps the local media flags and the view of every remote
// participant in the room. Each flag has exactly one writer: the local
// flags are only changed by Set*, the remote ones only by envelopes
// naming that participant.
type Presence struct {
	signaler Signaler

	mu       sync.Mutex
	local    domain.MediaState
	order    []string
	remote   map[string]*RemoteParticipant
	onChange []func()
}

func NewPresence(signaler Signaler) *Presence {
	return &Presence{
		signaler: signaler,
		local:    domain.DefaultMediaState(),
		remote:   make(map[string]*RemoteParticipant),
	}
}

// Subscribe wires the remote view to the envelopes of sub.
func (p *Presence) Subscribe(sub Subscriber) func() {
	handler := func(msg protocol.Message) { p.Apply(msg) }
	unsubs := []func(){
		sub.On(protocol.TypeParticipantsList, handler),
		sub.On(protocol.TypeParticipantJoined, handler),
		sub.On(protocol.TypeParticipantLeft, handler),
		sub.On(protocol.TypeAudioToggle, handler),
		sub.On(protocol.TypeVideoToggle, handler),
		sub.On(protocol.TypeScreenShare, handler),
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}

// OnChange registers fn to run after every change to the remote view.
func (p *Presence) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = append(p.onChange, fn)
	p.mu.Unlock()
}

func (p *Presence) Local() domain.MediaState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Presence) SetAudio(enabled bool) error {
	return p.setLocal(domain.MediaAudio, enabled)
}

func (p *Presence) SetVideo(enabled bool) error {
	return p.setLocal(domain.MediaVideo, enabled)
}

func (p *Presence) SetScreenSharing(started bool) error {
	return p.setLocal(domain.MediaScreen, started)
}

// setLocal sends the flag when it changes. The local state only moves once
// the relay has the envelope, so a failed send is retried by the next call.
func (p *Presence) setLocal(kind domain.MediaKind, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.local
	if !next.Set(kind, value) {
		return nil
	}
	if err := p.signaler.Send(toggleMessage(kind, value)); err != nil {
		return err
	}
	p.local = next
	return nil
}

// ResyncLocal re-announces every local flag that differs from the default
// state a fresh participant starts with. It is used after a reconnect.
func (p *Presence) ResyncLocal() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	def := domain.DefaultMediaState()
	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo, domain.MediaScreen} {
		value := p.local.Get(kind)
		if value == def.Get(kind) {
			continue
		}
		if err := p.signaler.Send(toggleMessage(kind, value)); err != nil {
			return err
		}
	}
	return nil
}

func toggleMessage(kind domain.MediaKind, value bool) protocol.Message {
	switch kind {
	case domain.MediaAudio:
		return protocol.AudioToggle{Enabled: value}
	case domain.MediaVideo:
		return protocol.VideoToggle{Enabled: value}
	default:
		return protocol.ScreenShare{Started: value}
	}
}

// Apply updates the remote view from one server envelope.
func (p *Presence) Apply(msg protocol.Message) {
	p.mu.Lock()
	changed := p.apply(msg)
	var handlers []func()
	if changed {
		handlers = append(handlers, p.onChange...)
	}
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (p *Presence) apply(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.ParticipantsList:
		p.order = p.order[:0]
		p.remote = make(map[string]*RemoteParticipant, len(m.Participants))
		for _, info := range m.Participants {
			p.add(&RemoteParticipant{
				ID:   info.ID,
				Name: info.Name,
				Media: domain.MediaState{
					AudioEnabled:  info.AudioEnabled,
					VideoEnabled:  info.VideoEnabled,
					ScreenSharing: info.ScreenSharing,
				},
			})
		}
		return true
	case protocol.ParticipantJoined:
		p.add(&RemoteParticipant{ID: m.ParticipantID, Name: m.Name, Media: domain.DefaultMediaState()})
		return true
	case protocol.ParticipantLeft:
		return p.remove(m.ParticipantID)
	case protocol.AudioToggle:
		return p.update(m.ParticipantID, domain.MediaAudio, m.Enabled)
	case protocol.VideoToggle:
		return p.update(m.ParticipantID, domain.MediaVideo, m.Enabled)
	case protocol.ScreenShare:
		return p.update(m.ParticipantID, domain.MediaScreen, m.Started)
	default:
		return false
	}
}

func (p *Presence) add(rp *RemoteParticipant) {
	if _, ok := p.remote[rp.ID]; !ok {
		p.order = append(p.order, rp.ID)
	}
	p.remote[rp.ID] = rp
}

func (p *Presence) remove(id string) bool {
	if _, ok := p.remote[id]; !ok {
		return false
	}
	delete(p.remote, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

func (p *Presence) update(id string, kind domain.MediaKind, value bool) bool {
	rp, ok := p.remote[id]
	if !ok {
		return false
	}
	return rp.Media.Set(kind, value)
}

// Participants returns the remote participants in join order.
func (p *Presence) Participants() []RemoteParticipant {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RemoteParticipant, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.remote[id])
	}
	return out
}

func (p *Presence) Participant(id string) (RemoteParticipant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rp, ok := p.remote[id]
	if !ok {
		return RemoteParticipant{}, false
	}
	return *rp, true
}

// ResetRemote forgets every remote participant.
func (p *Presence) ResetRemote() {
	p.mu.Lock()
	p.order = nil
	p.remote = make(map[string]*RemoteParticipant)
	handlers := append([]func(){}, p.onChange...)
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}
