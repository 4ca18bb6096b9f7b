package services

import (
	"fmt"
	"sort"
	"sync"

	"confab/internal/core/domain"
)

// room is a single rendezvous scope. All membership and media-state
// mutation happens under mu.
type room struct {
	id      domain.RoomID
	mu      sync.Mutex
	members []*domain.Participant
	// closed is set when the last member leaves; a joiner holding a stale
	// pointer must retry against a fresh room.
	closed bool
}

func (r *room) indexOf(id domain.ParticipantID) int {
	for i, p := range r.members {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (r *room) othersThan(id domain.ParticipantID) []*domain.Participant {
	others := make([]*domain.Participant, 0, len(r.members))
	for _, p := range r.members {
		if p.ID != id {
			others = append(others, p)
		}
	}
	return others
}

// RoomSummary is a point-in-time view of one room.
type RoomSummary struct {
	ID           domain.RoomID        `json:"id"`
	Participants []domain.Participant `json:"participants"`
}

// RoomRegistry is the authoritative room -> participants mapping.
//
// Lock order is room.mu before RoomRegistry.mu. The registry lock only
// guards the two maps and is never held across a callback. Callbacks passed
// to Join, Leave, UpdateMedia, WithPeer and WithRoom run while the room lock
// is held so that notifications they enqueue are ordered consistently with
// the membership change; they must not block and must not call back into
// the registry.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
	index map[domain.ParticipantID]*room
}

// NewRoomRegistry creates an empty registry.
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomID]*room),
		index: make(map[domain.ParticipantID]*room),
	}
}

func (rr *RoomRegistry) getOrCreate(id domain.RoomID) (*room, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if r, ok := rr.rooms[id]; ok {
		return r, false
	}
	r := &room{id: id}
	rr.rooms[id] = r
	return r, true
}

func (rr *RoomRegistry) roomOf(id domain.ParticipantID) (*room, error) {
	rr.mu.RLock()
	r, ok := rr.index[id]
	rr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, id)
	}
	return r, nil
}

// Join inserts p into roomID, creating the room if absent. fn receives the
// members present before p joined. The returned flag reports whether the
// room was created by this call.
func (rr *RoomRegistry) Join(roomID domain.RoomID, p *domain.Participant, fn func(others []*domain.Participant)) (bool, error) {
	for {
		r, created := rr.getOrCreate(roomID)

		r.mu.Lock()
		if r.closed {
			// Evicted between lookup and lock.
			r.mu.Unlock()
			continue
		}

		rr.mu.Lock()
		if _, exists := rr.index[p.ID]; exists {
			rr.mu.Unlock()
			empty := len(r.members) == 0
			r.mu.Unlock()
			if created && empty {
				rr.evict(r)
			}
			return false, fmt.Errorf("%w: %s", domain.ErrParticipantExists, p.ID)
		}
		rr.index[p.ID] = r
		rr.mu.Unlock()

		others := r.othersThan(p.ID)
		p.RoomID = roomID
		r.members = append(r.members, p)

		if fn != nil {
			fn(others)
		}
		r.mu.Unlock()
		return created, nil
	}
}

// evict removes an empty room that never received a member.
func (rr *RoomRegistry) evict(r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.closed {
		return
	}
	r.closed = true
	rr.mu.Lock()
	if rr.rooms[r.id] == r {
		delete(rr.rooms, r.id)
	}
	rr.mu.Unlock()
}

// Leave removes the participant from its room and deletes the room in the
// same critical section when it becomes empty. fn receives the removed
// participant and the members still present.
func (rr *RoomRegistry) Leave(id domain.ParticipantID, fn func(p *domain.Participant, remaining []*domain.Participant)) (*domain.Participant, bool, error) {
	r, err := rr.roomOf(id)
	if err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return nil, false, fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, id)
	}
	p := r.members[i]
	r.members = append(r.members[:i], r.members[i+1:]...)

	evicted := len(r.members) == 0
	rr.mu.Lock()
	delete(rr.index, id)
	if evicted {
		r.closed = true
		if rr.rooms[r.id] == r {
			delete(rr.rooms, r.id)
		}
	}
	rr.mu.Unlock()

	if fn != nil {
		fn(p, append([]*domain.Participant(nil), r.members...))
	}
	return p, evicted, nil
}

// UpdateMedia sets one of the participant's own media flags. fn runs with
// the participant and the other members of its room, whether or not the
// flag actually changed.
func (rr *RoomRegistry) UpdateMedia(id domain.ParticipantID, kind domain.MediaKind, value bool, fn func(p *domain.Participant, others []*domain.Participant)) error {
	return rr.WithRoom(id, func(p *domain.Participant, others []*domain.Participant) {
		p.Media.Set(kind, value)
		if fn != nil {
			fn(p, others)
		}
	})
}

// WithRoom runs fn with the participant and the other members of its room
// under the room lock.
func (rr *RoomRegistry) WithRoom(id domain.ParticipantID, fn func(p *domain.Participant, others []*domain.Participant)) error {
	r, err := rr.roomOf(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, id)
	}
	fn(r.members[i], r.othersThan(id))
	return nil
}

// WithPeer resolves target inside the sender's room. Targets in other rooms
// are treated as absent.
func (rr *RoomRegistry) WithPeer(from, target domain.ParticipantID, fn func(sender, target *domain.Participant)) error {
	r, err := rr.roomOf(from)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	si := r.indexOf(from)
	if si < 0 {
		return fmt.Errorf("%w: %s", domain.ErrParticipantNotFound, from)
	}
	ti := r.indexOf(target)
	if ti < 0 || target == from {
		return fmt.Errorf("%w: %s", domain.ErrRoutingMiss, target)
	}
	fn(r.members[si], r.members[ti])
	return nil
}

// Participant returns a snapshot of one attached participant.
func (rr *RoomRegistry) Participant(id domain.ParticipantID) (domain.Participant, error) {
	var snap domain.Participant
	err := rr.WithRoom(id, func(p *domain.Participant, _ []*domain.Participant) {
		snap = p.Snapshot()
	})
	return snap, err
}

// Members returns snapshots of the room's participants in join order.
func (rr *RoomRegistry) Members(roomID domain.RoomID) ([]domain.Participant, error) {
	rr.mu.RLock()
	r, ok := rr.rooms[roomID]
	rr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, roomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, roomID)
	}

	members := make([]domain.Participant, 0, len(r.members))
	for _, p := range r.members {
		members = append(members, p.Snapshot())
	}
	return members, nil
}

// Exists reports whether a room currently has members.
func (rr *RoomRegistry) Exists(roomID domain.RoomID) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	_, ok := rr.rooms[roomID]
	return ok
}

// RoomCount returns the number of live rooms.
func (rr *RoomRegistry) RoomCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.rooms)
}

// ParticipantCount returns the number of attached participants.
func (rr *RoomRegistry) ParticipantCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	return len(rr.index)
}

// Rooms returns a summary of every live room, sorted by id.
func (rr *RoomRegistry) Rooms() []RoomSummary {
	rr.mu.RLock()
	ids := make([]domain.RoomID, 0, len(rr.rooms))
	for id := range rr.rooms {
		ids = append(ids, id)
	}
	rr.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	summaries := make([]RoomSummary, 0, len(ids))
	for _, id := range ids {
		members, err := rr.Members(id)
		if err != nil {
			continue
		}
		summaries = append(summaries, RoomSummary{ID: id, Participants: members})
	}
	return summaries
}
