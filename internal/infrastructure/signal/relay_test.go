package signal

import (
	"context"
	"strings"
	"sync"
	"testing"

	"confab/internal/core/domain"
	"confab/internal/core/services"
	"confab/pkg/logger"
	"confab/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	frames []domain.Frame
	err    error
}

func (c *fakeChannel) Send(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

// events decodes and clears everything received so far.
func (c *fakeChannel) events(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.frames))
	for _, f := range c.frames {
		msg, err := protocol.DecodeEvent(f.Data)
		require.NoError(t, err, string(f.Data))
		out = append(out, msg)
	}
	c.frames = nil
	return out
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.RoomEvent
}

func (b *fakeBus) Publish(_ context.Context, ev *domain.RoomEvent) error {
	b.mu.Lock()
	b.events = append(b.events, *ev)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, _ func(*domain.RoomEvent) error) error {
	<-ctx.Done()
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) types() []domain.RoomEventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.RoomEventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type countingMetrics struct {
	noopMetrics
	mu      sync.Mutex
	dropped map[string]int
	routed  map[string]int
	misses  int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dropped: map[string]int{}, routed: map[string]int{}}
}

func (m *countingMetrics) EnvelopeDropped(reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) EnvelopeRouted(t string) {
	m.mu.Lock()
	m.routed[t]++
	m.mu.Unlock()
}

func (m *countingMetrics) RoutingMiss() {
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
}

func newTestRelay() (*Relay, *fakeBus, *countingMetrics) {
	bus := &fakeBus{}
	metrics := newCountingMetrics()
	return NewRelay(services.NewRoomRegistry(), bus, metrics, logger.Nop()), bus, metrics
}

func attach(t *testing.T, r *Relay, room, name string) (domain.ParticipantID, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	id, err := r.Attach(context.Background(), ch, domain.RoomID(room), name)
	require.NoError(t, err)
	return id, ch
}

func TestRelay_AttachAnnouncesMembership(t *testing.T) {
	r, bus, _ := newTestRelay()

	a, chA := attach(t, r, "room-1", "Ada")
	evs := chA.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.ParticipantsList{Participants: []protocol.ParticipantInfo{}}, evs[0])

	b, chB := attach(t, r, "room-1", "Grace")
	assert.NotEqual(t, a, b)

	evs = chB.events(t)
	require.Len(t, evs, 1)
	list := evs[0].(protocol.ParticipantsList)
	require.Len(t, list.Participants, 1)
	assert.Equal(t, string(a), list.Participants[0].ID)
	assert.Equal(t, "Ada", list.Participants[0].Name)
	assert.True(t, list.Participants[0].AudioEnabled)

	evs = chA.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.ParticipantJoined{ParticipantID: string(b), Name: "Grace"}, evs[0])

	assert.Equal(t, []domain.RoomEventType{domain.EventParticipantJoined, domain.EventParticipantJoined}, bus.types())
}

func TestRelay_AttachDefaultsAndBoundsName(t *testing.T) {
	r, _, _ := newTestRelay()
	r.SetMaxDisplayName(5)

	_, chA := attach(t, r, "room-1", "")
	chA.events(t)
	_, _ = attach(t, r, "room-1", "Bartholomew")

	evs := chA.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "Barth", evs[0].(protocol.ParticipantJoined).Name)

	members, err := r.Registry().Members("room-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(members[0].Name, "User "))
}

func TestRelay_AttachRejectsInvalidRoom(t *testing.T) {
	r, _, _ := newTestRelay()
	_, err := r.Attach(context.Background(), &fakeChannel{}, "", "x")
	assert.ErrorIs(t, err, domain.ErrProtocol)
	_, err = r.Attach(context.Background(), &fakeChannel{}, "a/b", "x")
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestRelay_UnicastStampsSender(t *testing.T) {
	r, _, metrics := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	b, chB := attach(t, r, "room-1", "B")
	c, chC := attach(t, r, "room-1", "C")
	chA.events(t)
	chB.events(t)
	chC.events(t)

	raw := `{"type":"offer","data":{"targetId":"` + string(b) + `","senderId":"` + string(c) + `","sdp":{"type":"offer","sdp":"v=0"}}}`
	r.HandleFrame(context.Background(), a, []byte(raw))

	evs := chB.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, protocol.Offer{SenderID: string(a), SDP: protocol.SessionDescription{Type: "offer", SDP: "v=0"}}, evs[0])
	assert.Empty(t, chA.events(t))
	assert.Empty(t, chC.events(t))
	assert.Equal(t, 1, metrics.routed["offer"])
}

func TestRelay_UnicastToAbsentTargetIsSilent(t *testing.T) {
	r, _, metrics := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	other, chOther := attach(t, r, "room-2", "B")
	chA.events(t)
	chOther.events(t)

	r.HandleFrame(context.Background(), a, []byte(`{"type":"ice-candidate","data":{"targetId":"ghost","candidate":{"candidate":"c"}}}`))
	// Participants in other rooms are not reachable.
	r.HandleFrame(context.Background(), a, []byte(`{"type":"answer","data":{"targetId":"`+string(other)+`","sdp":{"type":"answer","sdp":"v=0"}}}`))

	assert.Empty(t, chA.events(t))
	assert.Empty(t, chOther.events(t))
	assert.Equal(t, 2, metrics.misses)
}

func TestRelay_MediaToggleFansOutAndUpdatesState(t *testing.T) {
	r, _, _ := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	_, chB := attach(t, r, "room-1", "B")
	chA.events(t)
	chB.events(t)

	r.HandleFrame(context.Background(), a, []byte(`{"type":"audio-toggle","data":{"enabled":false,"participantId":"spoof"}}`))
	r.HandleFrame(context.Background(), a, []byte(`{"type":"screen-share","data":{"started":true}}`))

	evs := chB.events(t)
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.AudioToggle{ParticipantID: string(a), Enabled: false}, evs[0])
	assert.Equal(t, protocol.ScreenShare{ParticipantID: string(a), Started: true}, evs[1])
	assert.Empty(t, chA.events(t))

	p, err := r.Registry().Participant(a)
	require.NoError(t, err)
	assert.False(t, p.Media.AudioEnabled)
	assert.True(t, p.Media.ScreenSharing)

	// A newcomer sees the current flags.
	_, chC := attach(t, r, "room-1", "C")
	list := chC.events(t)[0].(protocol.ParticipantsList)
	assert.False(t, list.Participants[0].AudioEnabled)
	assert.True(t, list.Participants[0].ScreenSharing)
}

func TestRelay_ChatGoesToOthersWithServerFields(t *testing.T) {
	r, _, metrics := newTestRelay()
	a, chA := attach(t, r, "room-1", "Ada")
	_, chB := attach(t, r, "room-1", "B")
	chA.events(t)
	chB.events(t)

	r.HandleFrame(context.Background(), a, []byte(`{"type":"message","data":{"message":"hello"}}`))
	r.HandleFrame(context.Background(), a, []byte(`{"type":"message","data":{"message":"   "}}`))

	evs := chB.events(t)
	require.Len(t, evs, 1)
	chat := evs[0].(protocol.Chat)
	assert.Equal(t, string(a), chat.ParticipantID)
	assert.Equal(t, "Ada", chat.Name)
	assert.Equal(t, "hello", chat.Message)
	assert.NotEmpty(t, chat.Timestamp)
	assert.Empty(t, chA.events(t))
	assert.Equal(t, 1, metrics.dropped["protocol"])
}

func TestRelay_HeartbeatAcksSender(t *testing.T) {
	r, _, _ := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	_, chB := attach(t, r, "room-1", "B")
	chA.events(t)
	chB.events(t)

	r.HandleFrame(context.Background(), a, []byte(`{"type":"heartbeat"}`))
	chA.mu.Lock()
	require.Len(t, chA.frames, 1)
	assert.False(t, chA.frames[0].Ephemeral, "heartbeat-ack must survive backpressure")
	chA.mu.Unlock()
	assert.Equal(t, []protocol.Message{protocol.HeartbeatAck{}}, chA.events(t))
	assert.Empty(t, chB.events(t))
}

func TestRelay_DropsBadEnvelopes(t *testing.T) {
	r, _, metrics := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	chA.events(t)

	r.HandleFrame(context.Background(), a, []byte(`{"type":"wave"}`))
	r.HandleFrame(context.Background(), a, []byte(`not json`))
	r.HandleFrame(context.Background(), a, []byte(`{"type":"join","data":{"roomId":"room-2"}}`))

	assert.Equal(t, 1, metrics.dropped["unknown_type"])
	assert.Equal(t, 1, metrics.dropped["malformed"])
	assert.Equal(t, 1, metrics.dropped["protocol"])
	assert.Empty(t, chA.events(t))

	p, err := r.Registry().Participant(a)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("room-1"), p.RoomID)
}

func TestRelay_DetachNotifiesAndClosesRoom(t *testing.T) {
	r, bus, _ := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	b, chB := attach(t, r, "room-1", "B")
	chA.events(t)
	chB.events(t)

	r.Detach(context.Background(), b)
	assert.Equal(t, []protocol.Message{protocol.ParticipantLeft{ParticipantID: string(b)}}, chA.events(t))

	r.Detach(context.Background(), b)
	r.Detach(context.Background(), a)
	assert.False(t, r.Registry().Exists("room-1"))

	assert.Equal(t, []domain.RoomEventType{
		domain.EventParticipantJoined,
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventParticipantLeft,
		domain.EventRoomClosed,
	}, bus.types())
}

func TestRelay_SendFailuresDoNotBreakRouting(t *testing.T) {
	r, _, _ := newTestRelay()
	a, chA := attach(t, r, "room-1", "A")
	_, chB := attach(t, r, "room-1", "B")
	_, chC := attach(t, r, "room-1", "C")
	chA.events(t)
	chC.events(t)

	chB.mu.Lock()
	chB.err = domain.ErrChannelClosed
	chB.mu.Unlock()

	r.HandleFrame(context.Background(), a, []byte(`{"type":"message","data":{"message":"hi"}}`))
	evs := chC.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, "hi", evs[0].(protocol.Chat).Message)
}
