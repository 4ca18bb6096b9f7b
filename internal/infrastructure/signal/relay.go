package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/internal/core/services"
	"confab/pkg/protocol"
	"confab/pkg/tracing"
	"confab/pkg/utils"
	"confab/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Metrics is the subset of the monitoring collector the relay reports to.
type Metrics interface {
	RoomOpened()
	RoomClosed()
	ParticipantAttached()
	ParticipantDetached()
	EnvelopeRouted(msgType string)
	EnvelopeDropped(reason string)
	RoutingMiss()
	OutboundDropped()
	SlowConsumer()
	EventPublishFailed()
}

type noopMetrics struct{}

func (noopMetrics) RoomOpened()            {}
func (noopMetrics) RoomClosed()            {}
func (noopMetrics) ParticipantAttached()   {}
func (noopMetrics) ParticipantDetached()   {}
func (noopMetrics) EnvelopeRouted(string)  {}
func (noopMetrics) EnvelopeDropped(string) {}
func (noopMetrics) RoutingMiss()           {}
func (noopMetrics) OutboundDropped()       {}
func (noopMetrics) SlowConsumer()          {}
func (noopMetrics) EventPublishFailed()    {}

const eventPublishTimeout = 2 * time.Second

// Relay routes signaling envelopes between the participants of a room. It
// holds no transport state; channels are supplied by the caller on Attach.
type Relay struct {
	registry *services.RoomRegistry
	bus      ports.EventBus
	metrics  Metrics
	logger   *zap.SugaredLogger

	maxDisplayName int
	now            func() time.Time
}

var _ ports.SignalRelay = (*Relay)(nil)

// NewRelay creates a relay over registry. bus and metrics may be nil.
func NewRelay(registry *services.RoomRegistry, bus ports.EventBus, metrics Metrics, logger *zap.SugaredLogger) *Relay {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Relay{
		registry:       registry,
		bus:            bus,
		metrics:        metrics,
		logger:         logger,
		maxDisplayName: validation.MaxDisplayNameLength,
		now:            time.Now,
	}
}

// SetMaxDisplayName bounds display names; longer names are truncated.
func (r *Relay) SetMaxDisplayName(n int) {
	if n > 0 {
		r.maxDisplayName = n
	}
}

// Registry exposes the room registry for read-only views such as GET /rooms.
func (r *Relay) Registry() *services.RoomRegistry {
	return r.registry
}

func (r *Relay) displayName(id domain.ParticipantID, requested string) string {
	name := utils.TruncateString(utils.SanitizeName(requested), r.maxDisplayName)
	if name == "" {
		name = "User " + utils.ShortID(string(id), 6)
	}
	return name
}

// Attach assigns a fresh participant id to ch and adds it to roomID. The
// newcomer receives participants-list (everyone but itself); everyone else
// receives participant-joined.
func (r *Relay) Attach(ctx context.Context, ch domain.Channel, roomID domain.RoomID, displayName string) (domain.ParticipantID, error) {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProtocol, err)
	}

	id := domain.ParticipantID(uuid.NewString())
	p := &domain.Participant{
		ID:       id,
		Name:     r.displayName(id, displayName),
		Media:    domain.DefaultMediaState(),
		Channel:  ch,
		JoinedAt: r.now(),
	}

	joined := protocol.MustEncode(protocol.ParticipantJoined{ParticipantID: string(id), Name: p.Name})

	created, err := r.registry.Join(roomID, p, func(others []*domain.Participant) {
		list := protocol.ParticipantsList{Participants: make([]protocol.ParticipantInfo, 0, len(others))}
		for _, o := range others {
			list.Participants = append(list.Participants, protocol.ParticipantInfo{
				ID:            string(o.ID),
				Name:          o.Name,
				AudioEnabled:  o.Media.AudioEnabled,
				VideoEnabled:  o.Media.VideoEnabled,
				ScreenSharing: o.Media.ScreenSharing,
			})
		}
		r.send(p, protocol.MustEncode(list), false)
		r.fanOut(others, joined, false)
	})
	if err != nil {
		return "", err
	}

	if created {
		r.metrics.RoomOpened()
	}
	r.metrics.ParticipantAttached()

	r.logger.Infow("participant attached",
		"participant_id", id,
		"room_id", roomID,
		"name", p.Name,
		"room_created", created,
	)

	r.publish(ctx, &domain.RoomEvent{
		Type:          domain.EventParticipantJoined,
		RoomID:        roomID,
		ParticipantID: id,
		Name:          p.Name,
	})
	return id, nil
}

// Detach removes the participant and notifies the remaining members. It is
// safe to call more than once.
func (r *Relay) Detach(ctx context.Context, id domain.ParticipantID) {
	left := protocol.MustEncode(protocol.ParticipantLeft{ParticipantID: string(id)})

	p, evicted, err := r.registry.Leave(id, func(_ *domain.Participant, remaining []*domain.Participant) {
		r.fanOut(remaining, left, false)
	})
	if err != nil {
		if !errors.Is(err, domain.ErrParticipantNotFound) {
			r.logger.Warnw("detach failed", "participant_id", id, "error", err)
		}
		return
	}

	r.metrics.ParticipantDetached()
	if evicted {
		r.metrics.RoomClosed()
	}

	r.logger.Infow("participant detached",
		"participant_id", id,
		"room_id", p.RoomID,
		"room_closed", evicted,
	)

	r.publish(ctx, &domain.RoomEvent{
		Type:          domain.EventParticipantLeft,
		RoomID:        p.RoomID,
		ParticipantID: id,
		Name:          p.Name,
	})
	if evicted {
		r.publish(ctx, &domain.RoomEvent{Type: domain.EventRoomClosed, RoomID: p.RoomID})
	}
}

// HandleFrame decodes one inbound frame and routes it. Unknown types and
// malformed envelopes are logged and dropped; they never close the channel.
func (r *Relay) HandleFrame(ctx context.Context, from domain.ParticipantID, raw []byte) {
	msg, err := protocol.DecodeRequest(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			r.metrics.EnvelopeDropped("unknown_type")
			r.logger.Debugw("ignoring envelope", "participant_id", from, "error", err)
			return
		}
		r.metrics.EnvelopeDropped("malformed")
		r.logger.Warnw("dropping malformed envelope", "participant_id", from, "error", err)
		return
	}

	ctx, span := tracing.TraceSignal(ctx, string(msg.MessageType()), string(from))
	defer span.End()
	if span.IsRecording() {
		if p, err := r.registry.Participant(from); err == nil {
			span.SetAttributes(tracing.RoomIDKey.String(string(p.RoomID)))
		}
	}

	if err := r.Route(ctx, from, msg); err != nil {
		switch {
		case errors.Is(err, domain.ErrRoutingMiss):
			r.metrics.RoutingMiss()
			r.logger.Debugw("routing miss", "participant_id", from, "type", msg.MessageType(), "error", err)
		case errors.Is(err, domain.ErrProtocol):
			r.metrics.EnvelopeDropped("protocol")
			r.logger.Warnw("dropping envelope", "participant_id", from, "type", msg.MessageType(), "error", err)
		default:
			tracing.RecordError(ctx, err)
			r.logger.Warnw("failed to route envelope", "participant_id", from, "type", msg.MessageType(), "error", err)
		}
		return
	}
	r.metrics.EnvelopeRouted(string(msg.MessageType()))
}

// Route applies the routing table to a decoded envelope from an attached
// participant. Sender identity fields are always overwritten.
func (r *Relay) Route(ctx context.Context, from domain.ParticipantID, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Join:
		return fmt.Errorf("%w: join on an attached channel", domain.ErrProtocol)

	case protocol.Offer:
		m.SenderID = string(from)
		target := m.TargetID
		m.TargetID = ""
		return r.unicast(ctx, from, target, m)
	case protocol.Answer:
		m.SenderID = string(from)
		target := m.TargetID
		m.TargetID = ""
		return r.unicast(ctx, from, target, m)
	case protocol.ICECandidate:
		m.SenderID = string(from)
		target := m.TargetID
		m.TargetID = ""
		return r.unicast(ctx, from, target, m)

	case protocol.AudioToggle:
		m.ParticipantID = string(from)
		return r.toggle(from, domain.MediaAudio, m.Enabled, m)
	case protocol.VideoToggle:
		m.ParticipantID = string(from)
		return r.toggle(from, domain.MediaVideo, m.Enabled, m)
	case protocol.ScreenShare:
		m.ParticipantID = string(from)
		return r.toggle(from, domain.MediaScreen, m.Started, m)

	case protocol.Chat:
		if err := validation.ValidateChatMessage(m.Message); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
		}
		return r.registry.WithRoom(from, func(p *domain.Participant, others []*domain.Participant) {
			out := protocol.Chat{
				ParticipantID: string(p.ID),
				Name:          p.Name,
				Message:       m.Message,
				Timestamp:     protocol.FormatTimestamp(r.now()),
			}
			r.fanOut(others, protocol.MustEncode(out), false)
		})

	case protocol.Heartbeat:
		return r.registry.WithRoom(from, func(p *domain.Participant, _ []*domain.Participant) {
			r.send(p, protocol.MustEncode(protocol.HeartbeatAck{}), protocol.IsEphemeral(protocol.TypeHeartbeatAck))
		})

	default:
		return fmt.Errorf("%w: %s is not a client envelope", domain.ErrProtocol, msg.MessageType())
	}
}

func (r *Relay) unicast(ctx context.Context, from domain.ParticipantID, target string, msg protocol.Message) error {
	tracing.AddSpanAttributes(ctx, tracing.TargetIDKey.String(target))
	frame := protocol.MustEncode(msg)
	ephemeral := protocol.IsEphemeral(msg.MessageType())

	return r.registry.WithPeer(from, domain.ParticipantID(target), func(_ *domain.Participant, t *domain.Participant) {
		r.send(t, frame, ephemeral)
	})
}

func (r *Relay) toggle(from domain.ParticipantID, kind domain.MediaKind, value bool, msg protocol.Message) error {
	frame := protocol.MustEncode(msg)
	return r.registry.UpdateMedia(from, kind, value, func(_ *domain.Participant, others []*domain.Participant) {
		r.fanOut(others, frame, true)
	})
}

func (r *Relay) fanOut(to []*domain.Participant, data []byte, ephemeral bool) {
	for _, p := range to {
		r.send(p, data, ephemeral)
	}
}

// send enqueues on p's channel. It runs under the room lock and must not
// block.
func (r *Relay) send(p *domain.Participant, data []byte, ephemeral bool) {
	if p.Channel == nil {
		return
	}
	err := p.Channel.Send(domain.Frame{Data: data, Ephemeral: ephemeral})
	switch {
	case err == nil:
	case errors.Is(err, ErrFrameDropped):
		r.metrics.OutboundDropped()
	case errors.Is(err, ErrSlowConsumer):
		r.metrics.SlowConsumer()
		r.logger.Warnw("closing slow consumer", "participant_id", p.ID, "room_id", p.RoomID)
	default:
		r.logger.Debugw("send failed", "participant_id", p.ID, "error", err)
	}
}

func (r *Relay) publish(ctx context.Context, event *domain.RoomEvent) {
	if r.bus == nil {
		return
	}
	event.Timestamp = r.now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, event); err != nil {
		r.metrics.EventPublishFailed()
		r.logger.Warnw("failed to publish room event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
	}
}
