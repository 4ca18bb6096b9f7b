package ports

import (
	"context"

	"confab/internal/core/domain"
)

// SignalRelay is what a transport needs from the relay: bind a channel to a
// room, feed it raw frames, and release it when the channel goes away.
type SignalRelay interface {
	Attach(ctx context.Context, ch domain.Channel, roomID domain.RoomID, displayName string) (domain.ParticipantID, error)
	HandleFrame(ctx context.Context, from domain.ParticipantID, raw []byte)
	Detach(ctx context.Context, id domain.ParticipantID)
}
