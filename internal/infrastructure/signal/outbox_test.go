package signal

import (
	"testing"

	"confab/internal/core/domain"
	"confab/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func durable(s string) domain.Frame   { return domain.Frame{Data: []byte(s)} }
func ephemeral(s string) domain.Frame { return domain.Frame{Data: []byte(s), Ephemeral: true} }

func payloads(frames []domain.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f.Data))
	}
	return out
}

func TestOutbox_FIFO(t *testing.T) {
	o := NewOutbox(4, 8)
	require.NoError(t, o.Push(durable("a")))
	require.NoError(t, o.Push(ephemeral("b")))
	require.NoError(t, o.Push(durable("c")))

	select {
	case <-o.Ready():
	default:
		t.Fatal("ready not signalled")
	}

	frames, closed := o.Drain()
	assert.False(t, closed)
	assert.Equal(t, []string{"a", "b", "c"}, payloads(frames))
	assert.Equal(t, 0, o.Len())
}

func TestOutbox_EvictsOldestEphemeral(t *testing.T) {
	o := NewOutbox(3, 6)
	require.NoError(t, o.Push(durable("offer")))
	require.NoError(t, o.Push(ephemeral("cand-1")))
	require.NoError(t, o.Push(ephemeral("cand-2")))

	err := o.Push(durable("answer"))
	assert.ErrorIs(t, err, ErrFrameDropped)

	frames, _ := o.Drain()
	assert.Equal(t, []string{"offer", "cand-2", "answer"}, payloads(frames))
}

func TestOutbox_RejectsEphemeralWhenOnlyDurableQueued(t *testing.T) {
	o := NewOutbox(2, 4)
	require.NoError(t, o.Push(durable("a")))
	require.NoError(t, o.Push(durable("b")))

	assert.ErrorIs(t, o.Push(ephemeral("toggle")), ErrFrameDropped)
	// Durable frames are still accepted past the soft bound.
	assert.NoError(t, o.Push(durable("c")))
	assert.Equal(t, 3, o.Len())
}

func TestOutbox_KeepsHeartbeatAckUnderBackpressure(t *testing.T) {
	ack := domain.Frame{
		Data:      protocol.MustEncode(protocol.HeartbeatAck{}),
		Ephemeral: protocol.IsEphemeral(protocol.TypeHeartbeatAck),
	}
	o := NewOutbox(2, 4)
	require.NoError(t, o.Push(ephemeral("cand-1")))
	require.NoError(t, o.Push(ephemeral("cand-2")))

	assert.ErrorIs(t, o.Push(ack), ErrFrameDropped)

	frames, _ := o.Drain()
	require.Len(t, frames, 2)
	assert.Equal(t, "cand-2", string(frames[0].Data))
	assert.Equal(t, ack.Data, frames[1].Data)
}

func TestOutbox_HardLimitClosesOutbox(t *testing.T) {
	o := NewOutbox(1, 2)
	require.NoError(t, o.Push(durable("a")))
	require.NoError(t, o.Push(durable("b")))

	assert.ErrorIs(t, o.Push(durable("c")), ErrSlowConsumer)
	assert.ErrorIs(t, o.Push(durable("d")), domain.ErrChannelClosed)

	frames, closed := o.Drain()
	assert.True(t, closed)
	assert.Empty(t, frames)
}

func TestOutbox_Close(t *testing.T) {
	o := NewOutbox(4, 4)
	require.NoError(t, o.Send(durable("a")))
	o.Close()
	o.Close()

	assert.ErrorIs(t, o.Send(durable("b")), domain.ErrChannelClosed)
	_, closed := o.Drain()
	assert.True(t, closed)
}

func TestNewOutbox_NormalisesBounds(t *testing.T) {
	o := NewOutbox(0, 0)
	require.NoError(t, o.Push(durable("a")))
	assert.ErrorIs(t, o.Push(durable("b")), ErrSlowConsumer)
}
