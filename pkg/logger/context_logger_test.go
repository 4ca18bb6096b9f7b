package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsStoredIDs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithParticipant(ctx, "room-1", "p-1")
	cl.LogRequest(ctx, "GET", "/health", 200, 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "room-1", fields["room_id"])
	assert.Equal(t, "p-1", fields["participant_id"])
	assert.Equal(t, int64(200), fields["status_code"])
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestContextLogger_LogError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogError(context.Background(), errors.New("boom"), "failed to store meeting")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "failed to store meeting", entry.Message)
	assert.Equal(t, "boom", entry.ContextMap()["error"])
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New("nonsense")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))

	d := NewWithFormat("debug", "console")
	assert.True(t, d.Core().Enabled(zap.DebugLevel))
}
