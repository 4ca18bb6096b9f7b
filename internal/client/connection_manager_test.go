package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/config"
	"confab/pkg/logger"
	"confab/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		ServerURL:            "ws://relay.test/ws",
		DisplayName:          "Alice",
		DialTimeout:          time.Second,
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   10 * time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*ConnectionManager, *fakeDialer, *stateRecorder) {
	t.Helper()
	dialer := newFakeDialer()
	m := NewConnectionManager(cfg, dialer, logger.Nop())
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(m.Disconnect)
	return m, dialer, rec
}

func TestConnect_SendsJoinAndOpens(t *testing.T) {
	m, dialer, rec := newTestManager(t, testManagerConfig())

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)

	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, domain.RoomID("r1"), m.RoomID())
	assert.Equal(t, protocol.Join{RoomID: "r1", DisplayName: "Alice"}, tr.next(t))
	assert.Equal(t, []State{StateConnecting, StateOpen}, rec.states())
}

func TestConnect_AppendsJoinToken(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())
	m.SetJoinToken("tkt")

	require.NoError(t, m.Connect(context.Background(), "r1"))
	assert.Equal(t, "ws://relay.test/ws?token=tkt", dialer.next(t).url)
}

func TestConnect_DialFailure(t *testing.T) {
	m, dialer, rec := newTestManager(t, testManagerConfig())
	dialer.setFail(func(int) error { return errors.New("connection refused") })

	err := m.Connect(context.Background(), "r1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportLoss)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, []State{StateConnecting, StateClosed}, rec.states())

	// A failed first dial is reported, not retried.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestConnect_RejectsWhileOpen(t *testing.T) {
	m, _, _ := newTestManager(t, testManagerConfig())
	require.NoError(t, m.Connect(context.Background(), "r1"))

	assert.ErrorIs(t, m.Connect(context.Background(), "r2"), ErrAlreadyConnected)
}

func TestSend_RequiresOpenChannel(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())
	assert.ErrorIs(t, m.Send(protocol.Chat{Message: "hi"}), ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)
	tr.next(t)

	require.NoError(t, m.Send(protocol.Chat{Message: "hi"}))
	assert.Equal(t, protocol.Chat{Message: "hi"}, tr.next(t))
}

func TestOn_DispatchesByType(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())

	got := make(chan protocol.Message, 4)
	m.On(protocol.TypeParticipantJoined, func(msg protocol.Message) { got <- msg })
	m.On(protocol.TypeParticipantLeft, func(msg protocol.Message) { got <- msg })

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)

	tr.push(t, protocol.ParticipantJoined{ParticipantID: "b", Name: "Bob"})
	tr.push(t, protocol.ParticipantLeft{ParticipantID: "b"})

	assert.Equal(t, protocol.ParticipantJoined{ParticipantID: "b", Name: "Bob"}, <-got)
	assert.Equal(t, protocol.ParticipantLeft{ParticipantID: "b"}, <-got)
}

func TestOn_RegistrationFromInsideHandler(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())

	var (
		mu    sync.Mutex
		calls []string
	)
	record := func(s string) {
		mu.Lock()
		calls = append(calls, s)
		mu.Unlock()
	}
	done := make(chan struct{}, 4)

	var unsubFirst func()
	unsubFirst = m.On(protocol.TypeParticipantJoined, func(protocol.Message) {
		record("first")
		unsubFirst()
		m.On(protocol.TypeParticipantJoined, func(protocol.Message) {
			record("added")
			done <- struct{}{}
		})
	})
	m.On(protocol.TypeParticipantJoined, func(protocol.Message) {
		record("second")
		done <- struct{}{}
	})

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)

	tr.push(t, protocol.ParticipantJoined{ParticipantID: "b"})
	<-done
	tr.push(t, protocol.ParticipantJoined{ParticipantID: "c"})
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "second", "added"}, calls)
}

func TestOn_IgnoresMalformedAndUnknownEnvelopes(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())
	got := make(chan protocol.Message, 1)
	m.On(protocol.TypeParticipantLeft, func(msg protocol.Message) { got <- msg })

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)

	tr.in <- []byte(`{"type":"bogus","data":{}}`)
	tr.in <- []byte(`not json`)
	tr.push(t, protocol.ParticipantLeft{ParticipantID: "b"})

	assert.Equal(t, protocol.ParticipantLeft{ParticipantID: "b"}, <-got)
	assert.Equal(t, StateOpen, m.State())
}

func TestHeartbeat_SentEveryInterval(t *testing.T) {
	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m, dialer, _ := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)
	tr.next(t)

	assert.Equal(t, protocol.Heartbeat{}, tr.next(t))
	assert.Equal(t, protocol.Heartbeat{}, tr.next(t))
}

func TestHeartbeat_MissedAcksForceReconnect(t *testing.T) {
	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMisses = 2
	m, dialer, rec := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	first := dialer.next(t)

	second := dialer.next(t)
	assert.True(t, first.isClosed())
	assert.Equal(t, protocol.Join{RoomID: "r1", DisplayName: "Alice"}, second.next(t))
	assert.Contains(t, rec.states(), StateConnecting)
	require.Eventually(t, func() bool { return m.State() == StateOpen }, waitFor, 5*time.Millisecond)
}

func TestHeartbeat_AcksKeepChannel(t *testing.T) {
	cfg := testManagerConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatMisses = 2
	m, dialer, _ := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)
	tr.next(t)

	stop := make(chan struct{})
	var acks atomic.Int32
	go func() {
		for {
			select {
			case <-stop:
				return
			case data := <-tr.out:
				if msg, err := protocol.DecodeRequest(data); err == nil && msg.MessageType() == protocol.TypeHeartbeat {
					tr.in <- protocol.MustEncode(protocol.HeartbeatAck{})
					acks.Add(1)
				}
			}
		}
	}()
	defer close(stop)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StateOpen, m.State())
	assert.Greater(t, acks.Load(), int32(2))
}

func TestReconnect_ReplaysJoinAndResetsAttempt(t *testing.T) {
	m, dialer, rec := newTestManager(t, testManagerConfig())

	require.NoError(t, m.Connect(context.Background(), "r1"))
	first := dialer.next(t)
	first.next(t)

	require.NoError(t, first.Close())

	second := dialer.next(t)
	assert.Equal(t, protocol.Join{RoomID: "r1", DisplayName: "Alice"}, second.next(t))
	require.Eventually(t, func() bool { return len(rec.states()) == 4 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 0, m.Attempt())
	assert.Equal(t, []State{StateConnecting, StateOpen, StateConnecting, StateOpen}, rec.states())
}

func TestReconnect_LinearBackoffThenTerminal(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	m, dialer, rec := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)
	dialer.setFail(func(int) error { return errors.New("relay down") })

	lostAt := time.Now()
	require.NoError(t, tr.Close())

	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, 5*time.Millisecond)

	times := dialer.dialTimes()
	require.Len(t, times, 1+cfg.MaxReconnectAttempts)

	prev := lostAt
	for i, at := range times[1:] {
		minDelay := cfg.ReconnectBaseDelay * time.Duration(i+1)
		assert.GreaterOrEqual(t, at.Sub(prev), minDelay, "attempt %d", i+1)
		prev = at
	}

	// Terminal: no further attempts.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1+cfg.MaxReconnectAttempts, dialer.count())
	states := rec.states()
	assert.Equal(t, StateDisconnected, states[len(states)-1])
	assert.ErrorIs(t, m.Send(protocol.Heartbeat{}), ErrNotConnected)
}

func TestReconnect_ManualConnectAfterDisconnected(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxReconnectAttempts = 0
	m, dialer, _ := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	require.NoError(t, dialer.next(t).Close())
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	assert.Equal(t, StateOpen, m.State())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	m, dialer, rec := newTestManager(t, cfg)

	require.NoError(t, m.Connect(context.Background(), "r1"))
	require.NoError(t, dialer.next(t).Close())
	require.Eventually(t, func() bool { return m.State() == StateConnecting }, waitFor, time.Millisecond)

	m.Disconnect()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
	assert.Equal(t, StateClosed, m.State())
	states := rec.states()
	assert.Equal(t, []State{StateClosing, StateClosed}, states[len(states)-2:])
}

func TestDisconnect_ClosesChannelAndClearsHandlers(t *testing.T) {
	m, dialer, _ := newTestManager(t, testManagerConfig())
	m.On(protocol.TypeParticipantJoined, func(protocol.Message) {})
	m.On(protocol.TypeOffer, func(protocol.Message) {})

	require.NoError(t, m.Connect(context.Background(), "r1"))
	tr := dialer.next(t)

	m.Disconnect()

	assert.True(t, tr.isClosed())
	assert.Equal(t, StateClosed, m.State())
	assert.Zero(t, m.events.count(protocol.TypeParticipantJoined))
	assert.Zero(t, m.events.count(protocol.TypeOffer))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count(), "a requested close must not reconnect")
}

func TestManagerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Client.ServerURL = "ws://example.test/ws"
	cfg.Client.HeartbeatMisses = 4

	mc := ManagerConfigFrom(cfg)
	assert.Equal(t, "ws://example.test/ws", mc.ServerURL)
	assert.Equal(t, 4, mc.HeartbeatMisses)
	assert.Equal(t, cfg.Client.HeartbeatInterval, mc.HeartbeatInterval)
	assert.Equal(t, cfg.Client.MaxReconnectAttempts, mc.MaxReconnectAttempts)
	assert.Equal(t, cfg.Client.RestartTimeout, mc.RestartTimeout)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "state(42)", State(42).String())
}
