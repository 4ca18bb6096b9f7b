package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/pkg/config"
	"confab/pkg/protocol"
	"confab/pkg/retry"

	"go.uber.org/zap"
)

// State is the lifecycle state of a ConnectionManager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	// StateDisconnected is terminal: the reconnect attempts are exhausted
	// and only an explicit Connect resumes.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected     = errors.New("signaling channel not open")
	ErrAlreadyConnected = errors.New("signaling channel already active")
	ErrHeartbeatTimeout = errors.New("no heartbeat-ack received")

	errSuperseded = errors.New("connection attempt superseded")
)

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	ServerURL   string
	DisplayName string
	// JoinToken is appended to the server URL as ?token= when set.
	JoinToken string

	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatMisses is the number of consecutive heartbeats that may go
	// unacknowledged before the channel is treated as lost. 0 disables it.
	HeartbeatMisses      int
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	// RestartTimeout is handed to the negotiation orchestrator of a meeting.
	RestartTimeout time.Duration
}

// ManagerConfigFrom maps the client section of the configuration.
func ManagerConfigFrom(cfg *config.Config) ManagerConfig {
	return ManagerConfig{
		ServerURL:            cfg.Client.ServerURL,
		DisplayName:          cfg.Client.DisplayName,
		DialTimeout:          cfg.Client.DialTimeout,
		HeartbeatInterval:    cfg.Client.HeartbeatInterval,
		HeartbeatMisses:      cfg.Client.HeartbeatMisses,
		ReconnectBaseDelay:   cfg.Client.ReconnectBaseDelay,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		RestartTimeout:       cfg.Client.RestartTimeout,
	}
}

// ConnectionManager owns the signaling channel of one meeting session. It
// sends join on every open, runs the heartbeat, and reconnects with linear
// backoff after an unexpected close.
//
// Each opened transport belongs to a generation. Goroutines started for a
// generation stop acting as soon as the manager moves to a newer one, so a
// late read error or timer from an old channel never touches the current
// state.
type ConnectionManager struct {
	cfg     ManagerConfig
	backoff retry.Config
	dialer  Dialer
	logger  *zap.SugaredLogger
	events  *dispatcher

	mu             sync.Mutex
	state          State
	roomID         domain.RoomID
	gen            uint64
	transport      Transport
	stopHeartbeat  context.CancelFunc
	reconnectTimer *time.Timer
	attempt        int
	missed         int
	stateHandlers  []func(from, to State)

	writeMu sync.Mutex
}

func NewConnectionManager(cfg ManagerConfig, dialer Dialer, logger *zap.SugaredLogger) *ConnectionManager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	return &ConnectionManager{
		cfg:     cfg,
		backoff: retry.LinearConfig(cfg.ReconnectBaseDelay, cfg.MaxReconnectAttempts),
		dialer:  dialer,
		logger:  logger,
		events:  newDispatcher(),
		state:   StateIdle,
	}
}

// SetJoinToken sets the ticket presented on the next dial.
func (m *ConnectionManager) SetJoinToken(token string) {
	m.mu.Lock()
	m.cfg.JoinToken = token
	m.mu.Unlock()
}

func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ConnectionManager) RoomID() domain.RoomID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Attempt returns the number of reconnect attempts since the last open.
func (m *ConnectionManager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// On registers fn for envelopes of type t. Handlers run one at a time on
// the read goroutine. The returned func removes the registration.
func (m *ConnectionManager) On(t protocol.Type, fn Handler) func() {
	return m.events.on(t, fn)
}

// OnStateChange registers an observer of state transitions. Observers run
// synchronously and must not block.
func (m *ConnectionManager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.stateHandlers = append(m.stateHandlers, fn)
	m.mu.Unlock()
}

type transition struct{ from, to State }

// setStateLocked records a transition to be announced after m.mu is
// released.
func (m *ConnectionManager) setStateLocked(to State, out *[]transition) {
	if m.state == to {
		return
	}
	*out = append(*out, transition{from: m.state, to: to})
	m.state = to
}

func (m *ConnectionManager) announce(ts []transition) {
	if len(ts) == 0 {
		return
	}
	m.mu.Lock()
	handlers := append([]func(from, to State){}, m.stateHandlers...)
	m.mu.Unlock()

	for _, t := range ts {
		m.logger.Debugw("signaling state changed", "from", t.from, "to", t.to)
		for _, fn := range handlers {
			fn(t.from, t.to)
		}
	}
}

// Connect opens the channel and joins roomID. It returns once the channel
// is open and join has been written, or with the dial error.
func (m *ConnectionManager) Connect(ctx context.Context, roomID domain.RoomID) error {
	var ts []transition

	m.mu.Lock()
	switch m.state {
	case StateOpen, StateConnecting, StateClosing:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (%s)", ErrAlreadyConnected, state)
	}
	m.roomID = roomID
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, &ts)
	m.mu.Unlock()
	m.announce(ts)

	err := m.open(ctx, gen)
	if err == nil {
		return nil
	}

	ts = nil
	m.mu.Lock()
	if m.gen == gen {
		m.gen++
		m.setStateLocked(StateClosed, &ts)
	}
	m.mu.Unlock()
	m.announce(ts)
	return err
}

func (m *ConnectionManager) dialURL() (string, error) {
	m.mu.Lock()
	raw, token := m.cfg.ServerURL, m.cfg.JoinToken
	m.mu.Unlock()

	if token == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// open dials, writes join and starts the read loop and heartbeat for gen.
func (m *ConnectionManager) open(ctx context.Context, gen uint64) error {
	rawURL, err := m.dialURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	t, err := m.dialer.Dial(dialCtx, rawURL)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportLoss, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = t.Close()
		return errSuperseded
	}
	roomID := m.roomID
	m.transport = t
	m.mu.Unlock()

	join := protocol.Join{RoomID: string(roomID), DisplayName: m.cfg.DisplayName}
	if err := m.write(t, join); err != nil {
		_ = t.Close()
		m.mu.Lock()
		if m.gen == gen {
			m.transport = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: failed to send join: %v", domain.ErrTransportLoss, err)
	}

	var ts []transition
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = t.Close()
		return errSuperseded
	}
	hbCtx, stop := context.WithCancel(context.Background())
	m.stopHeartbeat = stop
	m.attempt = 0
	m.missed = 0
	m.setStateLocked(StateOpen, &ts)
	m.mu.Unlock()

	m.logger.Infow("signaling channel open", "room_id", roomID)

	go m.heartbeat(hbCtx, gen, t)
	go m.readLoop(gen, t)
	m.announce(ts)
	return nil
}

func (m *ConnectionManager) write(t Transport, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return t.WriteFrame(data)
}

// Send writes msg to the open channel.
func (m *ConnectionManager) Send(msg protocol.Message) error {
	m.mu.Lock()
	if m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	t := m.transport
	m.mu.Unlock()

	if err := m.write(t, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportLoss, err)
	}
	return nil
}

func (m *ConnectionManager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *ConnectionManager) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.ReadFrame()
		if err != nil {
			m.handleLoss(gen, err)
			return
		}

		msg, err := protocol.DecodeEvent(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				m.logger.Debugw("ignoring envelope", "error", err)
			} else {
				m.logger.Warnw("dropping malformed envelope", "error", err)
			}
			continue
		}

		if _, ok := msg.(protocol.HeartbeatAck); ok {
			m.mu.Lock()
			if m.gen == gen {
				m.missed = 0
			}
			m.mu.Unlock()
		}

		if !m.current(gen) {
			return
		}
		m.events.dispatch(msg)
	}
}

func (m *ConnectionManager) heartbeat(ctx context.Context, gen uint64, t Transport) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		if m.cfg.HeartbeatMisses > 0 && m.missed >= m.cfg.HeartbeatMisses {
			missed := m.missed
			m.mu.Unlock()
			m.logger.Warnw("heartbeat timed out", "missed", missed)
			m.handleLoss(gen, ErrHeartbeatTimeout)
			return
		}
		m.missed++
		m.mu.Unlock()

		if err := m.write(t, protocol.Heartbeat{}); err != nil {
			m.handleLoss(gen, err)
			return
		}
	}
}

// handleLoss runs the reconnect state machine after gen's channel failed.
func (m *ConnectionManager) handleLoss(gen uint64, cause error) {
	var ts []transition

	m.mu.Lock()
	if m.gen != gen || (m.state != StateOpen && m.state != StateConnecting) {
		m.mu.Unlock()
		return
	}
	m.gen++
	next := m.gen
	t := m.transport
	m.transport = nil
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	m.attempt++
	attempt := m.attempt

	if attempt > m.cfg.MaxReconnectAttempts {
		m.setStateLocked(StateDisconnected, &ts)
		m.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		m.logger.Errorw("signaling channel lost, giving up",
			"attempts", attempt-1,
			"error", cause,
		)
		m.announce(ts)
		return
	}

	delay := retry.Delay(m.backoff, attempt-1)
	m.setStateLocked(StateConnecting, &ts)
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(next) })
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	m.logger.Warnw("signaling channel lost, reconnecting",
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
	m.announce(ts)
}

func (m *ConnectionManager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	err := m.open(context.Background(), gen)
	if err == nil || errors.Is(err, errSuperseded) {
		return
	}
	m.handleLoss(gen, err)
}

// Disconnect stops the heartbeat, cancels a pending reconnect, closes the
// channel and removes every envelope handler. State observers stay
// registered and see the transition to StateClosed.
func (m *ConnectionManager) Disconnect() {
	var ts []transition

	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.stopHeartbeat = nil
	}
	t := m.transport
	m.transport = nil
	active := m.state == StateOpen || m.state == StateConnecting
	if active {
		m.setStateLocked(StateClosing, &ts)
	}
	m.mu.Unlock()
	m.announce(ts)

	if t != nil {
		m.writeMu.Lock()
		_ = t.Close()
		m.writeMu.Unlock()
	}

	ts = nil
	m.mu.Lock()
	if active {
		m.setStateLocked(StateClosed, &ts)
	}
	m.attempt = 0
	m.mu.Unlock()
	m.announce(ts)

	m.events.clear()
	if active {
		m.logger.Infow("signaling channel closed")
	}
}
