package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	"confab/pkg/config"
	"confab/pkg/protocol"
	"confab/pkg/ratelimit"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig holds the transport settings of the WebSocket server.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	OutboundQueue     int
	OutboundHardLimit int

	// Zero values disable the corresponding limit.
	MessagesPerSecond    float64
	MessageBurst         int
	MaxConnections       int
	ConnectionsPerMinute int

	AllowedOrigins    []string
	RequireJoinTicket bool
}

// ServerConfigFrom maps the application configuration onto ServerConfig.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:      cfg.Signal.PingInterval,
		PongTimeout:       cfg.Signal.PongTimeout,
		WriteTimeout:      cfg.Signal.WriteTimeout,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		OutboundQueue:     cfg.Signal.OutboundQueue,
		OutboundHardLimit: cfg.Signal.OutboundHardLimit,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
		RequireJoinTicket: cfg.Auth.RequireJoinToken,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.MessageBurst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		sc.ConnectionsPerMinute = cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	}
	return sc
}

// WebSocketServer binds gorilla WebSocket connections to the relay. Each
// connection has one read goroutine, which feeds the relay, and one write
// goroutine, which drains the connection's Outbox.
type WebSocketServer struct {
	relay   ports.SignalRelay
	tickets ports.JoinTicketValidator
	metrics Metrics
	cfg     ServerConfig
	logger  *zap.SugaredLogger

	upgrader    websocket.Upgrader
	connLimiter *ratelimit.KeyedLimiter

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewWebSocketServer creates a server. tickets may be nil when join tickets
// are not required; metrics may be nil.
func NewWebSocketServer(relay ports.SignalRelay, tickets ports.JoinTicketValidator, metrics Metrics, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 12 / 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}
	if cfg.OutboundHardLimit < cfg.OutboundQueue {
		cfg.OutboundHardLimit = cfg.OutboundQueue * 4
	}

	s := &WebSocketServer{
		relay:   relay,
		tickets: tickets,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger,
		conns:   make(map[*connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.ConnectionsPerMinute > 0 {
		s.connLimiter = ratelimit.PerMinute(cfg.ConnectionsPerMinute)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleRoom upgrades r and attaches the connection to roomID right away.
// The display name comes from ?name= and the join ticket from ?token=.
func (s *WebSocketServer) HandleRoom(w http.ResponseWriter, r *http.Request, roomID domain.RoomID) {
	if !s.admit(w, r) {
		return
	}
	if err := s.checkTicket(r.URL.Query().Get("token"), roomID); err != nil {
		s.logger.Infow("rejecting websocket attach", "room_id", roomID, "error", err)
		http.Error(w, "invalid join ticket", http.StatusUnauthorized)
		return
	}
	s.serve(w, r, roomID, r.URL.Query().Get("name"), "")
}

// HandleWebSocket upgrades r and attaches on the first join envelope.
// Anything received before join is dropped.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	s.serve(w, r, "", "", r.URL.Query().Get("token"))
}

func (s *WebSocketServer) checkTicket(token string, roomID domain.RoomID) error {
	if !s.cfg.RequireJoinTicket {
		return nil
	}
	if s.tickets == nil {
		return domain.ErrInvalidJoinTicket
	}
	return s.tickets.ValidateJoinTicket(token, roomID)
}

// admit applies the connection limits before the upgrade.
func (s *WebSocketServer) admit(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	closing := s.closing
	count := len(s.conns)
	s.mu.Unlock()

	if closing {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return false
	}
	if s.cfg.MaxConnections > 0 && count >= s.cfg.MaxConnections {
		s.logger.Warnw("rejecting websocket connection, limit reached", "connections", count)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return false
	}
	if s.connLimiter != nil && !s.connLimiter.Allow(ratelimit.ClientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return false
	}
	return true
}

type connection struct {
	ws      *websocket.Conn
	outbox  *Outbox
	limiter *rate.Limiter
	id      domain.ParticipantID
	// token is the join ticket presented on upgrade, checked against the
	// room named by the first join envelope.
	token string
	// done is closed once the read side has finished and the participant
	// is detached.
	done chan struct{}
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request, roomID domain.RoomID, name, token string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		ws:     ws,
		outbox: NewOutbox(s.cfg.OutboundQueue, s.cfg.OutboundHardLimit),
		token:  token,
		done:   make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	ctx := context.WithoutCancel(r.Context())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(c)
	}()

	if roomID != "" {
		if err := s.attach(ctx, c, roomID, name); err != nil {
			s.closeWith(c, websocket.ClosePolicyViolation, "attach failed")
		}
	}

	s.readLoop(ctx, c)

	if c.id != "" {
		s.relay.Detach(ctx, c.id)
	}
	close(c.done)
	c.outbox.Close()
	<-writerDone
	_ = ws.Close()
}

func (s *WebSocketServer) attach(ctx context.Context, c *connection, roomID domain.RoomID, name string) error {
	id, err := s.relay.Attach(ctx, c.outbox, roomID, name)
	if err != nil {
		s.logger.Warnw("attach failed", "room_id", roomID, "error", err)
		return err
	}
	c.id = id
	return nil
}

func (s *WebSocketServer) readLoop(ctx context.Context, c *connection) {
	c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Infow("websocket read error", "participant_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if msgType != websocket.TextMessage {
			s.metrics.EnvelopeDropped("binary")
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.EnvelopeDropped("rate_limited")
			s.logger.Warnw("dropping envelope, message rate exceeded", "participant_id", c.id)
			continue
		}

		if c.id == "" {
			s.handlePreJoin(ctx, c, data)
			continue
		}
		s.relay.HandleFrame(ctx, c.id, data)
	}
}

// handlePreJoin processes frames on a /ws connection that has not joined
// yet. Only join is accepted.
func (s *WebSocketServer) handlePreJoin(ctx context.Context, c *connection, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil || typ != protocol.TypeJoin {
		s.metrics.EnvelopeDropped("before_join")
		s.logger.Debugw("dropping envelope before join", "type", typ, "error", err)
		return
	}

	msg, err := protocol.DecodeRequest(data)
	if err != nil {
		s.metrics.EnvelopeDropped("malformed")
		s.logger.Warnw("dropping malformed join", "error", err)
		return
	}
	join := msg.(protocol.Join)
	roomID := domain.RoomID(join.RoomID)

	if err := s.checkTicket(c.token, roomID); err != nil {
		s.logger.Infow("rejecting join", "room_id", roomID, "error", err)
		s.closeWith(c, websocket.ClosePolicyViolation, "invalid join ticket")
		return
	}

	if err := s.attach(ctx, c, roomID, join.DisplayName); err != nil {
		s.closeWith(c, websocket.ClosePolicyViolation, "attach failed")
	}
}

func (s *WebSocketServer) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.outbox.Ready():
			frames, closed := c.outbox.Drain()
			for _, f := range frames {
				_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, f.Data); err != nil {
					s.logger.Debugw("websocket write failed", "participant_id", c.id, "error", err)
					_ = c.ws.Close()
					return
				}
			}
			if closed {
				select {
				case <-c.done:
				default:
					// Closed by overflow while the reader is still running.
					s.closeWith(c, websocket.ClosePolicyViolation, "slow consumer")
				}
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.logger.Debugw("error sending ping", "participant_id", c.id, "error", err)
				_ = c.ws.Close()
				return
			}

		case <-c.done:
			return
		}
	}
}

// closeWith sends a close frame and closes the socket, which unblocks the
// read loop.
func (s *WebSocketServer) closeWith(c *connection, code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WriteTimeout))
	_ = c.ws.Close()
}

func (s *WebSocketServer) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *WebSocketServer) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// ConnectionCount returns the number of open connections.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting connections, closes the open ones with 1001 and
// waits for their goroutines to finish or ctx to expire.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.closeWith(c, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("websocket connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), errors.New("websocket connections still open"))
	}
}
