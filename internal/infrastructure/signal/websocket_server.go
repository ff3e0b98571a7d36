package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/distributed"
	"meshcall/pkg/config"
	"meshcall/pkg/tracing"
	"meshcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rejection reasons reported to RelayMetrics.
const (
	rejectInvalid       = "invalid"
	rejectForbiddenType = "forbidden_type"
	rejectNoTarget      = "no_target"
	rejectNotConnected  = "not_connected"
	rejectRateLimited   = "rate_limited"
	rejectBackpressure  = "backpressure"
)

var errClientGone = errors.New("client send buffer closed")

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func ServerConfigFromSettings(cfg *config.Config) ServerConfig {
	out := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		out.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		out.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return out
}

// client is one authenticated signaling connection.
type client struct {
	roomID        domain.RoomID
	participantID domain.ParticipantID
	conn          *websocket.Conn
	send          chan *domain.SignalMessage
	limiter       *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue queues msg without blocking. A full buffer drops the message.
func (c *client) enqueue(msg *domain.SignalMessage) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("send buffer full for %s", c.participantID)
	}
}

// Bus carries relay traffic to the other signaling instances.
type Bus interface {
	Publish(ctx context.Context, env *distributed.Envelope) error
}

// WebSocketServer relays signaling between members of the same room. A
// connection is admitted with a room ticket; the ticket's participant id is
// stamped as `from` on everything the connection sends.
type WebSocketServer struct {
	tickets ports.TicketService
	rooms   ports.RoomService
	metrics ports.RelayMetrics
	bus     Bus
	config  ServerConfig

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[domain.RoomID]map[domain.ParticipantID]*client

	logger *zap.SugaredLogger
}

var _ ports.RoomNotifier = (*WebSocketServer)(nil)

// NewWebSocketServer builds the relay. rooms and metrics may be nil.
func NewWebSocketServer(cfg ServerConfig, tickets ports.TicketService, rooms ports.RoomService, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = nopRelayMetrics{}
	}

	s := &WebSocketServer{
		tickets:     tickets,
		rooms:       rooms,
		metrics:     metrics,
		config:      cfg,
		connections: make(map[domain.RoomID]map[domain.ParticipantID]*client),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetRoomService attaches the membership registry. The registry usually
// takes the server as its notifier, so it is wired after construction and
// before serving.
func (s *WebSocketServer) SetRoomService(rooms ports.RoomService) {
	s.rooms = rooms
}

// SetBus connects the relay to other instances. Messages for members
// connected elsewhere and room broadcasts are published on bus; envelopes
// from other instances come back through Deliver.
func (s *WebSocketServer) SetBus(bus Bus) {
	s.bus = bus
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket serves /ws?ticket=...
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.tickets.Verify(r.URL.Query().Get("ticket"))
	if err != nil {
		s.logger.Warnw("signaling connection refused", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	}
	if s.rooms != nil && !s.rooms.IsMember(r.Context(), claims.RoomID, claims.ParticipantID) {
		s.logger.Warnw("signaling connection from non-member refused",
			"room_id", claims.RoomID, "participant_id", claims.ParticipantID)
		http.Error(w, "not a room member", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		roomID:        claims.RoomID,
		participantID: claims.ParticipantID,
		conn:          conn,
		send:          make(chan *domain.SignalMessage, s.config.SendBuffer),
		done:          make(chan struct{}),
	}
	if s.config.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), s.config.Burst)
	}

	reconnect := s.register(c)
	s.metrics.ClientConnected()
	s.logger.Infow("participant connected",
		"room_id", c.roomID, "participant_id", c.participantID, "reconnect", reconnect)

	if !reconnect {
		s.broadcast(c.roomID, c.participantID, &domain.SignalMessage{
			Type:        domain.MessageMemberJoined,
			RoomID:      c.roomID,
			Participant: s.participant(r.Context(), c.roomID, c.participantID),
		})
	}

	go s.writePump(c)
	s.readPump(c)

	s.disconnect(c)
}

func (s *WebSocketServer) readPump(c *client) {
	if s.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.config.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("signaling read failed", "participant_id", c.participantID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		var msg domain.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reject(c, rejectInvalid, fmt.Sprintf("malformed message: %v", err))
			continue
		}
		s.handleMessage(c, &msg)
	}
}

// writePump owns every write on the connection.
func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("signaling write failed", "participant_id", c.participantID, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(s.config.WriteTimeout))
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(c *client, msg *domain.SignalMessage) {
	ctx, span := tracing.TraceWebSocketMessage(context.Background(), string(msg.Type), string(c.participantID))
	defer span.End()

	if c.limiter != nil && !c.limiter.Allow() {
		s.reject(c, rejectRateLimited, "rate limit exceeded")
		return
	}
	if err := validation.ValidateSignalMessage(msg); err != nil {
		tracing.RecordError(ctx, err)
		s.reject(c, rejectInvalid, err.Error())
		return
	}

	switch {
	case msg.Type == domain.MessagePing:
		_ = c.enqueue(&domain.SignalMessage{Type: domain.MessagePong})
		return
	case msg.Type == domain.MessagePong:
		return
	case !msg.Type.PeerAddressed():
		s.reject(c, rejectForbiddenType, fmt.Sprintf("%s may not be sent by clients", msg.Type))
		return
	case msg.To == "" || msg.To == c.participantID:
		s.reject(c, rejectNoTarget, fmt.Sprintf("%s needs another participant as target", msg.Type))
		return
	}

	msg.From = c.participantID
	msg.RoomID = c.roomID

	target := s.lookup(c.roomID, msg.To)
	if target == nil {
		if !s.forward(ctx, msg) {
			s.reject(c, rejectNotConnected, fmt.Sprintf("participant %s is not connected", msg.To))
			return
		}
		s.metrics.MessageRelayed(string(msg.Type))
		return
	}
	if err := target.enqueue(msg); err != nil {
		s.logger.Warnw("relay dropped message", "type", msg.Type, "from", msg.From, "to", msg.To, "error", err)
		s.reject(c, rejectBackpressure, err.Error())
		return
	}

	s.metrics.MessageRelayed(string(msg.Type))
	s.logger.Debugw("message relayed", "type", msg.Type, "from", msg.From, "to", msg.To, "room_id", c.roomID)
}

// forward publishes msg for a room member that may be connected to another
// instance.
func (s *WebSocketServer) forward(ctx context.Context, msg *domain.SignalMessage) bool {
	if s.bus == nil || s.rooms == nil || !s.rooms.IsMember(ctx, msg.RoomID, msg.To) {
		return false
	}
	err := s.bus.Publish(ctx, &distributed.Envelope{
		Kind:    distributed.EnvelopeDirect,
		RoomID:  msg.RoomID,
		To:      msg.To,
		Message: msg,
	})
	if err != nil {
		s.logger.Warnw("relay bus publish failed", "type", msg.Type, "to", msg.To, "error", err)
		return false
	}
	return true
}

// Deliver hands an envelope from another instance to local connections.
func (s *WebSocketServer) Deliver(env *distributed.Envelope) {
	switch env.Kind {
	case distributed.EnvelopeDirect:
		if env.Message == nil {
			return
		}
		if target := s.lookup(env.RoomID, env.To); target != nil {
			if err := target.enqueue(env.Message); err != nil {
				s.logger.Warnw("remote message dropped", "type", env.Message.Type, "to", env.To, "error", err)
			}
		}
	case distributed.EnvelopeBroadcast:
		if env.Message != nil {
			s.broadcastLocal(env.RoomID, env.Except, env.Message)
		}
	case distributed.EnvelopeEvict:
		if c := s.unregister(env.RoomID, env.To, nil); c != nil {
			c.close()
		}
	default:
		s.logger.Warnw("unknown envelope kind", "kind", env.Kind, "instance_id", env.InstanceID)
	}
}

func (s *WebSocketServer) reject(c *client, reason, detail string) {
	s.metrics.MessageRejected(reason)
	s.logger.Debugw("message rejected", "participant_id", c.participantID, "reason", reason, "detail", detail)
	_ = c.enqueue(&domain.SignalMessage{Type: domain.MessageError, RoomID: c.roomID, Error: detail})
}

// register installs c, replacing an older connection for the same
// participant. It reports whether c replaced one.
func (s *WebSocketServer) register(c *client) bool {
	s.mu.Lock()
	room, ok := s.connections[c.roomID]
	if !ok {
		room = make(map[domain.ParticipantID]*client)
		s.connections[c.roomID] = room
	}
	previous, reconnect := room[c.participantID]
	room[c.participantID] = c
	s.mu.Unlock()

	if previous != nil {
		previous.close()
	}
	return reconnect
}

// unregister removes c if it is still the participant's live connection.
func (s *WebSocketServer) unregister(roomID domain.RoomID, participantID domain.ParticipantID, c *client) *client {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.connections[roomID]
	current, ok := room[participantID]
	if !ok || (c != nil && current != c) {
		return nil
	}
	delete(room, participantID)
	if len(room) == 0 {
		delete(s.connections, roomID)
	}
	return current
}

func (s *WebSocketServer) lookup(roomID domain.RoomID, participantID domain.ParticipantID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections[roomID][participantID]
}

// disconnect runs when a connection's reader exits.
func (s *WebSocketServer) disconnect(c *client) {
	c.close()
	s.metrics.ClientDisconnected()

	if s.lookup(c.roomID, c.participantID) != c {
		// Replaced by a reconnect or already removed by MemberLeft.
		s.logger.Infow("participant connection closed", "room_id", c.roomID, "participant_id", c.participantID)
		return
	}

	ctx := context.Background()
	if s.rooms != nil {
		if _, err := s.rooms.Leave(ctx, c.roomID, c.participantID); err != nil {
			s.logger.Warnw("membership cleanup failed", "room_id", c.roomID, "participant_id", c.participantID, "error", err)
		}
	}
	// Leave normally reaches MemberLeft through the notifier. Cover the
	// case where it did not.
	if s.unregister(c.roomID, c.participantID, c) != nil {
		s.announceLeft(c.roomID, c.participantID)
	}
	s.logger.Infow("participant disconnected", "room_id", c.roomID, "participant_id", c.participantID)
}

// MemberLeft drops the participant's connection and tells the rest of the
// room.
func (s *WebSocketServer) MemberLeft(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) {
	if c := s.unregister(roomID, participantID, nil); c != nil {
		c.close()
	} else if s.bus != nil {
		// The connection may live on another instance.
		err := s.bus.Publish(ctx, &distributed.Envelope{Kind: distributed.EnvelopeEvict, RoomID: roomID, To: participantID})
		if err != nil {
			s.logger.Warnw("relay bus publish failed", "kind", distributed.EnvelopeEvict, "participant_id", participantID, "error", err)
		}
	}
	s.announceLeft(roomID, participantID)
}

func (s *WebSocketServer) announceLeft(roomID domain.RoomID, participantID domain.ParticipantID) {
	s.broadcast(roomID, participantID, &domain.SignalMessage{
		Type:        domain.MessageMemberLeft,
		RoomID:      roomID,
		Participant: &domain.Participant{ID: participantID},
	})
}

// broadcast sends msg to every connection in the room except the one
// belonging to except, on this instance and the others.
func (s *WebSocketServer) broadcast(roomID domain.RoomID, except domain.ParticipantID, msg *domain.SignalMessage) {
	s.broadcastLocal(roomID, except, msg)
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(context.Background(), &distributed.Envelope{
		Kind:    distributed.EnvelopeBroadcast,
		RoomID:  roomID,
		Except:  except,
		Message: msg,
	})
	if err != nil {
		s.logger.Warnw("relay bus publish failed", "type", msg.Type, "room_id", roomID, "error", err)
	}
}

func (s *WebSocketServer) broadcastLocal(roomID domain.RoomID, except domain.ParticipantID, msg *domain.SignalMessage) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.connections[roomID]))
	for id, c := range s.connections[roomID] {
		if id != except {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(msg); err != nil {
			s.logger.Warnw("broadcast dropped", "type", msg.Type, "participant_id", c.participantID, "error", err)
			continue
		}
		s.metrics.MessageRelayed(string(msg.Type))
	}
}

func (s *WebSocketServer) participant(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) *domain.Participant {
	p := &domain.Participant{ID: participantID, AudioEnabled: true, VideoEnabled: true}
	if s.rooms == nil {
		return p
	}
	members, err := s.rooms.Members(ctx, roomID)
	if err != nil {
		return p
	}
	for _, m := range members {
		if m.ID == participantID {
			full := m.Participant()
			return &full
		}
	}
	return p
}

// ConnectedParticipants lists the live connections of a room.
func (s *WebSocketServer) ConnectedParticipants(roomID domain.RoomID) []domain.ParticipantID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ParticipantID, 0, len(s.connections[roomID]))
	for id := range s.connections[roomID] {
		out = append(out, id)
	}
	return out
}

func (s *WebSocketServer) IsConnected(roomID domain.RoomID, participantID domain.ParticipantID) bool {
	return s.lookup(roomID, participantID) != nil
}

// Stats reports room and connection counts.
func (s *WebSocketServer) Stats() (rooms, connections int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.connections {
		connections += len(room)
	}
	return len(s.connections), connections
}

// Shutdown closes every connection.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	var all []*client
	for _, room := range s.connections {
		for _, c := range room {
			all = append(all, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range all {
		c.close()
	}
}

type nopRelayMetrics struct{}

func (nopRelayMetrics) ClientConnected()       {}
func (nopRelayMetrics) ClientDisconnected()    {}
func (nopRelayMetrics) MessageRelayed(string)  {}
func (nopRelayMetrics) MessageRejected(string) {}
