package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/impactlink/realtime-gateway/internal/config"
	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/pubsub"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// Hub owns the connection registry of this process. It accepts connections,
// delivers frames to users and mirrors connection state into presence.
type Hub struct {
	config       config.GatewayConfig
	registry     *ConnectionRegistry
	presence     *PresenceTracker
	participants storage.ParticipantDirectory
	redis        storage.RedisClient
	notifier     *Notifier
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	running      bool
	stopped      bool

	statsMu sync.RWMutex
	stats   HubStats
}

// HubStats holds statistics about the hub
type HubStats struct {
	ConnectionsTotal  int64     `json:"connections_total"`
	ConnectionsActive int64     `json:"connections_active"`
	UsersOnline       int64     `json:"users_online"`
	MessagesSent      int64     `json:"messages_sent"`
	MessagesFailed    int64     `json:"messages_failed"`
	EventsReceived    int64     `json:"events_received"`
	EventsDropped     int64     `json:"events_dropped"`
	LastEventTime     time.Time `json:"last_event_time"`
}

// NewHub creates a hub. presence, participants and redis may be nil; the
// matching features are then disabled.
func NewHub(cfg config.GatewayConfig, presence *PresenceTracker, participants storage.ParticipantDirectory, redis storage.RedisClient) *Hub {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:       cfg,
		presence:     presence,
		participants: participants,
		redis:        redis,
		ctx:          ctx,
		cancel:       cancel,
	}
	h.registry = NewConnectionRegistry(h.onPresenceTransition)
	h.notifier = NewNotifier(h)
	return h
}

// onPresenceTransition runs under the registry lock
func (h *Hub) onPresenceTransition(userID string, status models.PresenceStatus) {
	if status == models.PresenceOnline {
		usersOnline.Inc()
	} else {
		usersOnline.Dec()
	}
	if h.presence != nil {
		h.presence.Enqueue(userID, status)
	}
}

// Start starts the presence writer and, when Redis is configured, the event
// stream consumer.
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	if h.presence != nil {
		h.presence.Start()
	}

	if h.redis != nil {
		logger.Info("Starting realtime hub",
			logger.String("event_stream", h.config.EventStream),
			logger.String("consumer_group", h.config.ConsumerGroup),
		)
		h.wg.Add(1)
		go h.consumeEvents()
	} else {
		logger.Info("Starting realtime hub without event stream")
	}

	return nil
}

// Stop closes every connection, marking their users offline, and waits for
// pending presence writes.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.running = false
	h.mu.Unlock()

	logger.Info("Stopping realtime hub",
		logger.Int("connections", h.registry.Count()),
	)
	h.cancel()

	for _, conn := range h.registry.GetAll() {
		h.Unregister(conn.ID, conn.UserID)
	}
	h.wg.Wait()

	if h.presence != nil {
		h.presence.Stop()
	}
	logger.Info("Realtime hub stopped")
}

// Register opens transport as a new connection of userID and returns its ID.
// The handshake must already have succeeded. On error nothing is registered
// and the caller keeps ownership of transport.
func (h *Hub) Register(transport Transport, userID string) (string, error) {
	if userID == "" {
		return "", models.ErrInvalidUserID
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrHubStopped
	}

	conn := NewConnection(userID, transport, h.config.SendBufferSize)
	if err := conn.open(); err != nil {
		return "", err
	}
	first, err := h.registry.TryAdd(conn, h.config.MaxConnections)
	if err != nil {
		connectionsTotal.WithLabelValues("rejected").Inc()
		return "", err
	}

	connectionsTotal.WithLabelValues("accepted").Inc()
	connectionsActive.Inc()
	h.statsMu.Lock()
	h.stats.ConnectionsTotal++
	h.statsMu.Unlock()

	h.wg.Add(2)
	go h.writePump(conn)
	go h.readPump(conn)

	logger.Info("Connection registered",
		logger.String("connection_id", conn.ID),
		logger.String("user_id", userID),
		logger.Bool("first_connection", first),
		logger.Int("total_connections", h.registry.Count()),
	)
	return conn.ID, nil
}

// Unregister removes a connection and closes it. Unknown IDs are ignored.
func (h *Hub) Unregister(connectionID, userID string) {
	conn, last := h.registry.Remove(connectionID, userID)
	if conn == nil {
		return
	}
	conn.Close()
	connectionsActive.Dec()

	logger.Info("Connection unregistered",
		logger.String("connection_id", connectionID),
		logger.String("user_id", userID),
		logger.Bool("last_connection", last),
		logger.Int("total_connections", h.registry.Count()),
	)
}

// SendToUser queues message on every connection of userID. message may be
// raw JSON ([]byte, json.RawMessage) or any value encodable with encoding/json.
// Connections that cannot take the frame are unregistered.
func (h *Hub) SendToUser(userID string, message interface{}) {
	data, err := encodeMessage(message)
	if err != nil {
		logger.Error("Failed to encode message",
			logger.ErrorField(err),
			logger.String("user_id", userID),
		)
		return
	}

	for _, conn := range h.registry.GetByUser(userID) {
		h.deliver(conn, data, "user")
	}
}

// Broadcast queues message on every registered connection
func (h *Hub) Broadcast(message interface{}) {
	data, err := encodeMessage(message)
	if err != nil {
		logger.Error("Failed to encode broadcast message", logger.ErrorField(err))
		return
	}

	connections := h.registry.GetAll()
	sent := 0
	for _, conn := range connections {
		if h.deliver(conn, data, "broadcast") {
			sent++
		}
	}

	logger.Debug("Broadcast message",
		logger.Int("sent", sent),
		logger.Int("dropped", len(connections)-sent),
	)
}

// NotifyTyping sends a typing frame to every participant of the conversation
// except the sender.
func (h *Hub) NotifyTyping(ctx context.Context, conversationID, senderID string, isTyping bool) error {
	if conversationID == "" {
		return models.ErrInvalidConversationID
	}
	if h.participants == nil {
		return fmt.Errorf("no participant directory configured")
	}

	participants, err := h.participants.ConversationParticipants(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to look up participants of %s: %w", conversationID, err)
	}

	data, err := json.Marshal(models.NewTypingEvent(conversationID, senderID, isTyping))
	if err != nil {
		return err
	}
	for _, userID := range participants {
		if userID == senderID {
			continue
		}
		h.SendToUser(userID, data)
	}
	return nil
}

// SetPresence records an explicit presence status for userID
func (h *Hub) SetPresence(userID string, status models.PresenceStatus) bool {
	if h.presence == nil {
		return false
	}
	return h.presence.Enqueue(userID, status)
}

// FlushPresence waits for queued presence writes
func (h *Hub) FlushPresence(ctx context.Context) error {
	if h.presence == nil {
		return nil
	}
	return h.presence.Flush(ctx)
}

// Notifier returns the notifier bound to this hub
func (h *Hub) Notifier() *Notifier {
	return h.notifier
}

// IsOnline reports whether userID has an open connection on this process
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

// Registry exposes read access to the connection registry
func (h *Hub) Registry() *ConnectionRegistry {
	return h.registry
}

func (h *Hub) sendTo(conn *Connection, message interface{}) {
	data, err := encodeMessage(message)
	if err != nil {
		logger.Error("Failed to encode message",
			logger.ErrorField(err),
			logger.String("connection_id", conn.ID),
		)
		return
	}
	h.deliver(conn, data, "reply")
}

// deliver queues data on conn; a connection that refuses it is treated as dead
func (h *Hub) deliver(conn *Connection, data []byte, scope string) bool {
	if err := conn.Send(data); err != nil {
		reason := "closed"
		if errors.Is(err, ErrSendQueueFull) {
			reason = "queue_full"
		}
		deliveryFailures.WithLabelValues(reason).Inc()
		h.statsMu.Lock()
		h.stats.MessagesFailed++
		h.statsMu.Unlock()

		logger.Warn("Failed to deliver message, dropping connection",
			logger.ErrorField(err),
			logger.String("connection_id", conn.ID),
			logger.String("user_id", conn.UserID),
		)
		h.Unregister(conn.ID, conn.UserID)
		return false
	}

	messagesSent.WithLabelValues(scope).Inc()
	h.statsMu.Lock()
	h.stats.MessagesSent++
	h.statsMu.Unlock()
	return true
}

func encodeMessage(message interface{}) ([]byte, error) {
	switch v := message.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// consumeEvents delivers envelopes published on the realtime event stream
func (h *Hub) consumeEvents() {
	defer h.wg.Done()

	messageChan, err := h.redis.ConsumeFromStream(
		h.ctx,
		h.config.EventStream,
		h.config.ConsumerGroup,
		h.config.ConsumerName,
	)
	if err != nil {
		logger.Error("Failed to start consuming realtime events",
			logger.ErrorField(err),
			logger.String("stream", h.config.EventStream),
		)
		return
	}

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg, ok := <-messageChan:
			if !ok {
				logger.Warn("Realtime event channel closed")
				return
			}
			h.handleStreamMessage(msg)
		}
	}
}

func (h *Hub) handleStreamMessage(msg storage.StreamMessage) {
	h.statsMu.Lock()
	h.stats.EventsReceived++
	h.stats.LastEventTime = time.Now()
	h.statsMu.Unlock()

	env, err := decodeEnvelope(msg)
	if err == nil {
		err = h.notifier.Emit(env)
	}
	if err != nil {
		streamEvents.WithLabelValues("invalid").Inc()
		h.statsMu.Lock()
		h.stats.EventsDropped++
		h.statsMu.Unlock()
		logger.Error("Dropping undeliverable realtime event",
			logger.ErrorField(err),
			logger.String("message_id", msg.ID),
		)
	} else {
		streamEvents.WithLabelValues("delivered").Inc()
	}

	// Acknowledge either way; a malformed entry will never decode on retry.
	ackCtx, ackCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = h.redis.AcknowledgeMessage(ackCtx, h.config.EventStream, h.config.ConsumerGroup, msg.ID)
	ackCancel()
	if err != nil {
		logger.Warn("Failed to acknowledge realtime event",
			logger.ErrorField(err),
			logger.String("message_id", msg.ID),
		)
	}
}

func decodeEnvelope(msg storage.StreamMessage) (models.Envelope, error) {
	var env models.Envelope

	value, ok := msg.Values[pubsub.EnvelopeField]
	if !ok {
		return env, fmt.Errorf("%s field not found in message", pubsub.EnvelopeField)
	}
	str, ok := value.(string)
	if !ok {
		return env, fmt.Errorf("%s field is not a string", pubsub.EnvelopeField)
	}
	if err := json.Unmarshal([]byte(str), &env); err != nil {
		return env, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

// writePump is the only writer of conn's transport
func (h *Hub) writePump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn.ID, conn.UserID)

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return

		case message := <-conn.send:
			conn.transport.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.transport.WriteMessage(websocket.TextMessage, message); err != nil {
				deliveryFailures.WithLabelValues("write_error").Inc()
				logger.Warn("Failed to write to connection",
					logger.ErrorField(err),
					logger.String("connection_id", conn.ID),
					logger.String("user_id", conn.UserID),
				)
				return
			}

		case <-ticker.C:
			conn.transport.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.transport.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the transport fails or the peer goes away
func (h *Hub) readPump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn.ID, conn.UserID)

	if h.config.MaxMessageSize > 0 {
		conn.transport.SetReadLimit(h.config.MaxMessageSize)
	}
	conn.transport.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.transport.SetPongHandler(func(string) error {
		conn.UpdateLastPong()
		return conn.transport.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		_, message, err := conn.transport.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket error",
					logger.ErrorField(err),
					logger.String("connection_id", conn.ID),
				)
			}
			return
		}
		if conn.State() != StateOpen {
			return
		}
		h.handleFrame(conn, message)
	}
}

// GetStats returns hub statistics
func (h *Hub) GetStats() HubStats {
	h.statsMu.RLock()
	stats := h.stats
	h.statsMu.RUnlock()

	stats.ConnectionsActive = int64(h.registry.Count())
	stats.UsersOnline = int64(len(h.registry.Users()))
	return stats
}
