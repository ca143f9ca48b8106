package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// MessageType is the discriminator of an inbound frame
type MessageType string

const (
	MessageTypePing     MessageType = "ping"
	MessageTypeTyping   MessageType = "typing"
	MessageTypePresence MessageType = "presence"
)

// InboundMessage is one decoded client frame. The concrete type is one of
// PingMessage, TypingMessage, PresenceMessage or UnknownMessage.
type InboundMessage interface {
	Kind() MessageType
}

// PingMessage is a liveness probe answered with pong
type PingMessage struct{}

// TypingMessage reports the sender typing in a conversation
type TypingMessage struct {
	ConversationID string
	IsTyping       bool
}

// PresenceMessage sets the sender's presence explicitly
type PresenceMessage struct {
	Status models.PresenceStatus
}

// UnknownMessage is any frame with a type this gateway does not handle
type UnknownMessage struct {
	Type string
}

func (PingMessage) Kind() MessageType     { return MessageTypePing }
func (TypingMessage) Kind() MessageType   { return MessageTypeTyping }
func (PresenceMessage) Kind() MessageType { return MessageTypePresence }
func (m UnknownMessage) Kind() MessageType {
	return MessageType(m.Type)
}

// clientFrame is the union of all inbound fields
type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
	Status         string `json:"status"`
}

// DecodeMessage parses a text frame. Only invalid JSON is an error; unknown
// types decode to UnknownMessage.
func DecodeMessage(data []byte) (InboundMessage, error) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	switch MessageType(frame.Type) {
	case MessageTypePing:
		return PingMessage{}, nil
	case MessageTypeTyping:
		return TypingMessage{ConversationID: frame.ConversationID, IsTyping: frame.IsTyping}, nil
	case MessageTypePresence:
		status := models.PresenceStatus(frame.Status)
		if status == "" {
			status = models.PresenceOnline
		}
		return PresenceMessage{Status: status}, nil
	default:
		return UnknownMessage{Type: frame.Type}, nil
	}
}

// handleFrame decodes and dispatches one inbound frame from conn
func (h *Hub) handleFrame(conn *Connection, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		inboundMessages.WithLabelValues("malformed").Inc()
		logger.Debug("Ignoring malformed frame",
			logger.ErrorField(err),
			logger.String("connection_id", conn.ID),
		)
		return
	}

	switch m := msg.(type) {
	case PingMessage:
		inboundMessages.WithLabelValues(string(MessageTypePing)).Inc()
		h.sendTo(conn, models.NewPongEvent())

	case TypingMessage:
		inboundMessages.WithLabelValues(string(MessageTypeTyping)).Inc()
		if m.ConversationID == "" {
			logger.Debug("Ignoring typing frame without conversation",
				logger.String("connection_id", conn.ID),
			)
			return
		}
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		defer cancel()
		if err := h.NotifyTyping(ctx, m.ConversationID, conn.UserID, m.IsTyping); err != nil {
			logger.Warn("Failed to fan out typing indicator",
				logger.ErrorField(err),
				logger.String("conversation_id", m.ConversationID),
				logger.String("user_id", conn.UserID),
			)
		}

	case PresenceMessage:
		inboundMessages.WithLabelValues(string(MessageTypePresence)).Inc()
		if !m.Status.Valid() {
			h.sendTo(conn, models.NewErrorEvent("invalid_status",
				fmt.Sprintf("unsupported presence status: %s", m.Status)))
			return
		}
		h.SetPresence(conn.UserID, m.Status)

	case UnknownMessage:
		inboundMessages.WithLabelValues("unknown").Inc()
		logger.Debug("Ignoring unknown message type",
			logger.String("type", m.Type),
			logger.String("connection_id", conn.ID),
		)
	}
}
