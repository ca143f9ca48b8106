package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates outbound realtime frames
type EventType string

const (
	EventPong           EventType = "pong"
	EventTyping         EventType = "typing"
	EventNotification   EventType = "notification"
	EventNewMessage     EventType = "new_message"
	EventNewChallenge   EventType = "new_challenge"
	EventNewImpactEvent EventType = "new_impact_event"
	EventError          EventType = "error"
)

// PongEvent answers a client ping
type PongEvent struct {
	Type EventType `json:"type"`
}

// NewPongEvent creates a pong frame
func NewPongEvent() PongEvent {
	return PongEvent{Type: EventPong}
}

// TypingEvent tells conversation participants that UserID started or stopped typing
type TypingEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
}

// NewTypingEvent creates a typing frame
func NewTypingEvent(conversationID, userID string, isTyping bool) TypingEvent {
	return TypingEvent{
		Type:           EventTyping,
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}
}

// NotificationEvent carries a like/comment/share/follow/message/badge notification
type NotificationEvent struct {
	Type             EventType   `json:"type"`
	NotificationType string      `json:"notification_type"`
	Data             interface{} `json:"data"`
	Timestamp        string      `json:"timestamp"`
}

// NewNotificationEvent creates a notification frame stamped with now in RFC3339 UTC
func NewNotificationEvent(notificationType string, data interface{}, now time.Time) NotificationEvent {
	if data == nil {
		data = map[string]interface{}{}
	}
	return NotificationEvent{
		Type:             EventNotification,
		NotificationType: notificationType,
		Data:             data,
		Timestamp:        now.UTC().Format(time.RFC3339Nano),
	}
}

// ErrorEvent reports a rejected client request without closing the connection
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// NewErrorEvent creates an error frame
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{Type: EventError, Code: code, Message: message}
}

// NewEvent builds a free-form frame {"type": t, ...fields}. It is used for
// new_message, new_challenge and new_impact_event whose payload shape is owned
// by the producing service.
func NewEvent(t EventType, fields map[string]interface{}) (json.RawMessage, error) {
	if t == "" {
		return nil, ErrInvalidEventType
	}
	frame := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = t
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", t, err)
	}
	return data, nil
}

// Envelope routes an event through the realtime event stream. An empty UserID
// means broadcast to every connection.
type Envelope struct {
	UserID string          `json:"user_id,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// EventType peeks at the discriminator of the wrapped event
func (e *Envelope) EventType() (EventType, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(e.Event, &head); err != nil {
		return "", fmt.Errorf("failed to decode event: %w", err)
	}
	if head.Type == "" {
		return "", ErrInvalidEventType
	}
	return head.Type, nil
}

// Validate validates an Envelope
func (e *Envelope) Validate() error {
	if len(e.Event) == 0 {
		return ErrInvalidEventType
	}
	_, err := e.EventType()
	return err
}

// IsBroadcast reports whether the envelope targets every connection
func (e *Envelope) IsBroadcast() bool {
	return e.UserID == ""
}
