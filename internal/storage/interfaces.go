package storage

import (
	"context"
	"time"

	"github.com/impactlink/realtime-gateway/internal/models"
)

// PresenceStore persists the externally visible presence record of users
type PresenceStore interface {
	// UpsertPresence inserts or replaces the presence row for p.UserID
	UpsertPresence(ctx context.Context, p models.Presence) error

	// GetPresence returns the presence row for a user. A user with no row is
	// reported offline with a nil LastSeen.
	GetPresence(ctx context.Context, userID string) (*models.Presence, error)
}

// ParticipantDirectory resolves conversation membership
type ParticipantDirectory interface {
	// ConversationParticipants returns the user IDs taking part in a conversation
	ConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
}

// NotificationStore persists user notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, filter models.NotificationFilter) ([]*models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, userID, notificationID string) error
}

// RedisClient is the subset of Redis operations the gateway relies on
type RedisClient interface {
	PublishToStream(ctx context.Context, stream string, key string, value interface{}) error
	ConsumeFromStream(ctx context.Context, stream string, group string, consumer string) (<-chan StreamMessage, error)
	AcknowledgeMessage(ctx context.Context, stream string, group string, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// StreamMessage represents a message from a Redis stream
type StreamMessage struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// Clock is injected where timestamps are written so tests can pin them
type Clock func() time.Time
