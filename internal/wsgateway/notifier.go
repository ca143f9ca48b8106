package wsgateway

import (
	"context"
	"fmt"
	"time"

	"github.com/impactlink/realtime-gateway/internal/models"
	"github.com/impactlink/realtime-gateway/internal/storage"
	"github.com/impactlink/realtime-gateway/pkg/logger"
)

// Sender delivers frames to connected users. *Hub implements it.
type Sender interface {
	SendToUser(userID string, message interface{})
	Broadcast(message interface{})
}

// Notifier turns application events into outbound frames. Delivery is best
// effort; callers are never told whether anyone received the event.
type Notifier struct {
	sender Sender
	now    storage.Clock
}

// NewNotifier creates a notifier on top of sender
func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender, now: time.Now}
}

// NotifyUser pushes a notification frame for a like, comment, share, follow,
// new message or badge award.
func (n *Notifier) NotifyUser(userID, notificationType string, data interface{}) {
	if userID == "" || notificationType == "" {
		logger.Warn("Dropping notification without recipient or type",
			logger.String("user_id", userID),
			logger.String("notification_type", notificationType),
		)
		return
	}
	n.sender.SendToUser(userID, models.NewNotificationEvent(notificationType, data, n.now()))
}

// NewMessage pushes a chat message to one recipient
func (n *Notifier) NewMessage(userID string, message interface{}) error {
	return n.emitFields(userID, models.EventNewMessage, "message", message)
}

// NewChallenge announces a challenge to every connected user
func (n *Notifier) NewChallenge(challenge interface{}) error {
	return n.emitFields("", models.EventNewChallenge, "challenge", challenge)
}

// NewImpactEvent announces an impact event to every connected user
func (n *Notifier) NewImpactEvent(event interface{}) error {
	return n.emitFields("", models.EventNewImpactEvent, "event", event)
}

func (n *Notifier) emitFields(userID string, t models.EventType, key string, payload interface{}) error {
	raw, err := models.NewEvent(t, map[string]interface{}{key: payload})
	if err != nil {
		return err
	}
	return n.Emit(models.Envelope{UserID: userID, Event: raw})
}

// Emit routes an envelope: to its user when set, to everyone otherwise
func (n *Notifier) Emit(env models.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	if env.IsBroadcast() {
		n.sender.Broadcast(env.Event)
		return nil
	}
	n.sender.SendToUser(env.UserID, env.Event)
	return nil
}

// Publish delivers env in this process. It matches pubsub.EventPublisher so
// producers can target either the local hub or the event stream.
func (n *Notifier) Publish(_ context.Context, env models.Envelope) error {
	return n.Emit(env)
}
