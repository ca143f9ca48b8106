package models

import (
	"encoding/json"
	"time"
)

// Notification types produced by the platform
const (
	NotificationPostLike    = "post_like"
	NotificationPostComment = "post_comment"
	NotificationPostShare   = "post_share"
	NotificationFollow      = "follow"
	NotificationNewMessage  = "new_message"
	NotificationBadgeEarned = "badge_earned"
)

// Notification is a persisted row of the notifications table
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Link      string          `json:"link,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// Validate validates a Notification
func (n *Notification) Validate() error {
	if n.UserID == "" {
		return ErrInvalidUserID
	}
	if n.Type == "" || n.Title == "" {
		return ErrInvalidNotification
	}
	if len(n.Data) > 0 && !json.Valid(n.Data) {
		return ErrInvalidNotification
	}
	return nil
}

// NotificationFilter narrows ListNotifications
type NotificationFilter struct {
	UserID     string
	UnreadOnly bool
	Limit      int
}
