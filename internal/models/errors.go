package models

import "errors"

var (
	ErrInvalidUserID         = errors.New("invalid user ID")
	ErrInvalidPresenceStatus = errors.New("invalid presence status")
	ErrInvalidConversationID = errors.New("invalid conversation ID")
	ErrInvalidEventType      = errors.New("invalid event type")
	ErrInvalidNotification   = errors.New("invalid notification")
	ErrNotFound              = errors.New("not found")
)
