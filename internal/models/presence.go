package models

import "time"

// PresenceStatus is the externally visible connectivity state of a user
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
)

// Valid reports whether s is one of the known statuses
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// Presence mirrors a row of the user_presence table
type Presence struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	LastSeen  *time.Time     `json:"last_seen"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// NewPresence stamps last_seen and updated_at with now
func NewPresence(userID string, status PresenceStatus, now time.Time) Presence {
	now = now.UTC()
	return Presence{
		UserID:    userID,
		Status:    status,
		LastSeen:  &now,
		UpdatedAt: now,
	}
}

// Validate validates a Presence
func (p *Presence) Validate() error {
	if p.UserID == "" {
		return ErrInvalidUserID
	}
	if !p.Status.Valid() {
		return ErrInvalidPresenceStatus
	}
	return nil
}
