package models

import "time"

// PresenceStatus is the best-effort status of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// PresenceState is the last known presence of a user.
type PresenceState struct {
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TypingEvent is broadcast on a thread's typing channel. Never persisted.
type TypingEvent struct {
	ThreadID string    `json:"thread_id"`
	UserID   string    `json:"user_id"`
	IsTyping bool      `json:"is_typing"`
	SentAt   time.Time `json:"sent_at"`
}
