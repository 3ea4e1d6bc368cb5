package models

import "time"

// ThreadKind distinguishes one-to-one threads from group threads.
type ThreadKind string

const (
	ThreadDirect ThreadKind = "direct"
	ThreadGroup  ThreadKind = "group"
)

// ParticipantRole is the role a member holds inside a thread.
type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Thread is a conversation container for a fixed set of participants.
type Thread struct {
	ID                 string        `db:"id" json:"id"`
	Kind               ThreadKind    `db:"kind" json:"kind"`
	Title              string        `db:"title" json:"title"`
	CreatedBy          string        `db:"created_by" json:"created_by"`
	LastMessagePreview string        `db:"last_message_preview" json:"last_message_preview"`
	LastMessageAt      *time.Time    `db:"last_message_at" json:"last_message_at,omitempty"`
	LastActivityAt     time.Time     `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	Participants       []Participant `db:"-" json:"participants,omitempty"`
}

// HasParticipant reports whether userID is a member of the thread.
func (t Thread) HasParticipant(userID string) bool {
	for _, p := range t.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns member ids, optionally skipping one user.
func (t Thread) ParticipantIDs(except string) []string {
	ids := make([]string, 0, len(t.Participants))
	for _, p := range t.Participants {
		if p.UserID == except {
			continue
		}
		ids = append(ids, p.UserID)
	}
	return ids
}

// Participant is one (thread, user) membership row.
type Participant struct {
	ThreadID    string          `db:"thread_id" json:"thread_id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Role        ParticipantRole `db:"role" json:"role"`
	DisplayName string          `db:"display_name" json:"display_name"`
	JoinedAt    time.Time       `db:"joined_at" json:"joined_at"`
}

// ThreadPage is one page of a user's thread list.
type ThreadPage struct {
	Threads []Thread `json:"threads"`
	HasMore bool     `json:"has_more"`
}

// ThreadEvent types carried on inbox channels.
const (
	EventThreadCreated  = "thread_created"
	EventMessageCreated = "message_created"
	EventMessageDeleted = "message_deleted"
	EventReceiptAdded   = "receipt_added"
)

// ThreadEvent is a row delta broadcast to participants.
type ThreadEvent struct {
	Type      string   `json:"type"`
	ThreadID  string   `json:"thread_id"`
	Thread    *Thread  `json:"thread,omitempty"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	Preview   string   `json:"preview,omitempty"`
}
