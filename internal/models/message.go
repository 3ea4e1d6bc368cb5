package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// MessageType tags the kind of content a message carries.
type MessageType string

const (
	MessageText         MessageType = "text"
	MessageSystem       MessageType = "system"
	MessageCallRequest  MessageType = "call_request"
	MessageCallAccepted MessageType = "call_accepted"
	MessageCallRejected MessageType = "call_rejected"
	MessageCallEnded    MessageType = "call_ended"
)

// IsCallSignal reports whether the type belongs to call signaling.
func (t MessageType) IsCallSignal() bool {
	switch t {
	case MessageCallRequest, MessageCallAccepted, MessageCallRejected, MessageCallEnded:
		return true
	}
	return false
}

// Message is an append-only chat message. Deletion only flips flags.
type Message struct {
	ID                 string         `db:"id" json:"id"`
	ThreadID           string         `db:"thread_id" json:"thread_id"`
	SenderID           string         `db:"sender_id" json:"sender_id"`
	Content            string         `db:"content" json:"content"`
	Type               MessageType    `db:"type" json:"type"`
	Metadata           types.JSONText `db:"metadata" json:"metadata,omitempty"`
	ReplyToID          *string        `db:"reply_to_id" json:"reply_to_id,omitempty"`
	DeletedForEveryone bool           `db:"deleted_for_everyone" json:"deleted_for_everyone"`
	DeletedFor         pq.StringArray `db:"deleted_for" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	ReadBy             []string       `db:"-" json:"read_by,omitempty"`
	Attachments        []Attachment   `db:"-" json:"attachments,omitempty"`
}

// DeletedForUser reports whether userID hid the message for themself.
func (m Message) DeletedForUser(userID string) bool {
	for _, id := range m.DeletedFor {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadReceipt records that a user has read a message. Receipts are never removed.
type ReadReceipt struct {
	MessageID string    `db:"message_id" json:"message_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	ReadAt    time.Time `db:"read_at" json:"read_at"`
}

// Attachment is file metadata owned by a message.
type Attachment struct {
	ID        string `db:"id" json:"id"`
	MessageID string `db:"message_id" json:"message_id"`
	FileName  string `db:"file_name" json:"file_name" validate:"required"`
	FileURL   string `db:"file_url" json:"file_url" validate:"required,url"`
	MimeType  string `db:"mime_type" json:"mime_type"`
	SizeBytes int64  `db:"size_bytes" json:"size_bytes" validate:"gte=0"`
}
