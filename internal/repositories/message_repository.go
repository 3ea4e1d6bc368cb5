package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-realtime/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository defines interactions for thread messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListMessages(ctx context.Context, threadID string, userID string, before *time.Time, limit int) ([]models.Message, error)
	UnreadCandidateIDs(ctx context.Context, threadID string, userID string) ([]string, error)
	DeleteForMe(ctx context.Context, messageID string, userID string) error
	DeleteForEveryone(ctx context.Context, messageID string, senderID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, thread_id, sender_id, content, type, metadata, reply_to_id, deleted_for_everyone, deleted_for, created_at`

// CreateMessage appends a message to a thread.
func (r *MessageRepo) CreateMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var created models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (thread_id, sender_id, content, type, metadata, reply_to_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		msg.ThreadID, msg.SenderID, msg.Content, msg.Type, msg.Metadata, msg.ReplyToID).StructScan(&created)
	return created, err
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// ListMessages returns a page of messages visible to the user, newest first.
func (r *MessageRepo) ListMessages(ctx context.Context, threadID string, userID string, before *time.Time, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + `
        FROM messages
        WHERE thread_id=$1
        AND deleted_for_everyone = FALSE
        AND NOT ($2 = ANY(deleted_for))
        AND ($3::timestamptz IS NULL OR created_at < $3)
        ORDER BY created_at DESC
        LIMIT $4`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, threadID, userID, before, limit)
	return msgs, err
}

// UnreadCandidateIDs returns ids of visible messages in the thread not authored by the user.
func (r *MessageRepo) UnreadCandidateIDs(ctx context.Context, threadID string, userID string) ([]string, error) {
	query := `SELECT id FROM messages
        WHERE thread_id=$1
        AND sender_id <> $2
        AND deleted_for_everyone = FALSE
        AND NOT ($2 = ANY(deleted_for))`
	var ids []string
	err := r.db.SelectContext(ctx, &ids, query, threadID, userID)
	return ids, err
}

// DeleteForMe hides a message for a single user.
func (r *MessageRepo) DeleteForMe(ctx context.Context, messageID string, userID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for = array_append(deleted_for, $2) WHERE id=$1 AND NOT ($2 = ANY(deleted_for))`, messageID, userID)
	return err
}

// DeleteForEveryone marks a message as deleted for everyone (sender only).
func (r *MessageRepo) DeleteForEveryone(ctx context.Context, messageID string, senderID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for_everyone = TRUE WHERE id=$1 AND sender_id=$2`, messageID, senderID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}
