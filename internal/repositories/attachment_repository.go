package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-realtime/internal/models"
)

// AttachmentRepository stores file metadata owned by messages.
type AttachmentRepository interface {
	CreateAttachments(ctx context.Context, messageID string, attachments []models.Attachment) ([]models.Attachment, error)
	ListByMessages(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error)
}

// AttachmentRepo is a sqlx implementation of AttachmentRepository.
type AttachmentRepo struct {
	db *sqlx.DB
}

// NewAttachmentRepo constructs an AttachmentRepo.
func NewAttachmentRepo(db *sqlx.DB) *AttachmentRepo {
	return &AttachmentRepo{db: db}
}

// CreateAttachments inserts all attachments of a message in one transaction.
func (r *AttachmentRepo) CreateAttachments(ctx context.Context, messageID string, attachments []models.Attachment) ([]models.Attachment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	created := make([]models.Attachment, 0, len(attachments))
	for _, a := range attachments {
		var row models.Attachment
		if err = tx.QueryRowxContext(ctx, `INSERT INTO attachments (message_id, file_name, file_url, mime_type, size_bytes) VALUES ($1, $2, $3, $4, $5)
            RETURNING id, message_id, file_name, file_url, mime_type, size_bytes`,
			messageID, a.FileName, a.FileURL, a.MimeType, a.SizeBytes).StructScan(&row); err != nil {
			return nil, err
		}
		created = append(created, row)
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// ListByMessages groups attachments by message id.
func (r *AttachmentRepo) ListByMessages(ctx context.Context, messageIDs []string) (map[string][]models.Attachment, error) {
	result := make(map[string][]models.Attachment, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	var rows []models.Attachment
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, message_id, file_name, file_url, mime_type, size_bytes FROM attachments WHERE message_id = ANY($1)`, pq.Array(messageIDs)); err != nil {
		return nil, err
	}
	for _, a := range rows {
		result[a.MessageID] = append(result[a.MessageID], a)
	}
	return result, nil
}
