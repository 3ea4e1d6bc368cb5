package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ReceiptRepository stores read receipts. Receipts are insert-only.
type ReceiptRepository interface {
	InsertReceipt(ctx context.Context, messageID string, userID string) (bool, error)
	InsertReceipts(ctx context.Context, userID string, messageIDs []string) (int, error)
	ReadMessageIDs(ctx context.Context, threadID string, userID string) ([]string, error)
	ReadersByMessage(ctx context.Context, messageIDs []string) (map[string][]string, error)
}

// ReceiptRepo is a sqlx implementation of ReceiptRepository.
type ReceiptRepo struct {
	db *sqlx.DB
}

// NewReceiptRepo constructs a ReceiptRepo.
func NewReceiptRepo(db *sqlx.DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// InsertReceipt records a read. It reports false when the receipt already existed.
func (r *ReceiptRepo) InsertReceipt(ctx context.Context, messageID string, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO read_receipts (message_id, user_id) VALUES ($1, $2) ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// InsertReceipts records reads for many messages and returns how many were new.
func (r *ReceiptRepo) InsertReceipts(ctx context.Context, userID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO read_receipts (message_id, user_id)
        SELECT unnest($1::uuid[]), $2
        ON CONFLICT (message_id, user_id) DO NOTHING`, pq.Array(messageIDs), userID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}

// ReadMessageIDs returns the ids of messages in the thread the user has read.
func (r *ReceiptRepo) ReadMessageIDs(ctx context.Context, threadID string, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT r.message_id FROM read_receipts r
        JOIN messages m ON m.id = r.message_id
        WHERE m.thread_id=$1 AND r.user_id=$2`, threadID, userID)
	return ids, err
}

// ReadersByMessage returns the read-by set of every given message.
func (r *ReceiptRepo) ReadersByMessage(ctx context.Context, messageIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	rows, err := r.db.QueryxContext(ctx, `SELECT message_id, user_id FROM read_receipts WHERE message_id = ANY($1) ORDER BY read_at ASC`, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, userID string
		if err := rows.Scan(&messageID, &userID); err != nil {
			return nil, err
		}
		result[messageID] = append(result[messageID], userID)
	}
	return result, rows.Err()
}
