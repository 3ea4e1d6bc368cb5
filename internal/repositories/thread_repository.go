package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-realtime/internal/models"
)

var ErrThreadNotFound = errors.New("thread not found")

// ThreadRepository abstracts thread and participant persistence.
type ThreadRepository interface {
	CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	AddParticipants(ctx context.Context, threadID string, participants []models.Participant) error
	FindThreadsByParticipants(ctx context.Context, kind models.ThreadKind, userIDs []string) ([]string, error)
	GetThread(ctx context.Context, threadID string) (models.Thread, error)
	ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error)
	ListThreadsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Thread, error)
	IsParticipant(ctx context.Context, threadID string, userID string) (bool, error)
	UpdatePreview(ctx context.Context, threadID string, preview string, at time.Time) error
}

// ThreadRepo is a sqlx implementation of ThreadRepository.
type ThreadRepo struct {
	db *sqlx.DB
}

// NewThreadRepo constructs a ThreadRepo.
func NewThreadRepo(db *sqlx.DB) *ThreadRepo {
	return &ThreadRepo{db: db}
}

const threadColumns = `id, kind, title, created_by, last_message_preview, last_message_at, last_activity_at, created_at`

// CreateThread inserts a thread row without participants.
func (r *ThreadRepo) CreateThread(ctx context.Context, thread models.Thread) (models.Thread, error) {
	var created models.Thread
	err := r.db.QueryRowxContext(ctx, `INSERT INTO threads (kind, title, created_by) VALUES ($1, $2, $3) RETURNING `+threadColumns,
		thread.Kind, thread.Title, thread.CreatedBy).StructScan(&created)
	return created, err
}

// DeleteThread removes a thread. Only used to compensate a failed creation.
func (r *ThreadRepo) DeleteThread(ctx context.Context, threadID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM threads WHERE id=$1`, threadID)
	return err
}

// AddParticipants inserts all membership rows atomically.
func (r *ThreadRepo) AddParticipants(ctx context.Context, threadID string, participants []models.Participant) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, p := range participants {
		if _, err = tx.ExecContext(ctx, `INSERT INTO thread_participants (thread_id, user_id, role, display_name) VALUES ($1, $2, $3, $4)`,
			threadID, p.UserID, p.Role, p.DisplayName); err != nil {
			return err
		}
	}

	err = tx.Commit()
	return err
}

// FindThreadsByParticipants returns threads of the given kind whose member set equals userIDs exactly.
func (r *ThreadRepo) FindThreadsByParticipants(ctx context.Context, kind models.ThreadKind, userIDs []string) ([]string, error) {
	query := `SELECT t.id FROM threads t
        JOIN thread_participants p ON p.thread_id = t.id
        WHERE t.kind = $1
        GROUP BY t.id
        HAVING COUNT(*) = $2 AND COUNT(*) FILTER (WHERE p.user_id = ANY($3)) = $2
        ORDER BY t.created_at ASC`
	var ids []string
	err := r.db.SelectContext(ctx, &ids, query, kind, len(userIDs), pq.Array(userIDs))
	return ids, err
}

// GetThread fetches a thread with its participants.
func (r *ThreadRepo) GetThread(ctx context.Context, threadID string) (models.Thread, error) {
	var thread models.Thread
	err := r.db.GetContext(ctx, &thread, `SELECT `+threadColumns+` FROM threads WHERE id=$1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return models.Thread{}, err
	}
	thread.Participants, err = r.ListParticipants(ctx, threadID)
	return thread, err
}

// ListParticipants returns all members of a thread.
func (r *ThreadRepo) ListParticipants(ctx context.Context, threadID string) ([]models.Participant, error) {
	var participants []models.Participant
	err := r.db.SelectContext(ctx, &participants, `SELECT thread_id, user_id, role, display_name, joined_at FROM thread_participants WHERE thread_id=$1 ORDER BY joined_at ASC, user_id ASC`, threadID)
	return participants, err
}

// ListThreadsForUser returns the user's threads, most recently active first.
func (r *ThreadRepo) ListThreadsForUser(ctx context.Context, userID string, limit, offset int) ([]models.Thread, error) {
	query := `SELECT t.id, t.kind, t.title, t.created_by, t.last_message_preview, t.last_message_at, t.last_activity_at, t.created_at
        FROM threads t
        JOIN thread_participants p ON p.thread_id = t.id AND p.user_id = $1
        ORDER BY t.last_activity_at DESC, t.id ASC
        LIMIT $2 OFFSET $3`
	var threads []models.Thread
	if err := r.db.SelectContext(ctx, &threads, query, userID, limit, offset); err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return threads, nil
	}

	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	var participants []models.Participant
	if err := r.db.SelectContext(ctx, &participants, `SELECT thread_id, user_id, role, display_name, joined_at FROM thread_participants WHERE thread_id = ANY($1) ORDER BY joined_at ASC, user_id ASC`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byThread := map[string][]models.Participant{}
	for _, p := range participants {
		byThread[p.ThreadID] = append(byThread[p.ThreadID], p)
	}
	for i := range threads {
		threads[i].Participants = byThread[threads[i].ID]
	}
	return threads, nil
}

// IsParticipant checks whether a user belongs to the thread.
func (r *ThreadRepo) IsParticipant(ctx context.Context, threadID string, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM thread_participants WHERE thread_id=$1 AND user_id=$2)`, threadID, userID)
	return exists, err
}

// UpdatePreview stamps the last message preview and activity timestamps.
func (r *ThreadRepo) UpdatePreview(ctx context.Context, threadID string, preview string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE threads SET last_message_preview=$2, last_message_at=$3, last_activity_at=$3 WHERE id=$1`, threadID, preview, at)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrThreadNotFound
	}
	return nil
}
