// Package threads owns thread creation, listing and the per-session thread
// cache that is kept current from inbox deltas.
package threads

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/transport"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrNotParticipant      = errors.New("user is not a participant of the thread")
	ErrInvalidParticipants = errors.New("invalid participant set")
	ErrInvalidThreadKind   = errors.New("invalid thread kind")
)

// Service implements the stateless thread operations shared by every session.
type Service struct {
	threads repositories.ThreadRepository
	bus     transport.Bus
	log     zerolog.Logger
}

func NewService(threads repositories.ThreadRepository, bus transport.Bus, logger zerolog.Logger) *Service {
	return &Service{
		threads: threads,
		bus:     bus,
		log:     logger.With().Str("component", "threads").Logger(),
	}
}

// ListThreads returns one page of the user's threads, most recently active first.
// page is 1-based.
func (s *Service) ListThreads(ctx context.Context, userID string, page, pageSize int) (models.ThreadPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	rows, err := s.threads.ListThreadsForUser(ctx, userID, pageSize+1, (page-1)*pageSize)
	if err != nil {
		return models.ThreadPage{}, fmt.Errorf("list threads: %w", err)
	}

	out := models.ThreadPage{Threads: rows}
	if len(rows) > pageSize {
		out.Threads = rows[:pageSize]
		out.HasMore = true
	}
	if out.Threads == nil {
		out.Threads = []models.Thread{}
	}
	return out, nil
}

// CreateThread creates a thread for creatorID and participantIDs and returns its id.
// A direct thread between the same two users is reused instead of duplicated.
func (s *Service) CreateThread(ctx context.Context, creatorID string, participantIDs []string, kind models.ThreadKind, title string) (string, error) {
	if kind == "" {
		kind = models.ThreadDirect
	}
	if kind != models.ThreadDirect && kind != models.ThreadGroup {
		return "", ErrInvalidThreadKind
	}

	members := memberSet(creatorID, participantIDs)
	if len(members) < 2 {
		return "", fmt.Errorf("%w: at least one other participant is required", ErrInvalidParticipants)
	}
	if kind == models.ThreadDirect && len(members) != 2 {
		return "", fmt.Errorf("%w: direct threads have exactly two participants", ErrInvalidParticipants)
	}

	if kind == models.ThreadDirect {
		existing, err := s.threads.FindThreadsByParticipants(ctx, kind, members)
		if err != nil {
			return "", fmt.Errorf("find direct thread: %w", err)
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}

	thread, err := s.threads.CreateThread(ctx, models.Thread{Kind: kind, Title: title, CreatedBy: creatorID})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	participants := make([]models.Participant, 0, len(members))
	for _, id := range members {
		role := models.RoleMember
		if id == creatorID {
			role = models.RoleAdmin
		}
		participants = append(participants, models.Participant{
			ThreadID: thread.ID,
			UserID:   id,
			Role:     role,
			JoinedAt: thread.CreatedAt,
		})
	}

	if err := s.threads.AddParticipants(ctx, thread.ID, participants); err != nil {
		if delErr := s.threads.DeleteThread(ctx, thread.ID); delErr != nil {
			s.log.Error().Err(delErr).Str("thread_id", thread.ID).Msg("compensating thread delete failed")
		}
		return "", fmt.Errorf("add participants: %w", err)
	}
	thread.Participants = participants

	for _, id := range members {
		event := models.ThreadEvent{Type: models.EventThreadCreated, ThreadID: thread.ID, Thread: &thread}
		if err := transport.PublishJSON(ctx, s.bus, transport.InboxChannel(id), event); err != nil {
			s.log.Warn().Err(err).Str("thread_id", thread.ID).Str("user_id", id).Msg("thread_created delta not delivered")
		}
	}

	return thread.ID, nil
}

// GetThread loads a thread for userID, enforcing membership.
func (s *Service) GetThread(ctx context.Context, threadID, userID string) (models.Thread, error) {
	thread, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if !thread.HasParticipant(userID) {
		return models.Thread{}, ErrNotParticipant
	}
	return thread, nil
}

// memberSet returns the deduplicated members with the creator first.
func memberSet(creatorID string, participantIDs []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	members := []string{creatorID}
	for _, id := range participantIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	return members
}
