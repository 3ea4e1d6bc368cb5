package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chat-realtime/internal/events"
	"chat-realtime/internal/models"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/transport"
)

// Store is one user's in-memory view of their threads. It is filled from the
// repository and kept current by deltas arriving on the user's inbox channel.
type Store struct {
	userID  string
	threads repositories.ThreadRepository
	bus     transport.Bus
	log     zerolog.Logger

	mu    sync.RWMutex
	cache map[string]models.Thread
	sub   transport.Subscription

	messages events.Topic[models.Message]
	deltas   events.Topic[models.ThreadEvent]
}

func NewStore(userID string, threads repositories.ThreadRepository, bus transport.Bus, logger zerolog.Logger) *Store {
	return &Store{
		userID:  userID,
		threads: threads,
		bus:     bus,
		log:     logger.With().Str("component", "thread_store").Str("user_id", userID).Logger(),
		cache:   map[string]models.Thread{},
	}
}

// Start subscribes to the user's inbox and loads the first page of threads.
func (s *Store) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, transport.InboxChannel(s.userID), s.handleDelta)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	rows, err := s.threads.ListThreadsForUser(ctx, s.userID, DefaultPageSize, 0)
	if err != nil {
		s.log.Warn().Err(err).Msg("initial thread load failed")
		return nil
	}
	s.mu.Lock()
	for _, t := range rows {
		s.cache[t.ID] = t
	}
	s.mu.Unlock()
	return nil
}

// GetThreadByID returns a cached thread.
func (s *Store) GetThreadByID(threadID string) (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.cache[threadID]
	return t, ok
}

// Threads returns the cached threads, most recently active first.
func (s *Store) Threads() []models.Thread {
	s.mu.RLock()
	out := make([]models.Thread, 0, len(s.cache))
	for _, t := range s.cache {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// ResolveThread returns the thread from cache, falling back to the repository.
func (s *Store) ResolveThread(ctx context.Context, threadID string) (models.Thread, error) {
	if t, ok := s.GetThreadByID(threadID); ok && len(t.Participants) > 0 {
		if !t.HasParticipant(s.userID) {
			return models.Thread{}, ErrNotParticipant
		}
		return t, nil
	}

	t, err := s.threads.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, repositories.ErrThreadNotFound) {
			return models.Thread{}, err
		}
		return models.Thread{}, fmt.Errorf("resolve thread: %w", err)
	}
	if !t.HasParticipant(s.userID) {
		return models.Thread{}, ErrNotParticipant
	}

	s.mu.Lock()
	s.cache[t.ID] = t
	s.mu.Unlock()
	return t, nil
}

// OnMessage registers fn for every message_created delta seen by this store.
func (s *Store) OnMessage(fn func(models.Message)) func() {
	return s.messages.Subscribe(fn)
}

// OnDelta registers fn for every inbox delta after it has been merged.
func (s *Store) OnDelta(fn func(models.ThreadEvent)) func() {
	return s.deltas.Subscribe(fn)
}

// Close drops the inbox subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (s *Store) handleDelta(_ context.Context, payload []byte) {
	var event models.ThreadEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.log.Warn().Err(err).Msg("discarding malformed inbox delta")
		return
	}

	s.apply(event)
	s.deltas.Emit(event)
	if event.Type == models.EventMessageCreated && event.Message != nil {
		s.messages.Emit(*event.Message)
	}
}

func (s *Store) apply(event models.ThreadEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case models.EventThreadCreated:
		if event.Thread != nil {
			s.cache[event.Thread.ID] = *event.Thread
		}
	case models.EventMessageCreated:
		t, ok := s.cache[event.ThreadID]
		if !ok || event.Message == nil {
			return
		}
		at := event.Message.CreatedAt
		if t.LastMessageAt != nil && at.Before(*t.LastMessageAt) {
			return
		}
		t.LastMessagePreview = event.Preview
		t.LastMessageAt = &at
		t.LastActivityAt = at
		s.cache[t.ID] = t
	}
}
