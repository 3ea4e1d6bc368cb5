// Package presence tracks best-effort user status. State is last-writer-wins
// and never authoritative: a missed broadcast or a restart falls back to the
// last-seen timestamp instead of failing.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/events"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/transport"
)

const DefaultStaleAfter = 90 * time.Second

var ErrInvalidStatus = errors.New("invalid presence status")

// Registry is the process-local presence cache fed by the presence channel.
type Registry struct {
	bus        transport.Bus
	lastSeen   LastSeenStore
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	mu     sync.RWMutex
	states map[string]models.PresenceState
	sub    transport.Subscription

	changes events.Topic[models.PresenceState]
}

func NewRegistry(bus transport.Bus, lastSeen LastSeenStore, staleAfter time.Duration, logger zerolog.Logger) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		bus:        bus,
		lastSeen:   lastSeen,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logger.With().Str("component", "presence").Logger(),
		states:     map[string]models.PresenceState{},
	}
}

// Start subscribes to the global presence channel.
func (r *Registry) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(ctx, transport.PresenceChannel, func(_ context.Context, payload []byte) {
		var state models.PresenceState
		if err := json.Unmarshal(payload, &state); err != nil || state.UserID == "" {
			r.log.Warn().Err(err).Msg("discarding malformed presence update")
			return
		}
		r.apply(state)
	})
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// UpdatePresence records status for userID locally and broadcasts it.
func (r *Registry) UpdatePresence(ctx context.Context, userID string, status models.PresenceStatus) (models.PresenceState, error) {
	if !status.Valid() {
		return models.PresenceState{}, ErrInvalidStatus
	}
	now := r.now().UTC()
	state := models.PresenceState{UserID: userID, Status: status, LastSeen: &now, UpdatedAt: now}

	r.apply(state)
	if r.lastSeen != nil {
		if err := r.lastSeen.Touch(ctx, userID, now); err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("last seen not recorded")
		}
	}
	if err := transport.PublishJSON(ctx, r.bus, transport.PresenceChannel, state); err != nil {
		return state, fmt.Errorf("broadcast presence: %w", err)
	}
	return state, nil
}

// Heartbeat re-broadcasts the user's current status, or online if none is known.
func (r *Registry) Heartbeat(ctx context.Context, userID string) error {
	status := models.PresenceOnline
	r.mu.RLock()
	if s, ok := r.states[userID]; ok && s.Status != models.PresenceOffline {
		status = s.Status
	}
	r.mu.RUnlock()
	_, err := r.UpdatePresence(ctx, userID, status)
	return err
}

// GetPresence returns the freshest known status for userID. It never fails.
func (r *Registry) GetPresence(ctx context.Context, userID string) models.PresenceState {
	r.mu.RLock()
	state, ok := r.states[userID]
	r.mu.RUnlock()
	if ok && r.now().Sub(state.UpdatedAt) <= r.staleAfter {
		return state
	}

	fallback := models.PresenceState{UserID: userID, Status: models.PresenceOffline}
	if ok {
		fallback.LastSeen = state.LastSeen
		fallback.UpdatedAt = state.UpdatedAt
	}
	if r.lastSeen != nil {
		at, found, err := r.lastSeen.LastSeen(ctx, userID)
		if err != nil {
			r.log.Warn().Err(err).Str("user_id", userID).Msg("last seen lookup failed")
		} else if found {
			fallback.LastSeen = &at
		}
	}
	switch {
	case fallback.LastSeen == nil:
	case ok && state.Status == models.PresenceOffline && !fallback.LastSeen.After(state.UpdatedAt):
		// an explicit offline holds until newer activity is recorded
	default:
		fallback.Status = models.PresenceAway
	}
	return fallback
}

// OnChange registers fn for every applied presence update.
func (r *Registry) OnChange(fn func(models.PresenceState)) func() {
	return r.changes.Subscribe(fn)
}

func (r *Registry) Close() error {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// apply keeps the newer of the cached and incoming states.
func (r *Registry) apply(state models.PresenceState) {
	r.mu.Lock()
	current, ok := r.states[state.UserID]
	if ok && state.UpdatedAt.Before(current.UpdatedAt) {
		r.mu.Unlock()
		return
	}
	changed := !ok || current.Status != state.Status
	r.states[state.UserID] = state
	r.mu.Unlock()

	if changed {
		observability.IncPresenceUpdate(string(state.Status))
		r.changes.Emit(state)
	}
}
