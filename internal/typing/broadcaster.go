// Package typing implements ephemeral "is typing" indicators on the
// typing:<threadID> channel. Nothing here is persisted.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/transport"
)

const (
	DefaultInactivity = 3 * time.Second
	DefaultSweep      = 2 * time.Second
	DefaultTTL        = 4 * time.Second
)

// Broadcaster publishes the local user's typing state for one thread.
// Only the idle to typing transition broadcasts true.
type Broadcaster struct {
	bus        transport.Bus
	threadID   string
	userID     string
	inactivity time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

func NewBroadcaster(bus transport.Bus, threadID, userID string, inactivity time.Duration, logger zerolog.Logger) *Broadcaster {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	return &Broadcaster{
		bus:        bus,
		threadID:   threadID,
		userID:     userID,
		inactivity: inactivity,
		log:        logger.With().Str("component", "typing").Str("thread_id", threadID).Logger(),
	}
}

// Keystroke marks the user as typing and re-arms the inactivity timer.
func (b *Broadcaster) Keystroke(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	started := !b.typing
	b.typing = true
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.inactivity, func() { b.expire(gen) })
	b.mu.Unlock()

	if started {
		b.send(ctx, true)
	}
}

// StopTyping ends the typing state now, e.g. when the message is sent.
func (b *Broadcaster) StopTyping(ctx context.Context) {
	if b.stop(false) {
		b.send(ctx, false)
	}
}

// IsTyping reports the local typing state.
func (b *Broadcaster) IsTyping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.typing
}

// Close emits a final false if the user was mid-type and disables the broadcaster.
func (b *Broadcaster) Close(ctx context.Context) {
	if b.stop(true) {
		b.send(ctx, false)
	}
}

func (b *Broadcaster) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen || !b.typing {
		b.mu.Unlock()
		return
	}
	b.typing = false
	b.timer = nil
	b.mu.Unlock()

	b.send(context.Background(), false)
}

// stop reports whether the state moved from typing to idle.
func (b *Broadcaster) stop(closing bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if closing {
		b.closed = true
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if !b.typing {
		return false
	}
	b.typing = false
	return true
}

func (b *Broadcaster) send(ctx context.Context, isTyping bool) {
	event := models.TypingEvent{ThreadID: b.threadID, UserID: b.userID, IsTyping: isTyping, SentAt: time.Now().UTC()}
	if err := transport.PublishJSON(ctx, b.bus, transport.TypingChannel(b.threadID), event); err != nil {
		b.log.Debug().Err(err).Bool("is_typing", isTyping).Msg("typing broadcast dropped")
		return
	}
	observability.IncTypingEvent(isTyping)
}
