package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/events"
	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

// Tracker maintains the set of peers currently typing in one thread. A peer
// whose last true event is older than the TTL is evicted by a periodic sweep,
// so a lost false event heals on its own.
type Tracker struct {
	bus      transport.Bus
	threadID string
	selfID   string
	ttl      time.Duration
	sweep    time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu     sync.Mutex
	peers  map[string]time.Time
	sub    transport.Subscription
	stopCh chan struct{}
	done   chan struct{}

	changes events.Topic[[]string]
}

func NewTracker(bus transport.Bus, threadID, selfID string, ttl, sweep time.Duration, logger zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweep <= 0 {
		sweep = DefaultSweep
	}
	return &Tracker{
		bus:      bus,
		threadID: threadID,
		selfID:   selfID,
		ttl:      ttl,
		sweep:    sweep,
		now:      time.Now,
		log:      logger.With().Str("component", "typing_tracker").Str("thread_id", threadID).Logger(),
		peers:    map[string]time.Time{},
	}
}

// Start subscribes to the thread's typing channel and starts the sweep.
func (t *Tracker) Start(ctx context.Context) error {
	sub, err := t.bus.Subscribe(ctx, transport.TypingChannel(t.threadID), t.handle)
	if err != nil {
		return fmt.Errorf("subscribe typing: %w", err)
	}

	t.mu.Lock()
	t.sub = sub
	t.stopCh = make(chan struct{})
	t.done = make(chan struct{})
	stopCh, done := t.stopCh, t.done
	t.mu.Unlock()

	go t.sweepLoop(stopCh, done)
	return nil
}

// Typing returns the ids of peers currently typing, sorted.
func (t *Tracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// OnChange registers fn for every change of the typing set.
func (t *Tracker) OnChange(fn func([]string)) func() {
	return t.changes.Subscribe(fn)
}

// Close unsubscribes and cancels the sweep.
func (t *Tracker) Close() error {
	t.mu.Lock()
	sub, stopCh, done := t.sub, t.stopCh, t.done
	t.sub, t.stopCh = nil, nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-done
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

func (t *Tracker) handle(_ context.Context, payload []byte) {
	var event models.TypingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.log.Warn().Err(err).Msg("discarding malformed typing event")
		return
	}
	if event.UserID == "" || event.UserID == t.selfID || event.ThreadID != t.threadID {
		return
	}

	t.mu.Lock()
	_, was := t.peers[event.UserID]
	if event.IsTyping {
		t.peers[event.UserID] = t.now()
	} else {
		delete(t.peers, event.UserID)
	}
	changed := was != event.IsTyping
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if changed {
		t.changes.Emit(snapshot)
	}
}

func (t *Tracker) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.evictStale()
		}
	}
}

func (t *Tracker) evictStale() {
	t.mu.Lock()
	now := t.now()
	evicted := false
	for id, seen := range t.peers {
		if now.Sub(seen) > t.ttl {
			delete(t.peers, id)
			evicted = true
		}
	}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	if evicted {
		t.changes.Emit(snapshot)
	}
}

func (t *Tracker) snapshotLocked() []string {
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
