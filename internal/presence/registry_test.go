package presence

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/models"
	"chat-realtime/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedisStore(t *testing.T) (*RedisLastSeenStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLastSeenStore(client, ""), mr
}

func newRegistry(t *testing.T, bus transport.Bus, store LastSeenStore, c *clock) *Registry {
	t.Helper()
	r := NewRegistry(bus, store, time.Minute, zerolog.New(io.Discard))
	r.now = c.Now
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisLastSeenStore(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	_, found, err := store.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.False(t, found)

	at := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	require.NoError(t, store.Touch(ctx, "alice", at))

	got, found, err := store.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, got.Equal(at))
}

func TestPresenceBroadcastsAcrossRegistries(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	store, _ := newRedisStore(t)
	c := &clock{now: time.Now()}

	local := newRegistry(t, bus, store, c)
	remote := newRegistry(t, bus, store, c)

	_, err := local.UpdatePresence(context.Background(), "alice", models.PresenceBusy)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return remote.GetPresence(context.Background(), "alice").Status == models.PresenceBusy
	}, time.Second, 10*time.Millisecond)
}

func TestPresenceLastWriterWins(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	c := &clock{now: time.Now()}
	r := newRegistry(t, bus, nil, c)

	newer := c.Now()
	r.apply(models.PresenceState{UserID: "bob", Status: models.PresenceAway, UpdatedAt: newer})
	r.apply(models.PresenceState{UserID: "bob", Status: models.PresenceOnline, UpdatedAt: newer.Add(-time.Second)})

	require.Equal(t, models.PresenceAway, r.GetPresence(context.Background(), "bob").Status)
}

func TestGetPresenceFallbacks(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	store, _ := newRedisStore(t)
	c := &clock{now: time.Now()}
	r := newRegistry(t, bus, store, c)
	ctx := context.Background()

	require.Equal(t, models.PresenceOffline, r.GetPresence(ctx, "ghost").Status)

	require.NoError(t, store.Touch(ctx, "carol", c.Now().Add(-time.Hour)))
	state := r.GetPresence(ctx, "carol")
	require.Equal(t, models.PresenceAway, state.Status)
	require.NotNil(t, state.LastSeen)

	_, err := r.UpdatePresence(ctx, "dave", models.PresenceOnline)
	require.NoError(t, err)
	require.Equal(t, models.PresenceOnline, r.GetPresence(ctx, "dave").Status)

	c.Advance(2 * time.Minute)
	require.Equal(t, models.PresenceAway, r.GetPresence(ctx, "dave").Status)
}

func TestOfflineStaysOfflineWhenStale(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	store, _ := newRedisStore(t)
	c := &clock{now: time.Now()}
	r := newRegistry(t, bus, store, c)
	ctx := context.Background()

	_, err := r.UpdatePresence(ctx, "frank", models.PresenceOnline)
	require.NoError(t, err)
	c.Advance(time.Second)
	_, err = r.UpdatePresence(ctx, "frank", models.PresenceOffline)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	state := r.GetPresence(ctx, "frank")
	require.Equal(t, models.PresenceOffline, state.Status)
	require.NotNil(t, state.LastSeen)

	// activity recorded elsewhere after the offline write
	require.NoError(t, store.Touch(ctx, "frank", c.Now()))
	require.Equal(t, models.PresenceAway, r.GetPresence(ctx, "frank").Status)
}

type brokenStore struct{}

func (brokenStore) Touch(context.Context, string, time.Time) error { return errors.New("down") }
func (brokenStore) LastSeen(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("down")
}

func TestPresenceDegradesWhenStoreFails(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	c := &clock{now: time.Now()}
	r := newRegistry(t, bus, brokenStore{}, c)
	ctx := context.Background()

	require.Equal(t, models.PresenceOffline, r.GetPresence(ctx, "erin").Status)

	_, err := r.UpdatePresence(ctx, "erin", models.PresenceOnline)
	require.NoError(t, err)
	require.Equal(t, models.PresenceOnline, r.GetPresence(ctx, "erin").Status)
}

func TestUpdatePresenceValidatesStatus(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	r := newRegistry(t, bus, nil, &clock{now: time.Now()})

	_, err := r.UpdatePresence(context.Background(), "alice", "dancing")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestHeartbeatKeepsStatus(t *testing.T) {
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	c := &clock{now: time.Now()}
	r := newRegistry(t, bus, nil, c)
	ctx := context.Background()

	_, err := r.UpdatePresence(ctx, "alice", models.PresenceBusy)
	require.NoError(t, err)
	c.Advance(45 * time.Second)
	require.NoError(t, r.Heartbeat(ctx, "alice"))
	c.Advance(45 * time.Second)

	require.Equal(t, models.PresenceBusy, r.GetPresence(ctx, "alice").Status)
}
