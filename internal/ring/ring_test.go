package ring

import (
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu      sync.Mutex
	blocked bool
	fail    error
	plays   []Sound
	stops   []Sound
}

func (p *fakePlayer) Play(s Sound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked {
		return ErrAutoplayBlocked
	}
	if p.fail != nil {
		return p.fail
	}
	p.plays = append(p.plays, s)
	return nil
}

func (p *fakePlayer) Stop(s Sound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = append(p.stops, s)
}

func (p *fakePlayer) unblock() {
	p.mu.Lock()
	p.blocked = false
	p.mu.Unlock()
}

func TestStartAndStop(t *testing.T) {
	p := &fakePlayer{}
	c := NewControl(p, zerolog.New(io.Discard))

	c.StartRingtone()
	c.StartRingtone()
	c.StartRingback()
	require.Equal(t, []Sound{Ringtone, Ringback}, p.plays)
	require.True(t, c.Playing(Ringtone))

	c.StopAll()
	require.ElementsMatch(t, []Sound{Ringtone, Ringback}, p.stops)
	require.False(t, c.Playing(Ringtone))
	require.False(t, c.Playing(Ringback))

	c.Stop(Ringtone)
	require.Len(t, p.stops, 2)
}

func TestBlockedSoundPlaysOnInteraction(t *testing.T) {
	p := &fakePlayer{blocked: true}
	c := NewControl(p, zerolog.New(io.Discard))

	c.StartRingtone()
	require.False(t, c.Playing(Ringtone))
	require.True(t, c.Pending(Ringtone))

	p.unblock()
	c.UserInteracted()
	require.True(t, c.Playing(Ringtone))
	require.False(t, c.Pending(Ringtone))
	require.Equal(t, []Sound{Ringtone}, p.plays)
}

func TestStopClearsPending(t *testing.T) {
	p := &fakePlayer{blocked: true}
	c := NewControl(p, zerolog.New(io.Discard))

	c.StartRingback()
	c.StopAll()
	require.False(t, c.Pending(Ringback))

	p.unblock()
	c.UserInteracted()
	require.Empty(t, p.plays)
}

func TestMarkBlockedFromRemotePlayer(t *testing.T) {
	p := &fakePlayer{}
	c := NewControl(p, zerolog.New(io.Discard))

	c.StartRingtone()
	c.MarkBlocked(Ringtone)
	require.True(t, c.Pending(Ringtone))

	c.UserInteracted()
	require.True(t, c.Playing(Ringtone))
	require.Equal(t, []Sound{Ringtone, Ringtone}, p.plays)

	c.MarkBlocked(Ringback)
	require.False(t, c.Pending(Ringback))
}

func TestOtherPlayErrorsAreNotRetried(t *testing.T) {
	p := &fakePlayer{fail: errors.New("no device")}
	c := NewControl(p, zerolog.New(io.Discard))

	c.StartRingtone()
	require.False(t, c.Playing(Ringtone))
	require.False(t, c.Pending(Ringtone))
}
