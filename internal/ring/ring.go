// Package ring drives ringtone and ringback playback. Browsers may refuse to
// play audio before the user has interacted with the page; such a sound stays
// pending and starts on the next interaction.
package ring

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Sound is one of the call audio cues.
type Sound string

const (
	Ringtone Sound = "ringtone"
	Ringback Sound = "ringback"
)

// ErrAutoplayBlocked is returned by a Player that may not start audio yet.
var ErrAutoplayBlocked = errors.New("autoplay blocked")

// Player plays and stops looping sounds.
type Player interface {
	Play(sound Sound) error
	Stop(sound Sound)
}

// Control tracks which sounds should be audible.
type Control struct {
	player Player
	log    zerolog.Logger

	mu      sync.Mutex
	playing map[Sound]bool
	pending map[Sound]bool
}

func NewControl(player Player, logger zerolog.Logger) *Control {
	return &Control{
		player:  player,
		log:     logger.With().Str("component", "ring").Logger(),
		playing: map[Sound]bool{},
		pending: map[Sound]bool{},
	}
}

// StartRingtone plays the incoming-call sound.
func (c *Control) StartRingtone() { c.start(Ringtone) }

// StartRingback plays the outgoing-call sound.
func (c *Control) StartRingback() { c.start(Ringback) }

// Stop silences sound and forgets any pending playback of it.
func (c *Control) Stop(sound Sound) {
	c.mu.Lock()
	wasPlaying := c.playing[sound]
	delete(c.playing, sound)
	delete(c.pending, sound)
	c.mu.Unlock()

	if wasPlaying {
		c.player.Stop(sound)
	}
}

// StopAll silences every sound.
func (c *Control) StopAll() {
	c.Stop(Ringtone)
	c.Stop(Ringback)
}

// UserInteracted retries every pending sound.
func (c *Control) UserInteracted() {
	c.mu.Lock()
	retry := make([]Sound, 0, len(c.pending))
	for s := range c.pending {
		retry = append(retry, s)
	}
	c.mu.Unlock()

	for _, s := range retry {
		c.start(s)
	}
}

// MarkBlocked records that a remote player could not start sound.
func (c *Control) MarkBlocked(sound Sound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing[sound] {
		return
	}
	delete(c.playing, sound)
	c.pending[sound] = true
}

// Playing reports whether sound is currently audible.
func (c *Control) Playing(sound Sound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing[sound]
}

// Pending reports whether sound waits for a user interaction.
func (c *Control) Pending(sound Sound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[sound]
}

func (c *Control) start(sound Sound) {
	c.mu.Lock()
	if c.playing[sound] {
		c.mu.Unlock()
		return
	}
	c.playing[sound] = true
	delete(c.pending, sound)
	c.mu.Unlock()

	err := c.player.Play(sound)
	if err == nil {
		return
	}

	c.mu.Lock()
	// a Stop may have raced the failed Play
	if c.playing[sound] {
		delete(c.playing, sound)
		if errors.Is(err, ErrAutoplayBlocked) {
			c.pending[sound] = true
		}
	}
	c.mu.Unlock()

	if errors.Is(err, ErrAutoplayBlocked) {
		c.log.Debug().Str("sound", string(sound)).Msg("autoplay blocked, waiting for interaction")
		return
	}
	c.log.Warn().Err(err).Str("sound", string(sound)).Msg("sound failed to play")
}
