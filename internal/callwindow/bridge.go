// Package callwindow coordinates the separate call window with the session
// that opened it. Window closure is detected on every liveness channel and
// the first one to fire wins.
package callwindow

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"chat-realtime/internal/models"
)

// Params pre-populate a call window.
type Params struct {
	ThreadID string          `json:"threadId"`
	RoomID   string          `json:"roomId"`
	Token    string          `json:"token"`
	CallType models.CallType `json:"callType"`
	Outgoing bool            `json:"outgoing"`
}

// WindowHandle is an open call window.
type WindowHandle interface {
	ID() string
	Closed() bool
	Close()
}

// Host opens call windows.
type Host interface {
	Open(ctx context.Context, params Params) (WindowHandle, error)
}

var ErrWindowBlocked = errors.New("call window could not be opened")

type monitor struct {
	handle WindowHandle
	cancel context.CancelFunc
	once   sync.Once
}

// Bridge opens call windows and reports their closure once per window.
type Bridge struct {
	host     Host
	channels []LivenessChannel
	log      zerolog.Logger

	mu       sync.Mutex
	monitors map[string]*monitor
}

func NewBridge(host Host, logger zerolog.Logger, channels ...LivenessChannel) *Bridge {
	return &Bridge{
		host:     host,
		channels: channels,
		log:      logger.With().Str("component", "call_window").Logger(),
		monitors: map[string]*monitor{},
	}
}

// OpenCallWindow opens a window for params and calls onEnded once when any
// liveness channel reports it gone. A monitor already running for the thread
// is replaced without firing.
func (b *Bridge) OpenCallWindow(ctx context.Context, params Params, onEnded func(threadID string)) (WindowHandle, error) {
	handle, err := b.host.Open(ctx, params)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	m := &monitor{handle: handle, cancel: cancel}

	b.mu.Lock()
	if prev, ok := b.monitors[params.ThreadID]; ok {
		prev.once.Do(prev.cancel)
	}
	b.monitors[params.ThreadID] = m
	b.mu.Unlock()

	fire := func() {
		m.once.Do(func() {
			cancel()
			b.mu.Lock()
			if b.monitors[params.ThreadID] == m {
				delete(b.monitors, params.ThreadID)
			}
			b.mu.Unlock()
			b.log.Debug().Str("thread_id", params.ThreadID).Str("window_id", handle.ID()).Msg("call window ended")
			if onEnded != nil {
				onEnded(params.ThreadID)
			}
		})
	}

	for _, ch := range b.channels {
		go ch.Watch(watchCtx, params.ThreadID, handle, fire)
	}
	return handle, nil
}

// StopMonitor cancels watchers for threadID without firing and returns the
// window handle, if any.
func (b *Bridge) StopMonitor(threadID string) WindowHandle {
	b.mu.Lock()
	m, ok := b.monitors[threadID]
	if ok {
		delete(b.monitors, threadID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	m.once.Do(m.cancel)
	return m.handle
}

// CloseCallWindow stops monitoring threadID and closes its window.
func (b *Bridge) CloseCallWindow(threadID string) {
	if handle := b.StopMonitor(threadID); handle != nil && !handle.Closed() {
		handle.Close()
	}
}

// Monitoring reports whether a monitor runs for threadID.
func (b *Bridge) Monitoring(threadID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.monitors[threadID]
	return ok
}

// Close stops every monitor without firing.
func (b *Bridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.monitors))
	for id := range b.monitors {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.StopMonitor(id)
	}
}
