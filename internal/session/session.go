// Package session assembles the realtime components owned by one main-window
// connection. Sessions share nothing; two tabs of the same user coordinate
// only through the transport and the store.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chat-realtime/internal/calls"
	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/models"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/ring"
	"chat-realtime/internal/threads"
	"chat-realtime/internal/transport"
	"chat-realtime/internal/typing"
)

// Frame is one server-to-client websocket message of a main window.
type Frame struct {
	Type     string                `json:"type"`
	Delta    *models.ThreadEvent   `json:"delta,omitempty"`
	Call     *models.CallSession   `json:"call,omitempty"`
	ThreadID string                `json:"threadId,omitempty"`
	UserIDs  []string              `json:"userIds,omitempty"`
	Sound    ring.Sound            `json:"sound,omitempty"`
	Action   string                `json:"action,omitempty"`
	WindowID string                `json:"windowId,omitempty"`
	Params   *callwindow.Params    `json:"params,omitempty"`
	Presence *models.PresenceState `json:"presence,omitempty"`
	Error    string                `json:"error,omitempty"`
}

// Frame types.
const (
	FrameDelta    = "delta"
	FrameCall     = "call"
	FrameTyping   = "typing"
	FrameRing     = "ring"
	FramePresence = "presence"
	FrameError    = "error"
)

// Timing groups the tunable intervals of a session.
type Timing struct {
	TypingInactivity time.Duration
	TypingTTL        time.Duration
	TypingSweep      time.Duration
	RingTimeout      time.Duration
	WindowPoll       time.Duration
	WindowAttach     time.Duration
}

// Deps are the shared collaborators a session is built from.
type Deps struct {
	UserID   string
	Origin   string
	Bus      transport.Bus
	Threads  repositories.ThreadRepository
	Direct   calls.DirectThreads
	Poster   calls.MessagePoster
	SFU      calls.SFU
	Notifier notify.Notifier
	Auditor  calls.Auditor
	Timing   Timing
	// Send delivers a frame to the main-window client. It must be safe for
	// concurrent use.
	Send   func(Frame) error
	Logger zerolog.Logger
}

type typingView struct {
	refs        int
	broadcaster *typing.Broadcaster
	tracker     *typing.Tracker
	unsub       func()
}

// Session is the server-side state of one main window.
type Session struct {
	id     string
	userID string
	deps   Deps
	log    zerolog.Logger

	store  *threads.Store
	ring   *ring.Control
	host   *callwindow.RemoteHost
	push   *callwindow.PushChannel
	bridge *callwindow.Bridge
	calls  *calls.Coordinator

	mu     sync.Mutex
	typing map[string]*typingView
	unsubs []func()
	closed bool
}

func New(d Deps) *Session {
	s := &Session{
		id:     uuid.NewString(),
		userID: d.UserID,
		deps:   d,
		typing: map[string]*typingView{},
	}
	s.log = d.Logger.With().Str("component", "session").Str("session_id", s.id).Str("user_id", d.UserID).Logger()

	s.store = threads.NewStore(d.UserID, d.Threads, d.Bus, d.Logger)
	s.ring = ring.NewControl(clientPlayer{send: d.Send}, d.Logger)
	s.host = callwindow.NewRemoteHost(func(cmd callwindow.WindowCommand) error {
		params := cmd.Params
		return d.Send(Frame{Type: cmd.Type, WindowID: cmd.WindowID, ThreadID: params.ThreadID, Params: &params})
	}, d.Timing.WindowAttach)
	s.push = callwindow.NewPushChannel(d.Origin)
	s.bridge = callwindow.NewBridge(s.host, d.Logger, s.push, callwindow.PollChannel{Interval: d.Timing.WindowPoll})
	s.calls = calls.NewCoordinator(calls.Deps{
		UserID:      d.UserID,
		Threads:     s.store,
		Direct:      d.Direct,
		Poster:      d.Poster,
		SFU:         d.SFU,
		Ring:        s.ring,
		Windows:     s.bridge,
		Notifier:    d.Notifier,
		Auditor:     d.Auditor,
		RingTimeout: d.Timing.RingTimeout,
		Logger:      d.Logger,
	})
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

// Calls exposes the session's call coordinator.
func (s *Session) Calls() *calls.Coordinator { return s.calls }

// Ring exposes the session's ring control.
func (s *Session) Ring() *ring.Control { return s.ring }

// Threads exposes the session's thread view.
func (s *Session) Threads() *threads.Store { return s.store }

// Opener is the main window as seen from its call windows.
func (s *Session) Opener() callwindow.Opener { return s.push }

// Start subscribes the thread view and wires observed messages into the call
// coordinator.
func (s *Session) Start(ctx context.Context) error {
	unsubMsg := s.store.OnMessage(s.calls.HandleMessage)
	unsubDelta := s.store.OnDelta(func(ev models.ThreadEvent) {
		s.send(Frame{Type: FrameDelta, ThreadID: ev.ThreadID, Delta: &ev})
	})
	unsubCall := s.calls.OnChange(func(call models.CallSession) {
		s.send(Frame{Type: FrameCall, ThreadID: call.ThreadID, Call: &call})
	})
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubMsg, unsubDelta, unsubCall)
	s.mu.Unlock()

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("start thread store: %w", err)
	}
	return nil
}

// WatchTyping starts showing who types in threadID. Calls are reference
// counted against UnwatchTyping.
func (s *Session) WatchTyping(ctx context.Context, threadID string) error {
	if _, err := s.store.ResolveThread(ctx, threadID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if v, ok := s.typing[threadID]; ok {
		v.refs++
		return nil
	}

	t := s.deps.Timing
	tracker := typing.NewTracker(s.deps.Bus, threadID, s.userID, t.TypingTTL, t.TypingSweep, s.deps.Logger)
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	v := &typingView{
		refs:        1,
		broadcaster: typing.NewBroadcaster(s.deps.Bus, threadID, s.userID, t.TypingInactivity, s.deps.Logger),
		tracker:     tracker,
	}
	v.unsub = tracker.OnChange(func(users []string) {
		s.send(Frame{Type: FrameTyping, ThreadID: threadID, UserIDs: users})
	})
	s.typing[threadID] = v
	return nil
}

// UnwatchTyping releases one WatchTyping reference.
func (s *Session) UnwatchTyping(ctx context.Context, threadID string) {
	s.mu.Lock()
	v, ok := s.typing[threadID]
	if !ok {
		s.mu.Unlock()
		return
	}
	v.refs--
	if v.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.typing, threadID)
	s.mu.Unlock()

	closeView(ctx, v)
}

// Keystroke records local typing activity in a watched thread.
func (s *Session) Keystroke(ctx context.Context, threadID string) error {
	v, err := s.view(threadID)
	if err != nil {
		return err
	}
	v.broadcaster.Keystroke(ctx)
	return nil
}

// StopTyping ends local typing in a watched thread, e.g. after sending.
func (s *Session) StopTyping(ctx context.Context, threadID string) error {
	v, err := s.view(threadID)
	if err != nil {
		return err
	}
	v.broadcaster.StopTyping(ctx)
	return nil
}

// Typing returns the peers currently typing in a watched thread.
func (s *Session) Typing(threadID string) []string {
	v, err := s.view(threadID)
	if err != nil {
		return nil
	}
	return v.tracker.Typing()
}

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotWatching   = errors.New("thread is not watched")
)

func (s *Session) view(threadID string) (*typingView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.typing[threadID]
	if !ok {
		return nil, ErrNotWatching
	}
	return v, nil
}

// AttachWindow binds a connected call window to this session.
func (s *Session) AttachWindow(windowID string, closeFn func()) (*callwindow.RemoteWindow, error) {
	return s.host.Attach(windowID, closeFn)
}

// DetachWindow records that a call window disconnected.
func (s *Session) DetachWindow(windowID string) {
	s.host.Detach(windowID)
}

// Close ends live calls, stops typing and releases subscriptions.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.typing
	s.typing = map[string]*typingView{}
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.calls.Close(ctx)
	s.bridge.Close()
	s.ring.StopAll()
	for _, v := range views {
		closeView(ctx, v)
	}
	for _, fn := range unsubs {
		fn()
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("thread store close failed")
	}
}

func (s *Session) send(f Frame) {
	if err := s.deps.Send(f); err != nil {
		s.log.Debug().Err(err).Str("frame", f.Type).Msg("frame not delivered")
	}
}

func closeView(ctx context.Context, v *typingView) {
	v.unsub()
	v.broadcaster.Close(ctx)
	_ = v.tracker.Close()
}

// clientPlayer plays sounds in the main-window client. The client reports
// blocked autoplay back through ring.Control.MarkBlocked.
type clientPlayer struct {
	send func(Frame) error
}

func (p clientPlayer) Play(sound ring.Sound) error {
	return p.send(Frame{Type: FrameRing, Sound: sound, Action: "play"})
}

func (p clientPlayer) Stop(sound ring.Sound) {
	_ = p.send(Frame{Type: FrameRing, Sound: sound, Action: "stop"})
}
