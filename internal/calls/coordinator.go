// Package calls runs the call signaling state machine of one session. Calls
// are negotiated purely through thread messages: a call_request carries the
// media room and token, and accept, reject and end messages converge every
// participant on the same outcome. At most one call is live per thread.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/events"
	"chat-realtime/internal/models"
	"chat-realtime/internal/notify"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/ring"
)

const DefaultRingTimeout = 40 * time.Second

var (
	ErrCallInProgress    = errors.New("a call is already in progress for this thread")
	ErrNoCall            = errors.New("no call for this thread")
	ErrInvalidTransition = errors.New("operation not allowed in the current call state")
	ErrInvalidCallType   = errors.New("invalid call type")
	ErrCallCancelled     = errors.New("call cancelled before it started")
)

// ThreadResolver resolves a thread with its participants for the local user.
type ThreadResolver interface {
	ResolveThread(ctx context.Context, threadID string) (models.Thread, error)
}

// DirectThreads creates or reuses direct threads.
type DirectThreads interface {
	CreateThread(ctx context.Context, creatorID string, participantIDs []string, kind models.ThreadKind, title string) (string, error)
}

// MessagePoster writes signaling messages into threads.
type MessagePoster interface {
	PostMessage(ctx context.Context, in delivery.PostInput) (models.Message, error)
}

// Ringer plays call audio. One Ringer is shared by every thread of a session.
type Ringer interface {
	StartRingtone()
	StartRingback()
	Stop(sound ring.Sound)
}

// WindowOpener opens and tears down call windows.
type WindowOpener interface {
	OpenCallWindow(ctx context.Context, params callwindow.Params, onEnded func(threadID string)) (callwindow.WindowHandle, error)
	CloseCallWindow(threadID string)
}

// Auditor records call lifecycle events.
type Auditor interface {
	CallEvent(ctx context.Context, event string, call models.CallSession, reason string)
}

// Deps are the collaborators of a Coordinator. Direct, Notifier and Auditor are optional.
type Deps struct {
	UserID      string
	Threads     ThreadResolver
	Direct      DirectThreads
	Poster      MessagePoster
	SFU         SFU
	Ring        Ringer
	Windows     WindowOpener
	Notifier    notify.Notifier
	Auditor     Auditor
	RingTimeout time.Duration
	Logger      zerolog.Logger
}

type callState struct {
	call  models.CallSession
	timer *time.Timer
	// callees that rejected or left, tracked on the caller side
	gone map[string]bool
	// ringing marks a session that wants its sound played
	ringing bool
}

func (s *callState) sound() ring.Sound {
	if s.call.Outgoing {
		return ring.Ringback
	}
	return ring.Ringtone
}

// Coordinator owns the call sessions of one user session.
type Coordinator struct {
	userID      string
	threads     ThreadResolver
	direct      DirectThreads
	poster      MessagePoster
	sfu         SFU
	ring        Ringer
	windows     WindowOpener
	notifier    notify.Notifier
	auditor     Auditor
	ringTimeout time.Duration
	tracer      trace.Tracer
	log         zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*callState

	// ringMu orders syncRing calls; it is never taken while mu is held
	ringMu  sync.Mutex
	playing map[ring.Sound]bool

	changes events.Topic[models.CallSession]
}

func NewCoordinator(d Deps) *Coordinator {
	if d.RingTimeout <= 0 {
		d.RingTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		userID:      d.UserID,
		threads:     d.Threads,
		direct:      d.Direct,
		poster:      d.Poster,
		sfu:         d.SFU,
		ring:        d.Ring,
		windows:     d.Windows,
		notifier:    d.Notifier,
		auditor:     d.Auditor,
		ringTimeout: d.RingTimeout,
		tracer:      otel.Tracer("chat-realtime/calls"),
		log:         d.Logger.With().Str("component", "calls").Str("user_id", d.UserID).Logger(),
		sessions:    map[string]*callState{},
		playing:     map[ring.Sound]bool{},
	}
}

// OnChange registers fn for every call state change.
func (c *Coordinator) OnChange(fn func(models.CallSession)) func() {
	return c.changes.Subscribe(fn)
}

// Session returns the live call of a thread.
func (c *Coordinator) Session(threadID string) (models.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[threadID]
	if !ok {
		return models.CallSession{}, false
	}
	return s.call, true
}

// StartDirectCall reuses or creates the direct thread with calleeID and calls it.
func (c *Coordinator) StartDirectCall(ctx context.Context, calleeID string, callType models.CallType) (models.CallSession, error) {
	if c.direct == nil {
		return models.CallSession{}, errors.New("direct thread creation is not configured")
	}
	threadID, err := c.direct.CreateThread(ctx, c.userID, []string{calleeID}, models.ThreadDirect, "")
	if err != nil {
		return models.CallSession{}, fmt.Errorf("resolve direct thread: %w", err)
	}
	return c.StartCall(ctx, threadID, callType)
}

// StartCall rings the other members of threadID. The thread's call slot is
// reserved before the media room is allocated; a failed or cancelled
// allocation releases it and writes nothing.
func (c *Coordinator) StartCall(ctx context.Context, threadID string, callType models.CallType) (models.CallSession, error) {
	ctx, span := c.tracer.Start(ctx, "calls.StartCall", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("call.type", string(callType)),
	))
	defer span.End()

	call, err := c.startCall(ctx, threadID, callType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return call, err
}

func (c *Coordinator) startCall(ctx context.Context, threadID string, callType models.CallType) (models.CallSession, error) {
	if !callType.Valid() {
		return models.CallSession{}, ErrInvalidCallType
	}
	thread, err := c.threads.ResolveThread(ctx, threadID)
	if err != nil {
		return models.CallSession{}, err
	}
	callees := thread.ParticipantIDs(c.userID)
	if len(callees) == 0 {
		return models.CallSession{}, fmt.Errorf("%w: nobody to call", ErrInvalidTransition)
	}

	s := &callState{
		call: models.CallSession{
			ThreadID:  threadID,
			CallerID:  c.userID,
			CalleeIDs: callees,
			CallType:  callType,
			State:     models.CallOutgoingRinging,
			Outgoing:  true,
			StartedAt: time.Now().UTC(),
		},
		gone: map[string]bool{},
	}

	c.mu.Lock()
	if existing, ok := c.sessions[threadID]; ok && existing.call.State.Live() {
		c.mu.Unlock()
		return models.CallSession{}, ErrCallInProgress
	}
	c.sessions[threadID] = s
	c.mu.Unlock()

	roomID, token, err := c.allocate(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.release(threadID, s)
		return models.CallSession{}, err
	}

	c.mu.Lock()
	if c.sessions[threadID] != s {
		c.mu.Unlock()
		return models.CallSession{}, ErrCallCancelled
	}
	s.call.RoomID = roomID
	s.call.Token = token
	call := s.call
	c.mu.Unlock()

	meta, err := json.Marshal(models.CallRequest{RoomID: roomID, Token: token, CallType: callType, CallerID: c.userID})
	if err != nil {
		c.release(threadID, s)
		return models.CallSession{}, err
	}
	if _, err := c.poster.PostMessage(ctx, delivery.PostInput{
		ThreadID: threadID,
		SenderID: c.userID,
		Content:  callLabel(callType),
		Type:     models.MessageCallRequest,
		Metadata: meta,
	}); err != nil {
		c.release(threadID, s)
		return models.CallSession{}, fmt.Errorf("write call request: %w", err)
	}

	params := callwindow.Params{ThreadID: threadID, RoomID: roomID, Token: token, CallType: callType, Outgoing: true}
	if _, err := c.windows.OpenCallWindow(ctx, params, c.WindowClosed); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("call window did not open, cancelling call")
		c.finalize(context.WithoutCancel(ctx), threadID, s, models.MessageCallEnded, models.EndReasonCancelled, true)
		return models.CallSession{}, err
	}

	c.mu.Lock()
	if c.sessions[threadID] != s {
		c.mu.Unlock()
		return call, nil
	}
	if s.call.State == models.CallOutgoingRinging {
		s.ringing = true
		s.timer = time.AfterFunc(c.ringTimeout, func() { c.ringTimedOut(threadID, s) })
	}
	call = s.call
	c.mu.Unlock()
	c.syncRing()

	notify.SendAll(ctx, c.notifier, callees, "Incoming call", callLabel(callType),
		map[string]string{"thread_id": threadID, "room_id": roomID, "type": string(models.MessageCallRequest)})
	c.changed(ctx, call, "call_started", "")
	return call, nil
}

func (c *Coordinator) allocate(ctx context.Context) (string, string, error) {
	roomID, err := c.sfu.CreateRoom(ctx)
	if err != nil {
		return "", "", err
	}
	token, err := c.sfu.IssueToken(ctx, roomID, c.userID)
	if err != nil {
		return "", "", err
	}
	return roomID, token, nil
}

// release drops a reservation that never reached the other side.
func (c *Coordinator) release(threadID string, s *callState) {
	c.mu.Lock()
	if c.sessions[threadID] == s {
		delete(c.sessions, threadID)
	}
	c.mu.Unlock()
}

// Accept answers an incoming call.
func (c *Coordinator) Accept(ctx context.Context, threadID string) error {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrNoCall
	}
	if s.call.Outgoing || s.call.State != models.CallIncomingRinging {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	s.call.State = models.CallConnecting
	s.ringing = false
	c.stopTimerLocked(s)
	call := s.call
	c.mu.Unlock()
	c.syncRing()

	c.changed(ctx, call, "call_accepted", "")
	return c.writeOutcome(ctx, call, models.MessageCallAccepted, "")
}

// Reject declines an incoming call.
func (c *Coordinator) Reject(ctx context.Context, threadID string) error {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrNoCall
	}
	if s.call.Outgoing || s.call.State != models.CallIncomingRinging {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	c.mu.Unlock()

	return c.finalize(ctx, threadID, s, models.MessageCallRejected, models.EndReasonRejected, true)
}

// Hangup ends the thread's call from this side.
func (c *Coordinator) Hangup(ctx context.Context, threadID string) error {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrNoCall
	}
	state, room, outgoing := s.call.State, s.call.RoomID, s.call.Outgoing
	c.mu.Unlock()

	switch {
	case room == "":
		// still allocating: nothing was written yet
		c.release(threadID, s)
		return nil
	case state == models.CallIncomingRinging:
		return c.finalize(ctx, threadID, s, models.MessageCallRejected, models.EndReasonRejected, true)
	case state == models.CallOutgoingRinging && outgoing:
		return c.finalize(ctx, threadID, s, models.MessageCallEnded, models.EndReasonCancelled, true)
	default:
		return c.finalize(ctx, threadID, s, models.MessageCallEnded, models.EndReasonHangup, true)
	}
}

// WindowClosed is called by the call window bridge when the window is gone.
func (c *Coordinator) WindowClosed(threadID string) {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.finalize(context.Background(), threadID, s, models.MessageCallEnded, models.EndReasonWindowClosed, true); err != nil {
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("call end after window close not written")
	}
}

// MediaJoined records that the media layer reported a joined participant.
func (c *Coordinator) MediaJoined(ctx context.Context, threadID string) error {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok {
		c.mu.Unlock()
		return ErrNoCall
	}
	switch s.call.State {
	case models.CallOutgoingRinging, models.CallIncomingRinging, models.CallConnecting:
	case models.CallActive:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	if s.call.RoomID == "" {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	s.call.State = models.CallActive
	s.call.ConnectedAt = &now
	s.ringing = false
	c.stopTimerLocked(s)
	call := s.call
	c.mu.Unlock()
	c.syncRing()

	c.changed(ctx, call, "call_active", "")
	return nil
}

// HandleMessage feeds an observed thread message into the state machine.
// Duplicate and stale signals are absorbed.
func (c *Coordinator) HandleMessage(msg models.Message) {
	if !msg.Type.IsCallSignal() {
		return
	}
	sig, err := models.ParseCallSignal(msg)
	if err != nil {
		c.log.Debug().Err(err).Str("message_id", msg.ID).Msg("ignoring malformed call signal")
		return
	}

	switch s := sig.(type) {
	case models.CallRequest:
		if msg.SenderID == c.userID {
			return
		}
		c.handleRequest(msg.ThreadID, s)
	case models.CallOutcome:
		c.handleOutcome(msg.ThreadID, msg.SenderID, s)
	}
}

func (c *Coordinator) handleRequest(threadID string, req models.CallRequest) {
	ctx := context.Background()
	callees := []string{c.userID}
	if thread, err := c.threads.ResolveThread(ctx, threadID); err == nil {
		callees = thread.ParticipantIDs(req.CallerID)
	} else {
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("call request for unresolved thread")
	}

	s := &callState{call: models.CallSession{
		ThreadID:  threadID,
		CallerID:  req.CallerID,
		CalleeIDs: callees,
		CallType:  req.CallType,
		RoomID:    req.RoomID,
		Token:     req.Token,
		State:     models.CallIncomingRinging,
		StartedAt: time.Now().UTC(),
	}, ringing: true}

	c.mu.Lock()
	if existing, ok := c.sessions[threadID]; ok && existing.call.State.Live() {
		c.mu.Unlock()
		if existing.call.RoomID != req.RoomID {
			c.log.Info().Str("thread_id", threadID).Str("room_id", req.RoomID).Msg("ignoring call request while another call is live")
		}
		return
	}
	c.sessions[threadID] = s
	s.timer = time.AfterFunc(c.ringTimeout, func() { c.ringTimedOut(threadID, s) })
	call := s.call
	c.mu.Unlock()
	c.syncRing()

	c.changed(ctx, call, "call_ringing", "")

	params := callwindow.Params{ThreadID: threadID, RoomID: req.RoomID, Token: req.Token, CallType: req.CallType}
	if _, err := c.windows.OpenCallWindow(ctx, params, c.WindowClosed); err != nil {
		// nobody can answer without a window; end locally and let the
		// caller's ring run out on its own
		c.log.Warn().Err(err).Str("thread_id", threadID).Msg("incoming call window did not open, dropping call")
		_ = c.finalize(ctx, threadID, s, models.MessageCallEnded, models.EndReasonWindowClosed, false)
		return
	}

	c.mu.Lock()
	stale := c.sessions[threadID] != s
	c.mu.Unlock()
	if stale {
		c.windows.CloseCallWindow(threadID)
	}
}

func (c *Coordinator) handleOutcome(threadID, senderID string, out models.CallOutcome) {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if !ok || s.call.RoomID != out.RoomID || !s.call.State.Live() {
		c.mu.Unlock()
		return
	}

	if senderID == c.userID {
		// another session of this user answered or declined the ring
		ringing := s.call.State == models.CallIncomingRinging
		c.mu.Unlock()
		if ringing {
			_ = c.finalize(context.Background(), threadID, s, out.Type, models.EndReasonRemote, false)
		}
		return
	}

	if s.call.Outgoing {
		switch out.Type {
		case models.MessageCallAccepted:
			if s.call.State != models.CallOutgoingRinging {
				c.mu.Unlock()
				return
			}
			s.call.State = models.CallConnecting
			s.ringing = false
			c.stopTimerLocked(s)
			call := s.call
			c.mu.Unlock()
			c.syncRing()
			c.changed(context.Background(), call, "call_accepted", "")
			return
		case models.MessageCallRejected, models.MessageCallEnded:
			s.gone[senderID] = true
			everyoneGone := true
			for _, id := range s.call.CalleeIDs {
				if !s.gone[id] {
					everyoneGone = false
					break
				}
			}
			c.mu.Unlock()
			if everyoneGone {
				_ = c.finalize(context.Background(), threadID, s, out.Type, reasonOr(out.Reason, models.EndReasonRemote), false)
			}
			return
		}
		c.mu.Unlock()
		return
	}

	// callee side: only the caller can end the call for everyone
	isCaller := senderID == s.call.CallerID
	c.mu.Unlock()
	if isCaller && out.Type == models.MessageCallEnded {
		_ = c.finalize(context.Background(), threadID, s, out.Type, reasonOr(out.Reason, models.EndReasonRemote), false)
	}
}

func (c *Coordinator) ringTimedOut(threadID string, s *callState) {
	c.mu.Lock()
	current := c.sessions[threadID] == s
	state := s.call.State
	c.mu.Unlock()
	if !current {
		return
	}

	switch state {
	case models.CallOutgoingRinging:
		if err := c.finalize(context.Background(), threadID, s, models.MessageCallEnded, models.EndReasonNoAnswer, true); err != nil {
			c.log.Warn().Err(err).Str("thread_id", threadID).Msg("no-answer end not written")
		}
	case models.CallIncomingRinging:
		_ = c.finalize(context.Background(), threadID, s, models.MessageCallEnded, models.EndReasonNoAnswer, false)
	}
}

// finalize ends s if it is still the thread's session. Only the first call
// has any effect. When write is set the terminal message is posted.
func (c *Coordinator) finalize(ctx context.Context, threadID string, s *callState, kind models.MessageType, reason string, write bool) error {
	c.mu.Lock()
	if c.sessions[threadID] != s {
		c.mu.Unlock()
		return nil
	}
	delete(c.sessions, threadID)
	c.stopTimerLocked(s)
	s.ringing = false
	s.call.State = models.CallEnded
	call := s.call
	c.mu.Unlock()
	c.syncRing()

	c.windows.CloseCallWindow(threadID)
	c.changed(ctx, call, "call_ended", reason)

	if !write || call.RoomID == "" {
		return nil
	}
	return c.writeOutcome(ctx, call, kind, reason)
}

func (c *Coordinator) writeOutcome(ctx context.Context, call models.CallSession, kind models.MessageType, reason string) error {
	meta, err := json.Marshal(models.CallOutcome{RoomID: call.RoomID, UserID: c.userID, Reason: reason})
	if err != nil {
		return err
	}
	_, err = c.poster.PostMessage(ctx, delivery.PostInput{
		ThreadID: call.ThreadID,
		SenderID: c.userID,
		Type:     kind,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// Close ends every live call as if its window had closed.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	live := make(map[string]*callState, len(c.sessions))
	for id, s := range c.sessions {
		live[id] = s
	}
	c.mu.Unlock()

	for id, s := range live {
		if err := c.finalize(ctx, id, s, models.MessageCallEnded, models.EndReasonWindowClosed, true); err != nil {
			c.log.Warn().Err(err).Str("thread_id", id).Msg("call end on close not written")
		}
	}
}

// syncRing plays the sounds wanted by the sessions still ringing and stops
// the rest. Ringer calls run without mu held.
func (c *Coordinator) syncRing() {
	c.ringMu.Lock()
	defer c.ringMu.Unlock()

	want := map[ring.Sound]bool{}
	c.mu.Lock()
	for _, s := range c.sessions {
		if s.ringing {
			want[s.sound()] = true
		}
	}
	c.mu.Unlock()

	for _, sound := range []ring.Sound{ring.Ringtone, ring.Ringback} {
		switch {
		case want[sound] && !c.playing[sound]:
			if sound == ring.Ringtone {
				c.ring.StartRingtone()
			} else {
				c.ring.StartRingback()
			}
		case !want[sound] && c.playing[sound]:
			c.ring.Stop(sound)
		}
	}
	c.playing = want
}

func (c *Coordinator) stopTimerLocked(s *callState) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (c *Coordinator) changed(ctx context.Context, call models.CallSession, event, reason string) {
	observability.IncCallTransition(string(call.State))
	c.log.Info().
		Str("thread_id", call.ThreadID).
		Str("room_id", call.RoomID).
		Str("state", string(call.State)).
		Str("reason", reason).
		Msg(event)
	if c.auditor != nil {
		c.auditor.CallEvent(ctx, event, call, reason)
	}
	c.changes.Emit(call)
}

func callLabel(t models.CallType) string {
	if t == models.CallVideo {
		return "Video call"
	}
	return "Voice call"
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
