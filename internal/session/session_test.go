package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/calls"
	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/mocks"
	"chat-realtime/internal/models"
	"chat-realtime/internal/ring"
	"chat-realtime/internal/transport"
)

type frames struct {
	mu  sync.Mutex
	all []Frame
}

func (f *frames) send(fr Frame) error {
	f.mu.Lock()
	f.all = append(f.all, fr)
	f.mu.Unlock()
	return nil
}

func (f *frames) find(match func(Frame) bool) (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range f.all {
		if match(fr) {
			return fr, true
		}
	}
	return Frame{}, false
}

func (f *frames) waitFor(t *testing.T, match func(Frame) bool) Frame {
	t.Helper()
	var got Frame
	require.Eventually(t, func() bool {
		fr, ok := f.find(match)
		got = fr
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

// inboxPoster writes messages the way the delivery tracker fans them out:
// one message_created delta per member inbox.
type inboxPoster struct {
	bus    transport.Bus
	thread models.Thread
	mu     sync.Mutex
	seq    int
}

func (p *inboxPoster) PostMessage(ctx context.Context, in delivery.PostInput) (models.Message, error) {
	p.mu.Lock()
	p.seq++
	msg := models.Message{
		ID:        fmt.Sprintf("m%d", p.seq),
		ThreadID:  in.ThreadID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		Metadata:  in.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	p.mu.Unlock()
	for _, id := range p.thread.ParticipantIDs("") {
		ev := models.ThreadEvent{Type: models.EventMessageCreated, ThreadID: in.ThreadID, Message: &msg}
		if err := transport.PublishJSON(ctx, p.bus, transport.InboxChannel(id), ev); err != nil {
			return models.Message{}, err
		}
	}
	return msg, nil
}

type localSFU struct{}

func (localSFU) CreateRoom(context.Context) (string, error) { return "room-1", nil }
func (localSFU) IssueToken(_ context.Context, roomID, userID string) (string, error) {
	return roomID + ":" + userID, nil
}

type world struct {
	bus    *transport.MemoryBus
	repo   *mocks.ThreadRepositoryMock
	poster *inboxPoster
}

func newWorld(t *testing.T) *world {
	t.Helper()
	bus := transport.NewMemoryBus(zerolog.New(io.Discard))
	t.Cleanup(func() { _ = bus.Close() })
	thread := models.Thread{
		ID:   "t1",
		Kind: models.ThreadDirect,
		Participants: []models.Participant{
			{ThreadID: "t1", UserID: "alice"},
			{ThreadID: "t1", UserID: "bob"},
		},
	}
	repo := new(mocks.ThreadRepositoryMock)
	repo.On("ListThreadsForUser", mock.Anything, mock.Anything, mock.Anything, 0).Return([]models.Thread{thread}, nil)
	repo.On("GetThread", mock.Anything, "t1").Return(thread, nil)
	return &world{bus: bus, repo: repo, poster: &inboxPoster{bus: bus, thread: thread}}
}

func (w *world) open(t *testing.T, userID string) (*Session, *frames) {
	t.Helper()
	out := &frames{}
	s := New(Deps{
		UserID:  userID,
		Bus:     w.bus,
		Threads: w.repo,
		Poster:  w.poster,
		SFU:     localSFU{},
		Timing: Timing{
			TypingInactivity: 200 * time.Millisecond,
			TypingTTL:        time.Second,
			TypingSweep:      100 * time.Millisecond,
			RingTimeout:      time.Minute,
			WindowPoll:       20 * time.Millisecond,
			WindowAttach:     time.Second,
		},
		Send:   out.send,
		Logger: zerolog.New(io.Discard),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return s, out
}

func TestCallFlowsBetweenSessions(t *testing.T) {
	w := newWorld(t)
	alice, aliceOut := w.open(t, "alice")
	bob, bobOut := w.open(t, "bob")
	ctx := context.Background()

	call, err := alice.Calls().StartCall(ctx, "t1", models.CallVideo)
	require.NoError(t, err)
	require.Equal(t, "room-1", call.RoomID)

	aliceOpen := aliceOut.waitFor(t, func(f Frame) bool { return f.Type == "open_call_window" && f.Params.Outgoing })
	_, err = alice.AttachWindow(aliceOpen.WindowID, func() {})
	require.NoError(t, err)
	aliceOut.waitFor(t, func(f Frame) bool { return f.Type == FrameRing && f.Sound == ring.Ringback && f.Action == "play" })

	open := bobOut.waitFor(t, func(f Frame) bool { return f.Type == "open_call_window" })
	require.Equal(t, "room-1", open.Params.RoomID)
	require.Equal(t, "room-1:alice", open.Params.Token)
	bobOut.waitFor(t, func(f Frame) bool { return f.Type == FrameRing && f.Sound == ring.Ringtone && f.Action == "play" })
	require.True(t, bob.Ring().Playing(ring.Ringtone))

	win, err := bob.AttachWindow(open.WindowID, func() {})
	require.NoError(t, err)
	require.NoError(t, bob.Calls().Accept(ctx, "t1"))
	require.False(t, bob.Ring().Playing(ring.Ringtone))

	require.Eventually(t, func() bool {
		s, ok := alice.Calls().Session("t1")
		return ok && s.State == models.CallConnecting
	}, 2*time.Second, 10*time.Millisecond)

	// bob's call window goes away without a message; polling notices
	bob.DetachWindow(win.ID())
	require.Eventually(t, func() bool {
		_, ok := alice.Calls().Session("t1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	_, bobLive := bob.Calls().Session("t1")
	require.False(t, bobLive)
	aliceOut.waitFor(t, func(f Frame) bool { return f.Type == "close_call_window" })
}

func TestCallEndedMessageFromWindow(t *testing.T) {
	w := newWorld(t)
	alice, aliceOut := w.open(t, "alice")

	_, err := alice.Calls().StartCall(context.Background(), "t1", models.CallAudio)
	require.NoError(t, err)
	open := aliceOut.waitFor(t, func(f Frame) bool { return f.Type == "open_call_window" })
	_, err = alice.AttachWindow(open.WindowID, func() {})
	require.NoError(t, err)

	require.NoError(t, notifyEnded(alice, "t1"))
	require.Eventually(t, func() bool {
		_, ok := alice.Calls().Session("t1")
		return !ok
	}, time.Second, 10*time.Millisecond)
	ended := aliceOut.waitFor(t, func(f Frame) bool { return f.Type == FrameCall && f.Call.State == models.CallEnded })
	require.Equal(t, "t1", ended.ThreadID)
}

func notifyEnded(s *Session, threadID string) error {
	return s.Opener().PostMessage(s.Opener().Origin(), callwindow.EndedMessage{Type: callwindow.CallEndedType, ThreadID: threadID})
}

func TestTypingReachesPeerSession(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.open(t, "alice")
	bob, bobOut := w.open(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.WatchTyping(ctx, "t1"))
	require.NoError(t, bob.WatchTyping(ctx, "t1"))
	require.NoError(t, bob.WatchTyping(ctx, "t1"))

	require.NoError(t, alice.Keystroke(ctx, "t1"))
	bobOut.waitFor(t, func(f Frame) bool { return f.Type == FrameTyping && len(f.UserIDs) == 1 && f.UserIDs[0] == "alice" })
	require.Equal(t, []string{"alice"}, bob.Typing("t1"))

	// inactivity sends the false event
	require.Eventually(t, func() bool { return len(bob.Typing("t1")) == 0 }, 2*time.Second, 20*time.Millisecond)

	bob.UnwatchTyping(ctx, "t1")
	require.NoError(t, bob.StopTyping(ctx, "t1"))
	bob.UnwatchTyping(ctx, "t1")
	require.ErrorIs(t, bob.Keystroke(ctx, "t1"), ErrNotWatching)
}

func TestWatchTypingRequiresMembership(t *testing.T) {
	w := newWorld(t)
	w.repo.On("GetThread", mock.Anything, "t2").Return(models.Thread{
		ID:           "t2",
		Participants: []models.Participant{{ThreadID: "t2", UserID: "carol"}, {ThreadID: "t2", UserID: "dave"}},
	}, nil)
	alice, _ := w.open(t, "alice")

	require.Error(t, alice.WatchTyping(context.Background(), "t2"))
}

var _ calls.MessagePoster = (*inboxPoster)(nil)
