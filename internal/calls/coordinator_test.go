package calls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/models"
	"chat-realtime/internal/ring"
)

// network delivers every posted message to every attached coordinator in
// post order, asynchronously, the way inbox deltas arrive.
type network struct {
	mu    sync.Mutex
	seq   int
	log   []models.Message
	peers map[int]chan models.Message
	// scope limits a peer to the listed threads; unscoped peers see everything
	scope map[int]map[string]bool
	fail  error
}

func (n *network) attach(t *testing.T, c *Coordinator, threadIDs ...string) {
	t.Helper()
	ch := make(chan models.Message, 64)
	done := make(chan struct{})
	n.mu.Lock()
	if n.peers == nil {
		n.peers = map[int]chan models.Message{}
		n.scope = map[int]map[string]bool{}
	}
	id := len(n.peers)
	n.peers[id] = ch
	if len(threadIDs) > 0 {
		n.scope[id] = map[string]bool{}
		for _, tid := range threadIDs {
			n.scope[id][tid] = true
		}
	}
	n.mu.Unlock()
	go func() {
		defer close(done)
		for msg := range ch {
			c.HandleMessage(msg)
		}
	}()
	t.Cleanup(func() {
		n.mu.Lock()
		delete(n.peers, id)
		n.mu.Unlock()
		close(ch)
		<-done
	})
}

func (n *network) PostMessage(_ context.Context, in delivery.PostInput) (models.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return models.Message{}, n.fail
	}
	n.seq++
	msg := models.Message{
		ID:        fmt.Sprintf("m%d", n.seq),
		ThreadID:  in.ThreadID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		Metadata:  in.Metadata,
		CreatedAt: time.Now(),
	}
	n.log = append(n.log, msg)
	for id, ch := range n.peers {
		if scope, ok := n.scope[id]; ok && !scope[msg.ThreadID] {
			continue
		}
		ch <- msg
	}
	return msg, nil
}

func (n *network) types() []models.MessageType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.MessageType, 0, len(n.log))
	for _, m := range n.log {
		out = append(out, m.Type)
	}
	return out
}

func (n *network) last() models.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log[len(n.log)-1]
}

type threadSet map[string]models.Thread

func (s threadSet) ResolveThread(_ context.Context, threadID string) (models.Thread, error) {
	t, ok := s[threadID]
	if !ok {
		return models.Thread{}, errors.New("thread not found")
	}
	return t, nil
}

type fakeSFU struct {
	mu    sync.Mutex
	rooms int
	err   error
	block chan struct{}
}

func (f *fakeSFU) CreateRoom(ctx context.Context) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.rooms++
	return fmt.Sprintf("room-%d", f.rooms), nil
}

func (f *fakeSFU) IssueToken(_ context.Context, roomID, userID string) (string, error) {
	return "token-" + roomID + "-" + userID, nil
}

type fakeRinger struct {
	mu       sync.Mutex
	ringtone bool
	ringback bool
}

func (r *fakeRinger) StartRingtone() { r.mu.Lock(); r.ringtone = true; r.mu.Unlock() }
func (r *fakeRinger) StartRingback() { r.mu.Lock(); r.ringback = true; r.mu.Unlock() }

func (r *fakeRinger) Stop(sound ring.Sound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch sound {
	case ring.Ringtone:
		r.ringtone = false
	case ring.Ringback:
		r.ringback = false
	}
}

func (r *fakeRinger) silent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.ringtone && !r.ringback
}

func (r *fakeRinger) ringing() (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringtone, r.ringback
}

type fakeWindow struct{ id string }

func (w fakeWindow) ID() string   { return w.id }
func (w fakeWindow) Closed() bool { return false }
func (w fakeWindow) Close()       {}

type fakeWindows struct {
	mu      sync.Mutex
	opened  []callwindow.Params
	onEnded map[string]func(string)
	closed  map[string]int
	err     error
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{onEnded: map[string]func(string){}, closed: map[string]int{}}
}

func (w *fakeWindows) OpenCallWindow(_ context.Context, p callwindow.Params, onEnded func(string)) (callwindow.WindowHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.opened = append(w.opened, p)
	w.onEnded[p.ThreadID] = onEnded
	return fakeWindow{id: p.ThreadID}, nil
}

func (w *fakeWindows) CloseCallWindow(threadID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed[threadID]++
	delete(w.onEnded, threadID)
}

// userClosesWindow simulates the OS close button on the call window.
func (w *fakeWindows) userClosesWindow(threadID string) {
	w.mu.Lock()
	fn := w.onEnded[threadID]
	delete(w.onEnded, threadID)
	w.mu.Unlock()
	if fn != nil {
		fn(threadID)
	}
}

func (w *fakeWindows) closedCount(threadID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed[threadID]
}

func (w *fakeWindows) openedParams() []callwindow.Params {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]callwindow.Params(nil), w.opened...)
}

type party struct {
	coord   *Coordinator
	ring    *fakeRinger
	windows *fakeWindows
}

type rig struct {
	net     *network
	sfu     *fakeSFU
	threads threadSet
}

func directThread(id string, userIDs ...string) models.Thread {
	th := models.Thread{ID: id, Kind: models.ThreadDirect}
	for _, u := range userIDs {
		th.Participants = append(th.Participants, models.Participant{ThreadID: id, UserID: u})
	}
	return th
}

func newRig() *rig {
	return &rig{
		net:     &network{},
		sfu:     &fakeSFU{},
		threads: threadSet{"t1": directThread("t1", "alice", "bob")},
	}
}

// join starts a coordinator for userID. When threadIDs are given it only
// observes messages of those threads.
func (r *rig) join(t *testing.T, userID string, ringTimeout time.Duration, threadIDs ...string) *party {
	t.Helper()
	p := &party{ring: &fakeRinger{}, windows: newFakeWindows()}
	p.coord = NewCoordinator(Deps{
		UserID:      userID,
		Threads:     r.threads,
		Poster:      r.net,
		SFU:         r.sfu,
		Ring:        p.ring,
		Windows:     p.windows,
		RingTimeout: ringTimeout,
		Logger:      zerolog.New(io.Discard),
	})
	r.net.attach(t, p.coord, threadIDs...)
	return p
}

func stateOf(c *Coordinator, threadID string) models.CallState {
	s, ok := c.Session(threadID)
	if !ok {
		return models.CallIdle
	}
	return s.State
}

func waitSilent(t *testing.T, r *fakeRinger) {
	t.Helper()
	require.Eventually(t, r.silent, time.Second, 5*time.Millisecond, "expected no ring")
}

func waitState(t *testing.T, c *Coordinator, want models.CallState) {
	t.Helper()
	waitThreadState(t, c, "t1", want)
}

func waitThreadState(t *testing.T, c *Coordinator, threadID string, want models.CallState) {
	t.Helper()
	require.Eventually(t, func() bool { return stateOf(c, threadID) == want }, time.Second, 5*time.Millisecond,
		"expected %s on %s", want, threadID)
}

func TestCallRejectedConvergesBothSides(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)
	ctx := context.Background()

	call, err := alice.coord.StartCall(ctx, "t1", models.CallVideo)
	require.NoError(t, err)
	require.Equal(t, models.CallOutgoingRinging, call.State)
	require.Equal(t, []string{"bob"}, call.CalleeIDs)
	_, ringback := alice.ring.ringing()
	require.True(t, ringback)

	waitState(t, bob.coord, models.CallIncomingRinging)
	incoming, _ := bob.coord.Session("t1")
	require.Equal(t, call.RoomID, incoming.RoomID)
	require.Equal(t, call.Token, incoming.Token)
	require.Eventually(t, func() bool { tone, _ := bob.ring.ringing(); return tone }, time.Second, 5*time.Millisecond)

	opened := bob.windows.openedParams()
	require.Len(t, opened, 1)
	require.Equal(t, call.RoomID, opened[0].RoomID)
	require.False(t, opened[0].Outgoing)

	require.NoError(t, bob.coord.Reject(ctx, "t1"))
	require.Equal(t, models.CallIdle, stateOf(bob.coord, "t1"))
	waitState(t, alice.coord, models.CallIdle)

	waitSilent(t, alice.ring)
	waitSilent(t, bob.ring)
	require.Equal(t, []models.MessageType{models.MessageCallRequest, models.MessageCallRejected}, r.net.types())
}

func TestSecondStartCallIsRejected(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	ctx := context.Background()

	_, err := alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.NoError(t, err)
	_, err = alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.ErrorIs(t, err, ErrCallInProgress)
	require.Len(t, r.net.types(), 1)
}

func TestConcurrentStartCallsReserveOneSlot(t *testing.T) {
	r := newRig()
	r.sfu.block = make(chan struct{})
	alice := r.join(t, "alice", time.Minute)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := alice.coord.StartCall(context.Background(), "t1", models.CallAudio)
			errs <- err
		}()
	}

	first := <-errs
	require.ErrorIs(t, first, ErrCallInProgress)
	close(r.sfu.block)
	require.NoError(t, <-errs)
	require.Len(t, r.net.types(), 1)
}

func TestAllocationFailureRevertsToIdle(t *testing.T) {
	r := newRig()
	r.sfu.err = ErrSFUUnavailable
	alice := r.join(t, "alice", time.Minute)

	_, err := alice.coord.StartCall(context.Background(), "t1", models.CallVideo)
	require.ErrorIs(t, err, ErrSFUUnavailable)
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
	require.Empty(t, r.net.types())
	require.Empty(t, alice.windows.openedParams())
	waitSilent(t, alice.ring)

	r.sfu.err = nil
	_, err = alice.coord.StartCall(context.Background(), "t1", models.CallVideo)
	require.NoError(t, err)
}

func TestCancelledAllocationRevertsToIdle(t *testing.T) {
	r := newRig()
	r.sfu.block = make(chan struct{})
	alice := r.join(t, "alice", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := alice.coord.StartCall(ctx, "t1", models.CallVideo)
		errs <- err
	}()

	require.Eventually(t, func() bool { return stateOf(alice.coord, "t1") == models.CallOutgoingRinging }, time.Second, 5*time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
	require.Empty(t, r.net.types())
}

func TestHangupDuringAllocationWritesNothing(t *testing.T) {
	r := newRig()
	r.sfu.block = make(chan struct{})
	alice := r.join(t, "alice", time.Minute)

	errs := make(chan error, 1)
	go func() {
		_, err := alice.coord.StartCall(context.Background(), "t1", models.CallVideo)
		errs <- err
	}()
	require.Eventually(t, func() bool { return stateOf(alice.coord, "t1") == models.CallOutgoingRinging }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.coord.Hangup(context.Background(), "t1"))
	close(r.sfu.block)

	require.ErrorIs(t, <-errs, ErrCallCancelled)
	require.Empty(t, r.net.types())
}

func TestAcceptMediaJoinedHangup(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)
	ctx := context.Background()

	_, err := alice.coord.StartCall(ctx, "t1", models.CallVideo)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)

	require.ErrorIs(t, alice.coord.Accept(ctx, "t1"), ErrInvalidTransition)
	require.NoError(t, bob.coord.Accept(ctx, "t1"))
	require.Equal(t, models.CallConnecting, stateOf(bob.coord, "t1"))
	waitSilent(t, bob.ring)

	waitState(t, alice.coord, models.CallConnecting)
	waitSilent(t, alice.ring)

	require.NoError(t, alice.coord.MediaJoined(ctx, "t1"))
	require.NoError(t, bob.coord.MediaJoined(ctx, "t1"))
	active, _ := alice.coord.Session("t1")
	require.Equal(t, models.CallActive, active.State)
	require.NotNil(t, active.ConnectedAt)

	require.NoError(t, alice.coord.Hangup(ctx, "t1"))
	waitState(t, bob.coord, models.CallIdle)
	require.Eventually(t, func() bool { return bob.windows.closedCount("t1") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, models.MessageCallEnded, r.net.last().Type)
	require.ErrorIs(t, bob.coord.Hangup(ctx, "t1"), ErrNoCall)
}

func TestWindowCloseEndsCallForBothSides(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)
	ctx := context.Background()

	_, err := alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)
	require.NoError(t, bob.coord.Accept(ctx, "t1"))
	waitState(t, alice.coord, models.CallConnecting)

	alice.windows.userClosesWindow("t1")
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
	waitState(t, bob.coord, models.CallIdle)

	last := r.net.last()
	require.Equal(t, models.MessageCallEnded, last.Type)
	sig, err := models.ParseCallSignal(last)
	require.NoError(t, err)
	require.Equal(t, models.EndReasonWindowClosed, sig.(models.CallOutcome).Reason)
}

func TestUnansweredCallTimesOut(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", 200*time.Millisecond)
	bob := r.join(t, "bob", time.Minute)

	_, err := alice.coord.StartCall(context.Background(), "t1", models.CallAudio)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)

	waitState(t, alice.coord, models.CallIdle)
	waitState(t, bob.coord, models.CallIdle)
	waitSilent(t, bob.ring)

	sig, err := models.ParseCallSignal(r.net.last())
	require.NoError(t, err)
	require.Equal(t, models.EndReasonNoAnswer, sig.(models.CallOutcome).Reason)
}

func TestStaleSignalsAreAbsorbed(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)
	ctx := context.Background()

	first, err := alice.coord.StartCall(ctx, "t1", models.CallVideo)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)
	require.NoError(t, bob.coord.Reject(ctx, "t1"))
	waitState(t, alice.coord, models.CallIdle)

	// a late accept for the finished room changes nothing
	_, err = r.net.PostMessage(ctx, delivery.PostInput{
		ThreadID: "t1",
		SenderID: "bob",
		Type:     models.MessageCallAccepted,
		Metadata: []byte(`{"roomId":"` + first.RoomID + `","userId":"bob"}`),
	})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))

	// a fresh request after the end starts a new session
	second, err := alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.NoError(t, err)
	require.NotEqual(t, first.RoomID, second.RoomID)
	require.Eventually(t, func() bool {
		s, ok := bob.coord.Session("t1")
		return ok && s.RoomID == second.RoomID && s.State == models.CallIncomingRinging
	}, time.Second, 5*time.Millisecond)

	// a stale end for the old room must not end the new call
	_, err = r.net.PostMessage(ctx, delivery.PostInput{
		ThreadID: "t1",
		SenderID: "alice",
		Type:     models.MessageCallEnded,
		Metadata: []byte(`{"roomId":"` + first.RoomID + `","userId":"alice"}`),
	})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, models.CallIncomingRinging, stateOf(bob.coord, "t1"))
}

func TestAnsweredInAnotherSession(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bobDesk := r.join(t, "bob", time.Minute)
	bobPhone := r.join(t, "bob", time.Minute)
	ctx := context.Background()

	_, err := alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.NoError(t, err)
	waitState(t, bobDesk.coord, models.CallIncomingRinging)
	waitState(t, bobPhone.coord, models.CallIncomingRinging)

	require.NoError(t, bobDesk.coord.Accept(ctx, "t1"))
	waitState(t, bobPhone.coord, models.CallIdle)
	waitSilent(t, bobPhone.ring)
	waitState(t, alice.coord, models.CallConnecting)
	require.Equal(t, models.CallConnecting, stateOf(bobDesk.coord, "t1"))
}

func TestWindowOpenFailureCancelsCall(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	alice.windows.err = callwindow.ErrWindowBlocked

	_, err := alice.coord.StartCall(context.Background(), "t1", models.CallVideo)
	require.ErrorIs(t, err, callwindow.ErrWindowBlocked)
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
	require.Equal(t, []models.MessageType{models.MessageCallRequest, models.MessageCallEnded}, r.net.types())
	waitSilent(t, alice.ring)
}

func TestIncomingWindowFailureDropsRing(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)
	bob.windows.err = callwindow.ErrWindowBlocked

	_, err := alice.coord.StartCall(context.Background(), "t1", models.CallAudio)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return bob.windows.closedCount("t1") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, models.CallIdle, stateOf(bob.coord, "t1"))
	waitSilent(t, bob.ring)
	require.Equal(t, models.CallOutgoingRinging, stateOf(alice.coord, "t1"))
	require.Equal(t, []models.MessageType{models.MessageCallRequest}, r.net.types())
}

func TestRingOnOneThreadSurvivesEndOfAnother(t *testing.T) {
	r := newRig()
	r.threads["t2"] = directThread("t2", "carol", "bob")
	alice := r.join(t, "alice", time.Minute, "t1")
	bob := r.join(t, "bob", time.Minute, "t1", "t2")
	carol := r.join(t, "carol", time.Minute, "t2")
	ctx := context.Background()

	_, err := alice.coord.StartCall(ctx, "t1", models.CallAudio)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)
	require.NoError(t, bob.coord.Accept(ctx, "t1"))
	require.NoError(t, bob.coord.MediaJoined(ctx, "t1"))
	waitSilent(t, bob.ring)

	_, err = carol.coord.StartCall(ctx, "t2", models.CallAudio)
	require.NoError(t, err)
	waitThreadState(t, bob.coord, "t2", models.CallIncomingRinging)
	require.Eventually(t, func() bool { tone, _ := bob.ring.ringing(); return tone }, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.coord.Hangup(ctx, "t1"))
	waitState(t, alice.coord, models.CallIdle)
	require.Equal(t, models.CallIncomingRinging, stateOf(bob.coord, "t2"))
	tone, back := bob.ring.ringing()
	require.True(t, tone)
	require.False(t, back)

	require.NoError(t, bob.coord.Reject(ctx, "t2"))
	waitSilent(t, bob.ring)
	waitThreadState(t, carol.coord, "t2", models.CallIdle)
}

func TestStartCallValidation(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)

	_, err := alice.coord.StartCall(context.Background(), "t1", "hologram")
	require.ErrorIs(t, err, ErrInvalidCallType)

	_, err = alice.coord.StartCall(context.Background(), "nope", models.CallAudio)
	require.Error(t, err)

	r.net.fail = errors.New("db down")
	_, err = alice.coord.StartCall(context.Background(), "t1", models.CallAudio)
	require.ErrorContains(t, err, "db down")
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
}

type recordingDirect struct {
	calls [][]string
}

func (d *recordingDirect) CreateThread(_ context.Context, creatorID string, ids []string, kind models.ThreadKind, _ string) (string, error) {
	d.calls = append(d.calls, append([]string{creatorID, string(kind)}, ids...))
	return "t1", nil
}

func TestStartDirectCallResolvesThread(t *testing.T) {
	r := newRig()
	direct := &recordingDirect{}
	coord := NewCoordinator(Deps{
		UserID:  "alice",
		Threads: r.threads,
		Direct:  direct,
		Poster:  r.net,
		SFU:     r.sfu,
		Ring:    &fakeRinger{},
		Windows: newFakeWindows(),
		Logger:  zerolog.New(io.Discard),
	})

	call, err := coord.StartDirectCall(context.Background(), "bob", models.CallAudio)
	require.NoError(t, err)
	require.Equal(t, "t1", call.ThreadID)
	require.Equal(t, [][]string{{"alice", "direct", "bob"}}, direct.calls)
}

func TestCloseEndsLiveCalls(t *testing.T) {
	r := newRig()
	alice := r.join(t, "alice", time.Minute)
	bob := r.join(t, "bob", time.Minute)

	_, err := alice.coord.StartCall(context.Background(), "t1", models.CallAudio)
	require.NoError(t, err)
	waitState(t, bob.coord, models.CallIncomingRinging)

	alice.coord.Close(context.Background())
	require.Equal(t, models.CallIdle, stateOf(alice.coord, "t1"))
	waitState(t, bob.coord, models.CallIdle)
}
