package callwindow

import (
	"context"
	"strings"
	"sync"
	"time"
)

// CallEndedType is the type of the message a call window posts to its opener.
const CallEndedType = "CALL_ENDED"

// EndedMessage is posted by a call window when its call is over.
type EndedMessage struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
}

// LivenessChannel detects that a call window is gone. Watch returns after
// calling fire or when ctx is cancelled.
type LivenessChannel interface {
	Watch(ctx context.Context, threadID string, handle WindowHandle, fire func())
}

const DefaultPollInterval = time.Second

// PollChannel checks WindowHandle.Closed on an interval. It catches windows
// closed with no chance to post a message.
type PollChannel struct {
	Interval time.Duration
}

func (p PollChannel) Watch(ctx context.Context, _ string, handle WindowHandle, fire func()) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if handle.Closed() {
				fire()
				return
			}
		}
	}
}

// PushChannel receives CALL_ENDED messages from call windows. Messages from any
// origin but the expected one are ignored.
type PushChannel struct {
	origin string

	mu       sync.Mutex
	watchers map[string]map[int]func()
	next     int
}

func NewPushChannel(expectedOrigin string) *PushChannel {
	return &PushChannel{
		origin:   strings.TrimSuffix(expectedOrigin, "/"),
		watchers: map[string]map[int]func(){},
	}
}

func (p *PushChannel) Watch(ctx context.Context, threadID string, _ WindowHandle, fire func()) {
	p.mu.Lock()
	id := p.next
	p.next++
	if p.watchers[threadID] == nil {
		p.watchers[threadID] = map[int]func(){}
	}
	p.watchers[threadID][id] = fire
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	delete(p.watchers[threadID], id)
	if len(p.watchers[threadID]) == 0 {
		delete(p.watchers, threadID)
	}
	p.mu.Unlock()
}

// Deliver hands a posted message to the watchers of its thread. It reports
// whether the message was accepted.
func (p *PushChannel) Deliver(origin string, msg EndedMessage) bool {
	if msg.Type != CallEndedType || msg.ThreadID == "" {
		return false
	}
	if p.origin != "" && strings.TrimSuffix(origin, "/") != p.origin {
		return false
	}

	p.mu.Lock()
	fires := make([]func(), 0, len(p.watchers[msg.ThreadID]))
	for _, fn := range p.watchers[msg.ThreadID] {
		fires = append(fires, fn)
	}
	p.mu.Unlock()

	for _, fn := range fires {
		fn()
	}
	return len(fires) > 0
}

// Origin returns the origin the channel accepts messages from.
func (p *PushChannel) Origin() string { return p.origin }

// PostMessage makes a PushChannel usable as an Opener.
func (p *PushChannel) PostMessage(origin string, msg EndedMessage) error {
	p.Deliver(origin, msg)
	return nil
}

// Opener is the window that opened a call window.
type Opener interface {
	Origin() string
	PostMessage(origin string, msg EndedMessage) error
}

// NotifyCallEnded runs in the call window: it tells the opener the call is over.
// Without an opener, or across origins, it does nothing.
func NotifyCallEnded(opener Opener, origin, threadID string) error {
	if opener == nil || threadID == "" {
		return nil
	}
	if strings.TrimSuffix(opener.Origin(), "/") != strings.TrimSuffix(origin, "/") {
		return nil
	}
	return opener.PostMessage(origin, EndedMessage{Type: CallEndedType, ThreadID: threadID})
}
