package callwindow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultAttachTimeout = 15 * time.Second

// Commands sent to the client owning the main window.
const (
	CommandOpenWindow  = "open_call_window"
	CommandCloseWindow = "close_call_window"
)

var ErrUnknownWindow = errors.New("unknown call window")

// WindowCommand asks the client to open or close a call window.
type WindowCommand struct {
	Type     string `json:"type"`
	WindowID string `json:"windowId"`
	Params   Params `json:"params"`
}

// RemoteHost is a Host whose windows live in a remote client. Open sends a
// command and returns a pending handle; the websocket layer attaches the
// window when it connects back. A window that never attaches counts as closed.
type RemoteHost struct {
	send          func(WindowCommand) error
	attachTimeout time.Duration

	mu      sync.Mutex
	windows map[string]*RemoteWindow
}

func NewRemoteHost(send func(WindowCommand) error, attachTimeout time.Duration) *RemoteHost {
	if attachTimeout <= 0 {
		attachTimeout = DefaultAttachTimeout
	}
	return &RemoteHost{
		send:          send,
		attachTimeout: attachTimeout,
		windows:       map[string]*RemoteWindow{},
	}
}

func (h *RemoteHost) Open(ctx context.Context, params Params) (WindowHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &RemoteWindow{id: uuid.NewString(), params: params, host: h}
	w.attachTimer = time.AfterFunc(h.attachTimeout, func() {
		w.mu.Lock()
		expired := !w.attached
		w.mu.Unlock()
		if expired {
			w.markClosed()
		}
	})

	h.mu.Lock()
	h.windows[w.id] = w
	h.mu.Unlock()

	if err := h.send(WindowCommand{Type: CommandOpenWindow, WindowID: w.id, Params: params}); err != nil {
		w.attachTimer.Stop()
		h.forget(w.id)
		return nil, errors.Join(ErrWindowBlocked, err)
	}
	return w, nil
}

// Attach binds a connected call window. closeFn is called when the session
// closes the window.
func (h *RemoteHost) Attach(windowID string, closeFn func()) (*RemoteWindow, error) {
	h.mu.Lock()
	w, ok := h.windows[windowID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownWindow
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.attached {
		return nil, ErrUnknownWindow
	}
	w.attached = true
	w.closeFn = closeFn
	if w.attachTimer != nil {
		w.attachTimer.Stop()
	}
	return w, nil
}

// Detach records that the call window went away.
func (h *RemoteHost) Detach(windowID string) {
	h.mu.Lock()
	w, ok := h.windows[windowID]
	h.mu.Unlock()
	if ok {
		w.markClosed()
	}
}

// Window looks up a window by id.
func (h *RemoteHost) Window(windowID string) (*RemoteWindow, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.windows[windowID]
	return w, ok
}

func (h *RemoteHost) forget(windowID string) {
	h.mu.Lock()
	delete(h.windows, windowID)
	h.mu.Unlock()
}

// RemoteWindow is a call window living in a remote client.
type RemoteWindow struct {
	id     string
	params Params
	host   *RemoteHost

	mu          sync.Mutex
	attached    bool
	closed      bool
	closeFn     func()
	attachTimer *time.Timer
}

func (w *RemoteWindow) ID() string { return w.id }

// Params returns the parameters the window was opened with.
func (w *RemoteWindow) Params() Params { return w.params }

func (w *RemoteWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close closes the window from the session side.
func (w *RemoteWindow) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	closeFn := w.closeFn
	w.mu.Unlock()

	w.markClosed()
	if closeFn != nil {
		closeFn()
	}
	_ = w.host.send(WindowCommand{Type: CommandCloseWindow, WindowID: w.id, Params: w.params})
}

func (w *RemoteWindow) markClosed() {
	w.mu.Lock()
	w.closed = true
	if w.attachTimer != nil {
		w.attachTimer.Stop()
	}
	w.mu.Unlock()
	w.host.forget(w.id)
}
