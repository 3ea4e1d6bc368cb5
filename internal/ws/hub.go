package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/session"
)

// ErrWindowNotFound is returned when no session of the user opened the window.
var ErrWindowNotFound = errors.New("call window not found")

type sessionConn struct {
	session *session.Session
	client  *client
	info    ConnInfo
}

// Hub maintains the live main-window sessions of every connected user.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	users map[string]map[*session.Session]*sessionConn
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		log:   logger.With().Str("component", "ws_hub").Logger(),
		users: make(map[string]map[*session.Session]*sessionConn),
	}
}

// AddSession registers a session and the client it writes to.
func (h *Hub) AddSession(sess *session.Session, c *client, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[sess.UserID()]; !ok {
		h.users[sess.UserID()] = make(map[*session.Session]*sessionConn)
	}
	h.users[sess.UserID()][sess] = &sessionConn{session: sess, client: c, info: info}
}

// RemoveSession unregisters a session and returns how many sessions the user
// still has.
func (h *Hub) RemoveSession(sess *session.Session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[sess.UserID()]
	if !ok {
		return 0
	}
	delete(conns, sess)
	if len(conns) == 0 {
		delete(h.users, sess.UserID())
	}
	return len(conns)
}

// SessionCount returns the number of live sessions of a user.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// AttachWindow binds a connected call window to the session of userID that
// asked for it.
func (h *Hub) AttachWindow(userID, windowID string, closeFn func()) (*session.Session, *callwindow.RemoteWindow, error) {
	h.mu.RLock()
	sessions := make([]*session.Session, 0, len(h.users[userID]))
	for sess := range h.users[userID] {
		sessions = append(sessions, sess)
	}
	h.mu.RUnlock()

	for _, sess := range sessions {
		win, err := sess.AttachWindow(windowID, closeFn)
		if errors.Is(err, callwindow.ErrUnknownWindow) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return sess, win, nil
	}
	return nil, nil, ErrWindowNotFound
}

// BroadcastPresence pushes a presence change to every connected session.
func (h *Hub) BroadcastPresence(state models.PresenceState) {
	h.mu.RLock()
	conns := make([]*sessionConn, 0)
	for _, byUser := range h.users {
		for _, sc := range byUser {
			conns = append(conns, sc)
		}
	}
	h.mu.RUnlock()

	frame := session.Frame{Type: session.FramePresence, Presence: &state}
	for _, sc := range conns {
		if sc.client == nil {
			continue
		}
		if err := sc.client.send(frame); err != nil {
			h.log.Debug().Err(err).Str("conn_id", sc.info.ConnID).Msg("presence frame not delivered")
			h.publishWSEvent(sc.info, "ws_error", err.Error())
		}
	}
}

func (h *Hub) publishWSEvent(info ConnInfo, event, reason string) {
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        info.Kind,
			"session_id":  info.SessionID,
			"window_id":   info.WindowID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := observability.PublishEvent(context.Background(), wsRoutingKey(info.Kind), observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers); err != nil {
		h.log.Debug().Err(err).Str("event", event).Msg("ws event not published")
	}
	observability.IncWSEvent(info.Kind, event)
}

func wsRoutingKey(kind string) string {
	if kind == KindCall {
		return "ws_events.calls"
	}
	return "ws_events.sessions"
}
