package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/middleware"
	"chat-realtime/internal/models"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/ring"
	"chat-realtime/internal/session"
)

var errUnknownCommand = errors.New("unknown command")

// command is one client-to-server message of a main window.
type command struct {
	Type     string                `json:"type"`
	ThreadID string                `json:"threadId,omitempty"`
	UserID   string                `json:"userId,omitempty"`
	CallType models.CallType       `json:"callType,omitempty"`
	Sound    ring.Sound            `json:"sound,omitempty"`
	Status   models.PresenceStatus `json:"status,omitempty"`
}

// SessionHandler serves the main-window websocket.
type SessionHandler struct {
	hub           *Hub
	base          session.Deps
	presence      *presence.Registry
	allowedOrigin string
	upgrader      websocket.Upgrader
	log           zerolog.Logger
}

// NewSessionHandler constructs a SessionHandler. base carries the shared
// collaborators; the per-connection fields are filled in on upgrade.
func NewSessionHandler(hub *Hub, base session.Deps, registry *presence.Registry, allowedOrigin string, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		hub:           hub,
		base:          base,
		presence:      registry,
		allowedOrigin: allowedOrigin,
		upgrader:      newUpgrader(allowedOrigin),
		log:           logger.With().Str("component", "ws_session").Logger(),
	}
}

func newUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			return observability.OriginFromRequest(r) == allowedOrigin
		},
	}
}

// Handle upgrades the connection and runs the session until the client leaves.
func (h *SessionHandler) Handle(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.session.handshake")
	traceID := span.SpanContext().TraceID().String()
	span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := newClient(conn)

	origin := h.allowedOrigin
	if origin == "" {
		origin = observability.OriginFromRequest(c.Request)
	}
	deps := h.base
	deps.UserID = userID
	deps.Origin = origin
	deps.Send = func(f session.Frame) error { return cl.send(f) }
	deps.Logger = h.log

	sess := session.New(deps)
	info := ConnInfo{
		ConnID:      newConnID(),
		Kind:        KindSession,
		UserID:      userID,
		SessionID:   sess.ID(),
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	// the session outlives the upgrade request
	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	if err := sess.Start(lifetime); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("session start failed")
		_ = cl.send(session.Frame{Type: session.FrameError, Error: "session unavailable"})
		sess.Close(lifetime)
		cl.close()
		return
	}
	h.hub.AddSession(sess, cl, info)
	observability.IncWSActive(KindSession)
	h.hub.publishWSEvent(info, "ws_connect", "")
	h.setPresence(lifetime, userID, models.PresenceOnline)

	closeReason := h.readLoop(lifetime, conn, cl, sess, info)

	cancel()
	sess.Close(context.Background())
	remaining := h.hub.RemoveSession(sess)
	if remaining == 0 {
		h.setPresence(context.Background(), userID, models.PresenceOffline)
	}
	observability.DecWSActive(KindSession)
	h.hub.publishWSEvent(info, "ws_disconnect", closeReason)
	cl.close()
}

func (h *SessionHandler) readLoop(ctx context.Context, conn *websocket.Conn, cl *client, sess *session.Session, info ConnInfo) string {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.publishWSEvent(info, "ws_error", err.Error())
			}
			return err.Error()
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = cl.send(session.Frame{Type: session.FrameError, Error: "malformed command"})
			continue
		}

		switch cmd.Type {
		case "start_call", "start_direct_call":
			// allocation may block; a hang_up must still get through meanwhile
			go func(cmd command) {
				h.reply(cl, cmd, h.dispatch(ctx, sess, cmd))
			}(cmd)
		default:
			h.reply(cl, cmd, h.dispatch(ctx, sess, cmd))
		}
	}
}

func (h *SessionHandler) reply(cl *client, cmd command, err error) {
	if err == nil {
		return
	}
	h.log.Debug().Err(err).Str("command", cmd.Type).Str("thread_id", cmd.ThreadID).Msg("command failed")
	_ = cl.send(session.Frame{Type: session.FrameError, Action: cmd.Type, ThreadID: cmd.ThreadID, Error: err.Error()})
}

func (h *SessionHandler) dispatch(ctx context.Context, sess *session.Session, cmd command) error {
	switch cmd.Type {
	case "watch_thread":
		return sess.WatchTyping(ctx, cmd.ThreadID)
	case "unwatch_thread":
		sess.UnwatchTyping(ctx, cmd.ThreadID)
		return nil
	case "typing":
		return sess.Keystroke(ctx, cmd.ThreadID)
	case "typing_stop":
		return sess.StopTyping(ctx, cmd.ThreadID)
	case "start_call":
		_, err := sess.Calls().StartCall(ctx, cmd.ThreadID, cmd.CallType)
		return err
	case "start_direct_call":
		_, err := sess.Calls().StartDirectCall(ctx, cmd.UserID, cmd.CallType)
		return err
	case "accept_call":
		return sess.Calls().Accept(ctx, cmd.ThreadID)
	case "reject_call":
		return sess.Calls().Reject(ctx, cmd.ThreadID)
	case "hang_up":
		return sess.Calls().Hangup(ctx, cmd.ThreadID)
	case "media_joined":
		return sess.Calls().MediaJoined(ctx, cmd.ThreadID)
	case "interaction":
		sess.Ring().UserInteracted()
		return nil
	case "ring_blocked":
		sess.Ring().MarkBlocked(cmd.Sound)
		return nil
	case "heartbeat":
		if h.presence == nil {
			return nil
		}
		return h.presence.Heartbeat(ctx, sess.UserID())
	case "presence":
		if h.presence == nil {
			return nil
		}
		_, err := h.presence.UpdatePresence(ctx, sess.UserID(), cmd.Status)
		return err
	default:
		return errUnknownCommand
	}
}

func (h *SessionHandler) setPresence(ctx context.Context, userID string, status models.PresenceStatus) {
	if h.presence == nil {
		return
	}
	if _, err := h.presence.UpdatePresence(ctx, userID, status); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Str("status", string(status)).Msg("presence update failed")
	}
}
