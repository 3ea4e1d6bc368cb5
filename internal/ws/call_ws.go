package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"chat-realtime/internal/callwindow"
	"chat-realtime/internal/middleware"
	"chat-realtime/internal/observability"
	"chat-realtime/internal/session"
)

// FrameCallWindow is the first frame a call window receives: its parameters.
const FrameCallWindow = "call_window"

// CallWindowHandler serves the websocket of a call window opened by a session.
type CallWindowHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewCallWindowHandler(hub *Hub, allowedOrigin string, logger zerolog.Logger) *CallWindowHandler {
	return &CallWindowHandler{
		hub:      hub,
		upgrader: newUpgrader(allowedOrigin),
		log:      logger.With().Str("component", "ws_call_window").Logger(),
	}
}

// Handle attaches the window identified by :window_id and relays its
// messages to the owning session.
func (h *CallWindowHandler) Handle(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	windowID := c.Param("window_id")
	if windowID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window id"})
		return
	}

	ctx, span := otel.Tracer("chat-realtime/ws").Start(c.Request.Context(), "ws.call_window.handshake")
	traceID := span.SpanContext().TraceID().String()
	span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := newClient(conn)

	sess, win, err := h.hub.AttachWindow(userID, windowID, cl.close)
	if err != nil {
		_ = cl.send(session.Frame{Type: session.FrameError, WindowID: windowID, Error: err.Error()})
		cl.close()
		return
	}
	params := win.Params()
	info := ConnInfo{
		ConnID:      newConnID(),
		Kind:        KindCall,
		UserID:      userID,
		SessionID:   sess.ID(),
		WindowID:    windowID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	observability.IncWSActive(KindCall)
	h.hub.publishWSEvent(info, "ws_connect", "")

	_ = cl.send(session.Frame{Type: FrameCallWindow, WindowID: windowID, ThreadID: params.ThreadID, Params: &params})

	lifetime, cancel := context.WithCancel(context.WithoutCancel(ctx))
	origin := observability.OriginFromRequest(c.Request)
	var closeReason string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.publishWSEvent(info, "ws_error", closeReason)
			}
			break
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			_ = cl.send(session.Frame{Type: session.FrameError, Error: "malformed command"})
			continue
		}
		if err := h.dispatch(lifetime, sess, params, origin, cmd); err != nil {
			h.log.Debug().Err(err).Str("command", cmd.Type).Str("window_id", windowID).Msg("command failed")
			_ = cl.send(session.Frame{Type: session.FrameError, Action: cmd.Type, ThreadID: params.ThreadID, Error: err.Error()})
		}
	}
	cancel()

	sess.DetachWindow(windowID)
	observability.DecWSActive(KindCall)
	h.hub.publishWSEvent(info, "ws_disconnect", closeReason)
	cl.close()
}

func (h *CallWindowHandler) dispatch(ctx context.Context, sess *session.Session, params callwindow.Params, origin string, cmd command) error {
	switch cmd.Type {
	case callwindow.CallEndedType:
		threadID := cmd.ThreadID
		if threadID == "" {
			threadID = params.ThreadID
		}
		return callwindow.NotifyCallEnded(sess.Opener(), origin, threadID)
	case "media_joined":
		return sess.Calls().MediaJoined(ctx, params.ThreadID)
	case "hang_up":
		return sess.Calls().Hangup(ctx, params.ThreadID)
	default:
		return errUnknownCommand
	}
}
