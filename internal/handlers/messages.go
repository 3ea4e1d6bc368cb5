package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx/types"

	"chat-realtime/internal/delivery"
	"chat-realtime/internal/models"
	"chat-realtime/internal/telemetry"
)

// MessageHandler serves message posting, history and read state.
type MessageHandler struct {
	tracker *delivery.Tracker
	audit   *telemetry.AuditEmitter
}

func NewMessageHandler(tracker *delivery.Tracker, audit *telemetry.AuditEmitter) *MessageHandler {
	return &MessageHandler{tracker: tracker, audit: audit}
}

type postMessageRequest struct {
	Content     string              `json:"content"`
	Type        models.MessageType  `json:"type"`
	Metadata    types.JSONText      `json:"metadata"`
	Attachments []models.Attachment `json:"attachments"`
	ReplyToID   *string             `json:"reply_to_id"`
}

// ListMessages handles GET /threads/:thread_id/messages?before=&limit=.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
		before = &ts
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	msgs, err := h.tracker.ListMessages(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"), before, limit)
	if err != nil {
		respondError(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage handles POST /threads/:thread_id/messages. Call signals are
// written by the call coordinator only.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if req.Type != models.MessageText {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported message type"})
		return
	}

	msg, err := h.tracker.PostMessage(c.Request.Context(), delivery.PostInput{
		ThreadID:    c.Param("thread_id"),
		SenderID:    c.GetString("userID"),
		Content:     req.Content,
		Type:        req.Type,
		Metadata:    req.Metadata,
		Attachments: req.Attachments,
		ReplyToID:   req.ReplyToID,
	})
	if err != nil {
		emitAudit(c, h.audit, "ERROR", "message post failed")
		respondError(c, err, "failed to store message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// UnreadCount handles GET /threads/:thread_id/unread.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	count, err := h.tracker.UnreadCount(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err, "failed to count unread messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkThreadRead handles POST /threads/:thread_id/read.
func (h *MessageHandler) MarkThreadRead(c *gin.Context) {
	count, err := h.tracker.MarkThreadRead(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err, "failed to mark thread read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// MarkRead handles POST /messages/:message_id/read.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	if err := h.tracker.MarkRead(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		respondError(c, err, "failed to mark message read")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteForMe handles DELETE /messages/:message_id/me.
func (h *MessageHandler) DeleteForMe(c *gin.Context) {
	if err := h.tracker.DeleteForMe(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		respondError(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteForEveryone handles DELETE /messages/:message_id/all (sender only).
func (h *MessageHandler) DeleteForEveryone(c *gin.Context) {
	if err := h.tracker.DeleteForEveryone(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		respondError(c, err, "could not delete message")
		return
	}
	emitAudit(c, h.audit, "INFO", "message deleted for everyone")
	c.Status(http.StatusNoContent)
}
