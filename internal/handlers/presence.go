package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"
)

type PresenceHandler struct {
	registry *presence.Registry
}

func NewPresenceHandler(registry *presence.Registry) *PresenceHandler {
	return &PresenceHandler{registry: registry}
}

// UpdatePresence handles PUT /presence.
func (h *PresenceHandler) UpdatePresence(c *gin.Context) {
	var req struct {
		Status models.PresenceStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.registry.UpdatePresence(c.Request.Context(), c.GetString("userID"), req.Status)
	if err != nil && state.UserID == "" {
		respondError(c, err, "failed to update presence")
		return
	}
	// a failed broadcast still leaves the local state applied
	c.JSON(http.StatusOK, state)
}

// GetPresence handles GET /presence/:user_id. It never fails.
func (h *PresenceHandler) GetPresence(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.GetPresence(c.Request.Context(), c.Param("user_id")))
}
