package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/models"
	"chat-realtime/internal/threads"
)

// ThreadHandler serves thread listing and creation.
type ThreadHandler struct {
	threads *threads.Service
}

func NewThreadHandler(svc *threads.Service) *ThreadHandler {
	return &ThreadHandler{threads: svc}
}

// ListThreads handles GET /threads?page=&page_size=.
func (h *ThreadHandler) ListThreads(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(threads.DefaultPageSize)))

	result, err := h.threads.ListThreads(c.Request.Context(), c.GetString("userID"), page, pageSize)
	if err != nil {
		respondError(c, err, "failed to load threads")
		return
	}
	c.JSON(http.StatusOK, result)
}

// CreateThread handles POST /threads. Direct threads with the same pair are reused.
func (h *ThreadHandler) CreateThread(c *gin.Context) {
	var req struct {
		ParticipantIDs []string          `json:"participant_ids" binding:"required,min=1"`
		Kind           models.ThreadKind `json:"kind"`
		Title          string            `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	threadID, err := h.threads.CreateThread(c.Request.Context(), c.GetString("userID"), req.ParticipantIDs, req.Kind, req.Title)
	if err != nil {
		respondError(c, err, "could not create thread")
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID})
}

// GetThread handles GET /threads/:thread_id.
func (h *ThreadHandler) GetThread(c *gin.Context) {
	thread, err := h.threads.GetThread(c.Request.Context(), c.Param("thread_id"), c.GetString("userID"))
	if err != nil {
		respondError(c, err, "failed to load thread")
		return
	}
	c.JSON(http.StatusOK, thread)
}
