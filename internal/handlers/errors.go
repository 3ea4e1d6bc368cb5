package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"chat-realtime/internal/delivery"
	"chat-realtime/internal/presence"
	"chat-realtime/internal/repositories"
	"chat-realtime/internal/threads"
)

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, repositories.ErrThreadNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, threads.ErrNotParticipant), errors.Is(err, delivery.ErrNotSender):
		return http.StatusForbidden
	case errors.Is(err, delivery.ErrEmptyMessage),
		errors.Is(err, delivery.ErrInvalidReply),
		errors.Is(err, threads.ErrInvalidParticipants),
		errors.Is(err, threads.ErrInvalidThreadKind),
		errors.Is(err, presence.ErrInvalidStatus),
		errors.As(err, &verrs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, fallback string) {
	status := statusFor(err)
	msg := fallback
	if status != http.StatusInternalServerError {
		msg = err.Error()
	}
	c.JSON(status, gin.H{"error": msg})
}
