package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/models"
	"chat-realtime/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints. Both publish through the
// audit emitter so a broker binding can be checked end to end.
func RegisterDebugRoutes(router gin.IRoutes, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// call-event publishes a synthetic ended call, shaped like the ones the
	// call coordinator records.
	router.GET("/debug/call-event", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		callType := models.CallType(c.DefaultQuery("call_type", string(models.CallAudio)))
		if !callType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call_type"})
			return
		}
		userID := ""
		if uid := userIDFromContext(c); uid != nil {
			userID = *uid
		}
		call := models.CallSession{
			ThreadID: c.DefaultQuery("thread_id", "debug"),
			CallType: callType,
			State:    models.CallEnded,
			CallerID: userID,
			Outgoing: true,
		}
		reason := c.DefaultQuery("reason", models.EndReasonHangup)

		ctx := telemetry.WithActor(c.Request.Context(), userID, requestIDFromContext(c))
		emitter.CallEvent(ctx, "call_ended", call, reason)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "call": call, "reason": reason})
	})
}
