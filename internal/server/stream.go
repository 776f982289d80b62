package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// handleDataStream streams dataset-change events for one tenant as server-sent events.
// Browsers cannot set headers on EventSource, so the token may come from the query string.
func (h *httpHandler) handleDataStream(c *gin.Context) {
	c.Set(actionContextKey, actionStream)
	tenantID := firstNonEmpty(c.Query("tenantId"), c.Query("spreadsheetId"))
	token := firstNonEmpty(c.Query("token"), bearerToken(c))
	if _, err := h.authorize(token, tenantID); err != nil {
		h.respondError(c, actionStream, err)
		return
	}
	if h.realtime == nil {
		c.AbortWithStatus(http.StatusNotImplemented)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, tenantID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("realtime subscriber connected", zap.String("tenant_id", tenantID))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("realtime subscriber disconnected", zap.String("tenant_id", tenantID))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, message)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{
				Source:    realtimeSourceBackend,
				Timestamp: h.now().UTC().UnixMilli(),
			})
			c.Writer.Flush()
		}
	}
}
