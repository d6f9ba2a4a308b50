package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/smukkama/weather-alerts/internal/notification"
)

// notificationStream serves a user's alert notifications as server-sent
// events until the client disconnects or the hub closes.
func (h *Handler) notificationStream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications are disabled"})
		return
	}

	userID := c.Query("userId")
	sub, err := h.hub.Subscribe(userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notification.ErrMaxSubscribersReached) || errors.Is(err, notification.ErrHubClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	defer h.hub.Unsubscribe(sub.ID)

	log := h.log.With().Uint64("subscription", sub.ID).Str("user_id", userID).Logger()
	log.Debug().Msg("notification stream opened")
	defer log.Debug().Msg("notification stream closed")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent("connected", gin.H{"subscription": sub.ID, "userId": userID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(string(n.Type), n)
			c.Writer.Flush()
		case t := <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"time": t.UTC()})
			c.Writer.Flush()
		}
	}
}
