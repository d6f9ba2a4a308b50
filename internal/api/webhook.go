package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smukkama/weather-alerts/internal/protocol"
)

const signatureHeader = "x-tomorrow-signature"

const maxWebhookBody = 1 << 20

// verifySignature checks an HMAC-SHA256 of the compacted JSON body.
// The header may carry a "sha256=" prefix.
func verifySignature(secret string, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(compact.Bytes())
	return hmac.Equal(got, mac.Sum(nil))
}

// tomorrowWebhook handles provider pushes: matching alerts near the pushed
// location get a fresh evaluation queued after their cached weather is dropped.
func (h *Handler) tomorrowWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if h.webhookSecret != "" && !verifySignature(h.webhookSecret, body, c.GetHeader(signatureHeader)) {
		h.metrics.Webhooks.WithLabelValues("unknown", "rejected").Inc()
		h.log.Warn().Str("remote", c.ClientIP()).Msg("webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	payload, err := protocol.DecodeWebhookPayload(body)
	if err != nil {
		h.metrics.Webhooks.WithLabelValues("unknown", "rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event := string(payload.EventType)
	if !payload.Known() {
		h.metrics.Webhooks.WithLabelValues("other", "ignored").Inc()
		h.log.Debug().Str("event", event).Msg("ignoring webhook event")
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	alerts, err := h.store.FindActive(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if err := h.weather.Invalidate(ctx, payload.Location); err != nil {
		h.log.Warn().Err(err).Str("location", payload.Location.String()).Msg("failed to invalidate cached weather")
	}

	matched, queued := 0, 0
	for _, alert := range alerts {
		if !alert.Location.Near(payload.Location) {
			continue
		}
		matched++
		if alert.Location != payload.Location {
			if err := h.weather.Invalidate(ctx, alert.Location); err != nil {
				h.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to invalidate cached weather")
			}
		}
		if _, err := h.jobs.EnqueueEvaluateOne(ctx, alert.ID); err != nil {
			h.log.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to queue evaluation")
			continue
		}
		queued++
	}

	result := "matched"
	if matched == 0 {
		result = "ignored"
	}
	h.metrics.Webhooks.WithLabelValues(event, result).Inc()
	h.log.Info().
		Str("event", event).
		Str("location", payload.Location.String()).
		Int("matched", matched).
		Int("queued", queued).
		Msg("webhook processed")

	c.JSON(http.StatusOK, gin.H{"received": true, "matched": matched, "queued": queued})
}
