package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// RateLimitMiddleware applies a global token bucket. rps <= 0 disables it.
func RateLimitMiddleware(rps int) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := rate.NewLimiter(rate.Limit(rps), rps)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger tags each request with an id, logs its completion and
// records request metrics under the matched route template.
func RequestLogger(m *metrics.Metrics) gin.HandlerFunc {
	log := logger.WithComponent("http")

	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(requestIDHeader, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)

		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(duration.Seconds())

		event := log.Info()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote_addr", c.ClientIP()).
			Int("status", status).
			Int("response_size", c.Writer.Size()).
			Dur("duration_ms", duration).
			Msg("request completed")
	}
}

// RouterConfig holds router-level settings
type RouterConfig struct {
	RateLimit    int
	AllowOrigins []string
	Metrics      *metrics.Metrics
}

// NewRouter builds the gin engine with middleware and every route
// registered. /metrics serves the default Prometheus registry.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	if cfg.Metrics == nil {
		cfg.Metrics = h.metrics
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(cfg.Metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", requestIDHeader, signatureHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
	}))
	router.Use(RateLimitMiddleware(cfg.RateLimit))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.RegisterRoutes(router)
	return router
}
