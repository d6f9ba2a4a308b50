package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/alarming"
	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/models"
	"github.com/smukkama/weather-alerts/internal/notification"
	"github.com/smukkama/weather-alerts/internal/queue"
	"github.com/smukkama/weather-alerts/internal/weather"
)

// AlertStore is the alert persistence used by the HTTP surface.
// database.DB implements it.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	FindByID(ctx context.Context, id string) (*models.Alert, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Alert, error)
	UpdateAlert(ctx context.Context, alert *models.Alert) error
	DeleteAlert(ctx context.Context, id string) error
	FindActive(ctx context.Context) ([]*models.Alert, error)
	ListHistory(ctx context.Context, alertID string, limit int) ([]*models.HistoryEntry, error)
}

// Evaluator runs synchronous evaluations. alarming.Engine implements it.
type Evaluator interface {
	EvaluateOne(ctx context.Context, alertID string) (*alarming.Evaluation, error)
	AnalyzeForecast(ctx context.Context, alertID string, days int) ([]alarming.ForecastAnalysis, error)
}

// JobQueue schedules background evaluations. queue.Queue implements it.
type JobQueue interface {
	EnqueueEvaluateAll(ctx context.Context) (*queue.Job, error)
	EnqueueEvaluateOne(ctx context.Context, alertID string) (*queue.Job, error)
	Get(ctx context.Context, id string) (*queue.Job, error)
	Cancel(ctx context.Context, id string) error
	Stats(ctx context.Context) (queue.Stats, error)
}

// WeatherService serves weather readings. weather.Gateway implements it.
type WeatherService interface {
	GetCurrent(ctx context.Context, loc models.Location) (models.Reading, error)
	GetCachedCurrent(ctx context.Context, loc models.Location) (models.Reading, bool, error)
	GetForecast(ctx context.Context, loc models.Location, horizonDays int) ([]models.ForecastPoint, error)
	Invalidate(ctx context.Context, loc models.Location) error
}

// Config holds handler collaborators
type Config struct {
	Store         AlertStore
	Engine        Evaluator
	Jobs          JobQueue
	Weather       WeatherService
	Hub           *notification.Hub
	Metrics       *metrics.Metrics
	WebhookSecret string
	ForecastDays  int
	Heartbeat     time.Duration
}

type Handler struct {
	store         AlertStore
	engine        Evaluator
	jobs          JobQueue
	weather       WeatherService
	hub           *notification.Hub
	metrics       *metrics.Metrics
	webhookSecret string
	forecastDays  int
	heartbeat     time.Duration
	log           zerolog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = 3
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewForTesting()
	}
	return &Handler{
		store:         cfg.Store,
		engine:        cfg.Engine,
		jobs:          cfg.Jobs,
		weather:       cfg.Weather,
		hub:           cfg.Hub,
		metrics:       cfg.Metrics,
		webhookSecret: cfg.WebhookSecret,
		forecastDays:  cfg.ForecastDays,
		heartbeat:     cfg.Heartbeat,
		log:           logger.WithComponent("api"),
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	alerts := r.Group("/api/alerts")
	alerts.POST("", h.createAlert)
	alerts.GET("", h.listAlerts)
	alerts.POST("/process", h.processAll)
	alerts.GET("/queue/stats", h.queueStats)
	alerts.GET("/queue/jobs/:jobId", h.getJob)
	alerts.DELETE("/queue/jobs/:jobId", h.cancelJob)
	alerts.GET("/:id", h.getAlert)
	alerts.PUT("/:id", h.updateAlert)
	alerts.DELETE("/:id", h.deleteAlert)
	alerts.GET("/:id/history", h.alertHistory)
	alerts.POST("/:id/evaluate", h.enqueueEvaluation)
	alerts.GET("/:id/status", h.alertStatus)
	alerts.GET("/:id/forecast-analysis", h.forecastAnalysis)

	r.GET("/api/weather/current", h.currentWeather)
	r.GET("/api/weather/forecast", h.forecastWeather)
	r.POST("/api/weather/refresh", h.refreshWeather)

	r.POST("/api/webhooks/tomorrow-io", h.tomorrowWebhook)
	r.GET("/api/notifications/stream", h.notificationStream)
}

func (h *Handler) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.hub != nil {
		body["subscribers"] = h.hub.Stats().Subscribers
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) processAll(c *gin.Context) {
	job, err := h.jobs.EnqueueEvaluateAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "kind": job.Kind})
}

func (h *Handler) enqueueEvaluation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.FindByID(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}

	job, err := h.jobs.EnqueueEvaluateOne(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "kind": job.Kind, "alertId": id})
}

func (h *Handler) alertStatus(c *gin.Context) {
	eval, err := h.engine.EvaluateOne(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, eval)
}

func (h *Handler) forecastAnalysis(c *gin.Context) {
	days := h.forecastDays
	if d := c.Query("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 || n > 15 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 15"})
			return
		}
		days = n
	}

	analysis, err := h.engine.AnalyzeForecast(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		h.writeError(c, err)
		return
	}

	willTrigger := 0
	for _, a := range analysis {
		if a.WillTrigger {
			willTrigger++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"alertId":     c.Param("id"),
		"days":        days,
		"willTrigger": willTrigger,
		"analysis":    analysis,
	})
}

func (h *Handler) queueStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	if err := h.jobs.Cancel(c.Request.Context(), c.Param("jobId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": c.Param("jobId"), "state": queue.StateCancelled})
}

func (h *Handler) currentWeather(c *gin.Context) {
	loc, ok := locationFromQuery(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	reading, err := h.weather.GetCurrent(ctx, loc)
	if errors.Is(err, weather.ErrUpstream) {
		// Provider down or rate limited: answer with the last known reading
		if cached, ok, cacheErr := h.weather.GetCachedCurrent(ctx, loc); cacheErr == nil && ok {
			h.log.Warn().Err(err).Str("location", loc.String()).Msg("serving last known weather")
			c.JSON(http.StatusOK, gin.H{"location": loc, "weather": cached, "stale": true})
			return
		}
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": loc, "weather": reading, "stale": false})
}

func (h *Handler) forecastWeather(c *gin.Context) {
	loc, ok := locationFromQuery(c)
	if !ok {
		return
	}
	days := h.forecastDays
	if d := c.Query("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 || n > 15 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be between 1 and 15"})
			return
		}
		days = n
	}

	points, err := h.weather.GetForecast(c.Request.Context(), loc, days)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": loc, "days": days, "forecast": points})
}

func (h *Handler) refreshWeather(c *gin.Context) {
	var body locationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	loc, err := body.location()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.weather.Invalidate(c.Request.Context(), loc); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"location": loc, "invalidated": true})
}

// locationFromQuery reads ?city= or ?lat=&lon=, writing a 400 on failure
func locationFromQuery(c *gin.Context) (models.Location, bool) {
	body := locationBody{City: c.Query("city")}
	if lat := c.Query("lat"); lat != "" {
		v, err := strconv.ParseFloat(lat, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lat must be a number"})
			return models.Location{}, false
		}
		body.Lat = &v
	}
	if lon := c.Query("lon"); lon != "" {
		v, err := strconv.ParseFloat(lon, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lon must be a number"})
			return models.Location{}, false
		}
		body.Lon = &v
	}

	loc, err := body.location()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return models.Location{}, false
	}
	return loc, true
}

type locationBody struct {
	City string   `json:"city"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

func (b locationBody) location() (models.Location, error) {
	return models.NewLocation(b.City, b.Lat, b.Lon)
}

// writeError maps domain errors onto status codes
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAlertNotFound), errors.Is(err, queue.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, models.ErrInvalidLocation),
		errors.Is(err, models.ErrUnknownOperator),
		errors.Is(err, models.ErrUnknownParameter):
		status = http.StatusBadRequest
	case errors.Is(err, alarming.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, weather.ErrRateLimited):
		status = http.StatusServiceUnavailable
	case errors.Is(err, weather.ErrUpstream):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
