package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/smukkama/weather-alerts/internal/models"
)

type alertRequest struct {
	UserID    string          `json:"userId" binding:"required"`
	Name      string          `json:"name" binding:"required"`
	Location  models.Location `json:"location"`
	Parameter string          `json:"parameter" binding:"required"`
	Operator  string          `json:"operator" binding:"required"`
	Threshold *float64        `json:"threshold" binding:"required"`
	Active    *bool           `json:"isActive"`
}

// toAlert validates the request and copies it onto alert
func (r *alertRequest) toAlert(alert *models.Alert) error {
	if err := r.Location.Validate(); err != nil {
		return err
	}
	param, err := models.ParseParameter(r.Parameter)
	if err != nil {
		return err
	}
	op, err := models.ParseOperator(r.Operator)
	if err != nil {
		return err
	}

	alert.UserID = r.UserID
	alert.Name = r.Name
	alert.Location = r.Location
	alert.Parameter = param
	alert.Operator = op
	alert.Threshold = *r.Threshold
	alert.Active = r.Active == nil || *r.Active
	return nil
}

func (h *Handler) createAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert := &models.Alert{}
	if err := req.toAlert(alert); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.store.CreateAlert(c.Request.Context(), alert); err != nil {
		h.writeError(c, err)
		return
	}

	h.log.Info().
		Str("alert_id", alert.ID).
		Str("user_id", alert.UserID).
		Str("location", alert.Location.String()).
		Msg("alert created")
	c.JSON(http.StatusCreated, alert)
}

func (h *Handler) listAlerts(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		alerts []*models.Alert
		err    error
	)
	if userID := c.Query("userId"); userID != "" {
		alerts, err = h.store.ListByUser(ctx, userID)
	} else {
		alerts, err = h.store.FindActive(ctx)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) getAlert(c *gin.Context) {
	alert, err := h.store.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) updateAlert(c *gin.Context) {
	ctx := c.Request.Context()

	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	alert, err := h.store.FindByID(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := req.toAlert(alert); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.store.UpdateAlert(ctx, alert); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) deleteAlert(c *gin.Context) {
	if err := h.store.DeleteAlert(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) alertHistory(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 500)
	}

	if _, err := h.store.FindByID(ctx, id); err != nil {
		h.writeError(c, err)
		return
	}
	history, err := h.store.ListHistory(ctx, id, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if history == nil {
		history = []*models.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"alertId": id, "history": history})
}
