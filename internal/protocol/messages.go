package protocol

import (
	"encoding/json"
	"time"

	"github.com/smukkama/weather-alerts/internal/models"
)

// NotificationType identifies an alert state change event
type NotificationType string

const (
	AlertTriggered NotificationType = "alert_triggered"
	AlertResolved  NotificationType = "alert_resolved"
	AlertError     NotificationType = "alert_error"
)

// AlertNotification is published on every alert status transition. It is
// delivered to live subscribers and, when enabled, to the notification topic.
type AlertNotification struct {
	Type      NotificationType `json:"type"`
	AlertID   string           `json:"alertId"`
	UserID    string           `json:"userId"`
	AlertName string           `json:"alertName"`
	Location  models.Location  `json:"location"`
	Parameter models.Parameter `json:"parameter"`
	Operator  models.Operator  `json:"operator"`
	Value     *float64         `json:"value,omitempty"` // unset for alert_error
	Threshold float64          `json:"threshold"`
	Error     string           `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewAlertNotification fills the alert-derived fields
func NewAlertNotification(typ NotificationType, alert *models.Alert, at time.Time) *AlertNotification {
	return &AlertNotification{
		Type:      typ,
		AlertID:   alert.ID,
		UserID:    alert.UserID,
		AlertName: alert.Name,
		Location:  alert.Location,
		Parameter: alert.Parameter,
		Operator:  alert.Operator,
		Threshold: alert.Threshold,
		Timestamp: at,
	}
}

// EncodeAlertNotification encodes an AlertNotification to JSON
func EncodeAlertNotification(n *AlertNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeAlertNotification decodes JSON to AlertNotification
func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var n AlertNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
