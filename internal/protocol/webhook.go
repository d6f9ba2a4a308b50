package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/smukkama/weather-alerts/internal/models"
)

// WebhookEventType is the kind of push sent by Tomorrow.io
type WebhookEventType string

const (
	EventWeatherUpdate WebhookEventType = "weather_update"
	EventAlertTrigger  WebhookEventType = "alert_trigger"
)

var ErrInvalidWebhook = errors.New("invalid webhook payload")

// WebhookPayload is the provider push body
type WebhookPayload struct {
	EventType WebhookEventType    `json:"eventType"`
	Location  models.Location     `json:"location"`
	Data      map[string]*float64 `json:"data,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
}

// Known reports whether the event type is one this service reacts to
func (p *WebhookPayload) Known() bool {
	return p.EventType == EventWeatherUpdate || p.EventType == EventAlertTrigger
}

// webhookJSON is the inbound shape. Unlike alert locations, a push may
// carry the place name next to the coordinates it resolved to.
type webhookJSON struct {
	EventType WebhookEventType    `json:"eventType"`
	Location  *webhookLocation    `json:"location"`
	Data      map[string]*float64 `json:"data"`
	Timestamp string              `json:"timestamp"`
}

type webhookLocation struct {
	City string   `json:"city"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

// location prefers a full coordinate pair over the place name
func (l *webhookLocation) location() (models.Location, error) {
	if l.Lat != nil && l.Lon != nil {
		return models.NewLocation("", l.Lat, l.Lon)
	}
	return models.NewLocation(l.City, nil, nil)
}

// DecodeWebhookPayload parses and validates a push body. Unknown event
// types decode successfully; callers decide whether to act on them.
func DecodeWebhookPayload(data []byte) (*WebhookPayload, error) {
	var raw webhookJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if raw.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrInvalidWebhook)
	}
	if raw.Location == nil {
		return nil, fmt.Errorf("%w: missing location", ErrInvalidWebhook)
	}
	loc, err := raw.Location.location()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return &WebhookPayload{
		EventType: raw.EventType,
		Location:  loc,
		Data:      raw.Data,
		Timestamp: raw.Timestamp,
	}, nil
}
