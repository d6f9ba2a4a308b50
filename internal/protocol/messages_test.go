package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-alerts/internal/models"
)

func TestAlertNotification_ErrorEventWithoutLocation(t *testing.T) {
	n := NewAlertNotification(AlertError, &models.Alert{ID: "a1", UserID: "u1"}, time.Unix(0, 0).UTC())
	n.Error = "invalid location"

	data, err := EncodeAlertNotification(n)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"value"`)

	decoded, err := DecodeAlertNotification(data)
	require.NoError(t, err)
	assert.Equal(t, AlertError, decoded.Type)
	assert.Equal(t, models.LocationInvalid, decoded.Location.Kind())
	assert.Nil(t, decoded.Value)
}

func TestDecodeWebhookPayload(t *testing.T) {
	p, err := DecodeWebhookPayload([]byte(`{
		"eventType": "weather_update",
		"location": {"lat": 37.775, "lon": -122.415},
		"data": {"temperature": 21.5},
		"timestamp": "2026-01-01T00:00:00Z"
	}`))
	require.NoError(t, err)
	assert.True(t, p.Known())
	assert.Equal(t, models.Coordinates(37.775, -122.415), p.Location)
	assert.InDelta(t, 21.5, *p.Data["temperature"], 1e-9)
}

func TestDecodeWebhookPayload_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"not json":            `{`,
		"missing type":        `{"location":{"city":"London"}}`,
		"missing location":    `{"eventType":"weather_update"}`,
		"empty location":      `{"eventType":"weather_update","location":{}}`,
		"partial coordinates": `{"eventType":"weather_update","location":{"lat":1}}`,
		"out of range":        `{"eventType":"weather_update","location":{"city":"London","lat":91,"lon":1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeWebhookPayload([]byte(body))
			assert.ErrorIs(t, err, ErrInvalidWebhook)
		})
	}
}

func TestDecodeWebhookPayload_PrefersCoordinates(t *testing.T) {
	p, err := DecodeWebhookPayload([]byte(`{
		"eventType": "alert_trigger",
		"location": {"city": "San Francisco", "lat": 37.775, "lon": -122.415}
	}`))
	require.NoError(t, err)
	assert.Equal(t, models.Coordinates(37.775, -122.415), p.Location)

	// An incomplete pair falls back to the name
	p, err = DecodeWebhookPayload([]byte(`{
		"eventType": "weather_update",
		"location": {"city": "San Francisco", "lat": 37.775}
	}`))
	require.NoError(t, err)
	assert.Equal(t, models.City("San Francisco"), p.Location)
}

func TestDecodeWebhookPayload_UnknownEventType(t *testing.T) {
	p, err := DecodeWebhookPayload([]byte(`{"eventType":"heartbeat","location":{"city":"London"}}`))
	require.NoError(t, err)
	assert.False(t, p.Known())
}
