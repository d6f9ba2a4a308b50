package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-alerts/internal/models"
)

const currentBody = `{
  "data": {
    "timelines": [{
      "timestep": "current",
      "intervals": [{
        "startTime": "2026-01-01T12:00:00Z",
        "values": {"temperature": 20.5, "windSpeed": 3.2, "humidity": 81, "cloudCover": null}
      }]
    }]
  }
}`

const forecastBody = `{
  "data": {
    "timelines": [{
      "timestep": "1h",
      "intervals": [
        {"startTime": "2026-01-01T12:00:00Z", "values": {"temperature": 10}},
        {"startTime": "2026-01-01T13:00:00Z", "values": {"temperature": 16}}
      ]
    }]
  }
}`

func TestTomorrowClient_Current(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/timelines", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "37.77,-122.41", q.Get("location"))
		assert.Equal(t, "current", q.Get("timesteps"))
		assert.Equal(t, "temperature,windSpeed,humidity,precipitationIntensity,cloudCover,visibility", q.Get("fields"))
		assert.Equal(t, "test-key", q.Get("apikey"))
		assert.Empty(t, q.Get("endTime"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(currentBody))
	}))
	defer srv.Close()

	c := NewTomorrowClient("test-key", srv.URL+"/", 5*time.Second, 100)
	reading, err := c.Current(context.Background(), models.Coordinates(37.77, -122.41))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), reading.Time.UTC())
	assert.InDelta(t, 20.5, reading.Values[models.ParamTemperature], 1e-9)
	assert.InDelta(t, 81.0, reading.Values[models.ParamHumidity], 1e-9)
	_, err = reading.Value(models.ParamCloudCover)
	assert.ErrorIs(t, err, models.ErrMissingParameter, "null values are not reported")
}

func TestTomorrowClient_Forecast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h", r.URL.Query().Get("timesteps"))
		assert.Equal(t, "nowPlus3d", r.URL.Query().Get("endTime"))
		assert.Equal(t, "London", r.URL.Query().Get("location"))
		_, _ = w.Write([]byte(forecastBody))
	}))
	defer srv.Close()

	c := NewTomorrowClient("k", srv.URL, 5*time.Second, 100)
	points, err := c.Forecast(context.Background(), models.City("London"), 3)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 16.0, points[1].Reading.Values[models.ParamTemperature], 1e-9)
	assert.Equal(t, points[1].Time, points[1].Reading.Time)
}

func TestTomorrowClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		target error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"server error", http.StatusInternalServerError, `oops`, ErrUpstream},
		{"empty timeline", http.StatusOK, `{"data":{"timelines":[]}}`, ErrUpstream},
		{"bad json", http.StatusOK, `{`, ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewTomorrowClient("k", srv.URL, 5*time.Second, 100)
			_, err := c.Current(context.Background(), models.City("London"))
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestTomorrowClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := NewTomorrowClient("k", srv.URL, 50*time.Millisecond, 100)
	_, err := c.Current(context.Background(), models.City("London"))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestTomorrowClient_InvalidLocation(t *testing.T) {
	c := NewTomorrowClient("k", "http://127.0.0.1:0", time.Second, 100)
	_, err := c.Current(context.Background(), models.Location{})
	assert.ErrorIs(t, err, models.ErrInvalidLocation)
}
