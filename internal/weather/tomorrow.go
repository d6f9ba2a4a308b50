package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/smukkama/weather-alerts/internal/models"
)

var (
	// ErrUpstream marks failures talking to the weather provider. They are retryable.
	ErrUpstream = errors.New("weather provider error")
	// ErrRateLimited is returned when the provider answers 429
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrUpstream)
)

// TomorrowClient fetches timelines from the Tomorrow.io v4 API
type TomorrowClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewTomorrowClient creates a client that issues at most requestsPerSecond
// requests, each bounded by timeout.
func NewTomorrowClient(apiKey, baseURL string, timeout time.Duration, requestsPerSecond float64) *TomorrowClient {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &TomorrowClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Current returns the latest observation for the location
func (c *TomorrowClient) Current(ctx context.Context, loc models.Location) (models.Reading, error) {
	intervals, err := c.fetchTimeline(ctx, loc, "current", 0)
	if err != nil {
		return models.Reading{}, err
	}
	return intervals[0].reading(), nil
}

// Forecast returns hourly readings from now until days ahead
func (c *TomorrowClient) Forecast(ctx context.Context, loc models.Location, days int) ([]models.ForecastPoint, error) {
	intervals, err := c.fetchTimeline(ctx, loc, "1h", days)
	if err != nil {
		return nil, err
	}

	points := make([]models.ForecastPoint, 0, len(intervals))
	for _, iv := range intervals {
		r := iv.reading()
		points = append(points, models.ForecastPoint{Time: r.Time, Reading: r})
	}
	return points, nil
}

func (c *TomorrowClient) fetchTimeline(ctx context.Context, loc models.Location, timestep string, days int) ([]interval, error) {
	locationString, err := loc.Key()
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limiter: %v", ErrUpstream, err)
	}

	fields := make([]string, len(models.Parameters))
	for i, p := range models.Parameters {
		fields[i] = string(p)
	}

	params := url.Values{
		"location":  {locationString},
		"fields":    {strings.Join(fields, ",")},
		"timesteps": {timestep},
		"apikey":    {c.apiKey},
	}
	if days > 0 {
		params.Set("endTime", fmt.Sprintf("nowPlus%dd", days))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/timelines?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: timeline request: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, body)
	}

	var tr timelinesResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if len(tr.Data.Timelines) == 0 || len(tr.Data.Timelines[0].Intervals) == 0 {
		return nil, fmt.Errorf("%w: no weather data in response", ErrUpstream)
	}

	return tr.Data.Timelines[0].Intervals, nil
}

// Tomorrow.io API response types.

type timelinesResponse struct {
	Data struct {
		Timelines []struct {
			Timestep  string     `json:"timestep"`
			Intervals []interval `json:"intervals"`
		} `json:"timelines"`
	} `json:"data"`
}

type interval struct {
	StartTime time.Time           `json:"startTime"`
	Values    map[string]*float64 `json:"values"`
}

// reading keeps only monitored parameters the provider actually reported
func (iv interval) reading() models.Reading {
	values := make(map[models.Parameter]float64, len(models.Parameters))
	for _, p := range models.Parameters {
		if v := iv.Values[string(p)]; v != nil {
			values[p] = *v
		}
	}
	return models.Reading{Time: iv.StartTime, Values: values}
}
