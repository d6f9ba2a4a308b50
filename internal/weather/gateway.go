package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/weather-alerts/internal/cache"
	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/models"
)

const (
	kindCurrent  = "current"
	kindForecast = "forecast"
	// kindLastKnown entries outlive CurrentTTL and only back GetCachedCurrent
	kindLastKnown = "last_known"
)

// Provider is the upstream weather source. TomorrowClient implements it.
type Provider interface {
	Current(ctx context.Context, loc models.Location) (models.Reading, error)
	Forecast(ctx context.Context, loc models.Location, days int) ([]models.ForecastPoint, error)
}

// Config holds gateway collaborators and limits
type Config struct {
	Provider         Provider
	Cache            cache.Cache
	Metrics          *metrics.Metrics
	CurrentTTL       time.Duration
	ForecastTTL      time.Duration
	StaleTTL         time.Duration
	FetchTimeout     time.Duration
	FetchConcurrency int
}

// Gateway serves current and forecast readings through a shared cache
type Gateway struct {
	provider         Provider
	cache            cache.Cache
	metrics          *metrics.Metrics
	currentTTL       time.Duration
	forecastTTL      time.Duration
	staleTTL         time.Duration
	fetchTimeout     time.Duration
	fetchConcurrency int
	log              zerolog.Logger
}

// forecastEntry is the cached forecast blob. Days records the horizon it
// was fetched for so shorter requests can be served from a longer fetch.
type forecastEntry struct {
	Days   int                    `json:"days"`
	Points []models.ForecastPoint `json:"points"`
}

// NewGateway creates a gateway, filling unset limits with defaults
func NewGateway(cfg Config) *Gateway {
	if cfg.CurrentTTL <= 0 {
		cfg.CurrentTTL = 5 * time.Minute
	}
	if cfg.ForecastTTL <= 0 {
		cfg.ForecastTTL = time.Hour
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = 24 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}

	return &Gateway{
		provider:         cfg.Provider,
		cache:            cfg.Cache,
		metrics:          cfg.Metrics,
		currentTTL:       cfg.CurrentTTL,
		forecastTTL:      cfg.ForecastTTL,
		staleTTL:         cfg.StaleTTL,
		fetchTimeout:     cfg.FetchTimeout,
		fetchConcurrency: cfg.FetchConcurrency,
		log:              logger.WithComponent("weather_gateway"),
	}
}

// GetCurrent returns current conditions, from cache when fresh. Upstream
// failures are returned wrapped in ErrUpstream; stale data is never served.
func (g *Gateway) GetCurrent(ctx context.Context, loc models.Location) (models.Reading, error) {
	key, err := loc.Key()
	if err != nil {
		return models.Reading{}, err
	}
	cacheKey := kindCurrent + ":" + key

	var cached models.Reading
	if g.lookup(ctx, kindCurrent, cacheKey, &cached) {
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	start := time.Now()
	reading, err := g.provider.Current(fetchCtx, loc)
	g.observeUpstream(kindCurrent, start, err)
	if err != nil {
		return models.Reading{}, upstreamError(fmt.Sprintf("fetch current weather for %s", key), err)
	}

	g.store(ctx, cacheKey, reading, g.currentTTL)
	g.store(ctx, kindLastKnown+":"+key, reading, g.staleTTL)
	return reading, nil
}

// GetCachedCurrent is the explicit stale-tolerant fallback. It never calls
// the provider; it returns the fresh entry if there is one, else the last
// reading fetched within StaleTTL, and reports whether either was found.
func (g *Gateway) GetCachedCurrent(ctx context.Context, loc models.Location) (models.Reading, bool, error) {
	key, err := loc.Key()
	if err != nil {
		return models.Reading{}, false, err
	}

	var cached models.Reading
	if g.lookup(ctx, kindCurrent, kindCurrent+":"+key, &cached) {
		return cached, true, nil
	}
	return cached, g.lookup(ctx, kindLastKnown, kindLastKnown+":"+key, &cached), nil
}

// GetForecast returns hourly forecast points in ascending time order, at
// most horizonDays ahead of the first point.
func (g *Gateway) GetForecast(ctx context.Context, loc models.Location, horizonDays int) ([]models.ForecastPoint, error) {
	if horizonDays <= 0 {
		return nil, fmt.Errorf("forecast horizon must be positive, got %d", horizonDays)
	}
	key, err := loc.Key()
	if err != nil {
		return nil, err
	}
	cacheKey := kindForecast + ":" + key

	var cached forecastEntry
	if g.lookup(ctx, kindForecast, cacheKey, &cached) && cached.Days >= horizonDays {
		return truncateHorizon(cached.Points, horizonDays), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.fetchTimeout)
	defer cancel()

	start := time.Now()
	points, err := g.provider.Forecast(fetchCtx, loc, horizonDays)
	g.observeUpstream(kindForecast, start, err)
	if err != nil {
		return nil, upstreamError(fmt.Sprintf("fetch forecast for %s", key), err)
	}

	slices.SortStableFunc(points, func(a, b models.ForecastPoint) int {
		return a.Time.Compare(b.Time)
	})

	g.store(ctx, cacheKey, forecastEntry{Days: horizonDays, Points: points}, g.forecastTTL)
	return truncateHorizon(points, horizonDays), nil
}

// BatchFetch fetches current conditions for every distinct batching key
// with bounded concurrency. Failed or invalid locations are logged and left
// out of the result.
func (g *Gateway) BatchFetch(ctx context.Context, locations []models.Location) map[string]models.Reading {
	unique := make(map[string]models.Location, len(locations))
	for _, loc := range locations {
		key, err := loc.Key()
		if err != nil {
			g.log.Warn().Err(err).Msg("skipping invalid location in batch")
			continue
		}
		unique[key] = loc
	}

	if g.metrics != nil {
		g.metrics.BatchLocations.Observe(float64(len(unique)))
	}

	var (
		mu      sync.Mutex
		results = make(map[string]models.Reading, len(unique))
		eg      errgroup.Group
	)
	eg.SetLimit(g.fetchConcurrency)

	for key, loc := range unique {
		eg.Go(func() error {
			reading, err := g.GetCurrent(ctx, loc)
			if err != nil {
				g.log.Warn().Err(err).Str("location", key).Msg("batch fetch failed")
				return nil
			}
			mu.Lock()
			results[key] = reading
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	g.log.Debug().
		Int("requested", len(unique)).
		Int("fetched", len(results)).
		Msg("batch fetch complete")

	return results
}

// Invalidate drops the fresh cached entries for the location. The last
// known reading is kept for GetCachedCurrent.
func (g *Gateway) Invalidate(ctx context.Context, loc models.Location) error {
	key, err := loc.Key()
	if err != nil {
		return err
	}
	return g.cache.Delete(ctx, kindCurrent+":"+key, kindForecast+":"+key)
}

// lookup decodes a cached blob into dst. Cache read errors and corrupt
// entries count as misses so the provider remains the source of truth.
func (g *Gateway) lookup(ctx context.Context, kind, cacheKey string, dst any) bool {
	data, err := g.cache.Get(ctx, cacheKey)
	if err == nil {
		if err = json.Unmarshal(data, dst); err == nil {
			g.countLookup(kind, "hit")
			g.log.Debug().Str("key", cacheKey).Msg("cache hit")
			return true
		}
	}
	if !errors.Is(err, cache.ErrMiss) {
		g.log.Warn().Err(err).Str("key", cacheKey).Msg("cache read failed")
	}
	g.countLookup(kind, "miss")
	return false
}

func (g *Gateway) store(ctx context.Context, cacheKey string, v any, ttl time.Duration) {
	data, err := json.Marshal(v)
	if err != nil {
		g.log.Error().Err(err).Str("key", cacheKey).Msg("failed to encode cache entry")
		return
	}
	if err := g.cache.Set(ctx, cacheKey, data, ttl); err != nil {
		g.log.Warn().Err(err).Str("key", cacheKey).Msg("cache write failed")
	}
}

func (g *Gateway) countLookup(kind, result string) {
	if g.metrics != nil {
		g.metrics.CacheLookups.WithLabelValues(kind, result).Inc()
	}
}

func (g *Gateway) observeUpstream(kind string, start time.Time, err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.UpstreamDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.metrics.UpstreamRequests.WithLabelValues(kind, outcome).Inc()
}

func upstreamError(op string, err error) error {
	if errors.Is(err, ErrUpstream) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstream, err)
}

func truncateHorizon(points []models.ForecastPoint, days int) []models.ForecastPoint {
	if len(points) == 0 {
		return points
	}
	limit := points[0].Time.Add(time.Duration(days) * 24 * time.Hour)
	end := len(points)
	for i, p := range points {
		if p.Time.After(limit) {
			end = i
			break
		}
	}
	out := make([]models.ForecastPoint, end)
	copy(out, points[:end])
	return out
}
