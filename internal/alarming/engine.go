package alarming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
	"github.com/smukkama/weather-alerts/internal/models"
	"github.com/smukkama/weather-alerts/internal/protocol"
)

// ErrConfiguration wraps evaluation failures caused by the alert itself
// (unknown operator, invalid location, unreported parameter). Retrying
// does not help; the alert moves to ERROR.
var ErrConfiguration = errors.New("alert configuration error")

// Store is the persistence the engine needs. Status changes are
// compare-and-set: each takes the status the change was computed from and
// fails with models.ErrStatusConflict when the stored one differs.
// MarkTriggered and MarkResolved must each be atomic.
type Store interface {
	FindActive(ctx context.Context) ([]*models.Alert, error)
	FindByID(ctx context.Context, id string) (*models.Alert, error)
	UpdateLastChecked(ctx context.Context, id string, checkedAt time.Time) error
	SetStatus(ctx context.Context, id string, from, to models.Status, checkedAt time.Time) error
	// MarkTriggered sets TRIGGERED and opens entry unless an open entry
	// already exists. It reports whether entry was inserted.
	MarkTriggered(ctx context.Context, id string, from models.Status, checkedAt time.Time, entry *models.HistoryEntry) (bool, error)
	// MarkResolved sets NOT_TRIGGERED and closes the newest open entry, if
	// any. It reports whether an entry was closed.
	MarkResolved(ctx context.Context, id string, from models.Status, checkedAt time.Time) (bool, error)
}

// Locker serializes evaluations of one alert id across processes
type Locker interface {
	Lock(ctx context.Context, id string) (func(), error)
}

// WeatherGateway is the subset of weather.Gateway used for evaluation
type WeatherGateway interface {
	GetCurrent(ctx context.Context, loc models.Location) (models.Reading, error)
	GetForecast(ctx context.Context, loc models.Location, horizonDays int) ([]models.ForecastPoint, error)
	BatchFetch(ctx context.Context, locations []models.Location) map[string]models.Reading
}

// Notifier receives transition events after they are persisted. It must
// not block on slow consumers.
type Notifier interface {
	Notify(ctx context.Context, n *protocol.AlertNotification)
}

// Evaluation is the outcome of evaluating one alert against a reading
type Evaluation struct {
	AlertID   string           `json:"alertId"`
	Triggered bool             `json:"triggered"`
	Value     float64          `json:"value"`
	Threshold float64          `json:"threshold"`
	Parameter models.Parameter `json:"parameter"`
	Reading   models.Reading   `json:"weatherData"`
	Previous  models.Status    `json:"previousStatus"`
	Status    models.Status    `json:"status"`
}

// Changed reports whether the evaluation moved the alert to a new status
func (ev *Evaluation) Changed() bool {
	return ev.Previous != ev.Status
}

// ForecastAnalysis is the would-trigger verdict at one forecast step
type ForecastAnalysis struct {
	Time        time.Time        `json:"time"`
	WillTrigger bool             `json:"willTrigger"`
	Value       float64          `json:"value"`
	Parameter   models.Parameter `json:"parameter"`
}

// Summary counts what one bulk evaluation did
type Summary struct {
	Alerts    int `json:"alerts"`
	Locations int `json:"locations"`
	Evaluated int `json:"evaluated"`
	Skipped   int `json:"skipped"`
	Triggered int `json:"triggered"`
	Resolved  int `json:"resolved"`
	Errored   int `json:"errored"`
}

// Config holds engine collaborators and limits
type Config struct {
	Store        Store
	Weather      WeatherGateway
	Notifier     Notifier
	Metrics      *metrics.Metrics
	Clock        clockwork.Clock
	Concurrency  int
	ForecastDays int
	// Locker is taken after the in-process lock. Leave nil when a single
	// process evaluates alerts.
	Locker Locker
}

// Engine runs the per-alert state machine. Writes for one alert id are
// serialized across all entry points, and across processes when a shared
// Locker is configured.
type Engine struct {
	store        Store
	weather      WeatherGateway
	notifier     Notifier
	metrics      *metrics.Metrics
	clock        clockwork.Clock
	locks        *alertLocks
	shared       Locker
	concurrency  int
	forecastDays int
	log          zerolog.Logger
}

// NewEngine creates an engine, filling unset options with defaults
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewForTesting()
	}

	return &Engine{
		store:        cfg.Store,
		weather:      cfg.Weather,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		clock:        cfg.Clock,
		locks:        newAlertLocks(),
		shared:       cfg.Locker,
		concurrency:  cfg.Concurrency,
		forecastDays: cfg.ForecastDays,
		log:          logger.WithComponent("alarming"),
	}
}

// EvaluateOne fetches current weather for the alert and applies the state
// machine. The active flag is not consulted. Fetch failures move the alert
// to ERROR and are returned wrapped in the gateway's upstream error.
func (e *Engine) EvaluateOne(ctx context.Context, alertID string) (*Evaluation, error) {
	alert, err := e.store.FindByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	// The fetch happens outside the per-alert lock
	key, _ := alert.Location.Key()
	reading, fetchErr := e.fetchCurrent(ctx, alert.Location)

	eval, err := e.evaluateLocked(ctx, alertID, false, func(fresh *models.Alert) (*Evaluation, error) {
		if freshKey, _ := fresh.Location.Key(); freshKey != key {
			// Location edited while we were fetching
			key = freshKey
			reading, fetchErr = e.fetchCurrent(ctx, fresh.Location)
		}
		if fetchErr != nil {
			if err := e.markError(ctx, fresh, fetchErr); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("evaluate alert %s: %w", alertID, fetchErr)
		}
		return e.apply(ctx, fresh, reading)
	})
	e.countOutcome("one", eval, err)
	return eval, err
}

func (e *Engine) fetchCurrent(ctx context.Context, loc models.Location) (models.Reading, error) {
	reading, err := e.weather.GetCurrent(ctx, loc)
	if err != nil && errors.Is(err, models.ErrInvalidLocation) {
		err = fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return reading, err
}

// EvaluateAll evaluates every active alert using one batched fetch per
// distinct location. Alerts whose location could not be fetched keep their
// status. Configuration problems move single alerts to ERROR; persistence
// failures are collected and returned so the job can be retried.
func (e *Engine) EvaluateAll(ctx context.Context) (*Summary, error) {
	alerts, err := e.store.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active alerts: %w", err)
	}
	e.metrics.BatchAlerts.Observe(float64(len(alerts)))

	var (
		mu      sync.Mutex
		summary = &Summary{Alerts: len(alerts)}
		errs    []error
	)
	record := func(fn func(s *Summary)) {
		mu.Lock()
		fn(summary)
		mu.Unlock()
	}

	groups := make(map[string][]*models.Alert)
	var invalid []*models.Alert
	for _, alert := range alerts {
		key, err := alert.Location.Key()
		if err != nil {
			invalid = append(invalid, alert)
			continue
		}
		groups[key] = append(groups[key], alert)
	}

	locations := make([]models.Location, 0, len(groups))
	for key := range groups {
		loc, err := models.ParseKey(key)
		if err != nil {
			// Keys come from Key(), so this means a bug in the round trip
			e.log.Error().Err(err).Str("location", key).Msg("failed to parse batching key")
			continue
		}
		locations = append(locations, loc)
	}
	summary.Locations = len(groups)

	readings := e.weather.BatchFetch(ctx, locations)

	var eg errgroup.Group
	eg.SetLimit(e.concurrency)

	for _, alert := range invalid {
		eg.Go(func() error {
			_, err := e.evaluateLocked(ctx, alert.ID, true, func(fresh *models.Alert) (*Evaluation, error) {
				invalidErr := fresh.Location.Validate()
				if invalidErr == nil {
					return nil, errSkipped
				}
				cause := fmt.Errorf("%w: %w", ErrConfiguration, invalidErr)
				if err := e.markError(ctx, fresh, cause); err != nil {
					return nil, err
				}
				return nil, cause
			})
			if errors.Is(err, ErrConfiguration) {
				e.metrics.Evaluations.WithLabelValues("all", "error").Inc()
			}
			e.collect(nil, err, record, &errs, &mu)
			return nil
		})
	}

	for key, group := range groups {
		reading, ok := readings[key]
		for _, alert := range group {
			if !ok {
				e.log.Warn().
					Str("alert_id", alert.ID).
					Str("location", key).
					Msg("no weather data for location, skipping alert")
				e.metrics.Evaluations.WithLabelValues("all", "skipped").Inc()
				record(func(s *Summary) { s.Skipped++ })
				continue
			}

			eg.Go(func() error {
				eval, err := e.evaluateLocked(ctx, alert.ID, true, func(fresh *models.Alert) (*Evaluation, error) {
					if freshKey, keyErr := fresh.Location.Key(); keyErr != nil || freshKey != key {
						// Location edited since the batch was planned; the next run picks it up
						return nil, errSkipped
					}
					return e.apply(ctx, fresh, reading)
				})
				if errors.Is(err, errSkipped) {
					record(func(s *Summary) { s.Skipped++ })
					return nil
				}
				e.countOutcome("all", eval, err)
				e.collect(eval, err, record, &errs, &mu)
				return nil
			})
		}
	}
	_ = eg.Wait()

	e.log.Info().
		Int("alerts", summary.Alerts).
		Int("locations", summary.Locations).
		Int("fetched", len(readings)).
		Int("evaluated", summary.Evaluated).
		Int("skipped", summary.Skipped).
		Int("triggered", summary.Triggered).
		Int("resolved", summary.Resolved).
		Int("errored", summary.Errored).
		Msg("bulk evaluation complete")

	if len(errs) > 0 {
		return summary, fmt.Errorf("bulk evaluation: %w", errors.Join(errs...))
	}
	return summary, nil
}

// AnalyzeForecast reports, for each forecast step, whether the alert would
// trigger. Nothing is persisted.
func (e *Engine) AnalyzeForecast(ctx context.Context, alertID string, days int) ([]ForecastAnalysis, error) {
	if days <= 0 {
		days = e.forecastDays
	}

	alert, err := e.store.FindByID(ctx, alertID)
	if err != nil {
		return nil, err
	}

	points, err := e.weather.GetForecast(ctx, alert.Location, days)
	if err != nil {
		if errors.Is(err, models.ErrInvalidLocation) {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, err
	}

	out := make([]ForecastAnalysis, 0, len(points))
	for _, p := range points {
		value, err := p.Reading.Value(alert.Parameter)
		if err != nil {
			return nil, fmt.Errorf("%w: forecast at %s: %w", ErrConfiguration, p.Time.Format(time.RFC3339), err)
		}
		trigger, err := EvaluateCondition(value, alert.Operator, alert.Threshold)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		out = append(out, ForecastAnalysis{
			Time:        p.Time,
			WillTrigger: trigger,
			Value:       value,
			Parameter:   alert.Parameter,
		})
	}

	e.metrics.Evaluations.WithLabelValues("forecast", "analyzed").Inc()
	return out, nil
}

var errSkipped = errors.New("alert skipped")

// maxConflictAttempts bounds how often fn runs when another writer keeps
// changing the alert's status underneath it.
const maxConflictAttempts = 3

// evaluateLocked takes the alert's lock, reloads it and runs fn on the
// fresh copy. fn runs again on a newer copy when its write lost a status
// race. In bulk mode alerts that were deleted or deactivated since
// planning are skipped.
func (e *Engine) evaluateLocked(ctx context.Context, alertID string, bulk bool, fn func(*models.Alert) (*Evaluation, error)) (*Evaluation, error) {
	unlock, err := e.lock(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		fresh, err := e.store.FindByID(ctx, alertID)
		if bulk && errors.Is(err, models.ErrAlertNotFound) {
			return nil, errSkipped
		}
		if err != nil {
			return nil, err
		}
		if bulk && !fresh.Active {
			return nil, errSkipped
		}

		eval, err := fn(fresh)
		if !errors.Is(err, models.ErrStatusConflict) || attempt == maxConflictAttempts {
			return eval, err
		}
		e.log.Debug().
			Str("alert_id", alertID).
			Int("attempt", attempt).
			Msg("alert status changed by another writer, re-reading")
	}
}

// lock takes the in-process lock for id, then the shared one if configured
func (e *Engine) lock(ctx context.Context, id string) (func(), error) {
	unlock := e.locks.Lock(id)
	if e.shared == nil {
		return unlock, nil
	}

	release, err := e.shared.Lock(ctx, id)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("lock alert %s: %w", id, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

// apply evaluates the reading and persists the resulting transition. The
// caller must hold the alert's lock. Notifications go out only after the
// store accepted the change.
func (e *Engine) apply(ctx context.Context, alert *models.Alert, reading models.Reading) (*Evaluation, error) {
	value, err := reading.Value(alert.Parameter)
	var triggered bool
	if err == nil {
		triggered, err = EvaluateCondition(value, alert.Operator, alert.Threshold)
	}
	if err != nil {
		cause := fmt.Errorf("%w: %w", ErrConfiguration, err)
		e.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("alert cannot be evaluated")
		if err := e.markError(ctx, alert, cause); err != nil {
			return nil, err
		}
		return nil, cause
	}

	now := e.clock.Now()
	eval := &Evaluation{
		AlertID:   alert.ID,
		Triggered: triggered,
		Value:     value,
		Threshold: alert.Threshold,
		Parameter: alert.Parameter,
		Reading:   reading,
		Previous:  alert.Status,
	}

	var notify protocol.NotificationType
	switch {
	case triggered && alert.Status != models.StatusTriggered:
		entry := &models.HistoryEntry{
			ID:          uuid.NewString(),
			AlertID:     alert.ID,
			Status:      models.StatusTriggered,
			Reading:     reading,
			TriggeredAt: now,
		}
		if _, err := e.store.MarkTriggered(ctx, alert.ID, alert.Status, now, entry); err != nil {
			return nil, fmt.Errorf("persist trigger for alert %s: %w", alert.ID, err)
		}
		eval.Status = models.StatusTriggered
		notify = protocol.AlertTriggered

	case !triggered && alert.Status != models.StatusNotTriggered:
		resolved, err := e.store.MarkResolved(ctx, alert.ID, alert.Status, now)
		if err != nil {
			return nil, fmt.Errorf("persist resolution for alert %s: %w", alert.ID, err)
		}
		eval.Status = models.StatusNotTriggered
		// Recovering from ERROR without an open period is silent
		if alert.Status == models.StatusTriggered || resolved {
			notify = protocol.AlertResolved
		}

	default:
		if err := e.store.UpdateLastChecked(ctx, alert.ID, now); err != nil {
			return nil, fmt.Errorf("persist check for alert %s: %w", alert.ID, err)
		}
		eval.Status = alert.Status
	}

	if notify != "" {
		e.metrics.Transitions.WithLabelValues(string(eval.Status)).Inc()
		e.log.Info().
			Str("alert_id", alert.ID).
			Str("user_id", alert.UserID).
			Str("location", alert.Location.String()).
			Str("parameter", string(alert.Parameter)).
			Float64("value", value).
			Float64("threshold", alert.Threshold).
			Str("from", string(alert.Status)).
			Str("to", string(eval.Status)).
			Msg("alert transition")

		n := protocol.NewAlertNotification(notify, alert, now)
		n.Value = &value
		e.notifier.Notify(ctx, n)
	}

	return eval, nil
}

// markError persists ERROR and notifies on entry into ERROR. It returns
// only persistence failures.
func (e *Engine) markError(ctx context.Context, alert *models.Alert, cause error) error {
	now := e.clock.Now()
	if alert.Status == models.StatusError {
		if err := e.store.UpdateLastChecked(ctx, alert.ID, now); err != nil {
			return fmt.Errorf("persist check for alert %s: %w", alert.ID, err)
		}
		return nil
	}
	if err := e.store.SetStatus(ctx, alert.ID, alert.Status, models.StatusError, now); err != nil {
		return fmt.Errorf("persist error status for alert %s: %w", alert.ID, err)
	}

	e.metrics.Transitions.WithLabelValues(string(models.StatusError)).Inc()
	e.log.Warn().
		Err(cause).
		Str("alert_id", alert.ID).
		Str("from", string(alert.Status)).
		Msg("alert moved to ERROR")

	n := protocol.NewAlertNotification(protocol.AlertError, alert, now)
	n.Error = cause.Error()
	e.notifier.Notify(ctx, n)
	return nil
}

// collect folds one bulk result into the summary. Configuration errors
// were already recorded as ERROR status; anything else is job-fatal.
func (e *Engine) collect(eval *Evaluation, err error, record func(func(*Summary)), errs *[]error, mu *sync.Mutex) {
	switch {
	case errors.Is(err, errSkipped):
		record(func(s *Summary) { s.Skipped++ })
	case errors.Is(err, ErrConfiguration):
		record(func(s *Summary) { s.Errored++ })
	case err != nil:
		mu.Lock()
		*errs = append(*errs, err)
		mu.Unlock()
	default:
		record(func(s *Summary) {
			s.Evaluated++
			if !eval.Changed() {
				return
			}
			switch eval.Status {
			case models.StatusTriggered:
				s.Triggered++
			case models.StatusNotTriggered:
				s.Resolved++
			}
		})
	}
}

func (e *Engine) countOutcome(mode string, eval *Evaluation, err error) {
	outcome := "error"
	if err == nil && eval != nil {
		outcome = "not_triggered"
		if eval.Triggered {
			outcome = "triggered"
		}
	}
	e.metrics.Evaluations.WithLabelValues(mode, outcome).Inc()
}
