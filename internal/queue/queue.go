package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/logger"
	"github.com/smukkama/weather-alerts/internal/metrics"
)

// Job kinds
const (
	KindEvaluateAll = "process-all-alerts"
	KindEvaluateOne = "evaluate-single-alert"
)

// Job states
const (
	StateWaiting   = "waiting"
	StateActive    = "active"
	StateDelayed   = "delayed"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrNotCancellable = errors.New("job is no longer queued")
	ErrAlreadyStarted = errors.New("queue already started")
)

// Job is the persisted record of one unit of work
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	AlertID     string     `json:"alertId,omitempty"`
	State       string     `json:"state"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// Handler processes one job. Returning an error schedules a retry unless
// the error is Permanent or the job is out of attempts.
type Handler func(ctx context.Context, job *Job) error

// Stats counts jobs per list
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds queue settings
type Config struct {
	Name          string
	Concurrency   int
	MaxAttempts   int
	Backoff       time.Duration
	MaxBackoff    time.Duration
	PollInterval  time.Duration
	JobTimeout    time.Duration
	KeepCompleted int
	KeepFailed    int
	RecordTTL     time.Duration
	Metrics       *metrics.Metrics
	Clock         clockwork.Clock
}

// Queue is a Redis-backed job queue with retries and exponential backoff.
// Jobs move waiting -> active -> completed|failed, with failed attempts
// parked in a delayed set until their backoff expires. Delivery is at
// least once: jobs left active by a crashed process run again on Start.
type Queue struct {
	redis *redis.Client
	cfg   Config
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a queue, filling unset options with defaults
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "alert-processing"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 100
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 50
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 24 * time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewForTesting()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Queue{
		redis: client,
		cfg:   cfg,
		log:   logger.WithComponent("queue").With().Str("queue", cfg.Name).Logger(),
	}
}

func (q *Queue) key(suffix string) string {
	return q.cfg.Name + ":" + suffix
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Enqueue stores a new job and makes it available to workers
func (q *Queue) Enqueue(ctx context.Context, kind, alertID string) (*Job, error) {
	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		AlertID:     alertID,
		State:       StateWaiting,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  q.cfg.Clock.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.jobKey(job.ID), data, 0)
		pipe.LPush(ctx, q.key(StateWaiting), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	q.log.Debug().Str("job_id", job.ID).Str("kind", kind).Str("alert_id", alertID).Msg("job enqueued")
	return job, nil
}

// EnqueueEvaluateAll queues a bulk evaluation of every active alert
func (q *Queue) EnqueueEvaluateAll(ctx context.Context) (*Job, error) {
	return q.Enqueue(ctx, KindEvaluateAll, "")
}

// EnqueueEvaluateOne queues an evaluation of a single alert
func (q *Queue) EnqueueEvaluateOne(ctx context.Context, alertID string) (*Job, error) {
	return q.Enqueue(ctx, KindEvaluateOne, alertID)
}

// Get returns the job record, or ErrJobNotFound once it has expired
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.redis.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// Cancel removes a job that has not started or is waiting out a backoff.
// Running and finished jobs return ErrNotCancellable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	removed, err := q.redis.LRem(ctx, q.key(StateWaiting), 0, id).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	if removed == 0 {
		removed, err = q.redis.ZRem(ctx, q.key(StateDelayed), id).Result()
		if err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", id, err)
		}
	}
	if removed == 0 {
		return ErrNotCancellable
	}

	now := q.cfg.Clock.Now().UTC()
	job.State = StateCancelled
	job.FinishedAt = &now
	if err := q.save(ctx, q.redis, job, q.cfg.RecordTTL); err != nil {
		return err
	}

	q.log.Info().Str("job_id", id).Str("kind", job.Kind).Msg("job cancelled")
	return nil
}

// Stats returns the size of every list
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		waiting, active, completed, failed *redis.IntCmd
		delayed                            *redis.IntCmd
	)
	_, err := q.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, q.key(StateWaiting))
		active = pipe.LLen(ctx, q.key(StateActive))
		delayed = pipe.ZCard(ctx, q.key(StateDelayed))
		completed = pipe.LLen(ctx, q.key(StateCompleted))
		failed = pipe.LLen(ctx, q.key(StateFailed))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Start recovers jobs left active by a previous run, then launches the
// workers and the delayed-job promoter. It returns immediately.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrAlreadyStarted
	}

	recovered, err := q.recoverActive(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		q.log.Warn().Int("jobs", recovered).Msg("requeued jobs interrupted by a previous run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.started = true

	q.log.Info().
		Int("workers", q.cfg.Concurrency).
		Int("max_attempts", q.cfg.MaxAttempts).
		Dur("backoff", q.cfg.Backoff).
		Msg("starting queue workers")

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx, i, handler)
	}
	q.wg.Add(1)
	go q.promoter(runCtx)

	return nil
}

// Stop stops accepting jobs and waits for running handlers to return
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	q.log.Info().Msg("stopping queue workers")
	cancel()
	q.wg.Wait()
	q.log.Info().Msg("queue workers stopped")
}

// recoverActive moves active ids back to the consuming end of waiting
func (q *Queue) recoverActive(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.redis.LMove(ctx, q.key(StateActive), q.key(StateWaiting), "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover active jobs: %w", err)
		}
		n++
	}
}

func (q *Queue) worker(ctx context.Context, id int, handler Handler) {
	defer q.wg.Done()

	log := q.log.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		jobID, err := q.redis.LMove(ctx, q.key(StateWaiting), q.key(StateActive), "RIGHT", "LEFT").Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to claim job")
			}
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}

		q.process(ctx, jobID, handler)
	}
}

func (q *Queue) process(ctx context.Context, jobID string, handler Handler) {
	// Bookkeeping must finish even while stopping
	bookCtx := context.WithoutCancel(ctx)

	job, err := q.Get(bookCtx, jobID)
	if err != nil {
		q.log.Error().Err(err).Str("job_id", jobID).Msg("dropping job without record")
		q.redis.LRem(bookCtx, q.key(StateActive), 1, jobID)
		return
	}

	job.State = StateActive
	job.Attempts++
	if err := q.save(bookCtx, q.redis, job, 0); err != nil {
		q.log.Error().Err(err).Str("job_id", jobID).Msg("failed to mark job active")
	}

	start := q.cfg.Clock.Now()
	err = q.run(bookCtx, job, handler)
	q.cfg.Metrics.JobDuration.WithLabelValues(job.Kind).Observe(q.cfg.Clock.Since(start).Seconds())

	log := q.log.With().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Int("attempt", job.Attempts).
		Logger()

	switch {
	case err == nil:
		q.finish(bookCtx, job, StateCompleted, q.cfg.KeepCompleted)
		q.cfg.Metrics.Jobs.WithLabelValues(job.Kind, "completed").Inc()
		log.Info().Dur("duration", q.cfg.Clock.Since(start)).Msg("job completed")

	case IsPermanent(err) || job.Attempts >= job.MaxAttempts:
		job.LastError = err.Error()
		q.finish(bookCtx, job, StateFailed, q.cfg.KeepFailed)
		q.cfg.Metrics.Jobs.WithLabelValues(job.Kind, "failed").Inc()
		log.Error().Err(err).Bool("permanent", IsPermanent(err)).Msg("job failed")

	default:
		job.LastError = err.Error()
		delay := q.backoff(job.Attempts)
		q.retry(bookCtx, job, delay)
		q.cfg.Metrics.Jobs.WithLabelValues(job.Kind, "retried").Inc()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, will retry")
	}
}

// run invokes the handler with a timeout and turns panics into errors
func (q *Queue) run(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("job_id", job.ID).
				Msg("job handler panic recovered")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	defer cancel()
	return handler(jobCtx, job)
}

func (q *Queue) finish(ctx context.Context, job *Job, state string, keep int) {
	now := q.cfg.Clock.Now().UTC()
	job.State = state
	job.FinishedAt = &now

	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(StateActive), 1, job.ID)
		pipe.LPush(ctx, q.key(state), job.ID)
		pipe.LTrim(ctx, q.key(state), 0, int64(keep-1))
		return q.save(ctx, pipe, job, q.cfg.RecordTTL)
	})
	if err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Str("state", state).Msg("failed to record job result")
	}
}

func (q *Queue) retry(ctx context.Context, job *Job, delay time.Duration) {
	job.State = StateDelayed
	due := q.cfg.Clock.Now().Add(delay)

	_, err := q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(StateActive), 1, job.ID)
		pipe.ZAdd(ctx, q.key(StateDelayed), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return q.save(ctx, pipe, job, 0)
	})
	if err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to schedule retry")
	}
}

// backoff doubles the base delay per attempt up to MaxBackoff
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.cfg.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.cfg.MaxBackoff {
			return q.cfg.MaxBackoff
		}
	}
	return delay
}

// promoter moves delayed jobs whose backoff has expired back to waiting
func (q *Queue) promoter(ctx context.Context) {
	defer q.wg.Done()

	for {
		q.promoteDue(ctx)
		if !q.sleep(ctx, q.cfg.PollInterval) {
			return
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(q.cfg.Clock.Now().UnixMilli(), 10)
	ids, err := q.redis.ZRangeByScore(ctx, q.key(StateDelayed), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error().Err(err).Msg("failed to read delayed jobs")
		}
		return
	}

	for _, id := range ids {
		// ZREM decides ownership when several processes promote
		removed, err := q.redis.ZRem(ctx, q.key(StateDelayed), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.redis.LPush(ctx, q.key(StateWaiting), id).Err(); err != nil {
			q.log.Error().Err(err).Str("job_id", id).Msg("failed to promote delayed job")
		}
	}
}

func (q *Queue) save(ctx context.Context, cmd redis.Cmdable, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := cmd.Set(ctx, q.jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// sleep waits for d or until ctx is done, reporting whether to continue
func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	t := q.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.Chan():
		return true
	}
}
