package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if cfg.Name == "" {
		cfg.Name = "test-jobs"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	return New(client, cfg), mr
}

func waitForState(t *testing.T, q *Queue, id, state string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = q.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return job
}

func TestQueue_EnqueueAndGet(t *testing.T) {
	q, mr := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.EnqueueEvaluateOne(ctx, "alert-1")
	require.NoError(t, err)
	assert.Equal(t, KindEvaluateOne, job.Kind)
	assert.Equal(t, StateWaiting, job.State)
	assert.True(t, mr.Exists("test-jobs:job:"+job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "alert-1", got.AlertID)
	assert.Equal(t, 3, got.MaxAttempts)

	_, err = q.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestQueue_ProcessesJobs(t *testing.T) {
	q, _ := newTestQueue(t, Config{Concurrency: 2})
	ctx := context.Background()

	var seen atomic.Int32
	require.NoError(t, q.Start(ctx, func(_ context.Context, job *Job) error {
		seen.Add(1)
		return nil
	}))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)

	done := waitForState(t, q, job.ID, StateCompleted)
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.FinishedAt)
	assert.Equal(t, int32(1), seen.Load())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 1}, stats)
}

func TestQueue_RetriesWithBackoffThenCompletes(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error {
		if calls.Add(1) < 3 {
			return errors.New("upstream timeout")
		}
		return nil
	}))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)

	done := waitForState(t, q, job.ID, StateCompleted)
	assert.Equal(t, 3, done.Attempts)
	assert.Equal(t, "upstream timeout", done.LastError)
}

func TestQueue_FailsAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("still broken")
	}))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)

	failed := waitForState(t, q, job.ID, StateFailed)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_PermanentErrorFailsImmediately(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error {
		return Permanent(errors.New("alert not found"))
	}))
	defer q.Stop()

	job, err := q.EnqueueEvaluateOne(ctx, "gone")
	require.NoError(t, err)

	failed := waitForState(t, q, job.ID, StateFailed)
	assert.Equal(t, 1, failed.Attempts)
}

func TestQueue_RecoversPanics(t *testing.T) {
	q, _ := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error {
		panic("boom")
	}))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)

	failed := waitForState(t, q, job.ID, StateFailed)
	assert.Contains(t, failed.LastError, "boom")
}

func TestQueue_CancelWaitingJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.EnqueueEvaluateOne(ctx, "a1")
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, job.ID))

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Waiting)

	assert.ErrorIs(t, q.Cancel(ctx, job.ID), ErrNotCancellable)
	assert.ErrorIs(t, q.Cancel(ctx, "missing"), ErrJobNotFound)
}

func TestQueue_CancelFinishedJob(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error { return nil }))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)
	waitForState(t, q, job.ID, StateCompleted)

	assert.ErrorIs(t, q.Cancel(ctx, job.ID), ErrNotCancellable)
}

func TestQueue_RecoversInterruptedJobsOnStart(t *testing.T) {
	q, mr := newTestQueue(t, Config{})
	ctx := context.Background()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)

	// Simulate a crash after the job was claimed
	_, err = mr.Lpop("test-jobs:waiting")
	require.NoError(t, err)
	_, err = mr.Push("test-jobs:active", job.ID)
	require.NoError(t, err)

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error { return nil }))
	defer q.Stop()

	waitForState(t, q, job.ID, StateCompleted)
}

func TestQueue_TrimsFinishedLists(t *testing.T) {
	q, _ := newTestQueue(t, Config{KeepCompleted: 2})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error { return nil }))
	defer q.Stop()

	var last *Job
	for i := 0; i < 5; i++ {
		job, err := q.EnqueueEvaluateAll(ctx)
		require.NoError(t, err)
		last = job
	}
	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Waiting == 0 && stats.Active == 0
	}, 2*time.Second, 5*time.Millisecond)
	waitForState(t, q, last.ID, StateCompleted)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
}

func TestQueue_FinishedRecordsExpire(t *testing.T) {
	q, mr := newTestQueue(t, Config{RecordTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(context.Context, *Job) error { return nil }))
	defer q.Stop()

	job, err := q.EnqueueEvaluateAll(ctx)
	require.NoError(t, err)
	waitForState(t, q, job.ID, StateCompleted)

	mr.FastForward(2 * time.Minute)
	_, err = q.Get(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueue_StartTwice(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	handler := func(context.Context, *Job) error { return nil }
	require.NoError(t, q.Start(ctx, handler))
	defer q.Stop()
	assert.ErrorIs(t, q.Start(ctx, handler), ErrAlreadyStarted)
}

func TestBackoff(t *testing.T) {
	q := New(nil, Config{Backoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Equal(t, time.Second, q.backoff(1))
	assert.Equal(t, 2*time.Second, q.backoff(2))
	assert.Equal(t, 4*time.Second, q.backoff(3))
	assert.Equal(t, 5*time.Second, q.backoff(4))
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}
