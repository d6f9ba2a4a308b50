package timer

import (
	"container/heap"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smukkama/weather-alerts/internal/logger"
)

// TimerTask represents a task scheduled for future execution
type TimerTask struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int // index in the heap (for heap.Interface)
}

// timerHeap is a min-heap of TimerTasks ordered by ExpiryAt
type timerHeap []*TimerTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	task := x.(*TimerTask)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[0 : n-1]
	return task
}

// TimerManager runs callbacks at scheduled times. Due tasks are handed to
// a fixed pool of workers, so a slow callback delays other callbacks only
// when every worker is busy.
type TimerManager struct {
	heap    timerHeap
	mu      sync.Mutex
	wakeup  chan struct{}
	tasks   map[string]*TimerTask // for O(1) lookup by ID
	due     chan *TimerTask
	workers int
	wg      sync.WaitGroup
	started bool
	stopped bool
	stopCh  chan struct{}
	log     zerolog.Logger
}

// NewTimerManager creates a new timer manager with a worker pool
func NewTimerManager(workers int) *TimerManager {
	if workers <= 0 {
		workers = 1
	}
	tm := &TimerManager{
		heap:    make(timerHeap, 0),
		wakeup:  make(chan struct{}, 1),
		tasks:   make(map[string]*TimerTask),
		due:     make(chan *TimerTask, workers),
		workers: workers,
		stopCh:  make(chan struct{}),
		log:     logger.WithComponent("timer"),
	}
	heap.Init(&tm.heap)
	return tm
}

// Start starts the scheduler loop and its worker pool
func (tm *TimerManager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started || tm.stopped {
		return
	}
	tm.started = true

	for i := 0; i < tm.workers; i++ {
		tm.wg.Add(1)
		go tm.worker()
	}

	tm.wg.Add(1)
	go tm.run()
}

// Stop stops the scheduler and waits for running callbacks to return.
// Pending tasks are discarded.
func (tm *TimerManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	close(tm.stopCh)
	tm.mu.Unlock()

	tm.wg.Wait()
}

// Schedule adds a new task to be executed at the specified time. A task
// with the same id is replaced.
func (tm *TimerManager) Schedule(id string, expiryAt time.Time, callback func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrManagerStopped
	}

	if existing, ok := tm.tasks[id]; ok {
		heap.Remove(&tm.heap, existing.index)
		delete(tm.tasks, id)
	}

	task := &TimerTask{
		ID:       id,
		ExpiryAt: expiryAt,
		Callback: callback,
	}

	heap.Push(&tm.heap, task)
	tm.tasks[id] = task

	// Wake up the scheduler if this is the earliest task
	if tm.heap[0] == task {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Every runs fn each interval, starting one interval from now, until the
// task is cancelled or the manager stops. The next run is scheduled when
// the current one starts, so a slow fn does not drift the cadence.
func (tm *TimerManager) Every(id string, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	var tick func()
	next := time.Now().Add(interval)
	tick = func() {
		next = next.Add(interval)
		if now := time.Now(); next.Before(now) {
			// Missed ticks collapse into one
			next = now.Add(interval)
		}
		if err := tm.Schedule(id, next, tick); err != nil {
			return
		}
		fn()
	}

	return tm.Schedule(id, next, tick)
}

// Cancel removes a scheduled task
func (tm *TimerManager) Cancel(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&tm.heap, task.index)
	delete(tm.tasks, id)
	return true
}

// run is the main scheduler loop
func (tm *TimerManager) run() {
	defer tm.wg.Done()
	defer close(tm.due)

	for {
		tm.mu.Lock()

		var waitDuration time.Duration
		if tm.heap.Len() == 0 {
			waitDuration = 24 * time.Hour
		} else {
			nextTask := tm.heap[0]
			waitDuration = time.Until(nextTask.ExpiryAt)

			if waitDuration <= 0 {
				task := heap.Pop(&tm.heap).(*TimerTask)
				delete(tm.tasks, task.ID)
				tm.mu.Unlock()

				// Blocks while all workers are busy
				select {
				case tm.due <- task:
				case <-tm.stopCh:
					return
				}
				continue
			}
		}

		tm.mu.Unlock()

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
		case <-tm.wakeup:
			timer.Stop()
		case <-tm.stopCh:
			timer.Stop()
			return
		}
	}
}

// worker executes due callbacks until the scheduler closes the channel
func (tm *TimerManager) worker() {
	defer tm.wg.Done()

	for task := range tm.due {
		tm.execute(task)
	}
}

func (tm *TimerManager) execute(task *TimerTask) {
	defer func() {
		if r := recover(); r != nil {
			tm.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("task_id", task.ID).
				Msg("timer callback panic recovered")
		}
	}()
	task.Callback()
}

// Stats returns statistics about the timer manager
func (tm *TimerManager) Stats() TimerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return TimerStats{
		ScheduledTasks: len(tm.tasks),
		Workers:        tm.workers,
	}
}

// TimerStats contains statistics about the timer manager
type TimerStats struct {
	ScheduledTasks int
	Workers        int
}

var (
	ErrManagerStopped  = &TimerError{"timer manager is stopped"}
	ErrInvalidInterval = &TimerError{"interval must be positive"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
