// Package queue is a bounded FIFO work queue: pending tasks, an in-flight
// set capped at a configurable concurrency limit, edge-triggered draining,
// and linear-backoff retry up to a max attempt count.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"lol.mleku.dev/log"
)

// Task is one unit of work. Run must honor ctx's deadline. OnFail, if set,
// is called after every failed attempt, reporting whether retries are now
// exhausted, so the enqueuer can react exactly once to a terminal failure.
type Task struct {
	ID      string
	Run     func(ctx context.Context) error
	OnFail  func(err error, exhausted bool)
	attempt int
}

// Stats are the counters exposed on the observability surface.
type Stats struct {
	Processed int64
	Failed    int64
	Retried   int64
	Dropped   int64
	AvgMillis float64
}

// Queue is a bounded FIFO with bounded concurrency and priority retry.
type Queue struct {
	maxConcurrent int
	maxQueueSize  int
	attemptTO     time.Duration
	retryDelay    time.Duration
	maxAttempts   int

	mu       sync.Mutex
	pending  []*Task
	inFlight map[string]struct{}
	stopped  bool
	drainWG  sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
	avgN    int64
}

// Option configures a Queue.
type Option func(*Queue)

func WithAttemptTimeout(d time.Duration) Option { return func(q *Queue) { q.attemptTO = d } }
func WithRetryDelay(d time.Duration) Option     { return func(q *Queue) { q.retryDelay = d } }
func WithMaxAttempts(n int) Option              { return func(q *Queue) { q.maxAttempts = n } }

// New constructs a Queue with a 30s per-attempt timeout and 3 max attempts
// by default.
func New(maxConcurrent, maxQueueSize int, opts ...Option) *Queue {
	q := &Queue{
		maxConcurrent: maxConcurrent,
		maxQueueSize:  maxQueueSize,
		attemptTO:     30 * time.Second,
		retryDelay:    time.Second,
		maxAttempts:   3,
		inFlight:      make(map[string]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue submits fn as a new task, rejecting it when the queue is full.
func (q *Queue) Enqueue(fn func(ctx context.Context) error) (enqueued bool) {
	return q.EnqueueTask(fn, nil)
}

// EnqueueTask submits fn as a new task with an optional onFail callback,
// rejecting it when the queue is full.
func (q *Queue) EnqueueTask(fn func(ctx context.Context) error, onFail func(err error, exhausted bool)) (enqueued bool) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	if len(q.pending)+len(q.inFlight) >= q.maxQueueSize {
		q.mu.Unlock()
		q.bumpDropped()
		return false
	}
	t := &Task{ID: uuid.NewString(), Run: fn, OnFail: onFail}
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.drainOne()
	return true
}

// drainOne starts tasks while capacity exists, never blocking the caller
// beyond goroutine spawn.
func (q *Queue) drainOne() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 || len(q.inFlight) >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight[t.ID] = struct{}{}
		q.mu.Unlock()

		q.drainWG.Add(1)
		go q.run(t)
	}
}

func (q *Queue) run(t *Task) {
	defer q.drainWG.Done()
	t.attempt++
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), q.attemptTO)
	err := t.Run(ctx)
	cancel()

	q.recordDuration(time.Since(start))

	q.mu.Lock()
	delete(q.inFlight, t.ID)
	q.mu.Unlock()

	if err != nil {
		exhausted := t.attempt >= q.maxAttempts
		if !exhausted {
			q.bumpRetried()
			go func() {
				time.Sleep(q.retryDelay * time.Duration(t.attempt))
				q.mu.Lock()
				if !q.stopped {
					q.pending = append([]*Task{t}, q.pending...)
				}
				q.mu.Unlock()
				q.drainOne()
			}()
		} else {
			log.E.F("queue: task %s exhausted retries: %v", t.ID, err)
			q.bumpFailed()
		}
		if t.OnFail != nil {
			t.OnFail(err, exhausted)
		}
	} else {
		q.bumpProcessed()
	}
	q.drainOne()
}

// Shutdown stops accepting new tasks and waits for in-flight to reach zero.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.drainWG.Wait()
}

func (q *Queue) bumpProcessed() {
	q.statsMu.Lock()
	q.stats.Processed++
	q.statsMu.Unlock()
}
func (q *Queue) bumpFailed() {
	q.statsMu.Lock()
	q.stats.Failed++
	q.statsMu.Unlock()
}
func (q *Queue) bumpRetried() {
	q.statsMu.Lock()
	q.stats.Retried++
	q.statsMu.Unlock()
}
func (q *Queue) bumpDropped() {
	q.statsMu.Lock()
	q.stats.Dropped++
	q.statsMu.Unlock()
}

func (q *Queue) recordDuration(d time.Duration) {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	q.avgN++
	ms := float64(d.Milliseconds())
	q.stats.AvgMillis += (ms - q.stats.AvgMillis) / float64(q.avgN)
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.stats
}

// Len returns the current pending-plus-in-flight size, for the health
// endpoint's queue-size check.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inFlight)
}
