package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/metrics"
)

// Job is any payload with a stable identity for deduplication.
type Job interface {
	JobID() string
}

// Config tunes one named queue.
type Config struct {
	Name        string
	Concurrency int
	// MaxAttempts bounds handler retries per job. Zero means try once.
	MaxAttempts int
	// Backoff returns the delay before the given retry attempt (1-based).
	Backoff func(attempt int) time.Duration
	// OnExhausted runs after the final failed attempt, for terminal-state
	// handling. Optional.
	OnExhausted func(ctx context.Context, jobID string)
}

type task[T Job] struct {
	job     T
	attempt int
}

// Queue is an in-process worker queue with delayed scheduling, bounded
// retries and at-most-one-live dedup per job id. State is process local;
// durability comes from the transaction store, which every handler re-reads.
type Queue[T Job] struct {
	cfg     Config
	handler func(ctx context.Context, job T) error
	log     *slog.Logger

	tasks chan task[T]

	mu   sync.Mutex
	live map[string]struct{}

	wg sync.WaitGroup
}

// New creates a queue with the given handler. Start must be called before
// jobs are processed.
func New[T Job](cfg Config, handler func(ctx context.Context, job T) error, log *slog.Logger) *Queue[T] {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(int) time.Duration { return time.Second }
	}
	return &Queue[T]{
		cfg:     cfg,
		handler: handler,
		log:     log,
		tasks:   make(chan task[T], 4096),
		live:    make(map[string]struct{}),
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (q *Queue[T]) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-q.tasks:
					q.run(ctx, t)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited after context cancellation.
func (q *Queue[T]) Wait() {
	q.wg.Wait()
}

// Enqueue schedules a job, optionally after a delay. An immediate enqueue
// whose id is already live is dropped silently; that is the dedup contract.
// Delayed deliveries claim the id when the delay fires instead, so a handler
// may push back its own job and still be redelivered after it returns.
func (q *Queue[T]) Enqueue(ctx context.Context, job T, delay time.Duration) error {
	if delay <= 0 {
		if !q.claim(job.JobID()) {
			return nil
		}
		return q.push(task[T]{job: job, attempt: 1})
	}
	time.AfterFunc(delay, func() { q.deliverDelayed(job) })
	return nil
}

// deliverDelayed fires a scheduled delivery. If an earlier delivery of the
// same id is still queued or running, the delivery re-arms rather than
// dropping; every live id is released when its run finishes, so the wait is
// bounded.
func (q *Queue[T]) deliverDelayed(job T) {
	id := job.JobID()
	if !q.claim(id) {
		time.AfterFunc(50*time.Millisecond, func() { q.deliverDelayed(job) })
		return
	}
	if err := q.push(task[T]{job: job, attempt: 1}); err != nil {
		q.log.Error("delayed job dropped", "queue", q.cfg.Name, "jobId", id, "error", err)
	}
}

// claim registers a job id as live. It reports false when the id is already
// held by a queued or running delivery.
func (q *Queue[T]) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.live[id]; exists {
		return false
	}
	q.live[id] = struct{}{}
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Inc()
	return true
}

func (q *Queue[T]) push(t task[T]) error {
	select {
	case q.tasks <- t:
		return nil
	default:
		q.release(t.job.JobID())
		return fmt.Errorf("queue %s is full", q.cfg.Name)
	}
}

func (q *Queue[T]) release(id string) {
	q.mu.Lock()
	delete(q.live, id)
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Dec()
}

func (q *Queue[T]) run(ctx context.Context, t task[T]) {
	id := t.job.JobID()

	err := q.handler(ctx, t.job)
	if err == nil || errors.Is(err, context.Canceled) {
		q.release(id)
		return
	}

	if t.attempt >= q.cfg.MaxAttempts {
		q.log.Warn("job attempts exhausted",
			"queue", q.cfg.Name, "jobId", id, "attempts", t.attempt, "error", err)
		if q.cfg.OnExhausted != nil {
			q.cfg.OnExhausted(ctx, id)
		}
		q.release(id)
		return
	}

	q.log.Debug("job retry scheduled",
		"queue", q.cfg.Name, "jobId", id, "attempt", t.attempt, "error", err)
	next := task[T]{job: t.job, attempt: t.attempt + 1}
	time.AfterFunc(q.cfg.Backoff(t.attempt), func() {
		if pushErr := q.push(next); pushErr != nil {
			q.log.Error("retry dropped", "queue", q.cfg.Name, "jobId", id, "error", pushErr)
		}
	})
}
