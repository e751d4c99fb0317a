package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// Workers holds the handlers the scheduler dispatches to. They are bound
// after construction because the use cases themselves enqueue follow-up
// jobs through the scheduler.
type Workers struct {
	Send   func(ctx context.Context, job models.SendJob) error
	Mine   func(ctx context.Context, job models.MineJob) error
	Cancel func(ctx context.Context, job models.CancelJob) error
	// SendExhausted runs when a send job runs out of broadcast attempts.
	SendExhausted func(ctx context.Context, job models.SendJob)
	// MineExhausted runs when a mine job runs out of polling attempts.
	MineExhausted func(ctx context.Context, job models.MineJob)
}

// SchedulerConfig tunes the three worker pools.
type SchedulerConfig struct {
	SendConcurrency   int
	MineConcurrency   int
	CancelConcurrency int
	// SendMaxAttempts bounds transient-failure retries of a broadcast.
	SendMaxAttempts int
	// MinePollInterval is the base delay between receipt polls; the number
	// of polls times this interval bounds how long a transaction may sit
	// unmined before the exhaustion handler errors it out.
	MinePollInterval time.Duration
	MineMaxAttempts  int
}

// Scheduler owns the send, mine and cancel queues and implements the
// JobQueue port over them.
type Scheduler struct {
	send    *Queue[models.SendJob]
	mine    *Queue[models.MineJob]
	cancel  *Queue[models.CancelJob]
	workers Workers
}

// NewScheduler wires the worker pools. Handlers dispatch through the bound
// Workers, so Bind must run before Start.
func NewScheduler(cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if cfg.SendMaxAttempts <= 0 {
		cfg.SendMaxAttempts = 5
	}
	if cfg.MineMaxAttempts <= 0 {
		cfg.MineMaxAttempts = 200
	}
	if cfg.MinePollInterval <= 0 {
		cfg.MinePollInterval = 3 * time.Second
	}

	s := &Scheduler{}
	s.send = New(Config{
		Name:        "send",
		Concurrency: cfg.SendConcurrency,
		MaxAttempts: cfg.SendMaxAttempts,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
		OnExhausted: func(ctx context.Context, jobID string) {
			s.workers.SendExhausted(ctx, parseSendJobID(jobID))
		},
	}, func(ctx context.Context, job models.SendJob) error {
		return s.workers.Send(ctx, job)
	}, log)

	s.mine = New(Config{
		Name:        "mine",
		Concurrency: cfg.MineConcurrency,
		MaxAttempts: cfg.MineMaxAttempts,
		Backoff: func(attempt int) time.Duration {
			// Linear growth, capped so late polls stay responsive.
			d := time.Duration(attempt) * cfg.MinePollInterval
			if max := 10 * cfg.MinePollInterval; d > max {
				d = max
			}
			return d
		},
		OnExhausted: func(ctx context.Context, jobID string) {
			queueID := strings.TrimPrefix(jobID, "mine:")
			s.workers.MineExhausted(ctx, models.MineJob{QueueID: queueID})
		},
	}, func(ctx context.Context, job models.MineJob) error {
		return s.workers.Mine(ctx, job)
	}, log)

	s.cancel = New(Config{
		Name:        "cancel",
		Concurrency: cfg.CancelConcurrency,
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
	}, func(ctx context.Context, job models.CancelJob) error {
		return s.workers.Cancel(ctx, job)
	}, log)

	return s
}

// parseSendJobID inverts models.SendJob.JobID. Queue ids are UUIDs, so the
// last colon can only separate a resend count.
func parseSendJobID(jobID string) models.SendJob {
	rest := strings.TrimPrefix(jobID, "send:")
	job := models.SendJob{QueueID: rest}
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		if n, err := strconv.ParseUint(rest[i+1:], 10, 64); err == nil {
			job.QueueID = rest[:i]
			job.ResendCount = n
		}
	}
	return job
}

var _ usecase.JobQueue = (*Scheduler)(nil)

// Bind attaches the worker handlers. Must be called before Start.
func (s *Scheduler) Bind(workers Workers) {
	s.workers = workers
}

// Start launches all worker pools.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.workers.Send == nil || s.workers.Mine == nil || s.workers.Cancel == nil ||
		s.workers.SendExhausted == nil || s.workers.MineExhausted == nil {
		return fmt.Errorf("scheduler started before workers were bound")
	}
	s.send.Start(ctx)
	s.mine.Start(ctx)
	s.cancel.Start(ctx)
	return nil
}

// Wait blocks until all pools have drained after cancellation.
func (s *Scheduler) Wait() {
	s.send.Wait()
	s.mine.Wait()
	s.cancel.Wait()
}

func (s *Scheduler) EnqueueSend(ctx context.Context, job models.SendJob, delay time.Duration) error {
	return s.send.Enqueue(ctx, job, delay)
}

func (s *Scheduler) EnqueueMine(ctx context.Context, job models.MineJob) error {
	return s.mine.Enqueue(ctx, job, 0)
}

func (s *Scheduler) EnqueueCancel(ctx context.Context, job models.CancelJob) error {
	return s.cancel.Enqueue(ctx, job, 0)
}
