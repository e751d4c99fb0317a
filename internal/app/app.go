package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/trebuchet-org/treb-relay/internal/adapters/queue"
	"github.com/trebuchet-org/treb-relay/internal/api"
	"github.com/trebuchet-org/treb-relay/internal/config"
	"github.com/trebuchet-org/treb-relay/internal/domain/models"
	"github.com/trebuchet-org/treb-relay/internal/usecase"
)

// App is the main application container that holds all use cases.
type App struct {
	Config *config.Config
	Log    *slog.Logger

	// Use cases
	Enqueue   *usecase.Enqueue
	Send      *usecase.Send
	Mine      *usecase.Mine
	Confirm   *usecase.Confirm
	Cancel    *usecase.Cancel
	Retry     *usecase.Retry
	SyncRetry *usecase.SyncRetry
	Recover   *usecase.Recover
	Status    *usecase.Status

	// Adapters reachable from commands and the API
	Scheduler *queue.Scheduler
	Nonces    usecase.NonceAllocator
	Queue     usecase.JobQueue
}

// NewApp creates a new application instance with all use cases
func NewApp(
	cfg *config.Config,
	log *slog.Logger,
	enqueue *usecase.Enqueue,
	send *usecase.Send,
	mine *usecase.Mine,
	confirm *usecase.Confirm,
	cancel *usecase.Cancel,
	retry *usecase.Retry,
	syncRetry *usecase.SyncRetry,
	recoverLegacy *usecase.Recover,
	status *usecase.Status,
	scheduler *queue.Scheduler,
	nonces usecase.NonceAllocator,
	jobQueue usecase.JobQueue,
) *App {
	return &App{
		Config:    cfg,
		Log:       log,
		Enqueue:   enqueue,
		Send:      send,
		Mine:      mine,
		Confirm:   confirm,
		Cancel:    cancel,
		Retry:     retry,
		SyncRetry: syncRetry,
		Recover:   recoverLegacy,
		Status:    status,
		Scheduler: scheduler,
		Nonces:    nonces,
		Queue:     jobQueue,
	}
}

// Serve runs the full service: workers, background sweeps and the HTTP API.
// It blocks until ctx is cancelled, then drains.
func (a *App) Serve(ctx context.Context) error {
	a.Scheduler.Bind(queue.Workers{
		Send:          a.Send.Run,
		Mine:          a.Mine.Run,
		Cancel:        a.Cancel.Run,
		SendExhausted: a.Send.OnExhausted,
		MineExhausted: a.Mine.OnExhausted,
	})
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}

	// Reconcile abandoned legacy state before accepting new work.
	migrated, err := a.Recover.Run(ctx)
	if err != nil {
		a.Log.Error("legacy reconciliation failed", "migrated", migrated, "error", err)
	} else if migrated > 0 {
		a.Log.Info("legacy transactions migrated", "migrated", migrated)
	}

	// Queue state is process local, so records that were live at the last
	// shutdown need their jobs rebuilt.
	a.requeue(ctx)

	go a.loop(ctx, a.Config.Workers.ConfirmInterval, func() {
		if err := a.Confirm.Sweep(ctx); err != nil {
			a.Log.Error("confirmation sweep failed", "error", err)
		}
	})
	go a.loop(ctx, a.Config.Legacy.SweepInterval, func() {
		if _, err := a.Recover.Run(ctx); err != nil {
			a.Log.Error("legacy sweep failed", "error", err)
		}
	})
	go a.loop(ctx, a.Config.Workers.AuditPruneInterval, func() {
		if err := a.Nonces.PruneAudit(ctx); err != nil {
			a.Log.Error("audit prune failed", "error", err)
		}
	})

	server := api.NewServer(api.Usecases{
		Enqueue:   a.Enqueue,
		Status:    a.Status,
		Retry:     a.Retry,
		SyncRetry: a.SyncRetry,
		Nonces:    a.Nonces,
		Queue:     a.Queue,
	}, a.Log)

	httpServer := &http.Server{
		Addr:    a.Config.ListenAddr,
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Warn("http server shutdown", "error", err)
		}
	}()

	a.Log.Info("relay listening", "addr", a.Config.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	a.Scheduler.Wait()
	return nil
}

// requeue rebuilds send and mine jobs for every queued or sent record in the
// store. The scheduler's job-id dedup makes a double requeue harmless.
func (a *App) requeue(ctx context.Context) {
	for cursor := ""; ; {
		result, err := a.Status.List(ctx, usecase.ListParams{
			Status: models.TransactionStatusQueued, Cursor: cursor, Limit: 100,
		})
		if err != nil {
			a.Log.Error("requeue scan of queued records failed", "error", err)
			break
		}
		for _, tx := range result.Transactions {
			if err := a.Queue.EnqueueSend(ctx, models.SendJob{QueueID: tx.GetQueueID()}, 0); err != nil {
				a.Log.Error("requeueing send job", "queueId", tx.GetQueueID(), "error", err)
			}
		}
		if cursor = result.NextCursor; cursor == "" {
			break
		}
	}

	for cursor := ""; ; {
		result, err := a.Status.List(ctx, usecase.ListParams{
			Status: models.TransactionStatusSent, Cursor: cursor, Limit: 100,
		})
		if err != nil {
			a.Log.Error("requeue scan of sent records failed", "error", err)
			break
		}
		for _, tx := range result.Transactions {
			if err := a.Queue.EnqueueMine(ctx, models.MineJob{QueueID: tx.GetQueueID()}); err != nil {
				a.Log.Error("requeueing mine job", "queueId", tx.GetQueueID(), "error", err)
			}
		}
		if cursor = result.NextCursor; cursor == "" {
			break
		}
	}
}

func (a *App) loop(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
