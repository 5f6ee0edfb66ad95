package service

import (
	"context"
	"errors"
	"time"

	"flagsync/internal/model"
	"flagsync/internal/repository"
	"flagsync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// TaskHandler performs one outbox task. Returning a backoff.Permanent error
// fails the task without further retries.
type TaskHandler interface {
	Handle(ctx context.Context, task model.OutboxTask) error
}

// OutboxWorker retries pending outbox tasks until they succeed or run out
// of attempts, spacing attempts with exponential backoff.
type OutboxWorker struct {
	outboxRepo repository.OutboxInterface
	handlers   map[string]TaskHandler
	interval   time.Duration
	batchSize  int
	maxRetries int
	maxDelay   time.Duration
	now        func() time.Time
}

func NewOutboxWorker(outboxRepo repository.OutboxInterface, interval time.Duration, batchSize, maxRetries int) *OutboxWorker {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &OutboxWorker{
		outboxRepo: outboxRepo,
		handlers:   make(map[string]TaskHandler),
		interval:   interval,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		maxDelay:   10 * time.Minute,
		now:        time.Now,
	}
}

// Register binds a handler to a task kind. Call before Run.
func (w *OutboxWorker) Register(kind string, h TaskHandler) {
	w.handlers[kind] = h
}

func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	logger.Info("outbox worker started", zap.Duration("interval", w.interval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

func (w *OutboxWorker) processPending(ctx context.Context) {
	tasks, err := w.outboxRepo.FetchPending(ctx, w.now(), w.batchSize)
	if err != nil {
		logger.Error("failed to fetch pending outbox tasks", zap.Error(err))
		return
	}

	for _, task := range tasks {
		log := logger.With(zap.Int64("id", task.ID), zap.String("kind", task.Kind), zap.String("trace_id", task.TraceID))

		handler, ok := w.handlers[task.Kind]
		if !ok {
			log.Error("no handler for outbox task")
			w.update(ctx, task, model.StatusFailed, task.RetryCount, "no handler for kind "+task.Kind)
			continue
		}

		err := handler.Handle(ctx, task)
		if err == nil {
			w.update(ctx, task, model.StatusCompleted, task.RetryCount, "")
			log.Debug("outbox task completed")
			continue
		}

		retries := task.RetryCount + 1
		var permanent *backoff.PermanentError
		switch {
		case errors.As(err, &permanent):
			log.Error("outbox task failed permanently", zap.Error(err))
			w.update(ctx, task, model.StatusFailed, retries, err.Error())
		case retries >= w.maxRetries:
			log.Error("outbox task max retries reached", zap.Int("retries", retries), zap.Error(err))
			w.update(ctx, task, model.StatusFailed, retries, err.Error())
		default:
			delay := w.retryDelay(retries)
			log.Warn("outbox task failed, rescheduled", zap.Int("retries", retries), zap.Duration("delay", delay), zap.Error(err))
			if uerr := w.outboxRepo.UpdateStatus(ctx, task.ID, model.StatusPending, retries, w.now().Add(delay), err.Error()); uerr != nil {
				log.Error("failed to reschedule outbox task", zap.Error(uerr))
			}
		}
	}
}

func (w *OutboxWorker) update(ctx context.Context, task model.OutboxTask, status, retries int, lastError string) {
	if err := w.outboxRepo.UpdateStatus(ctx, task.ID, status, retries, w.now(), lastError); err != nil {
		logger.Error("failed to update outbox task", zap.Int64("id", task.ID), zap.Error(err))
	}
}

// retryDelay is the backoff interval before attempt number retries+1.
func (w *OutboxWorker) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.interval
	b.MaxInterval = w.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := w.interval
	for i := 0; i < retries; i++ {
		if next := b.NextBackOff(); next != backoff.Stop {
			delay = next
		}
	}
	return delay
}
