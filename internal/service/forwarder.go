package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"flagsync/internal/metrics"
	"flagsync/internal/model"
	"flagsync/internal/repository"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EdgeSender delivers one request to the edge API.
type EdgeSender interface {
	Forward(ctx context.Context, req v1.ForwardRequest) error
}

// EdgeForwarder turns committed trait writes into edge_forward outbox tasks
// and tries each once straight away. Whatever fails is left to the outbox
// worker. Nothing here ever reports back to the request that caused it.
type EdgeForwarder struct {
	outboxRepo repository.OutboxInterface
	sender     EdgeSender
	enabled    bool
	timeout    time.Duration
	grace      time.Duration
	observer   metrics.ForwardObserver
}

// NewEdgeForwarder returns a forwarder that drops everything when enabled is
// false. grace delays the worker's first look at a task so it does not race
// the immediate attempt.
func NewEdgeForwarder(outboxRepo repository.OutboxInterface, sender EdgeSender, enabled bool, timeout, grace time.Duration, observer metrics.ForwardObserver) *EdgeForwarder {
	if observer == nil {
		observer = metrics.Nop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EdgeForwarder{
		outboxRepo: outboxRepo,
		sender:     sender,
		enabled:    enabled && sender != nil,
		timeout:    timeout,
		grace:      grace,
		observer:   observer,
	}
}

func (f *EdgeForwarder) Enabled() bool {
	return f != nil && f.enabled
}

func (f *EdgeForwarder) Forward(ctx context.Context, req v1.ForwardRequest) {
	if !f.Enabled() {
		return
	}
	traceID := TraceID(ctx)
	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if _, ok := headers[constraints.HeaderContentType]; !ok {
		headers[constraints.HeaderContentType] = "application/json"
	}
	if traceID != "" {
		headers[constraints.HeaderTraceID] = traceID
	}
	req.Headers = headers

	payload, err := json.Marshal(req)
	if err != nil {
		logger.Error("failed to encode edge request", zap.String("path", req.Path), zap.Error(err))
		return
	}
	task := &model.OutboxTask{
		Kind:          model.TaskEdgeForward,
		Key:           req.Method + " " + req.Path,
		Payload:       string(payload),
		Status:        model.StatusPending,
		NextAttemptAt: time.Now().UTC().Add(f.grace),
		TraceID:       traceID,
	}
	// the request context may be cancelled as soon as the handler returns
	if err := f.outboxRepo.Create(context.WithoutCancel(ctx), task); err != nil {
		logger.Error("failed to enqueue edge request",
			zap.String("path", req.Path),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		f.observer.RecordForward("enqueue_failed")
		return
	}

	go f.deliver(*task)
}

func (f *EdgeForwarder) deliver(task model.OutboxTask) {
	ctx := context.Background()
	if err := f.Handle(ctx, task); err != nil {
		logger.Warn("edge delivery failed, left for retry",
			zap.Int64("task_id", task.ID),
			zap.String("trace_id", task.TraceID),
			zap.Error(err),
		)
		return
	}
	if err := f.outboxRepo.UpdateStatus(ctx, task.ID, model.StatusCompleted, task.RetryCount, time.Now(), ""); err != nil {
		logger.Error("failed to mark edge task completed", zap.Int64("task_id", task.ID), zap.Error(err))
	}
}

// Handle delivers one edge_forward task. Undecodable payloads and 4xx
// answers other than 429 are permanent; retrying cannot fix them.
func (f *EdgeForwarder) Handle(ctx context.Context, task model.OutboxTask) error {
	var req v1.ForwardRequest
	if err := json.Unmarshal([]byte(task.Payload), &req); err != nil {
		f.observer.RecordForward("corrupt")
		return backoff.Permanent(fmt.Errorf("decode edge task: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.sender.Forward(ctx, req); err != nil {
		f.observer.RecordForward("failed")
		var sc interface{ HTTPStatus() int }
		if errors.As(err, &sc) {
			code := sc.HTTPStatus()
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	f.observer.RecordForward("delivered")
	return nil
}
