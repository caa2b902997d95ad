package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// PendingSweeper re-enqueues pending task rows whose enqueue was lost (broker
// outage after the row insert, or a crash between insert and enqueue). A
// duplicate enqueue is harmless: the worker's processing transition is
// idempotent and terminal rows are acked without a second run.
type PendingSweeper struct {
	tasks       domain.TaskRepository
	tools       domain.ToolRepository
	queue       domain.Queue
	pendingAge  time.Duration
	interval    time.Duration
	maxAttempts int
	backoff     domain.BackoffPolicy
}

// NewPendingSweeper builds the sweeper.
func NewPendingSweeper(tasks domain.TaskRepository, tools domain.ToolRepository, queue domain.Queue, pendingAge, interval time.Duration, maxAttempts int, backoff domain.BackoffPolicy) *PendingSweeper {
	if tasks == nil || queue == nil {
		return nil
	}
	if pendingAge <= 0 {
		pendingAge = 30 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &PendingSweeper{
		tasks: tasks, tools: tools, queue: queue,
		pendingAge: pendingAge, interval: interval,
		maxAttempts: maxAttempts, backoff: backoff,
	}
}

// Run loops until ctx is cancelled.
func (s *PendingSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("pending sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *PendingSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.sweeper")
	ctx, span := tracer.Start(ctx, "PendingSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().Add(-s.pendingAge)
	orphans, err := s.tasks.ListPendingOlderThan(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("pending sweep failed to list tasks", slog.Any("error", err))
		return
	}
	requeued := 0
	for _, t := range orphans {
		if err := s.requeue(ctx, t); err != nil {
			slog.Error("pending sweep requeue failed",
				slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		requeued++
	}
	span.SetAttributes(
		attribute.Int("tasks.orphans", len(orphans)),
		attribute.Int("tasks.requeued", requeued),
	)
	if requeued > 0 {
		slog.Info("pending sweep requeued orphans", slog.Int("count", requeued))
	}
}

// requeue rebuilds the job payload deterministically from the task row plus
// the current tool catalog, matching what intake would have enqueued.
func (s *PendingSweeper) requeue(ctx context.Context, t domain.Task) error {
	tl, err := s.tools.GetBySlug(ctx, t.ToolSlug)
	if err != nil {
		return err
	}
	queueName := domain.QueueName(t.OwnerKind.QueuePrefix(), domain.DefaultQueue)
	payload := domain.TaskJobPayload{
		TaskID:       t.ID,
		OwnerKind:    t.OwnerKind,
		OwnerID:      t.OwnerID,
		ToolID:       tl.ID,
		ToolSlug:     tl.Slug,
		InputParams:  t.InputParams,
		PriceConfig:  tl.PriceConfig,
		ToolConfig:   tl.Config,
		ParentTaskID: t.ParentTaskID,
		Backoff:      s.backoff,
	}
	if _, err := s.queue.Enqueue(ctx, queueName, payload, domain.EnqueueOptions{
		MaxAttempts: s.maxAttempts,
		Backoff:     s.backoff,
	}); err != nil {
		return err
	}
	return nil
}
