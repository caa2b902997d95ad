// Package asynqadp adapts hibiken/asynq to the platform's queue broker
// contract: prefix-scoped named queues, per-job retry policies with delayed
// backoff, and archived tasks serving as the per-queue dead-letter queue.
package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// TypeToolTask is the asynq task type for tool jobs. Queue routing carries the
// workload split; a single task type keeps the mux trivial.
const TypeToolTask = "tool_task"

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Broker enqueues tool jobs. It implements domain.Queue.
type Broker struct{ client enqueuer }

// New connects a broker to the Redis instance behind redisURL.
func New(redisURL string) (*Broker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return &Broker{client: asynq.NewClient(opt)}, nil
}

// NewWithClient wires a custom enqueuer; used by tests.
func NewWithClient(c enqueuer) *Broker { return &Broker{client: c} }

// Enqueue places a job on the named queue. Broker unavailability is surfaced
// as domain.ErrQueueUnavailable so intake can answer 503.
func (b *Broker) Enqueue(ctx domain.Context, queueName string, payload domain.TaskJobPayload, opts domain.EnqueueOptions) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	// The backoff policy travels in the payload so the worker-side
	// RetryDelayFunc can compute delays without shared state.
	payload.Backoff = opts.Backoff
	b2, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	aopts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(opts.MaxAttempts - 1),
	}
	if opts.Delay > 0 {
		aopts = append(aopts, asynq.ProcessIn(opts.Delay))
	}
	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(TypeToolTask, b2), aopts...)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	observability.EnqueueTask(queueName, payload.ToolSlug)
	return info.ID, nil
}

// RetryDelay computes the delay before the next attempt of a failed job from
// the backoff policy embedded in its payload. Wired as the asynq server's
// RetryDelayFunc.
func RetryDelay(n int, _ error, t *asynq.Task) time.Duration {
	var p domain.TaskJobPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return domain.BackoffPolicy{Kind: domain.BackoffExponential, BaseMs: 2000}.Delay(n)
	}
	return p.Backoff.Delay(n)
}
