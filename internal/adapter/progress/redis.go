// Package progress implements the task progress bus on Redis Pub/Sub with one
// channel per task. Delivery is at-least-once for connected subscribers; there
// is no retained last value — the SSE gateway compensates by reading the task
// row on attach.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

const channelPrefix = "task_progress:"

// Channel returns the bus channel for a task id.
func Channel(taskID string) string { return channelPrefix + taskID }

// Bus publishes and subscribes task progress updates.
type Bus struct{ rdb *redis.Client }

// New connects the bus to the Redis instance behind redisURL.
func New(redisURL string) (*Bus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=progress.new: %w", err)
	}
	return &Bus{rdb: redis.NewClient(opt)}, nil
}

// NewWithClient wires an existing client; used by tests.
func NewWithClient(rdb *redis.Client) *Bus { return &Bus{rdb: rdb} }

// Publish sends one update on the task's channel.
func (b *Bus) Publish(ctx domain.Context, u domain.ProgressUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("op=progress.publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, Channel(u.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("op=progress.publish: %w", err)
	}
	return nil
}

// Subscribe opens a per-task subscription. The returned channel has a small
// buffer; when a receiver lags, updates are dropped rather than back-pressuring
// the worker (the subscriber reconciles from the task row on reconnect).
func (b *Bus) Subscribe(ctx domain.Context, taskID string) (<-chan domain.ProgressUpdate, func(), error) {
	sub := b.rdb.Subscribe(ctx, Channel(taskID))
	// Force the subscription handshake so a dead broker fails fast.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("op=progress.subscribe: %w", err)
	}
	out := make(chan domain.ProgressUpdate, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				var u domain.ProgressUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
					slog.Warn("progress message decode failed", slog.String("task_id", taskID), slog.Any("error", err))
					continue
				}
				select {
				case out <- u:
				default:
					// Slow subscriber: drop and let the terminal re-read win.
				}
			}
		}
	}()
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}

// Ping reports bus health for readiness probes.
func (b *Bus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }
