package domain

import (
	"encoding/json"
	"time"
)

// ProgressUpdate is the message carried by the progress bus, one topic per
// task. Publishes for a task are observed in the order a single worker emits
// them; delivery is at-least-once and late subscribers may miss intermediate
// values (the SSE gateway compensates by reading the task row on attach).
type ProgressUpdate struct {
	TaskID     string          `json:"task_id"`
	OwnerID    string          `json:"owner_id"`
	Status     TaskStatus      `json:"status"`
	Progress   int             `json:"progress"`
	OutputData json.RawMessage `json:"output_data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Terminal reports whether the update closes the stream.
func (u ProgressUpdate) Terminal() bool { return u.Status.Terminal() }

// ClampProgress forces pct into [0,100].
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressPublisher is the worker-side bus port.
type ProgressPublisher interface {
	Publish(ctx Context, u ProgressUpdate) error
}

// ProgressSubscriber is the gateway-side bus port. The returned channel is
// closed when ctx is cancelled or the returned stop func is called; a slow
// receiver drops updates instead of back-pressuring the publisher.
type ProgressSubscriber interface {
	Subscribe(ctx Context, taskID string) (<-chan ProgressUpdate, func(), error)
}
