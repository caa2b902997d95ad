package domain

import (
	"encoding/json"
	"time"
)

// QueueName composes the wire shape "<prefix>_<name>"; the empty prefix is
// serialized as just "<name>".
func QueueName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// DefaultQueue is the queue name used by the current tool mix. The broker
// accepts additional names without code change.
const DefaultQueue = "default"

// BackoffKind selects the retry delay curve for a job.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// BackoffPolicy configures per-job retry delays. The policy travels inside the
// job payload so the broker can compute delays without shared state.
type BackoffPolicy struct {
	Kind   BackoffKind `json:"kind"`
	BaseMs int64       `json:"base_ms"`
	MaxMs  int64       `json:"max_ms"`
}

// Delay returns the delay before retry attempt n (0-based).
func (p BackoffPolicy) Delay(n int) time.Duration {
	base := time.Duration(p.BaseMs) * time.Millisecond
	if base <= 0 {
		base = 2 * time.Second
	}
	d := base
	if p.Kind == BackoffExponential {
		for i := 0; i < n; i++ {
			d *= 2
		}
	}
	if max := time.Duration(p.MaxMs) * time.Millisecond; max > 0 && d > max {
		d = max
	}
	return d
}

// EnqueueOptions carries per-job queueing options.
type EnqueueOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Backoff     BackoffPolicy
}

// TaskJobPayload is the queue job body. It is deterministic from the task row
// plus catalog snapshots taken at intake, so re-enqueueing is idempotent.
type TaskJobPayload struct {
	TaskID       string          `json:"task_id"`
	OwnerKind    OwnerKind       `json:"owner_kind"`
	OwnerID      string          `json:"owner_id"`
	ToolID       string          `json:"tool_id"`
	ToolSlug     string          `json:"tool_slug"`
	InputParams  json.RawMessage `json:"input_params"`
	PriceConfig  json.RawMessage `json:"price_config,omitempty"`
	ToolConfig   ToolConfig      `json:"tool_config"`
	ParentTaskID *string         `json:"parent_task_id,omitempty"`
	Backoff      BackoffPolicy   `json:"backoff"`
	// RequestID carries the originating HTTP request id so worker logs can be
	// correlated with the intake request. Sweeper re-enqueues leave it empty.
	RequestID string `json:"request_id,omitempty"`
}

// Queue is the broker port used by intake and the sweeper.
type Queue interface {
	Enqueue(ctx Context, queueName string, payload TaskJobPayload, opts EnqueueOptions) (string, error)
}
