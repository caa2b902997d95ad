package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

type fakeClient struct {
	task *asynq.Task
	opts []asynq.Option
	err  error
}

func (f *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.task = task
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "job-1"}, nil
}

func TestBrokerEnqueue(t *testing.T) {
	fc := &fakeClient{}
	b := NewWithClient(fc)

	backoff := domain.BackoffPolicy{Kind: domain.BackoffExponential, BaseMs: 2000, MaxMs: 60000}
	id, err := b.Enqueue(context.Background(), "admin_default", domain.TaskJobPayload{
		TaskID:   "t1",
		ToolSlug: "upscale",
	}, domain.EnqueueOptions{MaxAttempts: 3, Backoff: backoff})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	require.NotNil(t, fc.task)
	assert.Equal(t, TypeToolTask, fc.task.Type())

	// the backoff policy travels in the payload
	var p domain.TaskJobPayload
	require.NoError(t, json.Unmarshal(fc.task.Payload(), &p))
	assert.Equal(t, backoff, p.Backoff)
	assert.Equal(t, "t1", p.TaskID)
}

func TestBrokerEnqueueUnavailable(t *testing.T) {
	fc := &fakeClient{err: errors.New("dial tcp: connection refused")}
	b := NewWithClient(fc)

	_, err := b.Enqueue(context.Background(), "default", domain.TaskJobPayload{TaskID: "t1"}, domain.EnqueueOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
}

func TestRetryDelayFromPayload(t *testing.T) {
	payload, err := json.Marshal(domain.TaskJobPayload{
		TaskID:  "t1",
		Backoff: domain.BackoffPolicy{Kind: domain.BackoffFixed, BaseMs: 5000},
	})
	require.NoError(t, err)
	task := asynq.NewTask(TypeToolTask, payload)

	assert.Equal(t, 5*time.Second, RetryDelay(0, nil, task))
	assert.Equal(t, 5*time.Second, RetryDelay(3, nil, task))
}

func TestRetryDelayMalformedPayloadFallback(t *testing.T) {
	task := asynq.NewTask(TypeToolTask, []byte("not json"))
	assert.Equal(t, 2*time.Second, RetryDelay(0, nil, task))
	assert.Equal(t, 8*time.Second, RetryDelay(2, nil, task))
}
