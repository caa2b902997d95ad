package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/usecase"
)

type taskRepoStub struct {
	byID      map[string]domain.Task
	byKey     map[string]domain.Task
	created   []domain.Task
	createErr error
}

func newTaskRepoStub() *taskRepoStub {
	return &taskRepoStub{byID: map[string]domain.Task{}, byKey: map[string]domain.Task{}}
}

func (s *taskRepoStub) Create(_ domain.Context, t domain.Task) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("task-%d", len(s.byID)+1)
	}
	s.created = append(s.created, t)
	s.byID[t.ID] = t
	return t.ID, nil
}

func (s *taskRepoStub) Get(_ domain.Context, id string) (domain.Task, error) {
	t, ok := s.byID[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *taskRepoStub) FindByIdempotencyKey(_ domain.Context, ownerID, toolSlug, key string) (domain.Task, error) {
	t, ok := s.byKey[ownerID+"/"+toolSlug+"/"+key]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *taskRepoStub) MarkProcessing(_ domain.Context, id string, _ time.Time) (domain.Task, error) {
	return s.byID[id], nil
}
func (s *taskRepoStub) UpdateProgress(domain.Context, string, int) error { return nil }
func (s *taskRepoStub) MarkSuccess(domain.Context, string, json.RawMessage, time.Time) error {
	return nil
}
func (s *taskRepoStub) MarkFailed(domain.Context, string, string, int, time.Time) error { return nil }
func (s *taskRepoStub) ListRecent(_ domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	out := []domain.Task{}
	for _, t := range s.byID {
		if t.OwnerID != f.OwnerID || t.OwnerKind != f.OwnerKind {
			continue
		}
		if f.ToolSlug != "" && t.ToolSlug != f.ToolSlug {
			continue
		}
		if f.RootOnly && t.ParentTaskID != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
func (s *taskRepoStub) ListChildren(_ domain.Context, parentID string) ([]domain.Task, error) {
	out := []domain.Task{}
	for _, t := range s.byID {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (s *taskRepoStub) ListPendingOlderThan(domain.Context, time.Time, int) ([]domain.Task, error) {
	return nil, nil
}

type toolRepoStub struct{ tools map[string]domain.Tool }

func (s *toolRepoStub) GetBySlug(_ domain.Context, slug string) (domain.Tool, error) {
	t, ok := s.tools[slug]
	if !ok {
		return domain.Tool{}, domain.ErrUnknownTool
	}
	return t, nil
}

func (s *toolRepoStub) GetByID(_ domain.Context, id string) (domain.Tool, error) {
	for _, t := range s.tools {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Tool{}, domain.ErrUnknownTool
}

func (s *toolRepoStub) List(domain.Context) ([]domain.Tool, error) {
	out := make([]domain.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out, nil
}
func (s *toolRepoStub) Upsert(domain.Context, domain.Tool) error { return nil }

type queueStub struct {
	queueName string
	payload   domain.TaskJobPayload
	opts      domain.EnqueueOptions
	calls     int
	err       error
}

func (s *queueStub) Enqueue(_ domain.Context, queueName string, payload domain.TaskJobPayload, opts domain.EnqueueOptions) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	s.queueName = queueName
	s.payload = payload
	s.opts = opts
	return "job-1", nil
}

var testBackoff = domain.BackoffPolicy{Kind: domain.BackoffExponential, BaseMs: 2000, MaxMs: 60000}

func activeTool(slug string) domain.Tool {
	return domain.Tool{
		ID:       "tool-" + slug,
		Slug:     slug,
		ToolType: "image",
		Active:   true,
		Config: domain.ToolConfig{Steps: []domain.ToolStep{
			{Name: "main", Provider: "fal_ai", Model: "fal-ai/esrgan"},
		}},
		PriceConfig: json.RawMessage(`{"credits":1}`),
	}
}

func TestSubmitEnqueuesSnapshot(t *testing.T) {
	tasks := newTaskRepoStub()
	tools := &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}
	queue := &queueStub{}
	svc := usecase.NewIntake(tasks, tools, queue, 3, testBackoff)

	res, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind:   domain.OwnerWeb,
		OwnerID:     "u1",
		ToolSlug:    "upscale",
		InputParams: json.RawMessage(`{"imageUrl":"https://cdn.test/a.png"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, domain.TaskPending, res.Status)
	assert.False(t, res.Existing)

	// the pending row is written before the enqueue
	require.Len(t, tasks.created, 1)
	assert.Equal(t, domain.TaskPending, tasks.created[0].Status)

	// queue name follows the owner kind prefix
	assert.Equal(t, "default", queue.queueName)
	// catalog snapshot travels in the payload
	assert.Equal(t, "tool-upscale", queue.payload.ToolID)
	require.Len(t, queue.payload.ToolConfig.Steps, 1)
	assert.JSONEq(t, `{"credits":1}`, string(queue.payload.PriceConfig))
	assert.Equal(t, 3, queue.opts.MaxAttempts)
	assert.Equal(t, testBackoff, queue.opts.Backoff)
}

func TestSubmitAdminPrefix(t *testing.T) {
	tools := &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}
	queue := &queueStub{}
	svc := usecase.NewIntake(newTaskRepoStub(), tools, queue, 3, testBackoff)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerAdmin,
		OwnerID:   "a1",
		ToolSlug:  "upscale",
	})
	require.NoError(t, err)
	assert.Equal(t, "admin_default", queue.queueName)
}

func TestSubmitUnknownTool(t *testing.T) {
	svc := usecase.NewIntake(newTaskRepoStub(), &toolRepoStub{tools: map[string]domain.Tool{}}, &queueStub{}, 3, testBackoff)
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "nope",
	})
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestSubmitInactiveTool(t *testing.T) {
	inactive := activeTool("upscale")
	inactive.Active = false
	svc := usecase.NewIntake(newTaskRepoStub(), &toolRepoStub{tools: map[string]domain.Tool{"upscale": inactive}}, &queueStub{}, 3, testBackoff)
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
	})
	assert.ErrorIs(t, err, domain.ErrUnknownTool)
}

func TestSubmitIdempotencyReturnsExisting(t *testing.T) {
	tasks := newTaskRepoStub()
	key := "key-1"
	tasks.byKey["u1/upscale/"+key] = domain.Task{ID: "prior", Status: domain.TaskSuccess}
	queue := &queueStub{}
	svc := usecase.NewIntake(tasks, &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}, queue, 3, testBackoff)

	res, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, "prior", res.TaskID)
	assert.Equal(t, domain.TaskSuccess, res.Status)
	assert.True(t, res.Existing)
	assert.Zero(t, queue.calls, "no re-enqueue for deduplicated submissions")
}

func TestSubmitByToolID(t *testing.T) {
	tools := &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}
	queue := &queueStub{}
	svc := usecase.NewIntake(newTaskRepoStub(), tools, queue, 3, testBackoff)

	res, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb,
		OwnerID:   "u1",
		ToolID:    "tool-upscale",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, "upscale", queue.payload.ToolSlug)

	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolID: "tool-missing",
	})
	assert.ErrorIs(t, err, domain.ErrUnknownTool)

	// neither slug nor id names a tool
	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitCarriesRequestID(t *testing.T) {
	tools := &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}
	queue := &queueStub{}
	svc := usecase.NewIntake(newTaskRepoStub(), tools, queue, 3, testBackoff)

	ctx := observability.ContextWithRequestID(context.Background(), "req-42")
	_, err := svc.Submit(ctx, usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", queue.payload.RequestID)
}

func TestSubmitIdempotencyFailedKeyConflicts(t *testing.T) {
	tasks := newTaskRepoStub()
	key := "key-1"
	tasks.byKey["u1/upscale/"+key] = domain.Task{ID: "prior", Status: domain.TaskFailed}
	svc := usecase.NewIntake(tasks, &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}, &queueStub{}, 3, testBackoff)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
		IdempotencyKey: &key,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSubmitParentValidation(t *testing.T) {
	tasks := newTaskRepoStub()
	tasks.byID["parent-ok"] = domain.Task{
		ID: "parent-ok", OwnerKind: domain.OwnerWeb, OwnerID: "u1",
		Status:     domain.TaskSuccess,
		OutputData: json.RawMessage(`{"resultUrl":"https://cdn.test/s.png?sig=x","unsignedResultUrl":"https://cdn.test/s.png"}`),
	}
	tasks.byID["parent-running"] = domain.Task{
		ID: "parent-running", OwnerKind: domain.OwnerWeb, OwnerID: "u1", Status: domain.TaskProcessing,
	}
	tasks.byID["parent-other"] = domain.Task{
		ID: "parent-other", OwnerKind: domain.OwnerWeb, OwnerID: "u2", Status: domain.TaskSuccess,
	}
	queue := &queueStub{}
	svc := usecase.NewIntake(tasks, &toolRepoStub{tools: map[string]domain.Tool{"photo-to-3d": activeTool("photo-to-3d")}}, queue, 3, testBackoff)

	pid := "parent-ok"
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "photo-to-3d",
		InputParams:  json.RawMessage(`{"step":"model"}`),
		ParentTaskID: &pid,
	})
	require.NoError(t, err)
	// the parent's unsigned result URL is injected as the child input
	var params map[string]any
	require.NoError(t, json.Unmarshal(queue.payload.InputParams, &params))
	assert.Equal(t, "https://cdn.test/s.png", params["imageUrl"])

	for _, bad := range []string{"parent-running", "parent-other", "parent-missing"} {
		pid := bad
		_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
			OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "photo-to-3d",
			ParentTaskID: &pid,
		})
		assert.ErrorIs(t, err, domain.ErrInvalidParent, bad)
	}
}

func TestSubmitQueueOutageLeavesPendingRow(t *testing.T) {
	tasks := newTaskRepoStub()
	queue := &queueStub{err: domain.ErrQueueUnavailable}
	svc := usecase.NewIntake(tasks, &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}, queue, 3, testBackoff)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueueUnavailable)
	// the pending row survives for the sweeper
	require.Len(t, tasks.created, 1)
	assert.Equal(t, domain.TaskPending, tasks.created[0].Status)
}

func TestSubmitInvalidInput(t *testing.T) {
	svc := usecase.NewIntake(newTaskRepoStub(), &toolRepoStub{tools: map[string]domain.Tool{"upscale": activeTool("upscale")}}, &queueStub{}, 3, testBackoff)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerKind("bot"), OwnerID: "u1", ToolSlug: "upscale",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "", ToolSlug: "upscale",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{
		OwnerKind: domain.OwnerWeb, OwnerID: "u1", ToolSlug: "upscale",
		InputParams: json.RawMessage(`{broken`),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
