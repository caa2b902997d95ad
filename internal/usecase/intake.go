// Package usecase contains the application services between transport and
// adapters: task intake, task queries and upload presigning.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/observability"
)

// IntakeService validates submissions, persists the pending task row, and
// enqueues the job. The row is written before the enqueue so a broker outage
// loses no work (the sweeper re-enqueues orphaned pending rows).
type IntakeService struct {
	tasks       domain.TaskRepository
	tools       domain.ToolRepository
	queue       domain.Queue
	maxAttempts int
	backoff     domain.BackoffPolicy
}

// NewIntake builds the intake service.
func NewIntake(tasks domain.TaskRepository, tools domain.ToolRepository, queue domain.Queue, maxAttempts int, backoff domain.BackoffPolicy) *IntakeService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &IntakeService{tasks: tasks, tools: tools, queue: queue, maxAttempts: maxAttempts, backoff: backoff}
}

// SubmitRequest is one task submission. The tool is named by slug or, when the
// slug is empty, by catalog id.
type SubmitRequest struct {
	OwnerKind      domain.OwnerKind
	OwnerID        string
	ToolID         string
	ToolSlug       string
	InputParams    json.RawMessage
	ParentTaskID   *string
	IdempotencyKey *string
	Priority       int
}

// SubmitResult reports the accepted (or deduplicated) task.
type SubmitResult struct {
	TaskID string
	Status domain.TaskStatus
	// Existing is true when an idempotency key matched a prior submission and
	// no new task was created.
	Existing bool
}

// Submit accepts one task. Duplicate idempotency keys return the existing task
// id; a key pointing at a failed task is a conflict the client must resolve by
// submitting under a fresh key.
func (s *IntakeService) Submit(ctx domain.Context, req SubmitRequest) (SubmitResult, error) {
	tracer := otel.Tracer("usecase.intake")
	ctx, span := tracer.Start(ctx, "intake.Submit")
	defer span.End()

	if !req.OwnerKind.Valid() {
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w: owner kind %q", domain.ErrInvalidArgument, req.OwnerKind)
	}
	if req.OwnerID == "" {
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w: owner id is required", domain.ErrInvalidArgument)
	}
	if len(req.InputParams) == 0 {
		req.InputParams = json.RawMessage(`{}`)
	}
	if !json.Valid(req.InputParams) {
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w: input params is not valid json", domain.ErrInvalidArgument)
	}

	tl, err := s.resolveTool(ctx, req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w", err)
	}
	if !tl.Active {
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w: %s is inactive", domain.ErrUnknownTool, tl.Slug)
	}

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		prior, err := s.tasks.FindByIdempotencyKey(ctx, req.OwnerID, tl.Slug, *req.IdempotencyKey)
		switch {
		case err == nil:
			if prior.Status == domain.TaskFailed {
				return SubmitResult{}, fmt.Errorf("op=intake.submit: key %q maps to failed task %s: %w", *req.IdempotencyKey, prior.ID, domain.ErrConflict)
			}
			return SubmitResult{TaskID: prior.ID, Status: prior.Status, Existing: true}, nil
		case errors.Is(err, domain.ErrNotFound):
			// first submission under this key
		default:
			return SubmitResult{}, fmt.Errorf("op=intake.submit: %w", err)
		}
	}

	if req.ParentTaskID != nil && *req.ParentTaskID != "" {
		req.InputParams, err = s.resolveParent(ctx, req)
		if err != nil {
			return SubmitResult{}, err
		}
	} else {
		req.ParentTaskID = nil
	}

	t := domain.Task{
		OwnerKind:      req.OwnerKind,
		OwnerID:        req.OwnerID,
		ToolSlug:       tl.Slug,
		InputParams:    req.InputParams,
		Status:         domain.TaskPending,
		ParentTaskID:   req.ParentTaskID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	id, err := s.tasks.Create(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && req.IdempotencyKey != nil {
			// lost a concurrent race on the same key
			prior, ferr := s.tasks.FindByIdempotencyKey(ctx, req.OwnerID, tl.Slug, *req.IdempotencyKey)
			if ferr == nil {
				return SubmitResult{TaskID: prior.ID, Status: prior.Status, Existing: true}, nil
			}
		}
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w", err)
	}

	queueName := domain.QueueName(req.OwnerKind.QueuePrefix(), domain.DefaultQueue)
	payload := domain.TaskJobPayload{
		TaskID:       id,
		OwnerKind:    req.OwnerKind,
		OwnerID:      req.OwnerID,
		ToolID:       tl.ID,
		ToolSlug:     tl.Slug,
		InputParams:  req.InputParams,
		PriceConfig:  tl.PriceConfig,
		ToolConfig:   tl.Config,
		ParentTaskID: req.ParentTaskID,
		Backoff:      s.backoff,
		RequestID:    observability.RequestIDFromContext(ctx),
	}
	if _, err := s.queue.Enqueue(ctx, queueName, payload, domain.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: s.maxAttempts,
		Backoff:     s.backoff,
	}); err != nil {
		// The pending row stays behind; the sweeper re-enqueues it once the
		// broker recovers. Surface the outage to the client regardless.
		observability.LoggerFromContext(ctx).Error("enqueue failed, leaving pending row for sweeper",
			slog.String("task_id", id), slog.Any("error", err))
		return SubmitResult{}, fmt.Errorf("op=intake.submit: %w", err)
	}
	return SubmitResult{TaskID: id, Status: domain.TaskPending}, nil
}

// resolveTool loads the catalog entry by slug, falling back to the id when no
// slug was given.
func (s *IntakeService) resolveTool(ctx domain.Context, req SubmitRequest) (domain.Tool, error) {
	if req.ToolSlug != "" {
		return s.tools.GetBySlug(ctx, req.ToolSlug)
	}
	if req.ToolID != "" {
		return s.tools.GetByID(ctx, req.ToolID)
	}
	return domain.Tool{}, fmt.Errorf("%w: toolSlug or toolId is required", domain.ErrInvalidArgument)
}

// resolveParent validates the chain rule (same owner, terminal success) and,
// when the child params carry no imageUrl, injects the parent's unsigned
// result URL so chained steps never depend on expiring signed links.
func (s *IntakeService) resolveParent(ctx domain.Context, req SubmitRequest) (json.RawMessage, error) {
	parent, err := s.tasks.Get(ctx, *req.ParentTaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("op=intake.submit: parent %s: %w", *req.ParentTaskID, domain.ErrInvalidParent)
		}
		return nil, fmt.Errorf("op=intake.submit: %w", err)
	}
	if parent.OwnerID != req.OwnerID || parent.OwnerKind != req.OwnerKind {
		return nil, fmt.Errorf("op=intake.submit: parent %s belongs to another owner: %w", parent.ID, domain.ErrInvalidParent)
	}
	if parent.Status != domain.TaskSuccess {
		return nil, fmt.Errorf("op=intake.submit: parent %s is %s: %w", parent.ID, parent.Status, domain.ErrInvalidParent)
	}

	var params map[string]any
	if err := json.Unmarshal(req.InputParams, &params); err != nil {
		return nil, fmt.Errorf("op=intake.submit: %w: input params: %v", domain.ErrInvalidArgument, err)
	}
	if _, ok := params["imageUrl"]; !ok {
		var out struct {
			UnsignedResultURL string `json:"unsignedResultUrl"`
		}
		if err := json.Unmarshal(parent.OutputData, &out); err != nil || out.UnsignedResultURL == "" {
			return nil, fmt.Errorf("op=intake.submit: parent %s has no result url: %w", parent.ID, domain.ErrInvalidParent)
		}
		params["imageUrl"] = out.UnsignedResultURL
	}
	merged, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("op=intake.submit: %w", err)
	}
	return merged, nil
}
