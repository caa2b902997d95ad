package usecase

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// QueryService reads task state for the API. Reads are owner-scoped: a task
// belonging to another owner is reported as not found, never as forbidden.
type QueryService struct {
	tasks     domain.TaskRepository
	tools     domain.ToolRepository
	artifacts domain.ArtifactStore
	signTTL   time.Duration
}

// NewQuery builds the query service.
func NewQuery(tasks domain.TaskRepository, tools domain.ToolRepository, artifacts domain.ArtifactStore, signTTL time.Duration) *QueryService {
	return &QueryService{tasks: tasks, tools: tools, artifacts: artifacts, signTTL: signTTL}
}

// TaskView is one task plus, on request, its direct children.
type TaskView struct {
	Task     domain.Task
	Children []domain.Task
}

// GetTask returns the task when it belongs to the caller.
func (s *QueryService) GetTask(ctx domain.Context, kind domain.OwnerKind, ownerID, taskID string, includeChildren bool) (TaskView, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.GetTask")
	defer span.End()

	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return TaskView{}, fmt.Errorf("op=query.get_task: %w", err)
	}
	if t.OwnerID != ownerID || t.OwnerKind != kind {
		return TaskView{}, fmt.Errorf("op=query.get_task: %w", domain.ErrNotFound)
	}
	v := TaskView{Task: t}
	if includeChildren {
		children, err := s.tasks.ListChildren(ctx, t.ID)
		if err != nil {
			return TaskView{}, fmt.Errorf("op=query.get_task: %w", err)
		}
		v.Children = children
	}
	return v, nil
}

// ListQuery narrows the recent-tasks listing. Tools are filtered by catalog
// id, matching the external interface.
type ListQuery struct {
	ToolID          string
	RootOnly        bool
	IncludeChildren bool
	Limit           int
}

// ListTasks returns the caller's recent tasks, newest first, each with its
// direct children when requested.
func (s *QueryService) ListTasks(ctx domain.Context, kind domain.OwnerKind, ownerID string, q ListQuery) ([]TaskView, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.ListTasks")
	defer span.End()

	var toolSlug string
	if q.ToolID != "" {
		tl, err := s.tools.GetByID(ctx, q.ToolID)
		if err != nil {
			return nil, fmt.Errorf("op=query.list_tasks: %w", err)
		}
		toolSlug = tl.Slug
	}
	tasks, err := s.tasks.ListRecent(ctx, domain.TaskFilter{
		OwnerKind: kind,
		OwnerID:   ownerID,
		ToolSlug:  toolSlug,
		RootOnly:  q.RootOnly,
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("op=query.list_tasks: %w", err)
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		v := TaskView{Task: t}
		if q.IncludeChildren {
			children, err := s.tasks.ListChildren(ctx, t.ID)
			if err != nil {
				return nil, fmt.Errorf("op=query.list_tasks: %w", err)
			}
			v.Children = children
		}
		views = append(views, v)
	}
	return views, nil
}

// SignResultURL re-signs a stored unsigned result URL for API responses. The
// stored form is always unsigned; signing happens per read.
func (s *QueryService) SignResultURL(unsignedURL string) string {
	if unsignedURL == "" || s.artifacts == nil {
		return unsignedURL
	}
	return s.artifacts.Sign(unsignedURL, s.signTTL)
}

// ListTools returns the active tool catalog.
func (s *QueryService) ListTools(ctx domain.Context) ([]domain.Tool, error) {
	tools, err := s.tools.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=query.list_tools: %w", err)
	}
	active := tools[:0]
	for _, t := range tools {
		if t.Active {
			active = append(active, t)
		}
	}
	return active, nil
}
