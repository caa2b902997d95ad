package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-tool-platform/internal/config"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/usecase"
)

// Owner identity headers forwarded by the edge gateway after authentication.
const (
	HeaderOwnerID   = "X-Owner-Id"
	HeaderOwnerKind = "X-Owner-Kind"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Intake     *usecase.IntakeService
	Query      *usecase.QueryService
	Uploads    *usecase.UploadService
	Progress   domain.ProgressSubscriber
	Tasks      domain.TaskRepository
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the intake API server.
func NewServer(cfg config.Config, intake *usecase.IntakeService, query *usecase.QueryService, uploads *usecase.UploadService, progress domain.ProgressSubscriber, tasks domain.TaskRepository, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Intake: intake, Query: query, Uploads: uploads,
		Progress: progress, Tasks: tasks, DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// owner extracts the authenticated owner identity forwarded by the gateway.
func owner(r *http.Request) (domain.OwnerKind, string, error) {
	kind := domain.OwnerKind(r.Header.Get(HeaderOwnerKind))
	if kind == "" {
		kind = domain.OwnerWeb
	}
	if !kind.Valid() {
		return "", "", fmt.Errorf("%w: owner kind %q", domain.ErrInvalidArgument, kind)
	}
	id := r.Header.Get(HeaderOwnerID)
	if id == "" {
		return "", "", fmt.Errorf("%w: missing %s header", domain.ErrInvalidArgument, HeaderOwnerID)
	}
	return kind, id, nil
}

type createTaskRequest struct {
	ToolID         string          `json:"toolId,omitempty" validate:"omitempty,max=64"`
	ToolSlug       string          `json:"toolSlug,omitempty" validate:"omitempty,max=64"`
	InputParams    json.RawMessage `json:"inputParams"`
	ParentTaskID   *string         `json:"parentTaskId,omitempty" validate:"omitempty,max=64"`
	IdempotencyKey *string         `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
	Priority       int             `json:"priority,omitempty" validate:"gte=0,lte=10"`
}

// CreateTaskHandler accepts one task submission. A repeated idempotency key
// returns 200 with the prior task id instead of 201.
func (s *Server) CreateTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ownerID, err := owner(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req createTaskRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if req.ToolID == "" && req.ToolSlug == "" {
			writeError(w, r, fmt.Errorf("%w: toolId or toolSlug is required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Intake.Submit(r.Context(), usecase.SubmitRequest{
			OwnerKind:      kind,
			OwnerID:        ownerID,
			ToolID:         req.ToolID,
			ToolSlug:       req.ToolSlug,
			InputParams:    req.InputParams,
			ParentTaskID:   req.ParentTaskID,
			IdempotencyKey: req.IdempotencyKey,
			Priority:       req.Priority,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusCreated
		message := "task accepted"
		if res.Existing {
			status = http.StatusOK
			message = "duplicate submission, returning existing task"
		}
		writeJSON(w, status, map[string]any{
			"taskId":  res.TaskID,
			"status":  string(res.Status),
			"message": message,
		})
	}
}

// taskJSON is the wire shape of one task.
type taskJSON struct {
	ID           string          `json:"id"`
	ToolSlug     string          `json:"toolSlug"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	InputParams  json.RawMessage `json:"inputParams,omitempty"`
	OutputData   json.RawMessage `json:"outputData,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ParentTaskID *string         `json:"parentTaskId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	ChildTasks   []taskJSON      `json:"childTasks,omitempty"`
}

func (s *Server) renderTask(t domain.Task) taskJSON {
	return taskJSON{
		ID:           t.ID,
		ToolSlug:     t.ToolSlug,
		Status:       string(t.Status),
		Progress:     t.Progress,
		InputParams:  t.InputParams,
		OutputData:   s.signOutput(t.OutputData),
		ErrorMessage: t.ErrorMessage,
		ParentTaskID: t.ParentTaskID,
		CreatedAt:    t.CreatedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// signOutput re-signs resultUrl fields on the way out. Stored output carries
// unsigned URLs only; every read gets a fresh expiring link.
func (s *Server) signOutput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return raw
	}
	changed := false
	if u, ok := doc["unsignedResultUrl"].(string); ok && u != "" {
		doc["resultUrl"] = s.Query.SignResultURL(u)
		changed = true
	}
	if us, ok := doc["unsignedResultUrls"].([]any); ok {
		signed := make([]any, 0, len(us))
		for _, v := range us {
			if u, ok := v.(string); ok {
				signed = append(signed, s.Query.SignResultURL(u))
			}
		}
		doc["resultUrls"] = signed
		changed = true
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return raw
	}
	return out
}

// renderView renders a task with its children attached.
func (s *Server) renderView(v usecase.TaskView) taskJSON {
	out := s.renderTask(v.Task)
	for _, c := range v.Children {
		out.ChildTasks = append(out.ChildTasks, s.renderTask(c))
	}
	return out
}

// GetTaskHandler returns one task; ?includeChildren=true adds childTasks
// ordered by creation.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ownerID, err := owner(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := chi.URLParam(r, "id")
		includeChildren := r.URL.Query().Get("includeChildren") == "true"
		v, err := s.Query.GetTask(r.Context(), kind, ownerID, id, includeChildren)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, s.renderView(v))
	}
}

// ListTasksHandler returns the caller's recent tasks, newest first. Supported
// query parameters: toolId, rootOnly, includeChildren, limit.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ownerID, err := owner(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		q := r.URL.Query()
		limit := 0
		if v := q.Get("limit"); v != "" {
			limit, err = strconv.Atoi(v)
			if err != nil || limit < 0 {
				writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidArgument), nil)
				return
			}
		}
		views, err := s.Query.ListTasks(r.Context(), kind, ownerID, usecase.ListQuery{
			ToolID:          q.Get("toolId"),
			RootOnly:        q.Get("rootOnly") == "true",
			IncludeChildren: q.Get("includeChildren") == "true",
			Limit:           limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskJSON, 0, len(views))
		for _, v := range views {
			out = append(out, s.renderView(v))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
	}
}

type presignRequest struct {
	Filename string `json:"filename" validate:"required,max=256"`
}

// PresignUploadHandler issues a presigned PUT for staging a tool input.
func (s *Server) PresignUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ownerID, err := owner(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req presignRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		uploadURL, objectURL, err := s.Uploads.Presign(r.Context(), kind, ownerID, req.Filename)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"uploadUrl": uploadURL,
			"objectUrl": objectURL,
		})
	}
}

// ListToolsHandler returns the active tool catalog.
func (s *Server) ListToolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tools, err := s.Query.ListTools(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		type toolJSON struct {
			Slug     string `json:"slug"`
			ToolType string `json:"toolType"`
		}
		out := make([]toolJSON, 0, len(tools))
		for _, t := range tools {
			out = append(out, toolJSON{Slug: t.Slug, ToolType: t.ToolType})
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": out})
	}
}

// ReadyzHandler reports dependency health.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		ok := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["db"] = err.Error()
				ok = false
			} else {
				checks["db"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				ok = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": ok, "checks": checks})
	}
}
