// Package domain holds the core entities and ports of the task platform.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrUnsupportedTool  = errors.New("unsupported tool")
	ErrInvalidParent    = errors.New("invalid parent task")
	ErrProviderNotFound = errors.New("provider not found")
	ErrProviderNoAPIKey = errors.New("provider has no api key")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstream         = errors.New("upstream error")
	ErrInternal         = errors.New("internal error")
)

// IsFatal reports whether an error should never be retried by the broker.
// Fatal configuration errors cannot be resolved by another attempt.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrUnsupportedTool) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrProviderNoAPIKey)
}

// OwnerKind distinguishes the two user populations whose credit a task spends.
type OwnerKind string

const (
	OwnerWeb   OwnerKind = "web"
	OwnerAdmin OwnerKind = "admin"
)

// Valid reports whether k is one of the two known owner kinds.
func (k OwnerKind) Valid() bool { return k == OwnerWeb || k == OwnerAdmin }

// QueuePrefix returns the queue/bucket prefix for this owner kind
// ("" for web, "admin" for admin).
func (k OwnerKind) QueuePrefix() string {
	if k == OwnerAdmin {
		return "admin"
	}
	return ""
}

// PathSegment returns the object-storage path segment for this owner kind.
func (k OwnerKind) PathSegment() string {
	if k == OwnerAdmin {
		return "admins"
	}
	return "users"
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool { return s == TaskSuccess || s == TaskFailed }

// Task is the durable record of one unit of tool work.
// Invariants: terminal states are absorbing; Progress==100 iff Status==success;
// OutputData is written before the success transition is published;
// ParentTaskID, when set, references a same-owner task with Status==success.
type Task struct {
	ID             string
	OwnerKind      OwnerKind
	OwnerID        string
	ToolSlug       string
	InputParams    json.RawMessage
	Status         TaskStatus
	Progress       int
	OutputData     json.RawMessage
	ErrorMessage   string
	AttemptsMade   int
	ParentTaskID   *string
	IdempotencyKey *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
}

// Tool describes a catalog entry. Slug must match a handler registered in the
// worker pool; config changes apply to newly intaken tasks only (snapshotting).
type Tool struct {
	ID          string
	Slug        string
	ToolType    string
	Config      ToolConfig
	PriceConfig json.RawMessage
	Active      bool
}

// ToolConfig is the per-tool configuration, including the ordered steps of
// multi-step tools. Single-step tools carry zero or one step.
type ToolConfig struct {
	Steps  []ToolStep     `json:"steps,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// ToolStep is one stage of a multi-step tool.
type ToolStep struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider"`
	Model    string         `json:"model,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Step returns the step with the given name, or false.
func (c ToolConfig) Step(name string) (ToolStep, bool) {
	for _, s := range c.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return ToolStep{}, false
}

// ProviderCatalog selects between the disjoint user and admin provider pools.
type ProviderCatalog string

const (
	CatalogUser  ProviderCatalog = "user"
	CatalogAdmin ProviderCatalog = "admin"
)

// CatalogForPrefix maps a worker queue prefix to the provider catalog it may
// spend from. Selection is by worker configuration, never by job payload.
func CatalogForPrefix(prefix string) ProviderCatalog {
	if prefix == "admin" {
		return CatalogAdmin
	}
	return CatalogUser
}

// Provider is a static catalog row for one external AI provider.
type Provider struct {
	ID         string
	Slug       string
	Catalog    ProviderCatalog
	Credential json.RawMessage // encrypted blob, decoded by the registry
	ConfigJSON json.RawMessage
	Active     bool
}

// Credentials is the decoded credential material handed to provider adapters.
type Credentials struct {
	APIKey          string `json:"api_key,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Region          string `json:"region,omitempty"`
	BaseURL         string `json:"base_url,omitempty"`
}

// TaskResponse is one append-only ledger row per provider call.
type TaskResponse struct {
	ID           string
	TaskID       string
	StepName     string
	Provider     string
	Model        string
	RawRequest   json.RawMessage
	RawResponse  json.RawMessage
	LatencyMs    int64
	StatusCode   int
	ErrorMessage string
	CreatedAt    time.Time
}

// UsageLog is one append-only ledger row per terminal task attempt that
// reached a provider.
type UsageLog struct {
	ID           string
	TaskID       string
	OwnerID      string
	ProviderSlug string
	ToolID       string
	ModelName    string
	ModelVersion string
	PriceConfig  json.RawMessage
	UsageData    json.RawMessage
	LatencyMs    int64
	Status       TaskStatus // success or failed
	CreatedAt    time.Time
}

// Repositories (ports)

// TaskFilter narrows ListRecent.
type TaskFilter struct {
	OwnerKind OwnerKind
	OwnerID   string
	ToolSlug  string
	RootOnly  bool
	Limit     int
}

type TaskRepository interface {
	Create(ctx Context, t Task) (string, error)
	Get(ctx Context, id string) (Task, error)
	FindByIdempotencyKey(ctx Context, ownerID, toolSlug, key string) (Task, error)
	// MarkProcessing transitions pending->processing; it is a no-op returning
	// the stored task when the task is already terminal (absorbing states).
	MarkProcessing(ctx Context, id string, startedAt time.Time) (Task, error)
	// UpdateProgress persists a monotonic progress value for a processing task.
	UpdateProgress(ctx Context, id string, progress int) error
	// MarkSuccess writes output data and the terminal success state atomically.
	MarkSuccess(ctx Context, id string, output json.RawMessage, completedAt time.Time) error
	MarkFailed(ctx Context, id string, errMsg string, attemptsMade int, completedAt time.Time) error
	ListRecent(ctx Context, f TaskFilter) ([]Task, error)
	ListChildren(ctx Context, parentID string) ([]Task, error)
	// ListPendingOlderThan returns pending tasks created before the cutoff,
	// used by the sweeper to recover rows whose enqueue was lost.
	ListPendingOlderThan(ctx Context, cutoff time.Time, limit int) ([]Task, error)
}

type ToolRepository interface {
	GetBySlug(ctx Context, slug string) (Tool, error)
	GetByID(ctx Context, id string) (Tool, error)
	List(ctx Context) ([]Tool, error)
	Upsert(ctx Context, t Tool) error
}

type ProviderRepository interface {
	GetBySlug(ctx Context, catalog ProviderCatalog, slug string) (Provider, error)
	ListActive(ctx Context, catalog ProviderCatalog) ([]Provider, error)
}

// LedgerRepository appends usage and response rows. Writes are best-effort:
// failures are logged by callers and never fail the task.
type LedgerRepository interface {
	AppendResponse(ctx Context, r TaskResponse) error
	AppendUsage(ctx Context, u UsageLog) error
}

// CredentialSource resolves decoded provider credentials by slug from a fixed
// catalog chosen at worker start.
type CredentialSource interface {
	Credentials(ctx Context, slug string) (Credentials, error)
}

// ArtifactStore places task outputs in private object storage and signs URLs
// at the edge. Unsigned URLs are the stable form stored in task rows.
type ArtifactStore interface {
	Put(ctx Context, ref ArtifactRef, contentType string, body []byte) (string, error)
	FetchAndPut(ctx Context, ref ArtifactRef, sourceURL string) (string, error)
	Sign(unsignedURL string, ttl time.Duration) string
	PresignUpload(ctx Context, kind OwnerKind, ownerID, filename string, ttl time.Duration) (uploadURL, objectURL string, err error)
}

// Context is a type alias so domain signatures stay decoupled from net/http
// plumbing; adapters pass context.Context straight through.
type Context = context.Context
