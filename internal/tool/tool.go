// Package tool defines the handler model for the worker pool: a process-wide
// registry keyed by tool slug holding single-step or multi-step handlers, and
// the execution context handed to each handler run.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// Kind tags the two handler shapes.
type Kind int

const (
	// Single runs the whole tool in one task.
	Single Kind = iota
	// Multi runs one step of a parent->child chain per task; the handler
	// branches on the step named in the input params.
	Multi
)

// Output is what a handler returns on success.
type Output struct {
	// OutputData becomes the task's output_data; it must carry resultUrl and
	// unsignedResultUrl for artifact-producing tools.
	OutputData map[string]any
	Usage      UsageData
}

// UsageData feeds the usage ledger row written for the attempt.
type UsageData struct {
	Provider     string
	Model        string
	ModelVersion string
	APILatencyMs int64
	Extra        map[string]any
}

// RunFunc executes one task attempt.
type RunFunc func(ctx context.Context, tc *Context) (Output, error)

// Handler pairs a shape tag with its run function.
type Handler struct {
	Kind Kind
	Run  RunFunc
}

// ResponseRecorder appends a sanitized provider call record to the ledger.
// Implementations are best-effort and must never fail the task.
type ResponseRecorder interface {
	Record(ctx context.Context, r domain.TaskResponse)
}

// Context is the per-attempt execution context exposed to handlers.
type Context struct {
	TaskID      string
	OwnerKind   domain.OwnerKind
	OwnerID     string
	ToolID      string
	ToolSlug    string
	Attempt     int
	Env         string
	InputParams json.RawMessage
	Config      domain.ToolConfig
	PriceConfig json.RawMessage
	SignTTL     time.Duration

	// Progress reports handler progress in [0,100]; the worker envelope
	// clamps regressions, so handlers may report sub-range estimates freely.
	Progress func(pct int)

	Artifacts   domain.ArtifactStore
	Credentials domain.CredentialSource
	Responses   ResponseRecorder

	// ProviderReached is set once the attempt has issued a provider call.
	// Usage rows are written only for attempts that reached a provider, so
	// credential resolution failures never ledger.
	ProviderReached bool
}

// BindParams decodes the task input params into v.
func (tc *Context) BindParams(v any) error {
	if err := json.Unmarshal(tc.InputParams, v); err != nil {
		return fmt.Errorf("%w: input params: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// ArtifactRef builds the storage ref for this task's output.
func (tc *Context) ArtifactRef(ext string, suffix int) domain.ArtifactRef {
	return domain.ArtifactRef{
		Env:       tc.Env,
		OwnerKind: tc.OwnerKind,
		OwnerID:   tc.OwnerID,
		ToolSlug:  tc.ToolSlug,
		TaskID:    tc.TaskID,
		Ext:       ext,
		Suffix:    suffix,
	}
}

// MapRange maps a provider-reported pct in [0,100] into [lo,hi] of the task's
// own progress range, e.g. a long 3-D poll occupying 20..80.
func MapRange(pct, lo, hi int) int {
	pct = domain.ClampProgress(pct)
	return lo + (hi-lo)*pct/100
}

// Registry is the process-wide slug->handler table.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{m: map[string]Handler{}} }

// Register binds a slug to a handler, replacing any previous binding.
func (r *Registry) Register(slug string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[slug] = h
}

// Lookup resolves the handler for a slug.
func (r *Registry) Lookup(slug string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[slug]
	return h, ok
}

// Slugs returns the registered slugs sorted.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for s := range r.m {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// MissingHandlers returns catalog slugs with no registered handler; the dev
// check warns on mismatch at worker start.
func (r *Registry) MissingHandlers(tools []domain.Tool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	missing := []string{}
	for _, t := range tools {
		if !t.Active {
			continue
		}
		if _, ok := r.m[t.Slug]; !ok {
			missing = append(missing, t.Slug)
		}
	}
	sort.Strings(missing)
	return missing
}
