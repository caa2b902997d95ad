// Package handlers implements the built-in tool catalog: image tools backed by
// fal.ai and the multi-step photo-to-3d pipeline backed by fal.ai and Tripo.
package handlers

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/falai"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/provider/tripo"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/registry"
	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/storage"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

// firstStep returns the only (or first) configured step, with a usable zero
// value when the tool config carries none.
func firstStep(tc *tool.Context, fallbackProvider string) domain.ToolStep {
	if len(tc.Config.Steps) > 0 {
		return tc.Config.Steps[0]
	}
	return domain.ToolStep{Provider: fallbackProvider, Params: tc.Config.Params}
}

// falaiClient resolves credentials for the step's provider and builds a client.
func falaiClient(ctx context.Context, tc *tool.Context, step domain.ToolStep) (*falai.Client, error) {
	slug := step.Provider
	if slug == "" {
		slug = falai.Slug
	}
	creds, err := tc.Credentials.Credentials(ctx, slug)
	if err != nil {
		return nil, err
	}
	if creds, err = registry.RequireAPIKey(creds, slug); err != nil {
		return nil, err
	}
	return falai.New(creds), nil
}

func tripoClient(ctx context.Context, tc *tool.Context, step domain.ToolStep) (*tripo.Client, error) {
	slug := step.Provider
	if slug == "" {
		slug = tripo.Slug
	}
	creds, err := tc.Credentials.Credentials(ctx, slug)
	if err != nil {
		return nil, err
	}
	if creds, err = registry.RequireAPIKey(creds, slug); err != nil {
		return nil, err
	}
	return tripo.New(creds), nil
}

// mergeParams layers user input over the step's configured params.
func mergeParams(step domain.ToolStep, user map[string]any) map[string]any {
	out := make(map[string]any, len(step.Params)+len(user))
	maps.Copy(out, step.Params)
	maps.Copy(out, user)
	return out
}

// signInput converts a stored unsigned CDN URL into a short-lived signed one so
// the provider can fetch it from the private bucket. Out-of-scope URLs pass
// through untouched.
func signInput(tc *tool.Context, rawURL string) string {
	return tc.Artifacts.Sign(rawURL, tc.SignTTL)
}

// recordCall appends the provider call to the response ledger (best-effort)
// and marks the attempt as having reached a provider.
func recordCall(ctx context.Context, tc *tool.Context, step domain.ToolStep, raw rawCall, callErr error) {
	tc.ProviderReached = true
	if tc.Responses == nil {
		return
	}
	r := domain.TaskResponse{
		TaskID:      tc.TaskID,
		StepName:    step.Name,
		Provider:    step.Provider,
		Model:       step.Model,
		RawRequest:  raw.Request,
		RawResponse: raw.Response,
		LatencyMs:   raw.Latency.Milliseconds(),
		StatusCode:  raw.StatusCode,
	}
	if callErr != nil {
		r.ErrorMessage = callErr.Error()
	}
	tc.Responses.Record(ctx, r)
}

type rawCall struct {
	Request    []byte
	Response   []byte
	StatusCode int
	Latency    time.Duration
}

// persistImages fetches each expiring provider URL into the artifact store and
// returns signed and unsigned CDN URLs in output order. A single image uses no
// suffix; further images get -1, -2, ...
func persistImages(ctx context.Context, tc *tool.Context, urls []string) (signed, unsigned []string, err error) {
	for i, src := range urls {
		suffix := 0
		if i > 0 {
			suffix = i
		}
		ref := tc.ArtifactRef(storage.ExtFromURL(src), suffix)
		u, err := tc.Artifacts.FetchAndPut(ctx, ref, src)
		if err != nil {
			return nil, nil, fmt.Errorf("op=handlers.persist: %w", err)
		}
		unsigned = append(unsigned, u)
		signed = append(signed, tc.Artifacts.Sign(u, tc.SignTTL))
	}
	return signed, unsigned, nil
}

// imageOutput builds the standard output document for image-producing tools.
func imageOutput(signed, unsigned []string) map[string]any {
	out := map[string]any{
		"resultUrl":         signed[0],
		"unsignedResultUrl": unsigned[0],
	}
	if len(signed) > 1 {
		out["resultUrls"] = signed
		out["unsignedResultUrls"] = unsigned
	}
	return out
}
