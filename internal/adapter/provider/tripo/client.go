// Package tripo adapts the Tripo 3D generation API. Tripo runs its own task
// queue: submit returns a provider task id, and status polling reports a real
// percentage which handlers map into their own progress sub-range.
package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-tool-platform/internal/adapter/observability"
	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// Slug is the provider catalog slug this adapter serves.
const Slug = "tripo"

const defaultBaseURL = "https://api.tripo3d.ai"

// Client drives one Tripo account.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
}

// New builds a client from registry credentials.
func New(creds domain.Credentials) *Client {
	base := creds.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		httpc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: base,
		apiKey:  creds.APIKey,
	}
}

// Result carries the outcome of one generation run.
type Result struct {
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
	StatusCode  int
	Latency     time.Duration
	// ModelURL is the expiring URL of the generated glb.
	ModelURL string
}

type submitResp struct {
	Code int `json:"code"`
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Message string `json:"message"`
}

type statusResp struct {
	Code int `json:"code"`
	Data struct {
		Status   string `json:"status"` // queued | running | success | failed | cancelled | banned
		Progress int    `json:"progress"`
		Output   struct {
			PBRModel string `json:"pbr_model"`
			Model    string `json:"model"`
		} `json:"output"`
	} `json:"data"`
}

// Generate submits an image_to_model task and polls until the model is ready
// or the soft timeout elapses. onProgress receives Tripo's own percentage.
func (c *Client) Generate(ctx context.Context, input map[string]any, timeout time.Duration, onProgress func(pct int)) (Result, error) {
	started := time.Now()
	reqBody, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("op=tripo.generate: %w", err)
	}
	res := Result{RawRequest: reqBody}

	taskID, code, err := c.submit(ctx, reqBody)
	res.StatusCode = code
	if err != nil {
		res.Latency = time.Since(started)
		return res, err
	}

	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = timeout
	var last statusResp
	err = backoff.Retry(func() error {
		raw, err := c.status(pollCtx, taskID)
		if err != nil {
			return err
		}
		res.RawResponse = raw
		if err := json.Unmarshal(raw, &last); err != nil {
			return backoff.Permanent(fmt.Errorf("op=tripo.status: %w", err))
		}
		switch last.Data.Status {
		case "success":
			return nil
		case "failed", "cancelled", "banned":
			return backoff.Permanent(fmt.Errorf("op=tripo.status: %w: task %s", domain.ErrUpstream, last.Data.Status))
		default:
			if onProgress != nil {
				onProgress(last.Data.Progress)
			}
			return fmt.Errorf("status %s", last.Data.Status)
		}
	}, backoff.WithContext(bo, pollCtx))
	res.Latency = time.Since(started)
	observability.ObserveProviderCall(Slug, "image_to_model", res.Latency)
	if err != nil {
		if pollCtx.Err() != nil {
			return res, fmt.Errorf("op=tripo.poll: %w", domain.ErrUpstreamTimeout)
		}
		return res, fmt.Errorf("op=tripo.poll: %w", err)
	}

	res.ModelURL = last.Data.Output.PBRModel
	if res.ModelURL == "" {
		res.ModelURL = last.Data.Output.Model
	}
	if res.ModelURL == "" {
		return res, fmt.Errorf("op=tripo.result: %w: no model url", domain.ErrUpstream)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return res, nil
}

func (c *Client) submit(ctx context.Context, body []byte) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/openapi/task", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("op=tripo.submit: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("op=tripo.submit: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("op=tripo.submit: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}
	var sr submitResp
	if err := json.Unmarshal(b, &sr); err != nil {
		return "", resp.StatusCode, fmt.Errorf("op=tripo.submit: %w", err)
	}
	if sr.Code != 0 || sr.Data.TaskID == "" {
		return "", resp.StatusCode, fmt.Errorf("op=tripo.submit: %w: code %d %s", domain.ErrUpstream, sr.Code, sr.Message)
	}
	return sr.Data.TaskID, resp.StatusCode, nil
}

func (c *Client) status(ctx context.Context, taskID string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/openapi/task/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("op=tripo.status: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=tripo.status: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("op=tripo.status: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=tripo.status: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}
	return b, nil
}
