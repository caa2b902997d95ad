// Package falai adapts the fal.ai queue API: submit a request, poll its
// status, fetch the result payload. The wire shape is treated as opaque by the
// rest of the platform; handlers only see result URLs and raw payloads for the
// response ledger.
package falai

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
const Slug = "fal_ai"

const defaultBaseURL = "https://queue.fal.run"

// Client drives one fal.ai account.
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

// Result carries the outcome of one queued run.
type Result struct {
	RawRequest  json.RawMessage
	RawResponse json.RawMessage
	StatusCode  int
	Latency     time.Duration
	// ImageURLs are the expiring result URLs, in output order.
	ImageURLs []string
}

type queued struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type status struct {
	Status string `json:"status"` // IN_QUEUE | IN_PROGRESS | COMPLETED
}

// Run submits input to the model endpoint and polls until completion or the
// soft timeout. onProgress receives coarse poll progress in [0,100].
func (c *Client) Run(ctx context.Context, model string, input map[string]any, timeout time.Duration, onProgress func(pct int)) (Result, error) {
	started := time.Now()
	reqBody, err := json.Marshal(input)
	if err != nil {
		return Result{}, fmt.Errorf("op=falai.run: %w", err)
	}
	res := Result{RawRequest: reqBody}

	q, code, err := c.submit(ctx, model, reqBody)
	if err != nil {
		res.StatusCode = code
		res.Latency = time.Since(started)
		return res, err
	}

	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Poll with capped exponential backoff; provider gives no percentage, so
	// report a coarse schedule per observed state.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = timeout
	err = backoff.Retry(func() error {
		st, err := c.getJSON(pollCtx, q.StatusURL, nil)
		if err != nil {
			return err
		}
		var s status
		if err := json.Unmarshal(st, &s); err != nil {
			return backoff.Permanent(fmt.Errorf("op=falai.status: %w", err))
		}
		switch s.Status {
		case "COMPLETED":
			return nil
		case "IN_PROGRESS":
			if onProgress != nil {
				onProgress(60)
			}
			return fmt.Errorf("in progress")
		default:
			if onProgress != nil {
				onProgress(20)
			}
			return fmt.Errorf("queued")
		}
	}, backoff.WithContext(bo, pollCtx))
	if err != nil {
		res.Latency = time.Since(started)
		if pollCtx.Err() != nil {
			return res, fmt.Errorf("op=falai.poll: %w: %s", domain.ErrUpstreamTimeout, model)
		}
		return res, fmt.Errorf("op=falai.poll: %w: %v", domain.ErrUpstream, err)
	}

	raw, err := c.getJSON(ctx, q.ResponseURL, &res.StatusCode)
	res.Latency = time.Since(started)
	observability.ObserveProviderCall(Slug, model, res.Latency)
	if err != nil {
		return res, err
	}
	res.RawResponse = raw
	res.ImageURLs = extractImageURLs(raw)
	if len(res.ImageURLs) == 0 {
		return res, fmt.Errorf("op=falai.result: %w: no output url", domain.ErrUpstream)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return res, nil
}

func (c *Client) submit(ctx context.Context, model string, body []byte) (queued, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+model, bytes.NewReader(body))
	if err != nil {
		return queued{}, 0, fmt.Errorf("op=falai.submit: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return queued{}, 0, fmt.Errorf("op=falai.submit: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return queued{}, resp.StatusCode, fmt.Errorf("op=falai.submit: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}
	var q queued
	if err := json.Unmarshal(b, &q); err != nil {
		return queued{}, resp.StatusCode, fmt.Errorf("op=falai.submit: %w", err)
	}
	return q, resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, url string, codeOut *int) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("op=falai.get: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=falai.get: %w: %v", domain.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if codeOut != nil {
		*codeOut = resp.StatusCode
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("op=falai.get: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=falai.get: %w: status %d", domain.ErrUpstream, resp.StatusCode)
	}
	return b, nil
}

// extractImageURLs pulls result URLs out of the common fal.ai output shapes:
// {"images":[{"url":...}]}, {"image":{"url":...}} or {"url":...}.
func extractImageURLs(raw json.RawMessage) []string {
	var doc struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Image struct {
			URL string `json:"url"`
		} `json:"image"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	urls := []string{}
	for _, im := range doc.Images {
		if im.URL != "" {
			urls = append(urls, im.URL)
		}
	}
	if len(urls) == 0 && doc.Image.URL != "" {
		urls = append(urls, doc.Image.URL)
	}
	if len(urls) == 0 && doc.URL != "" {
		urls = append(urls, doc.URL)
	}
	return urls
}
