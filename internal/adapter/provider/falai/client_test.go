package falai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// queueServer fakes the fal.ai queue API: one submit endpoint plus status and
// response URLs that flip to COMPLETED after a number of polls.
func queueServer(t *testing.T, pollsUntilDone int, result any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	polls := &atomic.Int32{}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			assert.Equal(t, "Key test-key", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(map[string]string{
				"request_id":   "req-1",
				"status_url":   srv.URL + "/status",
				"response_url": srv.URL + "/response",
			})
		case r.URL.Path == "/status":
			n := polls.Add(1)
			st := "IN_PROGRESS"
			if int(n) >= pollsUntilDone {
				st = "COMPLETED"
			} else if n == 1 {
				st = "IN_QUEUE"
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"status": st})
		case r.URL.Path == "/response":
			_ = json.NewEncoder(w).Encode(result)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, polls
}

func newTestClient(baseURL string) *Client {
	return New(domain.Credentials{BaseURL: baseURL, APIKey: "test-key"})
}

func TestRunPollsUntilCompleted(t *testing.T) {
	srv, polls := queueServer(t, 3, map[string]any{
		"images": []map[string]string{
			{"url": "https://fal.test/out-1.png"},
			{"url": "https://fal.test/out-2.png"},
		},
	})
	c := newTestClient(srv.URL)

	var reported []int
	res, err := c.Run(context.Background(), "fal-ai/esrgan", map[string]any{"image_url": "x"}, 30*time.Second, func(pct int) {
		reported = append(reported, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://fal.test/out-1.png", "https://fal.test/out-2.png"}, res.ImageURLs)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"image_url":"x"}`, string(res.RawRequest))
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
	require.NotEmpty(t, reported)
	assert.Equal(t, 100, reported[len(reported)-1])
}

func TestRunSingleImageShape(t *testing.T) {
	srv, _ := queueServer(t, 1, map[string]any{"image": map[string]string{"url": "https://fal.test/one.png"}})
	c := newTestClient(srv.URL)

	res, err := c.Run(context.Background(), "fal-ai/birefnet/v2", map[string]any{}, 30*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://fal.test/one.png"}, res.ImageURLs)
}

func TestRunSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv.URL)

	res, err := c.Run(context.Background(), "fal-ai/esrgan", map[string]any{}, time.Second, nil)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRunPollTimeout(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status_url":   srv.URL + "/status",
				"response_url": srv.URL + "/response",
			})
			return
		}
		// hang until the client gives up
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv.URL)

	_, err := c.Run(context.Background(), "fal-ai/esrgan", map[string]any{}, 300*time.Millisecond, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
}

func TestRunEmptyResult(t *testing.T) {
	srv, _ := queueServer(t, 1, map[string]any{"seed": 42})
	c := newTestClient(srv.URL)

	_, err := c.Run(context.Background(), "fal-ai/flux/schnell", map[string]any{}, 30*time.Second, nil)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestExtractImageURLs(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{`{"images":[{"url":"a"},{"url":"b"}]}`, []string{"a", "b"}},
		{`{"image":{"url":"a"}}`, []string{"a"}},
		{`{"url":"a"}`, []string{"a"}},
		{`{"seed":1}`, nil},
		{`not json`, nil},
	}
	for _, tc := range cases {
		got := extractImageURLs(json.RawMessage(tc.raw))
		if tc.want == nil {
			assert.Empty(t, got, tc.raw)
			continue
		}
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
