package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
	"github.com/fairyhunter13/ai-tool-platform/internal/tool"
)

type artifactsStub struct {
	fetched []string
}

func (a *artifactsStub) Put(_ domain.Context, ref domain.ArtifactRef, _ string, _ []byte) (string, error) {
	return "https://cdn.test/" + ref.Key(), nil
}
func (a *artifactsStub) FetchAndPut(_ domain.Context, ref domain.ArtifactRef, src string) (string, error) {
	a.fetched = append(a.fetched, src)
	return "https://cdn.test/" + ref.Key(), nil
}
func (a *artifactsStub) Sign(u string, _ time.Duration) string { return u + "?sig=test" }
func (a *artifactsStub) PresignUpload(domain.Context, domain.OwnerKind, string, string, time.Duration) (string, string, error) {
	return "", "", nil
}

type credsStub struct {
	creds map[string]domain.Credentials
}

func (c *credsStub) Credentials(_ domain.Context, slug string) (domain.Credentials, error) {
	cr, ok := c.creds[slug]
	if !ok {
		return domain.Credentials{}, domain.ErrProviderNotFound
	}
	return cr, nil
}

type recorderStub struct {
	records []domain.TaskResponse
}

func (r *recorderStub) Record(_ context.Context, tr domain.TaskResponse) {
	r.records = append(r.records, tr)
}

// fakeFal serves the fal.ai queue flow with an immediately completed result.
func fakeFal(t *testing.T, result any) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status_url":   srv.URL + "/status",
				"response_url": srv.URL + "/response",
			})
		case r.URL.Path == "/status":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "COMPLETED"})
		default:
			_ = json.NewEncoder(w).Encode(result)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testContext(slug string, params string, arts *artifactsStub, creds *credsStub, rec *recorderStub) *tool.Context {
	tc := &tool.Context{
		TaskID:      "t1",
		OwnerKind:   domain.OwnerWeb,
		OwnerID:     "u1",
		ToolSlug:    slug,
		Env:         "test",
		InputParams: json.RawMessage(params),
		SignTTL:     time.Minute,
		Progress:    func(int) {},
		Artifacts:   arts,
		Credentials: creds,
		Responses:   rec,
	}
	return tc
}

func TestBackgroundRemoveRun(t *testing.T) {
	srv := fakeFal(t, map[string]any{"image": map[string]string{"url": "https://fal.test/cut.png"}})
	arts := &artifactsStub{}
	creds := &credsStub{creds: map[string]domain.Credentials{
		"fal_ai": {APIKey: "k", BaseURL: srv.URL},
	}}
	rec := &recorderStub{}
	tc := testContext(SlugBackgroundRemove, `{"imageUrl":"https://cdn.test/in.png"}`, arts, creds, rec)

	var progress []int
	tc.Progress = func(pct int) { progress = append(progress, pct) }

	out, err := BackgroundRemove(30*time.Second).Run(context.Background(), tc)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.test/test/users/u1/results/background-remove/t1.png", out.OutputData["unsignedResultUrl"])
	assert.Equal(t, "https://cdn.test/test/users/u1/results/background-remove/t1.png?sig=test", out.OutputData["resultUrl"])
	assert.Equal(t, "fal_ai", out.Usage.Provider)
	// the provider fetched the signed form of the private input
	require.Len(t, arts.fetched, 1)
	assert.Equal(t, []string{"https://fal.test/cut.png"}, arts.fetched)
	require.Len(t, rec.records, 1)
	assert.Equal(t, http.StatusOK, rec.records[0].StatusCode)
	assert.True(t, tc.ProviderReached)
	require.NotEmpty(t, progress)
	assert.Equal(t, 85, progress[len(progress)-1])
}

func TestBackgroundRemoveMissingImageURL(t *testing.T) {
	tc := testContext(SlugBackgroundRemove, `{}`, &artifactsStub{}, &credsStub{}, nil)
	_, err := BackgroundRemove(time.Second).Run(context.Background(), tc)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBackgroundRemoveNoAPIKey(t *testing.T) {
	creds := &credsStub{creds: map[string]domain.Credentials{"fal_ai": {}}}
	tc := testContext(SlugBackgroundRemove, `{"imageUrl":"x"}`, &artifactsStub{}, creds, nil)
	_, err := BackgroundRemove(time.Second).Run(context.Background(), tc)
	assert.ErrorIs(t, err, domain.ErrProviderNoAPIKey)
	assert.False(t, tc.ProviderReached, "credential failure happens before any provider call")
}

func TestBackgroundRemoveUnknownProvider(t *testing.T) {
	tc := testContext(SlugBackgroundRemove, `{"imageUrl":"x"}`, &artifactsStub{}, &credsStub{}, nil)
	_, err := BackgroundRemove(time.Second).Run(context.Background(), tc)
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
}

func TestTextToImageMultipleResults(t *testing.T) {
	srv := fakeFal(t, map[string]any{"images": []map[string]string{
		{"url": "https://fal.test/a.png"},
		{"url": "https://fal.test/b.png"},
	}})
	creds := &credsStub{creds: map[string]domain.Credentials{
		"fal_ai": {APIKey: "k", BaseURL: srv.URL},
	}}
	tc := testContext(SlugTextToImage, `{"prompt":"a red fox","numImages":2}`, &artifactsStub{}, creds, &recorderStub{})

	out, err := TextToImage(30*time.Second).Run(context.Background(), tc)
	require.NoError(t, err)

	// first image has no suffix, the second gets -1
	assert.Equal(t, "https://cdn.test/test/users/u1/results/text-to-image/t1.png", out.OutputData["unsignedResultUrl"])
	urls, ok := out.OutputData["unsignedResultUrls"].([]string)
	require.True(t, ok)
	require.Len(t, urls, 2)
	assert.Equal(t, "https://cdn.test/test/users/u1/results/text-to-image/t1-1.png", urls[1])
}

func TestPhotoTo3DUnknownStep(t *testing.T) {
	tc := testContext(SlugPhotoTo3D, `{"step":"paint","imageUrl":"x"}`, &artifactsStub{}, &credsStub{}, nil)
	_, err := PhotoTo3D(time.Second, time.Second).Run(context.Background(), tc)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestMergeParamsUserWins(t *testing.T) {
	step := domain.ToolStep{Params: map[string]any{"scale": 2, "seed": 7}}
	out := mergeParams(step, map[string]any{"scale": 4})
	assert.Equal(t, 4, out["scale"])
	assert.Equal(t, 7, out["seed"])
}

func TestImageOutputShapes(t *testing.T) {
	single := imageOutput([]string{"s"}, []string{"u"})
	assert.Equal(t, "s", single["resultUrl"])
	assert.Equal(t, "u", single["unsignedResultUrl"])
	assert.NotContains(t, single, "resultUrls")

	multi := imageOutput([]string{"s1", "s2"}, []string{"u1", "u2"})
	assert.Equal(t, "s1", multi["resultUrl"])
	assert.Equal(t, []string{"s1", "s2"}, multi["resultUrls"])
}

func TestFirstStepFallback(t *testing.T) {
	tc := &tool.Context{Config: domain.ToolConfig{Params: map[string]any{"scale": 2}}}
	step := firstStep(tc, "fal_ai")
	assert.Equal(t, "fal_ai", step.Provider)
	assert.Equal(t, 2, step.Params["scale"])

	tc.Config.Steps = []domain.ToolStep{{Name: "a", Provider: "tripo"}}
	assert.Equal(t, "tripo", firstStep(tc, "fal_ai").Provider)
}
