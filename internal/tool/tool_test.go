package tool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

func TestMapRange(t *testing.T) {
	assert.Equal(t, 5, MapRange(0, 5, 80))
	assert.Equal(t, 80, MapRange(100, 5, 80))
	assert.Equal(t, 42, MapRange(50, 10, 75)) // 10 + 65*50/100
	assert.Equal(t, 5, MapRange(-10, 5, 80))
	assert.Equal(t, 80, MapRange(250, 5, 80))
}

func TestBindParams(t *testing.T) {
	tc := &Context{InputParams: json.RawMessage(`{"imageUrl":"https://cdn.test/a.png"}`)}
	var p struct {
		ImageURL string `json:"imageUrl"`
	}
	require.NoError(t, tc.BindParams(&p))
	assert.Equal(t, "https://cdn.test/a.png", p.ImageURL)

	tc.InputParams = json.RawMessage(`{broken`)
	assert.ErrorIs(t, tc.BindParams(&p), domain.ErrInvalidArgument)
}

func TestArtifactRef(t *testing.T) {
	tc := &Context{
		TaskID: "t1", OwnerKind: domain.OwnerWeb, OwnerID: "u1",
		ToolSlug: "upscale", Env: "prod",
	}
	ref := tc.ArtifactRef("png", 0)
	assert.Equal(t, "prod/users/u1/results/upscale/t1.png", ref.Key())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("upscale")
	assert.False(t, ok)

	r.Register("upscale", Handler{Kind: Single})
	r.Register("photo-to-3d", Handler{Kind: Multi})

	h, ok := r.Lookup("photo-to-3d")
	require.True(t, ok)
	assert.Equal(t, Multi, h.Kind)
	assert.Equal(t, []string{"photo-to-3d", "upscale"}, r.Slugs())
}

func TestMissingHandlers(t *testing.T) {
	r := NewRegistry()
	r.Register("upscale", Handler{})

	missing := r.MissingHandlers([]domain.Tool{
		{Slug: "upscale", Active: true},
		{Slug: "text-to-image", Active: true},
		{Slug: "retired", Active: false},
	})
	assert.Equal(t, []string{"text-to-image"}, missing)
}
