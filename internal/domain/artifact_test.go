package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactRefKey(t *testing.T) {
	ref := ArtifactRef{
		Env:       "prod",
		OwnerKind: OwnerWeb,
		OwnerID:   "user-42",
		ToolSlug:  "upscale",
		TaskID:    "01J0TASK",
		Ext:       "png",
	}
	assert.Equal(t, "prod/users/user-42/results/upscale/01J0TASK.png", ref.Key())

	ref.Suffix = 2
	assert.Equal(t, "prod/users/user-42/results/upscale/01J0TASK-2.png", ref.Key())

	ref.OwnerKind = OwnerAdmin
	ref.Suffix = 0
	ref.Ext = ".glb"
	assert.Equal(t, "prod/admins/user-42/results/upscale/01J0TASK.glb", ref.Key())
}
