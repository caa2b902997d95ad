package domain

import (
	"fmt"
	"strings"
)

// ArtifactRef identifies one persisted task output. The storage key is a pure
// function of its fields and is never rewritten.
type ArtifactRef struct {
	Env       string
	OwnerKind OwnerKind
	OwnerID   string
	ToolSlug  string
	TaskID    string
	Ext       string
	// Suffix disambiguates multi-image outputs; 0 means no suffix.
	Suffix int
}

// Key derives the object-storage key:
// {env}/{users|admins}/{ownerId}/results/{toolSlug}/{taskId}[-{n}].{ext}
func (r ArtifactRef) Key() string {
	ext := strings.TrimPrefix(r.Ext, ".")
	name := r.TaskID
	if r.Suffix > 0 {
		name = fmt.Sprintf("%s-%d", r.TaskID, r.Suffix)
	}
	return fmt.Sprintf("%s/%s/%s/results/%s/%s.%s",
		r.Env, r.OwnerKind.PathSegment(), r.OwnerID, r.ToolSlug, name, ext)
}
