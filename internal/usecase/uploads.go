package usecase

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-tool-platform/internal/domain"
)

// allowedUploadExts bounds what clients may stage as tool inputs.
var allowedUploadExts = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "webp": true, "gif": true,
}

// UploadService issues presigned PUT URLs for staging tool inputs in the
// owner's private bucket.
type UploadService struct {
	artifacts domain.ArtifactStore
	ttl       time.Duration
}

// NewUpload builds the upload service.
func NewUpload(artifacts domain.ArtifactStore, ttl time.Duration) *UploadService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &UploadService{artifacts: artifacts, ttl: ttl}
}

// Presign validates the filename and returns (uploadURL, objectURL).
// objectURL is the unsigned CDN URL the client passes back as imageUrl.
func (s *UploadService) Presign(ctx domain.Context, kind domain.OwnerKind, ownerID, filename string) (string, string, error) {
	if !kind.Valid() {
		return "", "", fmt.Errorf("op=upload.presign: %w: owner kind %q", domain.ErrInvalidArgument, kind)
	}
	if ownerID == "" || filename == "" {
		return "", "", fmt.Errorf("op=upload.presign: %w: owner id and filename are required", domain.ErrInvalidArgument)
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
	if !allowedUploadExts[ext] {
		return "", "", fmt.Errorf("op=upload.presign: %w: extension %q not allowed", domain.ErrInvalidArgument, ext)
	}
	uploadURL, objectURL, err := s.artifacts.PresignUpload(ctx, kind, ownerID, filename, s.ttl)
	if err != nil {
		return "", "", fmt.Errorf("op=upload.presign: %w", err)
	}
	return uploadURL, objectURL, nil
}
