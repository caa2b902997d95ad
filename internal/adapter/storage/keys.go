// Package storage places task artifacts in private object storage and signs
// CDN URLs at the edge.
package storage

import (
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// contentTypes maps the artifact extensions the tool mix produces. Unknown
// extensions fall back to content sniffing.
var contentTypes = map[string]string{
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"webp": "image/webp",
	"gif":  "image/gif",
	"glb":  "model/gltf-binary",
	"gltf": "model/gltf+json",
	"obj":  "text/plain",
	"mp4":  "video/mp4",
	"json": "application/json",
}

// ContentTypeFor resolves a content type from the extension, sniffing the body
// when the extension is unknown.
func ContentTypeFor(ext string, body []byte) string {
	if ct, ok := contentTypes[strings.TrimPrefix(strings.ToLower(ext), ".")]; ok {
		return ct
	}
	if len(body) > 0 {
		return mimetype.Detect(body).String()
	}
	return "application/octet-stream"
}

// ExtFromURL extracts a usable extension from a source URL, defaulting to png.
func ExtFromURL(rawURL string) string {
	ext := strings.TrimPrefix(path.Ext(strings.SplitN(rawURL, "?", 2)[0]), ".")
	if ext == "" {
		return "png"
	}
	return strings.ToLower(ext)
}
