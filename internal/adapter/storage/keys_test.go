package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeFor("png", nil))
	assert.Equal(t, "image/png", ContentTypeFor(".PNG", nil))
	assert.Equal(t, "model/gltf-binary", ContentTypeFor("glb", nil))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("weird", nil))

	// unknown extension falls back to sniffing
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	assert.Equal(t, "image/png", ContentTypeFor("bin", png))
}

func TestExtFromURL(t *testing.T) {
	assert.Equal(t, "png", ExtFromURL("https://x.test/a/b.png"))
	assert.Equal(t, "glb", ExtFromURL("https://x.test/a/model.GLB?X-Sig=abc"))
	// no extension defaults to png
	assert.Equal(t, "png", ExtFromURL("https://x.test/a/noext"))
}
