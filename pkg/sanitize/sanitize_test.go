package sanitize_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-tool-platform/pkg/sanitize"
)

func TestJSON_ElidesLargeBase64(t *testing.T) {
	blob := strings.Repeat("QUJDRA==", 200) // ~1.6 KB of base64
	in, err := json.Marshal(map[string]any{
		"image":  "data:image/png;base64," + blob,
		"prompt": "make it pop",
	})
	require.NoError(t, err)

	out := sanitize.JSON(in)
	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "[elided base64]", m["image"])
	assert.Equal(t, "make it pop", m["prompt"])
}

func TestJSON_KeepsLongProse(t *testing.T) {
	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 40)
	in, _ := json.Marshal(map[string]any{"text": long})
	out := sanitize.JSON(in)
	var m map[string]string
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, long, m["text"])
}

func TestJSON_NestedAndInvalid(t *testing.T) {
	blob := strings.Repeat("YWJj", 400)
	in, _ := json.Marshal(map[string]any{"steps": []any{map[string]any{"payload": blob}}})
	out := sanitize.JSON(in)
	assert.NotContains(t, string(out), blob)

	// Invalid JSON passes through untouched.
	raw := json.RawMessage("not json")
	assert.Equal(t, raw, sanitize.JSON(raw))
	assert.Empty(t, sanitize.JSON(nil))
}
