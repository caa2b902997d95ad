// Package sanitize trims provider payloads before they are ledgered.
package sanitize

import (
	"encoding/json"
	"regexp"
)

// maxInlineLen is the size above which a base64-looking string is elided so
// ledger rows stay bounded.
const maxInlineLen = 1024

const elided = "[elided base64]"

// base64ish matches long runs of base64 alphabet, optionally with a data-URL
// prefix. Detection is heuristic on purpose: false positives only shorten a
// ledger row, never a live payload.
var base64ish = regexp.MustCompile(`^(data:[\w/+.-]+;base64,)?[A-Za-z0-9+/=\r\n]+$`)

// JSON walks a JSON document and replaces string values longer than 1 KB that
// look like base64 with a short marker. Invalid JSON is returned unchanged.
func JSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	v = walk(v)
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = walk(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = walk(e)
		}
		return t
	case string:
		if len(t) > maxInlineLen && base64ish.MatchString(t) {
			return elided
		}
		return t
	default:
		return v
	}
}
