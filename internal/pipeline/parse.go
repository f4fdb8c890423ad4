package pipeline

import (
	"encoding/json"
	"strings"
)

// ParseEmbeddedJSON extracts the JSON object embedded in free-form model
// output. It takes the span from the first '{' to the last '}' and decodes
// it. Any failure yields an empty, non-nil map.
func ParseEmbeddedJSON(text string) map[string]any {
	out := map[string]any{}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return out
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// stringField returns m[key] if it is a non-empty string, else def.
func stringField(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

// stringSliceField returns the string elements of m[key], skipping anything
// that is not a non-empty string. Never nil.
func stringSliceField(m map[string]any, key string) []string {
	out := []string{}
	raw, ok := m[key].([]any)
	if !ok {
		return out
	}
	for _, v := range raw {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
