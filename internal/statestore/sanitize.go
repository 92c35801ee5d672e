package statestore

import (
	"encoding/json"
	"fmt"
)

// Sanitize strips values that cannot survive a JSON round-trip, replacing
// them with string surrogates. Runtime control values (channels, functions,
// open handles) must never leak into persisted state.
func Sanitize(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, json.Number:
		return typed
	case map[string]any:
		return Sanitize(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		return typed
	default:
		if _, err := json.Marshal(v); err == nil {
			return v
		}
		return fmt.Sprintf("<unserialisable %T>", v)
	}
}
