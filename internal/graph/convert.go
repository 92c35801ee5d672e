package graph

import (
	"encoding/json"
	"fmt"
)

func toAnyMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, true
	case map[string]any:
		return m, true
	case State:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func toAnySlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []int:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func toStringSlice(v any) []string {
	raw, ok := toAnySlice(v)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dedupeKey canonicalises a list element for duplicate suppression. Scalars
// key on their value; composites key on their JSON form.
func dedupeKey(v any) string {
	switch e := v.(type) {
	case string:
		return "s:" + e
	case int:
		return fmt.Sprintf("i:%d", e)
	case int64:
		return fmt.Sprintf("i:%d", e)
	case float64:
		return fmt.Sprintf("f:%v", e)
	case bool:
		return fmt.Sprintf("b:%v", e)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("x:%v", v)
		}
		return "j:" + string(data)
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
