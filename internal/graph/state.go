package graph

import (
	"time"

	"studio-backend/internal/shared/telemetry"
)

// State is the single shared workflow state. Nodes receive it read-only and
// return partial patches; the engine is the only writer.
type State map[string]any

// Clone returns a top-level copy of the state. Values are shared; nodes must
// not mutate nested values in place.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// GetString returns the string stored under key, or "" when absent or not a string.
func (s State) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// GetBool returns the bool stored under key, or false when absent or not a bool.
func (s State) GetBool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}

// GetInt returns the int stored under key, accepting JSON float64 values.
func (s State) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// GetMap returns the map stored under key, or nil.
func (s State) GetMap(key string) map[string]any {
	if v, ok := s[key].(map[string]any); ok {
		return v
	}
	return nil
}

// GetStringSlice returns the value under key coerced to a string slice.
func (s State) GetStringSlice(key string) []string {
	return toStringSlice(s[key])
}

// Reducer merges an incoming partial value into the existing value for one field.
type Reducer func(existing, incoming any) any

// Schema maps state fields to their reducers. Fields without a registered
// reducer merge with TakeLast.
type Schema struct {
	reducers map[string]Reducer
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{reducers: make(map[string]Reducer)}
}

// Register binds a reducer to a field.
func (sc *Schema) Register(field string, r Reducer) {
	sc.reducers[field] = r
}

// Apply merges patch into base field by field using the registered reducers
// and returns the merged state. The base state is not modified.
func (sc *Schema) Apply(base State, patch State) State {
	if len(patch) == 0 {
		return base
	}
	merged := base.Clone()
	for field, incoming := range patch {
		reducer := sc.reducers[field]
		if reducer == nil {
			reducer = TakeLast
		}
		merged[field] = reducer(base[field], incoming)
	}
	return merged
}

// TakeLast keeps the incoming value, preferring non-nil.
func TakeLast(existing, incoming any) any {
	if incoming == nil {
		return existing
	}
	return incoming
}

// TakeMaxTimestamp keeps the later of two ISO-8601 timestamps. Unparseable
// values default to the incoming side.
func TakeMaxTimestamp(existing, incoming any) any {
	left, lok := existing.(string)
	right, rok := incoming.(string)
	if !rok {
		if !lok {
			return incoming
		}
		return existing
	}
	if !lok {
		return right
	}
	lt, lerr := time.Parse(time.RFC3339, left)
	rt, rerr := time.Parse(time.RFC3339, right)
	if lerr != nil || rerr != nil {
		return right
	}
	if lt.After(rt) {
		return left
	}
	return right
}

// MergeMaps shallow-merges two maps; incoming keys win. A non-map incoming
// value is ignored with a warning so one bad patch cannot poison the field.
func MergeMaps(existing, incoming any) any {
	if incoming == nil {
		return existing
	}
	right, ok := toAnyMap(incoming)
	if !ok {
		telemetry.Warn("reducer.type_mismatch", map[string]any{
			"reducer": "merge_maps",
			"got":     typeName(incoming),
		})
		return existing
	}
	left, _ := toAnyMap(existing)
	out := make(map[string]any, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

// MergeLists concatenates two lists preserving order and suppressing
// duplicates. A non-list incoming value is ignored with a warning.
func MergeLists(existing, incoming any) any {
	if incoming == nil {
		return existing
	}
	right, ok := toAnySlice(incoming)
	if !ok {
		telemetry.Warn("reducer.type_mismatch", map[string]any{
			"reducer": "merge_lists",
			"got":     typeName(incoming),
		})
		return existing
	}
	left, _ := toAnySlice(existing)
	out := make([]any, 0, len(left)+len(right))
	seen := make(map[string]struct{}, len(left)+len(right))
	for _, v := range append(left, right...) {
		key := dedupeKey(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
