package graph

import (
	"reflect"
	"testing"
)

func TestTakeLast(t *testing.T) {
	if got := TakeLast("a", "b"); got != "b" {
		t.Fatalf("TakeLast = %v, want b", got)
	}
	if got := TakeLast("a", nil); got != "a" {
		t.Fatalf("TakeLast nil incoming = %v, want a", got)
	}
	if got := TakeLast(nil, nil); got != nil {
		t.Fatalf("TakeLast nil both = %v, want nil", got)
	}
}

func TestTakeMaxTimestamp(t *testing.T) {
	early := "2026-01-01T00:00:00Z"
	late := "2026-06-01T00:00:00Z"

	if got := TakeMaxTimestamp(early, late); got != late {
		t.Fatalf("max(%s,%s) = %v, want %s", early, late, got, late)
	}
	if got := TakeMaxTimestamp(late, early); got != late {
		t.Fatalf("max(%s,%s) = %v, want %s", late, early, got, late)
	}
	// Idempotent on equal values.
	if got := TakeMaxTimestamp(late, late); got != late {
		t.Fatalf("max(x,x) = %v, want %s", got, late)
	}
	// Unparseable defaults to the incoming side.
	if got := TakeMaxTimestamp("not-a-time", early); got != early {
		t.Fatalf("unparseable left = %v, want %s", got, early)
	}
	if got := TakeMaxTimestamp(early, "not-a-time"); got != "not-a-time" {
		t.Fatalf("unparseable right = %v, want it kept", got)
	}
}

func TestMergeMaps(t *testing.T) {
	left := map[string]any{"a": 1, "b": 2}
	right := map[string]any{"b": 3, "c": 4}

	got, ok := MergeMaps(left, right).(map[string]any)
	if !ok {
		t.Fatalf("MergeMaps returned %T, want map", got)
	}
	want := map[string]any{"a": 1, "b": 3, "c": 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MergeMaps = %v, want %v", got, want)
	}

	// Originals untouched.
	if left["b"] != 2 {
		t.Fatalf("MergeMaps mutated left operand")
	}
}

func TestMergeMapsTypeMismatchIgnored(t *testing.T) {
	left := map[string]any{"a": 1}
	got := MergeMaps(left, []any{"not", "a", "map"})
	if !reflect.DeepEqual(got, left) {
		t.Fatalf("mismatched incoming should be ignored, got %v", got)
	}
}

func TestMergeListsUnion(t *testing.T) {
	got := MergeLists([]any{"a", "b"}, []any{"b", "c"})
	want := []any{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MergeLists = %v, want %v", got, want)
	}
}

func TestMergeListsIdempotent(t *testing.T) {
	in := []any{"a", "b"}
	got := MergeLists(in, in)
	if !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Fatalf("MergeLists(x,x) = %v, want %v", got, in)
	}
}

func TestMergeListsOrderInsensitiveMultiset(t *testing.T) {
	a := []any{"x", "y"}
	b := []any{"z"}
	ab := MergeLists(a, b).([]any)
	ba := MergeLists(b, a).([]any)
	if len(ab) != len(ba) {
		t.Fatalf("multiset sizes differ: %v vs %v", ab, ba)
	}
	count := func(s []any) map[any]int {
		m := make(map[any]int)
		for _, v := range s {
			m[v]++
		}
		return m
	}
	if !reflect.DeepEqual(count(ab), count(ba)) {
		t.Fatalf("multisets differ: %v vs %v", ab, ba)
	}
}

func TestMergeListsAcceptsStringSlices(t *testing.T) {
	got := MergeLists([]string{"a"}, []string{"a", "b"})
	want := []any{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("MergeLists string slices = %v, want %v", got, want)
	}
}

func TestMergeListsDedupesComposites(t *testing.T) {
	turn := map[string]any{"question": "q", "answer": "a"}
	got := MergeLists([]any{turn}, []any{turn, map[string]any{"question": "q2"}}).([]any)
	if len(got) != 2 {
		t.Fatalf("composite dedupe failed, got %v", got)
	}
}

func TestSchemaApply(t *testing.T) {
	sc := NewSchema()
	sc.Register("tags", MergeLists)
	sc.Register("meta", MergeMaps)

	base := State{"tags": []any{"a"}, "meta": map[string]any{"k": 1}, "detail": "old"}
	patch := State{"tags": []any{"b"}, "meta": map[string]any{"j": 2}, "detail": "new"}

	merged := sc.Apply(base, patch)

	if !reflect.DeepEqual(merged["tags"], []any{"a", "b"}) {
		t.Fatalf("tags = %v", merged["tags"])
	}
	if !reflect.DeepEqual(merged["meta"], map[string]any{"k": 1, "j": 2}) {
		t.Fatalf("meta = %v", merged["meta"])
	}
	if merged["detail"] != "new" {
		t.Fatalf("detail = %v, want new (take-last default)", merged["detail"])
	}
	// Base untouched.
	if base["detail"] != "old" {
		t.Fatalf("Apply mutated base state")
	}
}

func TestStateAccessors(t *testing.T) {
	s := State{
		"name":  "sess",
		"count": float64(3),
		"flag":  true,
		"ids":   []any{"a", "b"},
		"m":     map[string]any{"k": "v"},
	}
	if s.GetString("name") != "sess" {
		t.Fatalf("GetString failed")
	}
	if s.GetInt("count") != 3 {
		t.Fatalf("GetInt failed on float64")
	}
	if !s.GetBool("flag") {
		t.Fatalf("GetBool failed")
	}
	if got := s.GetStringSlice("ids"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("GetStringSlice = %v", got)
	}
	if s.GetMap("m")["k"] != "v" {
		t.Fatalf("GetMap failed")
	}
	if s.GetString("missing") != "" || s.GetInt("missing") != 0 || s.GetBool("missing") {
		t.Fatalf("missing keys should zero-value")
	}
}
