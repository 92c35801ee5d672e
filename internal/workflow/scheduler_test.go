package workflow

import (
	"errors"
	"reflect"
	"testing"
)

func TestPlanBatchesLayersDependencies(t *testing.T) {
	catalog := DefaultCatalog()
	agents := []string{
		"V1_space_planner_1-1",
		"V2_style_director_2-1",
		"V3_budget_controller_3-1",
		"V4_designer_4-1",
		"V5_lighting_designer_5-1",
	}
	batches, err := PlanBatches(agents, catalog.Dependencies(agents))
	if err != nil {
		t.Fatalf("PlanBatches: %v", err)
	}
	want := [][]string{
		{"V1_space_planner_1-1", "V2_style_director_2-1"},
		{"V3_budget_controller_3-1", "V4_designer_4-1"},
		{"V5_lighting_designer_5-1"},
	}
	if !reflect.DeepEqual(batches, want) {
		t.Fatalf("batches = %v, want %v", batches, want)
	}
}

func TestPlanBatchesIgnoresDepsOutsideSelection(t *testing.T) {
	catalog := DefaultCatalog()
	// V5 depends on V4, which is not selected, so V5 lands in batch 1.
	agents := []string{"V5_lighting_designer_5-1"}
	batches, err := PlanBatches(agents, catalog.Dependencies(agents))
	if err != nil {
		t.Fatalf("PlanBatches: %v", err)
	}
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("batches = %v, want single singleton batch", batches)
	}
}

func TestPlanBatchesDetectsCycles(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	_, err := PlanBatches([]string{"a", "b"}, deps)
	var cycleErr *SchedulerCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want SchedulerCycleError", err)
	}
	if !reflect.DeepEqual(cycleErr.Members, []string{"a", "b"}) {
		t.Fatalf("cycle members = %v", cycleErr.Members)
	}
}

func TestPlanBatchesDeterministicOrder(t *testing.T) {
	catalog := DefaultCatalog()
	agents := []string{"V2_style_director_2-1", "V1_space_planner_1-1", "V7_compliance_reviewer_7-1"}
	first, err := PlanBatches(agents, catalog.Dependencies(agents))
	if err != nil {
		t.Fatalf("PlanBatches: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := PlanBatches(agents, catalog.Dependencies(agents))
		if err != nil {
			t.Fatalf("PlanBatches: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("plan not deterministic: %v vs %v", first, again)
		}
	}
}
