package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// SchedulerCycleError reports a dependency cycle among the named agents.
type SchedulerCycleError struct {
	Members []string
}

func (e *SchedulerCycleError) Error() string {
	return fmt.Sprintf("dependency cycle among agents: %s", strings.Join(e.Members, ", "))
}

// PlanBatches layers the agent set into dependency-ordered parallel batches
// using Kahn's algorithm. Each emitted batch contains only agents whose
// dependencies all appear in earlier batches; agents with no dependencies
// land in batch 1. Batches are sorted internally so the plan is
// deterministic for identical input.
func PlanBatches(agents []string, deps map[string][]string) ([][]string, error) {
	if len(agents) == 0 {
		return nil, nil
	}

	inSet := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		inSet[id] = struct{}{}
	}

	// Unsatisfied dependency counts, restricted to the dispatched set.
	remaining := make(map[string]map[string]struct{}, len(agents))
	for _, id := range agents {
		pending := make(map[string]struct{})
		for _, dep := range deps[id] {
			if dep == id {
				continue
			}
			if _, ok := inSet[dep]; ok {
				pending[dep] = struct{}{}
			}
		}
		remaining[id] = pending
	}

	var batches [][]string
	placed := make(map[string]struct{}, len(agents))
	for len(placed) < len(agents) {
		var ready []string
		for _, id := range agents {
			if _, done := placed[id]; done {
				continue
			}
			if len(remaining[id]) == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			var cycle []string
			for _, id := range agents {
				if _, done := placed[id]; !done {
					cycle = append(cycle, id)
				}
			}
			sort.Strings(cycle)
			return nil, &SchedulerCycleError{Members: cycle}
		}
		sort.Strings(ready)
		batches = append(batches, ready)
		for _, id := range ready {
			placed[id] = struct{}{}
			for _, pending := range remaining {
				delete(pending, id)
			}
		}
	}
	return batches, nil
}
