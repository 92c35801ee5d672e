package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"studio-backend/internal/graph"
)

// projectDirector assigns a task to each relevant specialist role and lays
// the selected roles out into dependency-ordered execution batches.
func (w *Workflow) projectDirector(ctx context.Context, s graph.State) (any, error) {
	prompt := requirementsContext(s) + "\n\nAvailable roles:\n" + w.rosterPrompt()
	if rationale := s.GetString(KeyPlanRevisionNotes); rationale != "" {
		prompt += "\nThe previous plan was sent back with this rationale:\n" + rationale + "\n"
	}

	var plan struct {
		Strategy string `json:"strategy"`
		Tasks    []struct {
			RoleID   string `json:"role_id"`
			Task     string `json:"task"`
			Priority int    `json:"priority"`
		} `json:"tasks"`
	}
	err := w.complete(ctx, "project_director", directorSystemPrompt, prompt, &plan)
	if err != nil {
		return nil, err
	}

	tasks := make(map[string]any)
	agents := make([]string, 0, len(plan.Tasks))
	var dropped []any
	for _, t := range plan.Tasks {
		if _, ok := w.catalog.Get(t.RoleID); !ok {
			dropped = append(dropped, fmt.Sprintf("director assigned unknown role %q", t.RoleID))
			continue
		}
		if _, dup := tasks[t.RoleID]; dup {
			continue
		}
		tasks[t.RoleID] = map[string]any{
			"task":     t.Task,
			"priority": t.Priority,
		}
		agents = append(agents, t.RoleID)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("project director produced no usable task assignments")
	}
	sort.Strings(agents)

	batches, err := PlanBatches(agents, w.catalog.Dependencies(agents))
	if err != nil {
		return nil, fmt.Errorf("plan batches: %w", err)
	}

	update := graph.State{
		KeyAnalysisStrategy: plan.Strategy,
		KeyAgentTasks:       tasks,
		KeyActiveAgents:     sliceToAny(agents),
		KeyExecutionBatches: batchesToState(batches),
		KeyCurrentBatch:     1,
		KeyTotalBatches:     len(batches),
		KeyCurrentStage:     StageStrategicAnalysis,
		KeyDetail:           fmt.Sprintf("director assigned %d specialists across %d batches", len(tasks), len(batches)),
		KeyUpdatedAt:        touch(),

		// A fresh plan supersedes any targeted rerun still recorded in the
		// state, such as when specialist challenges loop the session back
		// after a review-triggered rerun. Stale flags would make the batch
		// executor replay the old rerun roster and skip the new plan.
		KeyIsRerun:             false,
		KeySpecificAgentsToRun: []any{},
		KeyReviewFeedback:      map[string]any{},
		KeySkipRoleReview:      false,
		KeySkipTaskReview:      false,
		KeySkipSecondReview:    false,
	}
	if len(dropped) > 0 {
		update[KeyErrors] = dropped
	}
	return update, nil
}

func (w *Workflow) rosterPrompt() string {
	var b strings.Builder
	for _, id := range w.catalog.IDs() {
		role, _ := w.catalog.Get(id)
		fmt.Fprintf(&b, "- %s: %s (focus: %s)\n", role.ID, role.Name, role.Focus)
	}
	return b.String()
}

// roleTaskUnifiedReview pauses for the user to approve the director's plan.
// A rejection carries a rationale back to the director for a new plan.
func (w *Workflow) roleTaskUnifiedReview(ctx context.Context, s graph.State) (any, error) {
	if resp, ok := graph.ResumeMap(ctx); ok {
		record := graph.State{
			KeyInteractionHistory: []any{interactionRecord(InteractionRoleTaskReview, resp)},
			KeyUpdatedAt:          touch(),
		}
		action, _ := resp["action"].(string)
		if action == "modify" || action == "reject" {
			rationale, _ := resp["rationale"].(string)
			if rationale == "" {
				rationale = "the client asked for a different plan"
			}
			record[KeyPlanRevisionNotes] = rationale
			return &graph.Command{Update: record, Goto: NodeProjectDirector}, nil
		}
		record[KeyPlanRevisionNotes] = ""
		return &graph.Command{Update: record, Goto: NodeQualityPreflight}, nil
	}

	mode := w.executionMode(s)
	skip := mode == ModeAutomatic ||
		s.GetBool(KeySkipUnifiedReview) || s.GetBool(KeySkipRoleReview) ||
		s.GetBool(KeySkipTaskReview) || s.GetBool(KeyIsRerun)
	if skip {
		return &graph.Command{
			Update: graph.State{KeyUpdatedAt: touch()},
			Goto:   NodeQualityPreflight,
		}, nil
	}

	return nil, graph.Interrupt(graph.NewInteraction(
		InteractionRoleTaskReview,
		"Review the analysis plan before the specialists start.",
		map[string]any{
			"strategy": s.GetString(KeyAnalysisStrategy),
			"tasks":    s.GetMap(KeyAgentTasks),
			"batches":  s[KeyExecutionBatches],
		},
		map[string]string{
			"approve": "Run the plan as assigned",
			"modify":  "Send the plan back with change requests",
			"reject":  "Send the plan back to be redone",
		},
	))
}

// qualityPreflight injects per-agent quality constraints into the prompts of
// the upcoming executions.
func (w *Workflow) qualityPreflight(ctx context.Context, s graph.State) (any, error) {
	batches := executionBatches(s)
	if len(batches) == 0 {
		return nil, fmt.Errorf("no execution batches planned")
	}
	constraints := map[string]any{
		"min_confidence":  0.3,
		"require_json":    true,
		"max_batch_width": widestBatch(batches),
		"ground_in_brief": true,
	}
	return graph.State{
		KeyQualityConstraints: constraints,
		KeyCurrentStage:       StageParallelAnalysis,
		KeyDetail:             fmt.Sprintf("preflight passed for %d batches", len(batches)),
		KeyUpdatedAt:          touch(),
	}, nil
}

func widestBatch(batches [][]string) int {
	widest := 0
	for _, b := range batches {
		if len(b) > widest {
			widest = len(b)
		}
	}
	return widest
}

// taskFor renders one agent's assignment as prompt text.
func taskFor(s graph.State, roleID string) string {
	tasks := s.GetMap(KeyAgentTasks)
	entry, ok := tasks[roleID].(map[string]any)
	if !ok {
		return ""
	}
	task, _ := entry["task"].(string)
	return task
}

// reviewFeedbackFor returns the corrective feedback assigned to a role during
// a rerun, if any.
func reviewFeedbackFor(s graph.State, roleID string) string {
	feedback := s.GetMap(KeyReviewFeedback)
	if feedback == nil {
		return ""
	}
	switch v := feedback[roleID].(type) {
	case string:
		return v
	case map[string]any:
		if enc, err := json.Marshal(v); err == nil {
			return string(enc)
		}
	}
	return ""
}
