package workflow

import (
	"context"
	"fmt"
	"time"

	"studio-backend/internal/graph"
	"studio-backend/internal/shared/metrics"
	"studio-backend/internal/shared/telemetry"
)

// batchExecutor establishes the batch about to run. On a rerun it builds an
// ad-hoc batch from the flagged specialists instead of consulting the plan.
// The conditional edge fans each agent out to agentExecutor in parallel.
func (w *Workflow) batchExecutor(ctx context.Context, s graph.State) (any, error) {
	var batch []string
	if s.GetBool(KeyIsRerun) {
		batch = s.GetStringSlice(KeySpecificAgentsToRun)
	}
	if len(batch) == 0 {
		batches := executionBatches(s)
		idx := s.GetInt(KeyCurrentBatch)
		if idx < 1 || idx > len(batches) {
			return nil, fmt.Errorf("batch index %d out of range (%d batches)", idx, len(batches))
		}
		batch = batches[idx-1]
	}

	return graph.State{
		KeyCurrentBatchAgents: sliceToAny(batch),
		KeyActiveAgents:       sliceToAny(batch),
		KeyCurrentStage:       StageBatchExecution,
		KeyDetail:             fmt.Sprintf("executing batch %d/%d", s.GetInt(KeyCurrentBatch), s.GetInt(KeyTotalBatches)),
		KeyUpdatedAt:          touch(),
	}, nil
}

// dispatchBatch fans the current batch out to one agentExecutor invocation
// per role.
func (w *Workflow) dispatchBatch(ctx context.Context, s graph.State) (graph.Next, error) {
	batch := s.GetStringSlice(KeyCurrentBatchAgents)
	if len(batch) == 0 {
		return graph.Next{Target: NodeBatchAggregator}, nil
	}
	sends := make([]graph.Send, 0, len(batch))
	for _, roleID := range batch {
		sends = append(sends, graph.Send{
			Node:  NodeAgentExecutor,
			Patch: graph.State{KeyCurrentAgentRole: roleID},
		})
	}
	return graph.Next{Sends: sends}, nil
}

// agentExecutor runs one specialist against its assigned task. Failures are
// recorded as a result with an error, never returned, so one agent cannot
// abort its batch.
func (w *Workflow) agentExecutor(ctx context.Context, s graph.State) (any, error) {
	roleID := s.GetString(KeyCurrentAgentRole)
	role, ok := w.catalog.Get(roleID)
	if !ok {
		return agentFailurePatch(AgentResult{RoleID: roleID, Error: "unknown role"}), nil
	}

	prompt := requirementsContext(s)
	if task := taskFor(s, roleID); task != "" {
		prompt += "\n\nYour task:\n" + task
	}
	if constraints := s.GetMap(KeyQualityConstraints); len(constraints) != 0 {
		prompt += fmt.Sprintf("\n\nQuality constraints: %v", constraints)
	}
	if deps := completedDependencies(w.catalog, s, roleID); deps != "" {
		prompt += "\n\nUpstream specialist findings:\n" + deps
	}
	if feedback := reviewFeedbackFor(s, roleID); feedback != "" {
		prompt += "\n\nReview feedback to address in this revision:\n" + feedback
	}

	started := time.Now()
	var out struct {
		Analysis       string         `json:"analysis"`
		StructuredData map[string]any `json:"structured_data"`
		Confidence     float64        `json:"confidence"`
	}
	err := w.complete(ctx, "agent:"+roleID,
		fmt.Sprintf(agentSystemPromptTemplate, role.Name, role.Focus), prompt, &out)
	metrics.ObserveAgentDurationMs(float64(time.Since(started).Milliseconds()))

	if err != nil {
		metrics.IncAgentFailure()
		telemetry.Warn("agent execution failed", map[string]any{
			"session_id": s.GetString(KeySessionID),
			"role_id":    roleID,
			"error":      err.Error(),
		})
		return agentFailurePatch(AgentResult{
			RoleID:   roleID,
			RoleName: role.Name,
			Error:    err.Error(),
		}), nil
	}

	metrics.IncAgentExecution()
	result := AgentResult{
		RoleID:         roleID,
		RoleName:       role.Name,
		Analysis:       out.Analysis,
		StructuredData: out.StructuredData,
		Confidence:     out.Confidence,
	}
	if w.onAgentResult != nil {
		w.onAgentResult(s.GetString(KeySessionID), result)
	}
	return graph.State{
		KeyAgentResults:    map[string]any{roleID: result.AsMap()},
		KeyCompletedAgents: []any{roleID},
		KeyUpdatedAt:       touch(),
	}, nil
}

func agentFailurePatch(result AgentResult) graph.State {
	return graph.State{
		KeyAgentResults: map[string]any{result.RoleID: result.AsMap()},
		KeyFailedAgents: []any{result.RoleID},
		KeyErrors:       []any{fmt.Sprintf("agent %s failed: %s", result.RoleID, result.Error)},
		KeyUpdatedAt:    touch(),
	}
}

// completedDependencies renders the finished upstream analyses a role depends
// on, so later batches build on earlier ones.
func completedDependencies(catalog *Catalog, s graph.State, roleID string) string {
	role, ok := catalog.Get(roleID)
	if !ok {
		return ""
	}
	results := s.GetMap(KeyAgentResults)
	rendered := ""
	for _, dep := range role.DependsOn {
		res, ok := AgentResultFrom(results[dep])
		if !ok || res.Error != "" {
			continue
		}
		rendered += fmt.Sprintf("[%s]\n%s\n\n", res.RoleName, res.Analysis)
	}
	return rendered
}

// batchAggregator verifies every agent in the batch has a result, then
// records the batch as completed.
func (w *Workflow) batchAggregator(ctx context.Context, s graph.State) (any, error) {
	batch := s.GetStringSlice(KeyCurrentBatchAgents)
	done := make(map[string]struct{})
	for _, id := range s.GetStringSlice(KeyCompletedAgents) {
		done[id] = struct{}{}
	}
	for _, id := range s.GetStringSlice(KeyFailedAgents) {
		done[id] = struct{}{}
	}
	var missing []string
	for _, id := range batch {
		if _, ok := done[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("batch %d incomplete, missing results for %v", s.GetInt(KeyCurrentBatch), missing)
	}

	return graph.State{
		KeyCompletedBatches: []any{s.GetInt(KeyCurrentBatch)},
		KeyDetail:           fmt.Sprintf("batch %d/%d complete", s.GetInt(KeyCurrentBatch), s.GetInt(KeyTotalBatches)),
		KeyUpdatedAt:        touch(),
	}, nil
}

// batchRouter routes after each batch: reruns go straight to review or
// challenge detection, unfinished plans advance the cursor through the
// strategy gate, finished plans move to review.
func (w *Workflow) batchRouter(ctx context.Context, s graph.State) (any, error) {
	if s.GetBool(KeyIsRerun) {
		if s.GetBool(KeySkipSecondReview) {
			return &graph.Command{
				Update: graph.State{KeyUpdatedAt: touch()},
				Goto:   NodeDetectChallenges,
			}, nil
		}
		return &graph.Command{
			Update: graph.State{
				KeyCurrentStage: StageAnalysisReview,
				KeyUpdatedAt:    touch(),
			},
			Goto: NodeAnalysisReview,
		}, nil
	}
	if s.GetInt(KeyCurrentBatch) < s.GetInt(KeyTotalBatches) {
		return &graph.Command{
			Update: graph.State{
				KeyCurrentBatch: s.GetInt(KeyCurrentBatch) + 1,
				KeyUpdatedAt:    touch(),
			},
			Goto: NodeBatchStrategyReview,
		}, nil
	}
	return &graph.Command{
		Update: graph.State{
			KeyCurrentStage: StageAnalysisReview,
			KeyDetail:       "all batches complete",
			KeyUpdatedAt:    touch(),
		},
		Goto: NodeAnalysisReview,
	}, nil
}

// batchStrategyReview gates the next batch. Automatic and preview modes
// approve silently; manual mode pauses so the user can continue, skip to
// review with the results so far, or drop agents from the remaining batches.
func (w *Workflow) batchStrategyReview(ctx context.Context, s graph.State) (any, error) {
	if resp, ok := graph.ResumeMap(ctx); ok {
		record := graph.State{
			KeyInteractionHistory: []any{interactionRecord(InteractionBatchConfirmation, resp)},
			KeyUpdatedAt:          touch(),
		}
		action, _ := resp["action"].(string)
		switch action {
		case "skip":
			record[KeyCurrentStage] = StageAnalysisReview
			record[KeyDetail] = "remaining batches skipped by user"
			record[KeyReportWarnings] = []any{"analysis stopped early: remaining batches skipped by user"}
			return &graph.Command{Update: record, Goto: NodeAnalysisReview}, nil
		case "modify":
			if dropped := toStringList(resp["drop_agents"]); len(dropped) > 0 {
				pruned := dropFromBatches(executionBatches(s), s.GetInt(KeyCurrentBatch), dropped)
				record[KeyExecutionBatches] = batchesToState(pruned)
				record[KeyTotalBatches] = len(pruned)
				if s.GetInt(KeyCurrentBatch) > len(pruned) {
					record[KeyCurrentStage] = StageAnalysisReview
					record[KeyDetail] = "remaining batches emptied by user"
					return &graph.Command{Update: record, Goto: NodeAnalysisReview}, nil
				}
			}
		}
		return &graph.Command{Update: record, Goto: NodeBatchExecutor}, nil
	}

	if mode := w.executionMode(s); mode == ModeAutomatic || mode == ModePreview {
		return &graph.Command{
			Update: graph.State{KeyUpdatedAt: touch()},
			Goto:   NodeBatchExecutor,
		}, nil
	}

	batches := executionBatches(s)
	idx := s.GetInt(KeyCurrentBatch)
	var upcoming []string
	if idx >= 1 && idx <= len(batches) {
		upcoming = batches[idx-1]
	}
	return nil, graph.Interrupt(graph.NewInteraction(
		InteractionBatchConfirmation,
		fmt.Sprintf("Batch %d of %d is ready to run.", idx, s.GetInt(KeyTotalBatches)),
		map[string]any{
			"next_batch":     upcoming,
			"results_so_far": s.GetMap(KeyAgentResults),
			"progress":       Progress(s),
		},
		map[string]string{
			"approve": "Run the next batch",
			"modify":  "Drop specific agents from the remaining batches",
			"skip":    "Stop here and review the results so far",
		},
	))
}

// dropFromBatches removes the named agents from batches at or after the
// 1-based cursor, pruning batches that become empty.
func dropFromBatches(batches [][]string, from int, dropped []string) [][]string {
	drop := make(map[string]struct{}, len(dropped))
	for _, id := range dropped {
		drop[id] = struct{}{}
	}
	out := make([][]string, 0, len(batches))
	for i, batch := range batches {
		if i+1 < from {
			out = append(out, batch)
			continue
		}
		kept := make([]string, 0, len(batch))
		for _, id := range batch {
			if _, ok := drop[id]; !ok {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func toStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
