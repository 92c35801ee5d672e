package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"studio-backend/internal/graph"
	"studio-backend/internal/shared/telemetry"
)

// analysisReview runs the review protocol and decides whether to iterate.
// At most one targeted rerun: on the first pass, accepted must-fix issues
// send the implicated specialists back to the batch executor; afterwards the
// result moves on to challenge detection. A review outage degrades to a
// "no review performed" outcome with a report warning.
func (w *Workflow) analysisReview(ctx context.Context, s graph.State) (any, error) {
	if s.GetBool(KeySkipSecondReview) && s.GetBool(KeyIsRerun) {
		// Reruns with the skip flag never reach this node via the router;
		// guard anyway so a manual re-entry cannot re-review.
		return &graph.Command{Update: graph.State{KeyUpdatedAt: touch()}, Goto: NodeDetectChallenges}, nil
	}

	outcome, err := w.runReview(ctx, s)
	if err != nil {
		telemetry.Warn("analysis review failed", map[string]any{
			"session_id": s.GetString(KeySessionID),
			"error":      err.Error(),
		})
		return &graph.Command{
			Update: graph.State{
				KeyReviewResult:     map[string]any{"final_ruling": "no review performed"},
				KeyReviewHistory:    []any{map[string]any{"round": s.GetInt(KeyReviewIterationRound), "error": err.Error()}},
				KeyReportWarnings:   []any{"quality review unavailable: no review performed"},
				KeyAnalysisApproved: true,
				KeyCurrentStage:     StageAnalysisReview,
				KeyUpdatedAt:        touch(),
			},
			Goto: NodeDetectChallenges,
		}, nil
	}

	update := graph.State{
		KeyReviewResult:           outcome.AsMap(),
		KeyImprovementSuggestions: improvementsToState(outcome.ImprovementSuggestions),
		KeyReviewHistory: []any{map[string]any{
			"round":        s.GetInt(KeyReviewIterationRound),
			"issues":       len(outcome.Issues),
			"must_fix":     len(outcome.MustFix()),
			"final_ruling": outcome.FinalRuling,
		}},
		KeyCurrentStage: StageAnalysisReview,
		KeyUpdatedAt:    touch(),
	}

	mustFix := outcome.MustFix()
	round := s.GetInt(KeyReviewIterationRound)
	agents := ImplicatedAgents(mustFix)

	if len(mustFix) > 0 && round == 0 && len(agents) > 0 {
		update[KeyIsRerun] = true
		update[KeySpecificAgentsToRun] = sliceToAny(agents)
		update[KeyReviewFeedback] = FeedbackByAgent(mustFix)
		update[KeyReviewIterationRound] = 1
		update[KeySkipRoleReview] = true
		update[KeySkipTaskReview] = true
		update[KeySkipSecondReview] = true
		update[KeyDetail] = fmt.Sprintf("rerunning %d specialists to address review findings", len(agents))
		return &graph.Command{Update: update, Goto: NodeBatchExecutor}, nil
	}

	if len(mustFix) == 0 {
		update[KeyAnalysisApproved] = true
		update[KeyDetail] = "analysis approved by review"
	} else {
		update[KeyDetail] = fmt.Sprintf("review left %d must-fix findings", len(mustFix))
	}
	return &graph.Command{Update: update, Goto: NodeDetectChallenges}, nil
}

func improvementsToState(improvements []Improvement) []any {
	out := make([]any, 0, len(improvements))
	for _, imp := range improvements {
		data, err := json.Marshal(imp)
		if err != nil {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// detectChallenges inspects the aftermath of review and execution: agents
// flagging fundamental requirement problems loop the session back to the
// requirements analyst once; unresolved must-fix findings past the threshold
// escalate to a human; everything else proceeds to aggregation.
func (w *Workflow) detectChallenges(ctx context.Context, s graph.State) (any, error) {
	if flags := challengeFlags(s); len(flags) > 0 && s.GetInt(KeyChallengeFeedbackRound) == 0 {
		feedback := ""
		for _, f := range flags {
			feedback += "\n" + f
		}
		return &graph.Command{
			Update: graph.State{
				KeyUserInput:              s.GetString(KeyUserInput) + "\n\nSpecialist challenges to reconcile:" + feedback,
				KeyChallengeFeedbackRound: 1,
				KeyCurrentStage:           StageRequirementCollection,
				KeyDetail:                 "specialists challenged the requirements, re-analysing",
				KeyUpdatedAt:              touch(),
			},
			Goto: NodeRequirementsAnalyst,
		}, nil
	}

	mustFix := outcomeFromState(s).MustFix()
	if len(mustFix) > w.cfg.ManualReviewThreshold && !s.GetBool(KeyAnalysisApproved) {
		return &graph.Command{
			Update: graph.State{
				KeyDetail:    fmt.Sprintf("%d must-fix findings need a decision", len(mustFix)),
				KeyUpdatedAt: touch(),
			},
			Goto: NodeManualReview,
		}, nil
	}

	update := graph.State{
		KeyAnalysisApproved: true,
		KeyCurrentStage:     StageResultAggregation,
		KeyDetail:           "proceeding to aggregation",
		KeyUpdatedAt:        touch(),
	}
	if len(mustFix) > 0 {
		warnings := make([]any, 0, len(mustFix))
		for _, imp := range mustFix {
			warnings = append(warnings, fmt.Sprintf("unresolved review finding (%s): %s", imp.AgentID, imp.Description))
		}
		update[KeyReportWarnings] = warnings
	}
	return &graph.Command{Update: update, Goto: NodeResultAggregator}, nil
}

// challengeFlags collects agents' structured challenge_flags entries.
func challengeFlags(s graph.State) []string {
	results := s.GetMap(KeyAgentResults)
	var flags []string
	for _, id := range sortedKeys(results) {
		res, ok := AgentResultFrom(results[id])
		if !ok || res.StructuredData == nil {
			continue
		}
		for _, flag := range toStringList(res.StructuredData["challenge_flags"]) {
			flags = append(flags, fmt.Sprintf("[%s] %s", res.RoleID, flag))
		}
	}
	return flags
}

func outcomeFromState(s graph.State) ReviewOutcome {
	raw := s.GetMap(KeyReviewResult)
	if raw == nil {
		return ReviewOutcome{}
	}
	var outcome ReviewOutcome
	if data, err := json.Marshal(raw); err == nil {
		_ = json.Unmarshal(data, &outcome)
	}
	return outcome
}

// manualReview escalates unresolved must-fix findings. Continue accepts the
// risk and completes; abort schedules another targeted rerun; reject ends
// the session.
func (w *Workflow) manualReview(ctx context.Context, s graph.State) (any, error) {
	mustFix := outcomeFromState(s).MustFix()

	if resp, ok := graph.ResumeMap(ctx); ok {
		record := graph.State{
			KeyInteractionHistory: []any{interactionRecord(InteractionManualReviewRequired, resp)},
			KeyUpdatedAt:          touch(),
		}
		action, _ := resp["action"].(string)
		switch action {
		case "abort":
			agents := toStringList(resp["agents"])
			if len(agents) == 0 {
				agents = ImplicatedAgents(mustFix)
			}
			if len(agents) == 0 {
				record[KeyAnalysisApproved] = true
				record[KeyReportWarnings] = []any{"manual review requested a rerun but no specialist is implicated"}
				return &graph.Command{Update: record, Goto: NodeResultAggregator}, nil
			}
			record[KeyIsRerun] = true
			record[KeySpecificAgentsToRun] = sliceToAny(agents)
			record[KeyReviewFeedback] = FeedbackByAgent(mustFix)
			record[KeyReviewIterationRound] = s.GetInt(KeyReviewIterationRound) + 1
			record[KeySkipSecondReview] = true
			return &graph.Command{Update: record, Goto: NodeBatchExecutor}, nil
		case "reject":
			reason, _ := resp["reason"].(string)
			if reason == "" {
				reason = "analysis rejected during manual review"
			}
			record[KeyCurrentStage] = StageError
			record[KeyRejectionReason] = reason
			record[KeyErrors] = []any{reason}
			record[KeyDetail] = reason
			return &graph.Command{Update: record, Goto: graph.End}, nil
		default: // continue
			record[KeyAnalysisApproved] = true
			record[KeyReportWarnings] = []any{"analysis approved by manual review with unresolved findings"}
			return &graph.Command{Update: record, Goto: NodeResultAggregator}, nil
		}
	}

	issues := make([]any, 0, len(mustFix))
	for _, imp := range mustFix {
		issues = append(issues, map[string]any{
			"id":          imp.ID,
			"agent_id":    imp.AgentID,
			"description": imp.Description,
			"suggestion":  imp.Suggestion,
		})
	}
	return nil, graph.Interrupt(graph.NewInteraction(
		InteractionManualReviewRequired,
		fmt.Sprintf("The quality review left %d must-fix findings that automation could not resolve.", len(mustFix)),
		map[string]any{"issues": issues, "review": s.GetMap(KeyReviewResult)},
		map[string]string{
			"continue": "Accept the findings and complete the analysis",
			"abort":    "Rerun the implicated specialists with the findings as feedback",
			"reject":   "Reject the analysis and end the session",
		},
	))
}
