package workflow

import (
	"encoding/json"
	"time"

	"studio-backend/internal/graph"
)

// Pipeline stages. current_stage always holds one of these.
const (
	StageInit                    = "init"
	StageRequirementCollection   = "requirement_collection"
	StageRequirementConfirmation = "requirement_confirmation"
	StageStrategicAnalysis       = "strategic_analysis"
	StageParallelAnalysis        = "parallel_analysis"
	StageBatchExecution          = "batch_execution"
	StageAnalysisReview          = "analysis_review"
	StageResultAggregation       = "result_aggregation"
	StageFinalReview             = "final_review"
	StagePDFGeneration           = "pdf_generation"
	StageCompleted               = "completed"
	StageError                   = "error"
)

// Interaction types surfaced through interrupts.
const (
	InteractionCalibration          = "calibration_questionnaire"
	InteractionRequirementsConfirm  = "requirements_confirmation"
	InteractionRoleTaskReview       = "role_task_unified_review"
	InteractionBatchConfirmation    = "batch_confirmation"
	InteractionManualReviewRequired = "manual_review_required"
	InteractionUserFollowup         = "user_followup"
)

// Execution modes.
const (
	ModeAutomatic = "automatic"
	ModePreview   = "preview"
	ModeManual    = "manual"
)

// Workflow state field names.
const (
	KeySessionID              = "session_id"
	KeyUserID                 = "user_id"
	KeyCreatedAt              = "created_at"
	KeyUpdatedAt              = "updated_at"
	KeyUserInput              = "user_input"
	KeyStructuredRequirements = "structured_requirements"
	KeyCurrentStage           = "current_stage"
	KeyDetail                 = "detail"
	KeyAgentResults           = "agent_results"
	KeyAgentTasks             = "agent_tasks"
	KeyActiveAgents           = "active_agents"
	KeyCompletedAgents        = "completed_agents"
	KeyFailedAgents           = "failed_agents"
	KeyExecutionBatches       = "execution_batches"
	KeyCurrentBatch           = "current_batch"
	KeyTotalBatches           = "total_batches"
	KeyCompletedBatches       = "completed_batches"
	KeyCurrentBatchAgents     = "current_batch_agents"
	KeyFollowupHistory        = "followup_history"
	KeyErrors                 = "errors"
	KeyReviewHistory          = "review_history"
	KeyReviewResult           = "review_result"
	KeyImprovementSuggestions = "improvement_suggestions"
	KeyAnalysisApproved       = "analysis_approved"
	KeyReviewIterationRound   = "review_iteration_round"
	KeyInteractionHistory     = "interaction_history"
	KeyExecutionMode          = "execution_mode"
	KeyFinalReport            = "final_report"
	KeyFinalReportURL         = "final_report_url"
	KeyReportWarnings         = "report_warnings"
	KeyQualityConstraints     = "quality_constraints"
	KeyReviewFeedback         = "review_feedback"
	KeyCalibrationQuestions   = "calibration_questions"
	KeyCalibrationAnswers     = "calibration_answers"
	KeyAnalysisStrategy       = "analysis_strategy"
	KeyFeasibility            = "feasibility"
	KeyCurrentAgentRole       = "current_agent_role"
	KeyPlanRevisionNotes      = "plan_revision_notes"

	// Gating flags.
	KeySkipUnifiedReview         = "skip_unified_review"
	KeySkipCalibration           = "skip_calibration"
	KeySkipRoleReview            = "skip_role_review"
	KeySkipTaskReview            = "skip_task_review"
	KeySkipSecondReview          = "skip_second_review"
	KeyIsRerun                   = "is_rerun"
	KeyRequirementsConfirmed     = "requirements_confirmed"
	KeyCalibrationProcessed      = "calibration_processed"
	KeyUserModificationProcessed = "user_modification_processed"
	KeyModificationConfirmRound  = "modification_confirmation_round"
	KeySpecificAgentsToRun       = "specific_agents_to_run"
	KeyChallengeFeedbackRound    = "challenge_feedback_round"
	KeyRejectionReason           = "rejection_reason"
)

// Schema declares the reducer for every concurrently-updated field. Fields
// not listed merge by take-last.
func Schema() *graph.Schema {
	sc := graph.NewSchema()
	sc.Register(KeyCreatedAt, graph.TakeMaxTimestamp)
	sc.Register(KeyUpdatedAt, graph.TakeMaxTimestamp)
	sc.Register(KeyAgentResults, graph.MergeMaps)
	sc.Register(KeyActiveAgents, graph.MergeLists)
	sc.Register(KeyCompletedAgents, graph.MergeLists)
	sc.Register(KeyFailedAgents, graph.MergeLists)
	sc.Register(KeyCompletedBatches, graph.MergeLists)
	sc.Register(KeyFollowupHistory, graph.MergeLists)
	sc.Register(KeyErrors, graph.MergeLists)
	sc.Register(KeyReviewHistory, graph.MergeLists)
	sc.Register(KeyInteractionHistory, graph.MergeLists)
	sc.Register(KeyReportWarnings, graph.MergeLists)
	return sc
}

// NewInitialState returns a fully-initialised workflow state.
func NewInitialState(userInput, sessionID, userID string) graph.State {
	now := time.Now().UTC().Format(time.RFC3339)
	return graph.State{
		KeySessionID:              sessionID,
		KeyUserID:                 userID,
		KeyCreatedAt:              now,
		KeyUpdatedAt:              now,
		KeyUserInput:              userInput,
		KeyStructuredRequirements: map[string]any{},
		KeyCurrentStage:           StageInit,
		KeyDetail:                 "",
		KeyAgentResults:           map[string]any{},
		KeyActiveAgents:           []any{},
		KeyCompletedAgents:        []any{},
		KeyFailedAgents:           []any{},
		KeyExecutionBatches:       []any{},
		KeyCurrentBatch:           0,
		KeyTotalBatches:           0,
		KeyCompletedBatches:       []any{},
		KeyFollowupHistory:        []any{},
		KeyErrors:                 []any{},
		KeyReviewHistory:          []any{},
		KeyInteractionHistory:     []any{},
		KeyReviewIterationRound:   0,
		KeyAnalysisApproved:       false,
		KeyIsRerun:                false,
	}
}

// Progress computes completion in [0,1] from dispatched vs completed agents.
// Before any dispatch it returns 0 and progress is node-driven.
func Progress(s graph.State) float64 {
	active := s.GetStringSlice(KeyActiveAgents)
	if len(active) == 0 {
		return 0
	}
	completed := make(map[string]struct{})
	for _, id := range s.GetStringSlice(KeyCompletedAgents) {
		completed[id] = struct{}{}
	}
	for _, id := range s.GetStringSlice(KeyFailedAgents) {
		completed[id] = struct{}{}
	}
	done := 0
	for _, id := range active {
		if _, ok := completed[id]; ok {
			done++
		}
	}
	return float64(done) / float64(len(active))
}

// AgentResult is the output record of one specialist agent.
type AgentResult struct {
	RoleID         string         `json:"role_id"`
	RoleName       string         `json:"role_name"`
	Analysis       string         `json:"analysis"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Confidence     float64        `json:"confidence"`
	Error          string         `json:"error,omitempty"`
}

// AsMap converts the record to its state representation.
func (r AgentResult) AsMap() map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"role_id": r.RoleID, "error": "marshal failed"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"role_id": r.RoleID, "error": "unmarshal failed"}
	}
	return out
}

// AgentResultFrom reads an agent output record back out of the state.
func AgentResultFrom(v any) (AgentResult, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return AgentResult{}, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return AgentResult{}, false
	}
	var out AgentResult
	if err := json.Unmarshal(data, &out); err != nil {
		return AgentResult{}, false
	}
	return out, true
}

// touch returns the timestamp patch applied alongside every node update.
func touch() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// executionBatches reads the batch plan out of the state.
func executionBatches(s graph.State) [][]string {
	raw, ok := s[KeyExecutionBatches].([]any)
	if !ok {
		if typed, ok2 := s[KeyExecutionBatches].([][]string); ok2 {
			return typed
		}
		return nil
	}
	out := make([][]string, 0, len(raw))
	for _, batch := range raw {
		switch b := batch.(type) {
		case []any:
			ids := make([]string, 0, len(b))
			for _, id := range b {
				if str, ok := id.(string); ok {
					ids = append(ids, str)
				}
			}
			out = append(out, ids)
		case []string:
			out = append(out, b)
		}
	}
	return out
}

// batchesToState converts a batch plan to its state representation.
func batchesToState(batches [][]string) []any {
	out := make([]any, 0, len(batches))
	for _, batch := range batches {
		inner := make([]any, 0, len(batch))
		for _, id := range batch {
			inner = append(inner, id)
		}
		out = append(out, inner)
	}
	return out
}

// sliceToAny converts an id list to its state representation.
func sliceToAny(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
