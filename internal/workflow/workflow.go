package workflow

import (
	"studio-backend/internal/graph"
	"studio-backend/internal/llm"
	"studio-backend/internal/shared/storage/object"
)

// Node names.
const (
	NodeInputValidatorInitial   = "unified_input_validator_initial"
	NodeInputRejected           = "input_rejected"
	NodeRequirementsAnalyst     = "requirements_analyst"
	NodeFeasibilityAnalyst      = "feasibility_analyst"
	NodeInputValidatorSecondary = "unified_input_validator_secondary"
	NodeCalibration             = "calibration_questionnaire"
	NodeRequirementsConfirm     = "requirements_confirmation"
	NodeProjectDirector         = "project_director"
	NodeRoleTaskReview          = "role_task_unified_review"
	NodeQualityPreflight        = "quality_preflight"
	NodeBatchExecutor           = "batch_executor"
	NodeAgentExecutor           = "agent_executor"
	NodeBatchAggregator         = "batch_aggregator"
	NodeBatchRouter             = "batch_router"
	NodeBatchStrategyReview     = "batch_strategy_review"
	NodeAnalysisReview          = "analysis_review"
	NodeDetectChallenges        = "detect_challenges"
	NodeManualReview            = "manual_review"
	NodeResultAggregator        = "result_aggregator"
	NodeReportGuard             = "report_guard"
	NodePDFGenerator            = "pdf_generator"
)

// Config tunes workflow behaviour.
type Config struct {
	// DefaultExecutionMode applies when the initial state carries none.
	DefaultExecutionMode string
	// ManualReviewThreshold is the must-fix count above which manual review
	// is demanded after the rerun budget is spent.
	ManualReviewThreshold int
}

func (c Config) withDefaults() Config {
	if c.DefaultExecutionMode == "" {
		c.DefaultExecutionMode = ModeManual
	}
	if c.ManualReviewThreshold <= 0 {
		c.ManualReviewThreshold = 3
	}
	return c
}

// Workflow wires the analysis pipeline's nodes into a graph.
type Workflow struct {
	llm           llm.Client
	catalog       *Catalog
	store         object.ObjectStore
	cfg           Config
	onAgentResult func(sessionID string, result AgentResult)
}

// WorkflowOption configures optional collaborators.
type WorkflowOption func(*Workflow)

// WithAgentResultHook registers a callback invoked as each agent's result
// lands, for progressive streaming. The hook must not block.
func WithAgentResultHook(fn func(sessionID string, result AgentResult)) WorkflowOption {
	return func(w *Workflow) { w.onAgentResult = fn }
}

// WithCatalog overrides the specialist role catalog.
func WithCatalog(c *Catalog) WorkflowOption {
	return func(w *Workflow) { w.catalog = c }
}

// New constructs a Workflow.
func New(client llm.Client, store object.ObjectStore, cfg Config, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		llm:     client,
		catalog: DefaultCatalog(),
		store:   store,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Graph builds the workflow graph over the standard state schema.
func (w *Workflow) Graph() *graph.Graph {
	g := graph.New(Schema())

	g.AddNode(NodeInputValidatorInitial, w.inputValidatorInitial)
	g.AddNode(NodeInputRejected, w.inputRejected)
	g.AddNode(NodeRequirementsAnalyst, w.requirementsAnalyst)
	g.AddNode(NodeFeasibilityAnalyst, w.feasibilityAnalyst)
	g.AddNode(NodeInputValidatorSecondary, w.inputValidatorSecondary)
	g.AddNode(NodeCalibration, w.calibrationQuestionnaire)
	g.AddNode(NodeRequirementsConfirm, w.requirementsConfirmation)
	g.AddNode(NodeProjectDirector, w.projectDirector)
	g.AddNode(NodeRoleTaskReview, w.roleTaskUnifiedReview)
	g.AddNode(NodeQualityPreflight, w.qualityPreflight)
	g.AddNode(NodeBatchExecutor, w.batchExecutor)
	g.AddNode(NodeAgentExecutor, w.agentExecutor)
	g.AddNode(NodeBatchAggregator, w.batchAggregator)
	g.AddNode(NodeBatchRouter, w.batchRouter)
	g.AddNode(NodeBatchStrategyReview, w.batchStrategyReview)
	g.AddNode(NodeAnalysisReview, w.analysisReview)
	g.AddNode(NodeDetectChallenges, w.detectChallenges)
	g.AddNode(NodeManualReview, w.manualReview)
	g.AddNode(NodeResultAggregator, w.resultAggregator)
	g.AddNode(NodeReportGuard, w.reportGuard)
	g.AddNode(NodePDFGenerator, w.pdfGenerator)

	g.AddEdge(graph.Start, NodeInputValidatorInitial)
	g.AddEdge(NodeInputRejected, graph.End)
	g.AddEdge(NodeRequirementsAnalyst, NodeFeasibilityAnalyst)
	g.AddEdge(NodeFeasibilityAnalyst, NodeInputValidatorSecondary)
	g.AddEdge(NodeCalibration, NodeRequirementsConfirm)
	g.AddEdge(NodeProjectDirector, NodeRoleTaskReview)
	g.AddEdge(NodeQualityPreflight, NodeBatchExecutor)
	g.AddConditionalEdge(NodeBatchExecutor, w.dispatchBatch)
	g.AddEdge(NodeAgentExecutor, NodeBatchAggregator)
	g.AddEdge(NodeBatchAggregator, NodeBatchRouter)
	g.AddEdge(NodeAnalysisReview, NodeDetectChallenges)
	g.AddEdge(NodeResultAggregator, NodeReportGuard)
	g.AddEdge(NodeReportGuard, NodePDFGenerator)
	g.AddEdge(NodePDFGenerator, graph.End)

	return g
}

// executionMode reads the session's mode, falling back to the configured
// default.
func (w *Workflow) executionMode(s graph.State) string {
	if mode := s.GetString(KeyExecutionMode); mode != "" {
		return mode
	}
	return w.cfg.DefaultExecutionMode
}
