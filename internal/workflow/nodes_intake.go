package workflow

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"studio-backend/internal/graph"
)

const minBriefLength = 20

var greetingOnly = []string{"hi", "hello", "hey", "test", "ping", "你好"}

// inputValidatorInitial rejects obviously unusable input before any model
// call, then asks the validator model to classify the rest.
func (w *Workflow) inputValidatorInitial(ctx context.Context, s graph.State) (any, error) {
	input := strings.TrimSpace(s.GetString(KeyUserInput))

	if reason := heuristicReject(input); reason != "" {
		return rejectCommand(reason), nil
	}

	var verdict struct {
		Valid    bool   `json:"valid"`
		Reason   string `json:"reason"`
		Category string `json:"category"`
	}
	err := w.complete(ctx, "input_validator_initial", validatorSystemPrompt,
		"Submitted text:\n"+input, &verdict)
	if err != nil {
		// A validator outage must not block a plausible brief.
		return &graph.Command{
			Update: graph.State{
				KeyCurrentStage: StageRequirementCollection,
				KeyErrors:       []any{fmt.Sprintf("input validation degraded: %v", err)},
				KeyUpdatedAt:    touch(),
			},
			Goto: NodeRequirementsAnalyst,
		}, nil
	}
	if !verdict.Valid {
		return rejectCommand(verdict.Reason), nil
	}
	return &graph.Command{
		Update: graph.State{
			KeyCurrentStage: StageRequirementCollection,
			KeyDetail:       "collecting requirements",
			KeyUpdatedAt:    touch(),
		},
		Goto: NodeRequirementsAnalyst,
	}, nil
}

func heuristicReject(input string) string {
	if input == "" {
		return "empty input"
	}
	if utf8.RuneCountInString(input) < minBriefLength {
		lower := strings.ToLower(strings.Trim(input, " .!?,"))
		for _, g := range greetingOnly {
			if lower == g {
				return "greeting with no project content"
			}
		}
		return "input too short to describe a project"
	}
	return ""
}

func rejectCommand(reason string) *graph.Command {
	if reason == "" {
		reason = "input is not a usable project brief"
	}
	return &graph.Command{
		Update: graph.State{
			KeyRejectionReason: reason,
			KeyUpdatedAt:       touch(),
		},
		Goto: NodeInputRejected,
	}
}

// inputRejected terminates the session with a client-facing reason.
func (w *Workflow) inputRejected(ctx context.Context, s graph.State) (any, error) {
	reason := s.GetString(KeyRejectionReason)
	return graph.State{
		KeyCurrentStage: StageError,
		KeyDetail:       "input rejected: " + reason,
		KeyErrors:       []any{"input rejected: " + reason},
		KeyUpdatedAt:    touch(),
	}, nil
}

// requirementsAnalyst extracts structured requirements from the brief.
func (w *Workflow) requirementsAnalyst(ctx context.Context, s graph.State) (any, error) {
	var extracted map[string]any
	err := w.complete(ctx, "requirements_analyst", requirementsSystemPrompt,
		"Project brief:\n"+s.GetString(KeyUserInput), &extracted)
	if err != nil {
		return nil, err
	}
	return graph.State{
		KeyStructuredRequirements: extracted,
		KeyCurrentStage:           StageRequirementCollection,
		KeyDetail:                 "requirements extracted",
		KeyUpdatedAt:              touch(),
	}, nil
}

// feasibilityAnalyst assesses the extracted requirements for risk.
func (w *Workflow) feasibilityAnalyst(ctx context.Context, s graph.State) (any, error) {
	var feasibility map[string]any
	err := w.complete(ctx, "feasibility_analyst", feasibilitySystemPrompt,
		requirementsContext(s), &feasibility)
	if err != nil {
		// Feasibility is advisory; a failure is recorded, not fatal.
		return graph.State{
			KeyErrors:    []any{fmt.Sprintf("feasibility analysis failed: %v", err)},
			KeyUpdatedAt: touch(),
		}, nil
	}
	return graph.State{
		KeyFeasibility: feasibility,
		KeyUpdatedAt:   touch(),
	}, nil
}

// inputValidatorSecondary re-checks the brief once structure is known. A brief
// that produced no requirements at all is rejected here rather than wasting
// the full agent pipeline on it.
func (w *Workflow) inputValidatorSecondary(ctx context.Context, s graph.State) (any, error) {
	req := s.GetMap(KeyStructuredRequirements)
	if len(req) == 0 || emptyRequirementList(req) {
		return rejectCommand("no actionable requirements could be extracted"), nil
	}
	if feas := s.GetMap(KeyFeasibility); len(feas) != 0 {
		if feasible, ok := feas["feasible"].(bool); ok && !feasible {
			if level, _ := feas["risk_level"].(string); strings.EqualFold(level, "fatal") {
				return rejectCommand("project assessed as infeasible"), nil
			}
		}
	}
	return &graph.Command{
		Update: graph.State{KeyUpdatedAt: touch()},
		Goto:   NodeCalibration,
	}, nil
}

func emptyRequirementList(req map[string]any) bool {
	list, ok := req["requirements"].([]any)
	if !ok {
		return false
	}
	return len(list) == 0
}

// calibrationQuestionnaire generates clarifying questions and pauses for the
// user's answers. Automatic mode skips it entirely.
func (w *Workflow) calibrationQuestionnaire(ctx context.Context, s graph.State) (any, error) {
	if answers, ok := graph.ResumeMap(ctx); ok {
		merged := make(map[string]any)
		for k, v := range s.GetMap(KeyStructuredRequirements) {
			merged[k] = v
		}
		merged["calibration_answers"] = answers
		return graph.State{
			KeyStructuredRequirements: merged,
			KeyCalibrationAnswers:     answers,
			KeyCalibrationProcessed:   true,
			KeyInteractionHistory:     []any{interactionRecord(InteractionCalibration, answers)},
			KeyUpdatedAt:              touch(),
		}, nil
	}

	if w.executionMode(s) == ModeAutomatic || s.GetBool(KeySkipCalibration) || s.GetBool(KeyCalibrationProcessed) {
		return graph.State{
			KeyCalibrationProcessed: true,
			KeyUpdatedAt:            touch(),
		}, nil
	}

	var sheet struct {
		Questions []map[string]any `json:"questions"`
	}
	err := w.complete(ctx, "calibration_questionnaire", calibrationSystemPrompt,
		requirementsContext(s), &sheet)
	if err != nil || len(sheet.Questions) == 0 {
		// No questions worth asking; move on.
		return graph.State{
			KeyCalibrationProcessed: true,
			KeyUpdatedAt:            touch(),
		}, nil
	}

	questions := make([]any, 0, len(sheet.Questions))
	for _, q := range sheet.Questions {
		questions = append(questions, q)
	}
	return nil, graph.Interrupt(graph.NewInteraction(
		InteractionCalibration,
		"Please answer a few calibration questions to sharpen the analysis.",
		map[string]any{"questions": questions},
		nil,
	))
}

// requirementsConfirmation shows the extracted requirements for sign-off.
// Confirmation routes to the director; a modification loops the brief back
// through the requirements analyst.
func (w *Workflow) requirementsConfirmation(ctx context.Context, s graph.State) (any, error) {
	if resp, ok := graph.ResumeMap(ctx); ok {
		action, _ := resp["action"].(string)
		switch action {
		case "modify", "revise":
			feedback, _ := resp["additional_info"].(string)
			if feedback == "" {
				feedback, _ = resp["feedback"].(string)
			}
			round := s.GetInt(KeyModificationConfirmRound) + 1
			input := s.GetString(KeyUserInput)
			if feedback != "" {
				input = input + "\n\nClient amendment:\n" + feedback
			}
			return &graph.Command{
				Update: graph.State{
					KeyUserInput:                 input,
					KeyModificationConfirmRound:  round,
					KeyUserModificationProcessed: true,
					KeyInteractionHistory:        []any{interactionRecord(InteractionRequirementsConfirm, resp)},
					KeyUpdatedAt:                 touch(),
				},
				Goto: NodeRequirementsAnalyst,
			}, nil
		default:
			return confirmRequirements(s, resp), nil
		}
	}

	if w.executionMode(s) == ModeAutomatic || s.GetInt(KeyChallengeFeedbackRound) > 0 {
		// Challenge-loop re-entries already carry a confirmed brief.
		return confirmRequirements(s, nil), nil
	}

	return nil, graph.Interrupt(graph.NewInteraction(
		InteractionRequirementsConfirm,
		"Review the extracted requirements before the analysis team starts.",
		map[string]any{
			"requirements": s.GetMap(KeyStructuredRequirements),
			"feasibility":  s.GetMap(KeyFeasibility),
		},
		map[string]string{
			"confirm": "Start the analysis with these requirements",
			"modify":  "Amend the requirements first",
		},
	))
}

func confirmRequirements(s graph.State, resp map[string]any) *graph.Command {
	update := graph.State{
		KeyRequirementsConfirmed: true,
		KeyCurrentStage:          StageStrategicAnalysis,
		KeyDetail:                "requirements confirmed",
		KeyUpdatedAt:             touch(),
	}
	if resp != nil {
		update[KeyInteractionHistory] = []any{interactionRecord(InteractionRequirementsConfirm, resp)}
	}
	return &graph.Command{Update: update, Goto: NodeProjectDirector}
}

func interactionRecord(interactionType string, response map[string]any) map[string]any {
	return map[string]any{
		"interaction_type": interactionType,
		"response":         response,
		"timestamp":        touch(),
	}
}
