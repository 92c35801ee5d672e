package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"studio-backend/internal/graph"
)

// Review priorities assigned by the client stage.
const (
	PriorityMustFix    = "must_fix"
	PriorityShouldFix  = "should_fix"
	PriorityNiceToHave = "nice_to_have"
)

// ReviewIssue is one flaw raised by the red team.
type ReviewIssue struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Improvement is a client-accepted issue with its assigned priority.
type Improvement struct {
	ID          string `json:"id"`
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
	Priority    string `json:"business_priority"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// ReviewOutcome is the product of one full review pass: the raised issues,
// the client-accepted improvements, and the final ruling narrative.
type ReviewOutcome struct {
	Issues                 []ReviewIssue `json:"issues"`
	ImprovementSuggestions []Improvement `json:"improvement_suggestions"`
	Strengths              []string      `json:"strengths,omitempty"`
	FinalRuling            string        `json:"final_ruling"`
}

// MustFix returns the accepted improvements the client marked must-fix.
func (o ReviewOutcome) MustFix() []Improvement {
	var out []Improvement
	for _, imp := range o.ImprovementSuggestions {
		if imp.Priority == PriorityMustFix {
			out = append(out, imp)
		}
	}
	return out
}

// ImplicatedAgents returns the distinct agent ids carrying the given
// improvements, in first-seen order.
func ImplicatedAgents(improvements []Improvement) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, imp := range improvements {
		if imp.AgentID == "" {
			continue
		}
		if _, dup := seen[imp.AgentID]; dup {
			continue
		}
		seen[imp.AgentID] = struct{}{}
		out = append(out, imp.AgentID)
	}
	return out
}

// FeedbackByAgent groups improvement text per implicated agent for rerun
// prompts.
func FeedbackByAgent(improvements []Improvement) map[string]any {
	out := make(map[string]any)
	for _, imp := range improvements {
		if imp.AgentID == "" {
			continue
		}
		text := imp.Description
		if imp.Suggestion != "" {
			text += " Suggestion: " + imp.Suggestion
		}
		if existing, ok := out[imp.AgentID].(string); ok && existing != "" {
			text = existing + "\n" + text
		}
		out[imp.AgentID] = text
	}
	return out
}

// AsMap converts the outcome to its state representation.
func (o ReviewOutcome) AsMap() map[string]any {
	data, err := json.Marshal(o)
	if err != nil {
		return map[string]any{"final_ruling": o.FinalRuling}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"final_ruling": o.FinalRuling}
	}
	return out
}

// runReview drives the red team, blue team, judge and client stages over the
// accumulated specialist analyses. Any model failure aborts the whole pass;
// the caller decides how to degrade.
func (w *Workflow) runReview(ctx context.Context, s graph.State) (ReviewOutcome, error) {
	corpus := analysesForReview(s)
	if corpus == "" {
		return ReviewOutcome{FinalRuling: "nothing to review"}, nil
	}
	material := requirementsContext(s) + "\n\nSpecialist analyses:\n" + corpus

	var red struct {
		Issues []ReviewIssue `json:"issues"`
	}
	if err := w.complete(ctx, "review_red", reviewRedSystemPrompt, material, &red); err != nil {
		return ReviewOutcome{}, err
	}
	if len(red.Issues) == 0 {
		return ReviewOutcome{FinalRuling: "no issues raised"}, nil
	}

	issuesJSON, err := json.MarshalIndent(red.Issues, "", "  ")
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("encode issues: %w", err)
	}

	var blue struct {
		Responses []struct {
			ID      string `json:"id"`
			Stance  string `json:"stance"`
			Comment string `json:"comment"`
		} `json:"responses"`
		Strengths []string `json:"strengths"`
	}
	bluePrompt := material + "\n\nRed-team issues:\n" + string(issuesJSON)
	if err := w.complete(ctx, "review_blue", reviewBlueSystemPrompt, bluePrompt, &blue); err != nil {
		return ReviewOutcome{}, err
	}

	responsesJSON, err := json.MarshalIndent(blue.Responses, "", "  ")
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("encode responses: %w", err)
	}

	var judge struct {
		Rulings []struct {
			ID     string `json:"id"`
			Ruling string `json:"ruling"`
			Note   string `json:"note"`
		} `json:"rulings"`
	}
	judgePrompt := material +
		"\n\nRed-team issues:\n" + string(issuesJSON) +
		"\n\nBlue-team responses:\n" + string(responsesJSON)
	if err := w.complete(ctx, "review_judge", reviewJudgeSystemPrompt, judgePrompt, &judge); err != nil {
		return ReviewOutcome{}, err
	}

	byID := make(map[string]ReviewIssue, len(red.Issues))
	for _, issue := range red.Issues {
		byID[issue.ID] = issue
	}
	var accepted []ReviewIssue
	for _, r := range judge.Rulings {
		if r.Ruling != "accept" {
			continue
		}
		if issue, ok := byID[r.ID]; ok {
			accepted = append(accepted, issue)
		}
	}
	outcome := ReviewOutcome{Issues: red.Issues, Strengths: blue.Strengths}
	if len(accepted) == 0 {
		outcome.FinalRuling = "all issues rejected on review"
		return outcome, nil
	}

	acceptedJSON, err := json.MarshalIndent(accepted, "", "  ")
	if err != nil {
		return ReviewOutcome{}, fmt.Errorf("encode accepted issues: %w", err)
	}

	var client struct {
		Accepted []struct {
			ID               string `json:"id"`
			BusinessPriority string `json:"business_priority"`
			Suggestion       string `json:"suggestion"`
		} `json:"accepted"`
		FinalRuling string `json:"final_ruling"`
	}
	clientPrompt := material + "\n\nJudge-accepted issues:\n" + string(acceptedJSON)
	if err := w.complete(ctx, "review_client", reviewClientSystemPrompt, clientPrompt, &client); err != nil {
		return ReviewOutcome{}, err
	}

	outcome.FinalRuling = client.FinalRuling
	for _, c := range client.Accepted {
		issue, ok := byID[c.ID]
		if !ok {
			continue
		}
		outcome.ImprovementSuggestions = append(outcome.ImprovementSuggestions, Improvement{
			ID:          c.ID,
			AgentID:     issue.AgentID,
			Description: issue.Description,
			Priority:    normalizePriority(c.BusinessPriority),
			Suggestion:  c.Suggestion,
		})
	}
	return outcome, nil
}

func normalizePriority(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case PriorityMustFix:
		return PriorityMustFix
	case PriorityShouldFix:
		return PriorityShouldFix
	default:
		return PriorityNiceToHave
	}
}

// analysesForReview renders every successful specialist analysis.
func analysesForReview(s graph.State) string {
	results := s.GetMap(KeyAgentResults)
	var b strings.Builder
	for _, id := range sortedKeys(results) {
		res, ok := AgentResultFrom(results[id])
		if !ok || res.Error != "" {
			continue
		}
		fmt.Fprintf(&b, "=== %s (%s, confidence %.2f) ===\n%s\n\n",
			res.RoleName, res.RoleID, res.Confidence, res.Analysis)
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
