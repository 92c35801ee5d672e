package followup

import (
	"fmt"
	"sort"
	"strings"

	"studio-backend/internal/graph"
	"studio-backend/internal/workflow"
)

// Memory policies for weaving past turns into the prompt.
const (
	MemoryRecentOnly = "recent_only"
	MemoryAll        = "memory_all"
)

const (
	// defaultTokenBudget bounds the context assembled for one answer.
	defaultTokenBudget = 6000
	// recentTurnsWhole is how many recent turns are included verbatim.
	recentTurnsWhole = 3
)

// estimateTokens approximates the model tokenizer at four characters per
// token, which is close enough for budget enforcement.
func estimateTokens(text string) int {
	return len(text) / 4
}

// buildContext assembles the prompt context from the final report, per-agent
// results and conversation history, trimming oldest material first when the
// budget is exceeded.
func buildContext(state graph.State, turns []Turn, policy string, budget int) string {
	if budget <= 0 {
		budget = defaultTokenBudget
	}

	var sections []string
	if report := state.GetMap(workflow.KeyFinalReport); len(report) > 0 {
		sections = append(sections, renderReportContext(report))
	}
	if results := state.GetMap(workflow.KeyAgentResults); len(results) > 0 {
		sections = append(sections, renderAgentContext(results))
	}
	if history := renderHistory(turns, policy); history != "" {
		sections = append(sections, history)
	}

	context := strings.Join(sections, "\n\n")
	for estimateTokens(context) > budget && len(sections) > 1 {
		// Drop the oldest block; the report survives longest because it is
		// first and follow-up answers lean on it the most.
		sections = sections[:len(sections)-1]
		context = strings.Join(sections, "\n\n")
	}
	if estimateTokens(context) > budget {
		context = firstChars(context, budget*4)
	}
	return context
}

func renderReportContext(report map[string]any) string {
	var b strings.Builder
	b.WriteString("Final report:\n")
	if title, ok := report["title"].(string); ok && title != "" {
		b.WriteString("Title: " + title + "\n")
	}
	if summary, ok := report["executive_summary"].(string); ok && summary != "" {
		b.WriteString("Summary: " + summary + "\n")
	}
	if sections, ok := report["sections"].([]any); ok {
		for _, raw := range sections {
			section, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			heading, _ := section["heading"].(string)
			body, _ := section["body"].(string)
			b.WriteString(fmt.Sprintf("## %s\n%s\n", heading, body))
		}
	}
	return b.String()
}

func renderAgentContext(results map[string]any) string {
	var b strings.Builder
	b.WriteString("Specialist analyses:\n")
	for _, roleID := range sortedKeys(results) {
		result, ok := workflow.AgentResultFrom(results[roleID])
		if !ok {
			continue
		}
		if result.Error != "" {
			b.WriteString(fmt.Sprintf("- %s: failed (%s)\n", roleID, result.Error))
			continue
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", roleID, result.Analysis))
	}
	return b.String()
}

// renderHistory weaves past turns into the prompt. Recent-only keeps the
// last few turns whole and drops the rest; memory-all keeps the last three
// whole and compresses earlier turns to one-line summaries.
func renderHistory(turns []Turn, policy string) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Conversation so far:\n")

	cut := len(turns) - recentTurnsWhole
	if cut < 0 {
		cut = 0
	}
	if policy == MemoryAll {
		for _, turn := range turns[:cut] {
			b.WriteString(fmt.Sprintf("- (turn %d, %s) Q: %s\n", turn.TurnID, turn.Intent, firstLine(turn.Question)))
		}
	}
	for _, turn := range turns[cut:] {
		b.WriteString(fmt.Sprintf("Q%d: %s\nA%d: %s\n", turn.TurnID, turn.Question, turn.TurnID, turn.Answer))
	}
	return b.String()
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return firstChars(text, 120)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
