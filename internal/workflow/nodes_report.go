package workflow

import (
	"context"
	"fmt"
	"strings"

	"studio-backend/internal/graph"
	"studio-backend/internal/shared/telemetry"
)

// resultAggregator merges the specialist analyses into the client-facing
// report. A model failure degrades to a deterministic assembly so a session
// that got this far always produces a report.
func (w *Workflow) resultAggregator(ctx context.Context, s graph.State) (any, error) {
	prompt := requirementsContext(s) + "\n\nSpecialist analyses:\n" + analysesForReview(s)
	if review := s.GetMap(KeyReviewResult); len(review) != 0 {
		if summary, ok := review["summary"].(string); ok && summary != "" {
			prompt += "\nQuality review summary:\n" + summary + "\n"
		}
	}

	var report map[string]any
	err := w.complete(ctx, "result_aggregator", aggregatorSystemPrompt, prompt, &report)
	if err != nil {
		telemetry.Warn("result aggregation degraded to assembly", map[string]any{
			"session_id": s.GetString(KeySessionID),
			"error":      err.Error(),
		})
		return graph.State{
			KeyFinalReport:    assembleFallbackReport(s),
			KeyReportWarnings: []any{"report aggregation unavailable: sections assembled verbatim"},
			KeyCurrentStage:   StageResultAggregation,
			KeyUpdatedAt:      touch(),
		}, nil
	}

	return graph.State{
		KeyFinalReport:  report,
		KeyCurrentStage: StageResultAggregation,
		KeyDetail:       "report aggregated",
		KeyUpdatedAt:    touch(),
	}, nil
}

// assembleFallbackReport builds a report directly from the agent results,
// one section per specialist.
func assembleFallbackReport(s graph.State) map[string]any {
	results := s.GetMap(KeyAgentResults)
	sections := make([]any, 0, len(results))
	for _, id := range sortedKeys(results) {
		res, ok := AgentResultFrom(results[id])
		if !ok || res.Error != "" {
			continue
		}
		sections = append(sections, map[string]any{
			"heading":      res.RoleName,
			"body":         res.Analysis,
			"source_roles": []any{res.RoleID},
		})
	}
	return map[string]any{
		"title":             "Project Analysis Report",
		"executive_summary": s.GetString(KeyAnalysisStrategy),
		"sections":          sections,
		"next_steps":        []any{},
	}
}

// reportGuard checks the aggregated report for dropped specialist input.
// Findings are warnings only; the report always ships.
func (w *Workflow) reportGuard(ctx context.Context, s graph.State) (any, error) {
	report := s.GetMap(KeyFinalReport)
	var warnings []any

	if len(report) == 0 {
		report = assembleFallbackReport(s)
		warnings = append(warnings, "aggregator produced no report: sections assembled verbatim")
	}

	covered := make(map[string]struct{})
	if sections, ok := report["sections"].([]any); ok {
		for _, raw := range sections {
			section, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, src := range toStringList(section["source_roles"]) {
				covered[src] = struct{}{}
			}
		}
	}
	for _, id := range s.GetStringSlice(KeyCompletedAgents) {
		if _, ok := covered[id]; !ok {
			warnings = append(warnings, fmt.Sprintf("report omits findings from %s", id))
		}
	}

	if summary, _ := report["executive_summary"].(string); strings.TrimSpace(summary) == "" {
		warnings = append(warnings, "report has no executive summary")
	}

	update := graph.State{
		KeyFinalReport:  report,
		KeyCurrentStage: StageFinalReview,
		KeyUpdatedAt:    touch(),
	}
	if len(warnings) > 0 {
		update[KeyReportWarnings] = warnings
		update[KeyDetail] = fmt.Sprintf("report checked with %d warnings", len(warnings))
	} else {
		update[KeyDetail] = "report checked"
	}
	return update, nil
}

// pdfGenerator renders the report and persists it to the object store. A
// persistence failure is a warning; the structured report stays in the state
// either way.
func (w *Workflow) pdfGenerator(ctx context.Context, s graph.State) (any, error) {
	rendered := renderReport(s.GetMap(KeyFinalReport), s)

	update := graph.State{
		KeyCurrentStage: StageCompleted,
		KeyDetail:       "analysis complete",
		KeyUpdatedAt:    touch(),
	}

	if w.store == nil {
		update[KeyReportWarnings] = []any{"no object store configured: report not persisted"}
		return update, nil
	}

	fileName := fmt.Sprintf("report-%s.md", s.GetString(KeySessionID))
	key, _, _, err := w.store.Save(ctx, s.GetString(KeyUserID), fileName, strings.NewReader(rendered))
	if err != nil {
		telemetry.Warn("report persistence failed", map[string]any{
			"session_id": s.GetString(KeySessionID),
			"error":      err.Error(),
		})
		update[KeyReportWarnings] = []any{fmt.Sprintf("report persistence failed: %v", err)}
		return update, nil
	}

	update[KeyFinalReportURL] = key
	return update, nil
}

// renderReport flattens the structured report into a printable document.
func renderReport(report map[string]any, s graph.State) string {
	var b strings.Builder

	title, _ := report["title"].(string)
	if title == "" {
		title = "Project Analysis Report"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	if summary, _ := report["executive_summary"].(string); summary != "" {
		b.WriteString("## Executive Summary\n\n")
		b.WriteString(summary)
		b.WriteString("\n\n")
	}

	if sections, ok := report["sections"].([]any); ok {
		for _, raw := range sections {
			section, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			heading, _ := section["heading"].(string)
			body, _ := section["body"].(string)
			fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, body)
		}
	}

	if steps := toStringList(report["next_steps"]); len(steps) > 0 {
		b.WriteString("## Next Steps\n\n")
		for _, step := range steps {
			fmt.Fprintf(&b, "- %s\n", step)
		}
		b.WriteString("\n")
	}

	if warnings := s.GetStringSlice(KeyReportWarnings); len(warnings) > 0 {
		b.WriteString("## Caveats\n\n")
		for _, warning := range warnings {
			fmt.Fprintf(&b, "- %s\n", warning)
		}
	}
	return b.String()
}
