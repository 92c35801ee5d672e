package followup

import "strings"

// Question intents.
const (
	IntentClosed          = "closed"
	IntentOpenWithContext = "open_with_context"
	IntentCreative        = "creative"
	IntentGeneral         = "general"
)

var creativeMarkers = []string{
	"what if", "imagine", "suppose", "instead of", "alternative",
	"could we", "redesign", "rethink", "another option", "variant",
}

var contextMarkers = []string{
	"why", "explain", "elaborate", "tell me more", "more detail",
	"the report", "the analysis", "the plan", "the budget", "the layout",
	"which agent", "based on",
}

var closedOpeners = []string{
	"is ", "are ", "was ", "were ", "does ", "do ", "did ", "can ",
	"could ", "will ", "would ", "should ", "has ", "have ",
	"how much", "how many", "when ", "who ",
}

// ClassifyIntent buckets a follow-up question by keyword heuristics. Creative
// markers win over closed openers so "what if we doubled the budget?" is
// creative rather than closed.
func ClassifyIntent(question string) string {
	q := strings.ToLower(strings.TrimSpace(question))
	if q == "" {
		return IntentGeneral
	}
	for _, marker := range creativeMarkers {
		if strings.Contains(q, marker) {
			return IntentCreative
		}
	}
	for _, marker := range contextMarkers {
		if strings.Contains(q, marker) {
			return IntentOpenWithContext
		}
	}
	for _, opener := range closedOpeners {
		if strings.HasPrefix(q, opener) {
			return IntentClosed
		}
	}
	return IntentGeneral
}
