package sessions

import (
	"time"

	"studio-backend/internal/graph"
)

// Event types pushed to stream subscribers.
const (
	EventProgress    = "progress"
	EventDetail      = "detail"
	EventAgentResult = "agent_result"
	EventInterrupt   = "interrupt"
	EventCompleted   = "completed"
	EventFailed      = "failed"
)

// Event is a typed streaming update for one session. Fields beyond the common
// envelope are populated per event type.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`

	Progress     *float64 `json:"progress,omitempty"`
	CurrentStage string   `json:"current_stage,omitempty"`
	Detail       string   `json:"detail,omitempty"`

	RoleID         string         `json:"role_id,omitempty"`
	RoleName       string         `json:"role_name,omitempty"`
	Analysis       string         `json:"analysis,omitempty"`
	StructuredData map[string]any `json:"structured_data,omitempty"`

	Interaction *graph.InteractionPayload `json:"interaction_payload,omitempty"`

	FinalReportURL string `json:"final_report_url,omitempty"`
	Error          string `json:"error,omitempty"`

	// Origin identifies the publishing instance so the pub/sub bridge can
	// skip events that were already delivered locally.
	Origin string `json:"origin,omitempty"`
}

func newEvent(eventType, sessionID string) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ProgressEvent reports stage movement.
func ProgressEvent(sessionID string, progress float64, stage, detail string) Event {
	e := newEvent(EventProgress, sessionID)
	e.Progress = &progress
	e.CurrentStage = stage
	e.Detail = detail
	return e
}

// AgentResultEvent reports one specialist's finished analysis.
func AgentResultEvent(sessionID, roleID, roleName, analysis string, structured map[string]any) Event {
	e := newEvent(EventAgentResult, sessionID)
	e.RoleID = roleID
	e.RoleName = roleName
	e.Analysis = analysis
	e.StructuredData = structured
	return e
}

// InterruptEvent reports a pause awaiting user input.
func InterruptEvent(sessionID string, payload *graph.InteractionPayload) Event {
	e := newEvent(EventInterrupt, sessionID)
	e.Interaction = payload
	return e
}

// CompletedEvent reports terminal success.
func CompletedEvent(sessionID, reportURL string) Event {
	e := newEvent(EventCompleted, sessionID)
	e.FinalReportURL = reportURL
	return e
}

// FailedEvent reports terminal failure.
func FailedEvent(sessionID, message string) Event {
	e := newEvent(EventFailed, sessionID)
	e.Error = message
	return e
}
