package sessions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"studio-backend/internal/archive"
	"studio-backend/internal/graph"
	"studio-backend/internal/llm"
	"studio-backend/internal/shared/storage/object/local"
	"studio-backend/internal/statestore"
	"studio-backend/internal/usage"
	"studio-backend/internal/workflow"
)

const testBrief = "Renovate a 90 square meter two-bedroom apartment in a warm minimal style, budget 40000 euros, family of three."

func scriptedResponses() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"input_validator_initial": json.RawMessage(`{"valid": true, "reason": "", "category": "renovation"}`),
		"requirements_analyst": json.RawMessage(`{
			"summary": "two-bedroom renovation",
			"requirements": ["warm minimal style"],
			"constraints": ["budget 40000 euros"],
			"space_type": "apartment",
			"budget_signal": "fixed",
			"ambiguities": []
		}`),
		"feasibility_analyst": json.RawMessage(`{"feasible": true, "risk_level": "low", "risks": [], "recommendations": []}`),
		"calibration_questionnaire": json.RawMessage(`{
			"questions": [{"id": "q1", "question": "Which rooms matter most?", "why": "prioritisation"}]
		}`),
		"project_director": json.RawMessage(`{
			"strategy": "single specialist pass",
			"tasks": [{"role_id": "V1_space_planner_1-1", "task": "Lay out the apartment", "priority": 1}]
		}`),
		"agent:V1_space_planner_1-1": json.RawMessage(`{
			"analysis": "Open the kitchen toward the living room.",
			"structured_data": {"zones": 4},
			"confidence": 0.9
		}`),
		"review_red": json.RawMessage(`{"issues": []}`),
		"result_aggregator": json.RawMessage(`{
			"title": "Apartment Renovation Analysis",
			"executive_summary": "A warm minimal renovation within budget.",
			"sections": [{"heading": "Space Plan", "body": "Open kitchen.", "source_roles": ["V1_space_planner_1-1"]}],
			"next_steps": ["approve the concept"]
		}`),
	}
}

func newTestService(t *testing.T) (*Service, statestore.Store) {
	t.Helper()
	store := statestore.NewMemory(time.Hour)
	ckpt := statestore.NewCheckpointer(store)
	repo := archive.NewMemoryRepo()
	script := &llm.ScriptClient{Responses: scriptedResponses()}
	hub := NewHub(nil)
	svc := NewService(store, ckpt, repo, usage.NewService(), hub, Config{ListCacheTTL: time.Millisecond})

	w := workflow.New(script, local.New(t.TempDir()), workflow.Config{},
		workflow.WithAgentResultHook(svc.OnAgentResult))
	engine, err := graph.NewEngine(w.Graph(),
		graph.WithCheckpointer(ckpt),
		graph.WithStepObserver(svc.OnStep))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	svc.SetEngine(engine)
	return svc, store
}

func waitForStatus(t *testing.T, svc *Service, sessionID string, want string) StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := svc.Status(context.Background(), sessionID)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	record, _ := svc.Status(context.Background(), sessionID)
	t.Fatalf("session never reached %q, last status %q stage %q", want, record.Status, record.CurrentStage)
	return StatusRecord{}
}

func TestStartAutomaticCompletesAndArchives(t *testing.T) {
	svc, _ := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeAutomatic)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	record := waitForStatus(t, svc, sessionID, StatusCompleted)
	if record.Progress != 1 {
		t.Fatalf("progress = %v, want 1", record.Progress)
	}
	if record.Interaction != nil {
		t.Fatalf("completed session still carries an interaction payload")
	}

	archived, err := svc.GetArchived(context.Background(), "u1", sessionID)
	if err != nil {
		t.Fatalf("GetArchived: %v", err)
	}
	if archived.Status != archive.StatusCompleted {
		t.Fatalf("archived status = %q", archived.Status)
	}
	if archived.Report["title"] != "Apartment Renovation Analysis" {
		t.Fatalf("archived report = %v", archived.Report)
	}
	if archived.UserID != "u1" {
		t.Fatalf("archived user = %q", archived.UserID)
	}
}

func TestStatusInterruptInvariantAndResume(t *testing.T) {
	svc, _ := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	record := waitForStatus(t, svc, sessionID, StatusWaitingForInput)
	if record.Interaction == nil {
		t.Fatal("waiting session has no interaction payload")
	}
	if record.Interaction.Type != workflow.InteractionCalibration {
		t.Fatalf("interaction = %q", record.Interaction.Type)
	}

	// Calibration, confirmation, plan review, then done (single batch).
	for _, response := range []map[string]any{
		{"q1": "kitchen"},
		{"action": "approve"},
		{"action": "approve"},
	} {
		if err := svc.Resume(context.Background(), sessionID, response); err != nil {
			t.Fatalf("Resume(%v): %v", response, err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			r, err := svc.Status(context.Background(), sessionID)
			if err != nil {
				t.Fatalf("Status: %v", err)
			}
			if r.Status == StatusCompleted || (r.Status == StatusWaitingForInput && r.Interaction != nil &&
				r.Interaction.Timestamp != record.Interaction.Timestamp) {
				record = r
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %q after resumes", record.Status)
	}
}

func TestResumeRejectsSessionsNotWaiting(t *testing.T) {
	svc, _ := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeAutomatic)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, svc, sessionID, StatusCompleted)

	if err := svc.Resume(context.Background(), sessionID, map[string]any{"action": "approve"}); err != ErrNotWaiting {
		t.Fatalf("Resume on completed session: %v, want ErrNotWaiting", err)
	}
	if err := svc.Resume(context.Background(), "missing", nil); err != ErrNotFound {
		t.Fatalf("Resume on missing session: %v, want ErrNotFound", err)
	}
}

func TestQuotaExceededBlocksStart(t *testing.T) {
	store := statestore.NewMemory(time.Hour)
	ckpt := statestore.NewCheckpointer(store)
	usageSvc := usage.NewService()
	svc := NewService(store, ckpt, archive.NewMemoryRepo(), usageSvc, NewHub(nil), Config{})

	// Exhaust the Starter quota.
	for i := 0; i < 10; i++ {
		if _, err := usageSvc.Consume(context.Background(), "u1", 1); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	if _, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeAutomatic); err != ErrQuotaExceeded {
		t.Fatalf("Start over quota: %v, want ErrQuotaExceeded", err)
	}
}

func TestCancelWaitingSession(t *testing.T) {
	svc, _ := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, svc, sessionID, StatusWaitingForInput)

	if err := svc.Cancel(context.Background(), sessionID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	record := waitForStatus(t, svc, sessionID, StatusCancelled)
	if record.Interaction != nil {
		t.Fatal("cancelled session still carries an interaction payload")
	}
}

func TestStreamDeliversProgressAndCompletion(t *testing.T) {
	svc, _ := newTestService(t)

	// Subscribe before starting so no events are missed.
	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeAutomatic)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events, cancel := svc.Stream(sessionID)
	defer cancel()

	var sawProgress, sawAgent, sawCompleted bool
	deadline := time.After(5 * time.Second)
	for !sawCompleted {
		select {
		case event := <-events:
			switch event.Type {
			case EventProgress:
				sawProgress = true
			case EventAgentResult:
				if event.RoleID == "V1_space_planner_1-1" {
					sawAgent = true
				}
			case EventCompleted:
				sawCompleted = true
			case EventFailed:
				t.Fatalf("unexpected failure event: %s", event.Error)
			}
		case <-deadline:
			// The subscription may have attached after completion; fall back
			// to the persisted record.
			record := waitForStatus(t, svc, sessionID, StatusCompleted)
			if record.Status == StatusCompleted {
				return
			}
			t.Fatalf("stream timed out: progress=%v agent=%v", sawProgress, sawAgent)
		}
	}
}

func TestListFiltersAndCaches(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := svc.Start(context.Background(), testBrief, "u2", workflow.ModeManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, svc, first, StatusWaitingForInput)
	waitForStatus(t, svc, second, StatusWaitingForInput)

	records, err := svc.List(context.Background(), "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 || records[0].SessionID != first {
		t.Fatalf("filtered list = %+v", records)
	}
}

func TestRecoverRunningScansCheckpoints(t *testing.T) {
	svc, store := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, svc, sessionID, StatusWaitingForInput)

	// Simulate a crash that died before the pause was persisted: the hot
	// record says running, but the checkpoint carries the pending interrupt.
	if err := store.Update(context.Background(), sessionID, map[string]any{keyStatus: StatusRunning, keyInteraction: nil}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	recovered, err := svc.RecoverRunning(context.Background())
	if err != nil {
		t.Fatalf("RecoverRunning: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	record := waitForStatus(t, svc, sessionID, StatusWaitingForInput)
	if record.Interaction == nil {
		t.Fatal("recovered session lost its interaction payload")
	}

	// A second scan finds nothing mid-run.
	recovered, err = svc.RecoverRunning(context.Background())
	if err != nil {
		t.Fatalf("RecoverRunning second pass: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("second recovery pass = %d, want 0", recovered)
	}
}

func TestArchiveRemovesHotRecord(t *testing.T) {
	svc, store := newTestService(t)

	sessionID, err := svc.Start(context.Background(), testBrief, "u1", workflow.ModeAutomatic)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, svc, sessionID, StatusCompleted)

	// Terminal sessions are archived automatically; explicit archive with
	// force refreshes the copy and drops the hot record.
	if err := svc.Archive(context.Background(), sessionID, true); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if exists, _ := store.Exists(context.Background(), sessionID); exists {
		t.Fatal("hot record survived archiving")
	}

	summaries, total, err := svc.ListArchived(context.Background(), archive.ListOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListArchived: %v", err)
	}
	if len(summaries) != 1 || summaries[0].SessionID != sessionID {
		t.Fatalf("archived summaries = %+v", summaries)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}

	// Status filtering applies to both the page and the total.
	failedOnly, failedTotal, err := svc.ListArchived(context.Background(), archive.ListOptions{UserID: "u1", Status: archive.StatusFailed})
	if err != nil {
		t.Fatalf("ListArchived filtered: %v", err)
	}
	if len(failedOnly) != 0 || failedTotal != 0 {
		t.Fatalf("failed filter returned %d rows, total %d", len(failedOnly), failedTotal)
	}
}
