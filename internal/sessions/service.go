package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio-backend/internal/archive"
	"studio-backend/internal/graph"
	"studio-backend/internal/shared/metrics"
	"studio-backend/internal/shared/telemetry"
	"studio-backend/internal/statestore"
	"studio-backend/internal/usage"
	"studio-backend/internal/workflow"
)

// Session statuses.
const (
	StatusInitializing    = "initializing"
	StatusRunning         = "running"
	StatusWaitingForInput = "waiting_for_input"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// Service-level state keys, kept alongside the workflow state in the hot
// store.
const (
	keyStatus      = "status"
	keyInteraction = "interaction_payload"
	keyProgress    = "progress"
	keyError       = "error"
)

// Service errors.
var (
	ErrNotFound      = errors.New("session not found")
	ErrQuotaExceeded = errors.New("session quota exceeded")
	ErrNotWaiting    = errors.New("session is not waiting for input")
)

// StatusRecord is the session view returned by Status and List.
type StatusRecord struct {
	SessionID     string                    `json:"session_id"`
	UserID        string                    `json:"user_id,omitempty"`
	Status        string                    `json:"status"`
	Progress      float64                   `json:"progress"`
	CurrentStage  string                    `json:"current_stage"`
	Detail        string                    `json:"detail,omitempty"`
	ExecutionMode string                    `json:"execution_mode,omitempty"`
	Interaction   *graph.InteractionPayload `json:"interaction_payload,omitempty"`
	Error         map[string]any            `json:"error,omitempty"`
	CreatedAt     string                    `json:"created_at,omitempty"`
	UpdatedAt     string                    `json:"updated_at,omitempty"`
}

// Config tunes the service.
type Config struct {
	// SessionTTL is the hot-store lifetime refreshed on every write.
	SessionTTL time.Duration
	// ListCacheTTL absorbs session-list polling.
	ListCacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.ListCacheTTL <= 0 {
		c.ListCacheTTL = 3 * time.Second
	}
	return c
}

// Service owns the session lifecycle: it starts graph runs, persists their
// state, streams their events, and archives them at the end.
type Service struct {
	store   statestore.Store
	ckpt    *statestore.Checkpointer
	archive archive.Repo
	usage   *usage.Service
	hub     *Hub
	cfg     Config

	engine *graph.Engine

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	listCache *listCache
}

// NewService wires the session service. The engine is attached afterwards
// via SetEngine because its step observer closes over the service.
func NewService(store statestore.Store, ckpt *statestore.Checkpointer, repo archive.Repo, usageSvc *usage.Service, hub *Hub, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		store:     store,
		ckpt:      ckpt,
		archive:   repo,
		usage:     usageSvc,
		hub:       hub,
		cfg:       cfg,
		cancels:   make(map[string]context.CancelFunc),
		listCache: newListCache(cfg.ListCacheTTL),
	}
}

// SetEngine attaches the graph engine driving sessions.
func (s *Service) SetEngine(engine *graph.Engine) {
	s.engine = engine
}

// Checkpointer exposes the checkpoint store for recovery scans.
func (s *Service) Checkpointer() *statestore.Checkpointer {
	return s.ckpt
}

// Start creates a session and begins executing it in the background.
func (s *Service) Start(ctx context.Context, userInput, userID, executionMode string) (string, error) {
	if s.usage != nil && userID != "" {
		ok, _, err := s.usage.CanConsume(ctx, userID, 1)
		if err != nil {
			return "", fmt.Errorf("check quota: %w", err)
		}
		if !ok {
			return "", ErrQuotaExceeded
		}
	}

	sessionID := uuid.NewString()
	state := workflow.NewInitialState(userInput, sessionID, userID)
	if executionMode != "" {
		state[workflow.KeyExecutionMode] = executionMode
	}
	record := map[string]any(state)
	record[keyStatus] = StatusInitializing
	record[keyProgress] = 0.0

	if err := s.store.Create(ctx, sessionID, record); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if s.usage != nil && userID != "" {
		if _, err := s.usage.Consume(ctx, userID, 1); err != nil {
			s.store.Delete(ctx, sessionID)
			if errors.Is(err, usage.ErrLimitReached) {
				return "", ErrQuotaExceeded
			}
			return "", fmt.Errorf("consume quota: %w", err)
		}
	}

	metrics.IncSessionStarted()
	s.listCache.invalidate()
	s.runAsync(sessionID, func(runCtx context.Context) (graph.Result, error) {
		return s.engine.Run(runCtx, sessionID, state)
	})
	return sessionID, nil
}

// Resume feeds a user response to a paused session and continues it in the
// background.
func (s *Service) Resume(ctx context.Context, sessionID string, response any) error {
	record, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if status, _ := record[keyStatus].(string); status != StatusWaitingForInput {
		return ErrNotWaiting
	}

	s.runAsync(sessionID, func(runCtx context.Context) (graph.Result, error) {
		return s.engine.Resume(runCtx, sessionID, response)
	})
	return nil
}

// Cancel marks the session cancelled. The engine observes the cancellation
// at the next node boundary; in-flight model calls finish and are discarded.
func (s *Service) Cancel(ctx context.Context, sessionID string) error {
	exists, err := s.store.Exists(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}

	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	err = s.store.Update(ctx, sessionID, map[string]any{
		keyStatus:      StatusCancelled,
		keyInteraction: nil,
	})
	if err != nil {
		return err
	}
	s.listCache.invalidate()
	return nil
}

// Status returns the session's current view.
func (s *Service) Status(ctx context.Context, sessionID string) (StatusRecord, error) {
	record, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return StatusRecord{}, ErrNotFound
		}
		return StatusRecord{}, err
	}
	return statusFromRecord(sessionID, record), nil
}

// List returns the hot sessions, optionally filtered by user. Results are
// cached briefly to absorb polling.
func (s *Service) List(ctx context.Context, userID string) ([]StatusRecord, error) {
	if cached, ok := s.listCache.get(userID); ok {
		return cached, nil
	}
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StatusRecord, 0, len(records))
	for _, rec := range records {
		view := statusFromRecord(rec.SessionID, rec.State)
		if userID != "" && view.UserID != userID {
			continue
		}
		out = append(out, view)
	}
	s.listCache.put(userID, out)
	return out, nil
}

// Stream subscribes to the session's event feed.
func (s *Service) Stream(sessionID string) (<-chan Event, func()) {
	return s.hub.Subscribe(sessionID)
}

// Archive moves the session to the archive store and drops the hot record.
func (s *Service) Archive(ctx context.Context, sessionID string, force bool) error {
	record, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := s.archive.Archive(ctx, archivedFromRecord(sessionID, record), force); err != nil {
		return err
	}
	s.dropHot(ctx, sessionID)
	s.listCache.invalidate()
	return nil
}

// ListArchived pages through archived sessions and reports the total match
// count for the same filters.
func (s *Service) ListArchived(ctx context.Context, opts archive.ListOptions) ([]archive.Summary, int, error) {
	summaries, err := s.archive.List(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.archive.Count(ctx, opts)
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// GetArchived fetches one archived session with its blobs.
func (s *Service) GetArchived(ctx context.Context, userID, sessionID string) (archive.ArchivedSession, error) {
	return s.archive.Get(ctx, userID, sessionID)
}

// UpdateMetadata edits display name, pin flag, or tags on an archived
// session.
func (s *Service) UpdateMetadata(ctx context.Context, userID, sessionID string, meta archive.Metadata) error {
	return s.archive.UpdateMetadata(ctx, userID, sessionID, meta)
}

// Delete removes the session everywhere: hot store, checkpoint, follow-up
// history, and archive.
func (s *Service) Delete(ctx context.Context, userID, sessionID string) error {
	s.dropHot(ctx, sessionID)
	if err := s.archive.Delete(ctx, userID, sessionID); err != nil && !errors.Is(err, archive.ErrNotFound) {
		return err
	}
	s.listCache.invalidate()
	return nil
}

// RecoverRunning resumes sessions that were mid-run when the process died.
// Paused sessions surface their interrupt again and stay paused. Returns the
// number of sessions recovered.
func (s *Service) RecoverRunning(ctx context.Context) (int, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rec := range records {
		status, _ := rec.State[keyStatus].(string)
		if status != StatusRunning && status != StatusInitializing {
			continue
		}
		if _, err := s.ckpt.Get(ctx, rec.SessionID); err != nil {
			if errors.Is(err, graph.ErrNoCheckpoint) {
				continue
			}
			return recovered, err
		}
		sessionID := rec.SessionID
		telemetry.Info("recovering session", map[string]any{"session_id": sessionID})
		s.runAsync(sessionID, func(runCtx context.Context) (graph.Result, error) {
			return s.engine.Recover(runCtx, sessionID)
		})
		recovered++
	}
	return recovered, nil
}

// RecoverSession resumes one specific session from its last checkpoint.
func (s *Service) RecoverSession(ctx context.Context, sessionID string) error {
	if _, err := s.ckpt.Get(ctx, sessionID); err != nil {
		if errors.Is(err, graph.ErrNoCheckpoint) {
			return ErrNotFound
		}
		return err
	}
	telemetry.Info("recovering session", map[string]any{"session_id": sessionID})
	s.runAsync(sessionID, func(runCtx context.Context) (graph.Result, error) {
		return s.engine.Recover(runCtx, sessionID)
	})
	return nil
}

// OnStep is the engine's step observer: it persists state after every node
// and streams a progress event. Registered via graph.WithStepObserver.
func (s *Service) OnStep(threadID, node string, state graph.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	progress := workflow.Progress(state)
	patch := statestore.Sanitize(map[string]any(state))
	patch[keyStatus] = StatusRunning
	patch[keyProgress] = progress
	patch[keyInteraction] = nil
	if err := s.store.Update(ctx, threadID, patch); err != nil {
		telemetry.Warn("session state persist failed", map[string]any{
			"session_id": threadID, "node": node, "error": err.Error(),
		})
	}

	s.hub.Publish(ctx, ProgressEvent(
		threadID,
		progress,
		state.GetString(workflow.KeyCurrentStage),
		state.GetString(workflow.KeyDetail),
	))
}

// OnAgentResult streams a specialist's finished analysis as it lands,
// before the batch fan-in completes. Registered via
// workflow.WithAgentResultHook.
func (s *Service) OnAgentResult(sessionID string, result workflow.AgentResult) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Publish(ctx, AgentResultEvent(sessionID, result.RoleID, result.RoleName, result.Analysis, result.StructuredData))
}

// runAsync drives one engine call in the background and records the outcome.
func (s *Service) runAsync(sessionID string, drive func(context.Context) (graph.Result, error)) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[sessionID] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.cancels, sessionID)
			s.mu.Unlock()
		}()
		started := time.Now()
		res, err := drive(runCtx)
		s.finish(sessionID, res, err, started)
	}()
}

func (s *Service) finish(sessionID string, res graph.Result, err error, started time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		// Cancel already wrote the terminal status.
		telemetry.Info("session cancelled", map[string]any{"session_id": sessionID})
	case err != nil:
		metrics.IncSessionFailed()
		kind, message := classifyError(err)
		telemetry.Error("session failed", map[string]any{
			"session_id": sessionID, "error": err.Error(), "kind": kind,
		})
		patch := map[string]any{
			keyStatus:      StatusFailed,
			keyInteraction: nil,
			keyError:       map[string]any{"type": kind, "message": message},
		}
		if uerr := s.store.Update(ctx, sessionID, patch); uerr != nil {
			telemetry.Error("failed-state persist failed", map[string]any{"session_id": sessionID, "error": uerr.Error()})
		}
		s.hub.Publish(ctx, FailedEvent(sessionID, message))
		s.archiveTerminal(ctx, sessionID, archive.StatusFailed)
	case res.Interrupt != nil:
		patch := map[string]any{
			keyStatus:      StatusWaitingForInput,
			keyInteraction: interactionToMap(res.Interrupt),
			keyProgress:    workflow.Progress(res.State),
		}
		if uerr := s.store.Update(ctx, sessionID, patch); uerr != nil {
			telemetry.Error("paused-state persist failed", map[string]any{"session_id": sessionID, "error": uerr.Error()})
		}
		s.hub.Publish(ctx, InterruptEvent(sessionID, res.Interrupt))
	case res.Done:
		metrics.IncSessionCompleted()
		metrics.ObserveSessionDurationMs(float64(time.Since(started).Milliseconds()))
		terminal := archive.StatusCompleted
		status := StatusCompleted
		if res.State.GetString(workflow.KeyCurrentStage) == workflow.StageError {
			metrics.IncSessionFailed()
			terminal = archive.StatusFailed
			status = StatusFailed
		}
		patch := statestore.Sanitize(map[string]any(res.State))
		patch[keyStatus] = status
		patch[keyInteraction] = nil
		patch[keyProgress] = workflow.Progress(res.State)
		if status == StatusFailed {
			patch[keyError] = map[string]any{
				"type":    "validation_error",
				"message": res.State.GetString(workflow.KeyRejectionReason),
			}
		}
		if uerr := s.store.Update(ctx, sessionID, patch); uerr != nil {
			telemetry.Error("terminal-state persist failed", map[string]any{"session_id": sessionID, "error": uerr.Error()})
		}
		if status == StatusCompleted {
			s.hub.Publish(ctx, CompletedEvent(sessionID, res.State.GetString(workflow.KeyFinalReportURL)))
		} else {
			s.hub.Publish(ctx, FailedEvent(sessionID, res.State.GetString(workflow.KeyRejectionReason)))
		}
		s.archiveTerminal(ctx, sessionID, terminal)
	}
	s.listCache.invalidate()
}

// archiveTerminal copies a terminal session into the archive. The hot record
// stays until its TTL expires or the user archives explicitly; the write is
// idempotent so the explicit path still works.
func (s *Service) archiveTerminal(ctx context.Context, sessionID string, terminalStatus string) {
	record, err := s.store.Get(ctx, sessionID)
	if err != nil {
		telemetry.Warn("terminal archive read failed", map[string]any{"session_id": sessionID, "error": err.Error()})
		return
	}
	session := archivedFromRecord(sessionID, record)
	session.Status = terminalStatus
	if err := s.archive.Archive(ctx, session, false); err != nil && !errors.Is(err, archive.ErrDuplicate) {
		telemetry.Warn("terminal archive failed", map[string]any{"session_id": sessionID, "error": err.Error()})
	}
}

func (s *Service) dropHot(ctx context.Context, sessionID string) {
	if err := s.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		telemetry.Warn("hot-session delete failed", map[string]any{"session_id": sessionID, "error": err.Error()})
	}
	if err := s.ckpt.Delete(ctx, sessionID); err != nil {
		telemetry.Warn("checkpoint delete failed", map[string]any{"session_id": sessionID, "error": err.Error()})
	}
	if err := s.store.Delete(ctx, statestore.SubKey(statestore.FollowupPrefix, sessionID)); err != nil && !errors.Is(err, statestore.ErrNotFound) {
		telemetry.Warn("followup delete failed", map[string]any{"session_id": sessionID, "error": err.Error()})
	}
}

func statusFromRecord(sessionID string, record map[string]any) StatusRecord {
	state := graph.State(record)
	view := StatusRecord{
		SessionID:     sessionID,
		UserID:        state.GetString(workflow.KeyUserID),
		Status:        state.GetString(keyStatus),
		CurrentStage:  state.GetString(workflow.KeyCurrentStage),
		Detail:        state.GetString(workflow.KeyDetail),
		ExecutionMode: state.GetString(workflow.KeyExecutionMode),
		CreatedAt:     state.GetString(workflow.KeyCreatedAt),
		UpdatedAt:     state.GetString(workflow.KeyUpdatedAt),
	}
	if p, ok := record[keyProgress].(float64); ok {
		view.Progress = p
	} else {
		view.Progress = workflow.Progress(state)
	}
	if raw, ok := record[keyInteraction].(map[string]any); ok && len(raw) > 0 {
		view.Interaction = interactionFromMap(raw)
	}
	if raw, ok := record[keyError].(map[string]any); ok && len(raw) > 0 {
		view.Error = raw
	}
	return view
}

func archivedFromRecord(sessionID string, record map[string]any) archive.ArchivedSession {
	state := graph.State(record)
	status, _ := record[keyStatus].(string)
	archStatus := archive.StatusCompleted
	switch status {
	case StatusFailed:
		archStatus = archive.StatusFailed
	case StatusCancelled:
		archStatus = archive.StatusCancelled
	}

	now := time.Now().UTC()
	created := parseTime(state.GetString(workflow.KeyCreatedAt), now)
	completed := parseTime(state.GetString(workflow.KeyUpdatedAt), now)

	return archive.ArchivedSession{
		SessionID:   sessionID,
		UserID:      state.GetString(workflow.KeyUserID),
		Status:      archStatus,
		Mode:        state.GetString(workflow.KeyExecutionMode),
		Stage:       state.GetString(workflow.KeyCurrentStage),
		Progress:    workflow.Progress(state),
		DisplayName: displayName(state),
		State:       statestore.Sanitize(record),
		Report:      state.GetMap(workflow.KeyFinalReport),
		CreatedAt:   created,
		CompletedAt: completed,
		ArchivedAt:  now,
	}
}

// displayName derives a human label from the first line of the brief.
func displayName(state graph.State) string {
	input := state.GetString(workflow.KeyUserInput)
	for i, r := range input {
		if r == '\n' || i >= 80 {
			return input[:i]
		}
	}
	return input
}

func parseTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return fallback
}

func interactionToMap(payload *graph.InteractionPayload) map[string]any {
	if payload == nil {
		return nil
	}
	out := map[string]any{
		"interaction_type": payload.Type,
		"message":          payload.Message,
		"timestamp":        payload.Timestamp,
	}
	if len(payload.Data) > 0 {
		out["data"] = payload.Data
	}
	if len(payload.Options) > 0 {
		opts := make(map[string]any, len(payload.Options))
		for k, v := range payload.Options {
			opts[k] = v
		}
		out["options"] = opts
	}
	return out
}

func interactionFromMap(raw map[string]any) *graph.InteractionPayload {
	payload := &graph.InteractionPayload{}
	payload.Type, _ = raw["interaction_type"].(string)
	payload.Message, _ = raw["message"].(string)
	payload.Timestamp, _ = raw["timestamp"].(string)
	if data, ok := raw["data"].(map[string]any); ok {
		payload.Data = data
	}
	if opts, ok := raw["options"].(map[string]any); ok {
		payload.Options = make(map[string]string, len(opts))
		for k, v := range opts {
			if s, ok := v.(string); ok {
				payload.Options[k] = s
			}
		}
	}
	return payload
}

// classifyError maps engine failures onto the user-facing error taxonomy.
func classifyError(err error) (kind, message string) {
	var rec *graph.RecursionError
	if errors.As(err, &rec) {
		return "recursion_guard", "analysis exceeded its step limit"
	}
	var ne *graph.NodeError
	if errors.As(err, &ne) {
		return "node_error", fmt.Sprintf("analysis step %q failed", ne.Node)
	}
	return "internal_error", "analysis failed unexpectedly"
}
