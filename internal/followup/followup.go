// Package followup answers questions against a finished analysis session,
// with a bounded conversation memory per session.
package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"studio-backend/internal/archive"
	"studio-backend/internal/extract"
	"studio-backend/internal/graph"
	"studio-backend/internal/llm"
	"studio-backend/internal/shared/metrics"
	"studio-backend/internal/shared/storage/object"
	"studio-backend/internal/shared/telemetry"
	"studio-backend/internal/statestore"
)

// MaxTurns bounds the stored conversation; older turns are dropped.
const MaxTurns = 50

// Service errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyQuestion   = errors.New("question is empty")
)

// Turn is one stored question/answer exchange.
type Turn struct {
	TurnID    int    `json:"turn_id"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Intent    string `json:"intent"`
	Timestamp string `json:"timestamp"`
}

// Attachment is a file woven into the question context, either uploaded
// inline or referenced by its object-store key.
type Attachment struct {
	FileName string
	MimeType string
	Data     []byte
	Key      string
}

// Answer is the result of one follow-up question.
type Answer struct {
	Answer      string   `json:"answer"`
	Intent      string   `json:"intent"`
	References  []string `json:"references,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	TurnID      int      `json:"turn_id"`
}

// Config tunes the follow-up service.
type Config struct {
	// TokenBudget bounds the assembled context.
	TokenBudget int
	// MemoryPolicy is MemoryRecentOnly or MemoryAll.
	MemoryPolicy string
	// MaxTurns overrides the stored-history bound.
	MaxTurns int
}

func (c Config) withDefaults() Config {
	if c.TokenBudget <= 0 {
		c.TokenBudget = defaultTokenBudget
	}
	if c.MemoryPolicy == "" {
		c.MemoryPolicy = MemoryAll
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = MaxTurns
	}
	return c
}

// Service answers follow-up questions. Session state is read from the hot
// store when present, with the archive as fallback for older sessions.
type Service struct {
	llm     llm.Client
	store   statestore.Store
	archive archive.Repo
	objects object.ObjectStore
	cfg     Config
}

// NewService constructs a follow-up service. The object store backs
// attachments referenced by storage key.
func NewService(client llm.Client, store statestore.Store, repo archive.Repo, objects object.ObjectStore, cfg Config) *Service {
	return &Service{llm: client, store: store, archive: repo, objects: objects, cfg: cfg.withDefaults()}
}

const answerSystemPrompt = `You are the lead consultant presenting a finished interior design analysis to the client.
Answer the client's question from the analysis context provided. Be concrete and cite which
part of the analysis supports each claim. If the question goes beyond the analysis, say so
and reason from the stated requirements.
Respond with JSON: {"answer": string, "references": [string], "suggestions": [string]}.
"references" names the report sections or specialists the answer draws on.
"suggestions" offers up to three natural next questions.`

// Ask answers one question against the session's analysis and records the
// exchange in the session's conversation history.
func (s *Service) Ask(ctx context.Context, userID, sessionID, question string, attachments []Attachment) (Answer, error) {
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}

	state, err := s.sessionState(ctx, userID, sessionID)
	if err != nil {
		return Answer{}, err
	}
	turns, err := s.history(ctx, sessionID)
	if err != nil {
		return Answer{}, err
	}

	intent := ClassifyIntent(question)
	prompt := buildContext(state, turns, s.cfg.MemoryPolicy, s.cfg.TokenBudget)
	if extra := s.attachmentContext(ctx, attachments); extra != "" {
		prompt += "\n\n" + extra
	}
	prompt += fmt.Sprintf("\n\nClient question (intent: %s):\n%s\n", intent, question)

	raw, err := s.llm.Complete(ctx, llm.CompleteInput{
		System:    answerSystemPrompt,
		Prompt:    prompt,
		ForceJSON: true,
		Label:     "followup",
	})
	if err != nil {
		return Answer{}, fmt.Errorf("followup answer: %w", err)
	}
	var parsed struct {
		Answer      string   `json:"answer"`
		References  []string `json:"references"`
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Answer{}, fmt.Errorf("followup answer decode: %w", err)
	}

	turnID := nextTurnID(turns)
	turn := Turn{
		TurnID:    turnID,
		Question:  question,
		Answer:    parsed.Answer,
		Intent:    intent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.appendTurn(ctx, sessionID, turns, turn); err != nil {
		// The answer is still usable; losing one history entry only degrades
		// later context.
		telemetry.Warn("followup history write failed", map[string]any{
			"session_id": sessionID, "error": err.Error(),
		})
	}

	metrics.IncFollowupTurn()
	return Answer{
		Answer:      parsed.Answer,
		Intent:      intent,
		References:  parsed.References,
		Suggestions: parsed.Suggestions,
		TurnID:      turnID,
	}, nil
}

// History returns the stored conversation for a session.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]Turn, error) {
	if _, err := s.sessionState(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.history(ctx, sessionID)
}

func (s *Service) sessionState(ctx context.Context, userID, sessionID string) (graph.State, error) {
	record, err := s.store.Get(ctx, sessionID)
	if err == nil {
		state := graph.State(record)
		if owner := state.GetString("user_id"); owner != "" && owner != userID {
			return nil, ErrSessionNotFound
		}
		return state, nil
	}
	if !errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}
	archived, aerr := s.archive.Get(ctx, userID, sessionID)
	if aerr != nil {
		if errors.Is(aerr, archive.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, aerr
	}
	return graph.State(archived.State), nil
}

func (s *Service) history(ctx context.Context, sessionID string) ([]Turn, error) {
	key := statestore.SubKey(statestore.FollowupPrefix, sessionID)
	record, err := s.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	raw, _ := record["turns"].([]any)
	turns := make([]Turn, 0, len(raw))
	for _, entry := range raw {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var turn Turn
		if err := json.Unmarshal(data, &turn); err != nil {
			continue
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Service) appendTurn(ctx context.Context, sessionID string, turns []Turn, turn Turn) error {
	turns = append(turns, turn)
	if len(turns) > s.cfg.MaxTurns {
		turns = turns[len(turns)-s.cfg.MaxTurns:]
	}
	encoded := make([]any, len(turns))
	for i, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		encoded[i] = m
	}

	key := statestore.SubKey(statestore.FollowupPrefix, sessionID)
	patch := map[string]any{"turns": encoded}
	err := s.store.Update(ctx, key, patch)
	if errors.Is(err, statestore.ErrNotFound) {
		return s.store.Create(ctx, key, patch)
	}
	return err
}

// attachmentContext extracts text from attached files. Documents are read
// with the extraction pipeline; images are noted by name since the answer
// model here is text-only. Attachments carrying a storage key are read from
// the object store, which also caches the extracted text next to the object.
func (s *Service) attachmentContext(ctx context.Context, attachments []Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	out := "Attached material:\n"
	for _, att := range attachments {
		switch {
		case isImageMime(att.MimeType):
			out += fmt.Sprintf("- image %q attached by the client\n", att.FileName)
		case att.Key != "" && len(att.Data) == 0:
			if s.objects == nil {
				out += fmt.Sprintf("- document %q could not be read\n", att.FileName)
				continue
			}
			text, err := extract.ExtractText(ctx, s.objects, att.Key, att.MimeType, att.FileName)
			if err != nil {
				telemetry.Warn("attachment extraction failed", map[string]any{
					"file": att.FileName, "key": att.Key, "error": err.Error(),
				})
				out += fmt.Sprintf("- document %q could not be read\n", att.FileName)
				continue
			}
			out += fmt.Sprintf("- document %q:\n%s\n", att.FileName, firstChars(text, 2000))
		case isTextMime(att.MimeType):
			out += fmt.Sprintf("- document %q:\n%s\n", att.FileName, firstChars(string(att.Data), 2000))
		default:
			text, err := extract.ExtractTextFromBytes(ctx, att.Data, att.MimeType, att.FileName)
			if err != nil {
				telemetry.Warn("attachment extraction failed", map[string]any{
					"file": att.FileName, "error": err.Error(),
				})
				out += fmt.Sprintf("- document %q could not be read\n", att.FileName)
				continue
			}
			out += fmt.Sprintf("- document %q:\n%s\n", att.FileName, firstChars(text, 2000))
		}
	}
	return out
}

func isTextMime(mime string) bool {
	return strings.HasPrefix(mime, "text/") || mime == "application/json"
}

func isImageMime(mime string) bool {
	switch mime {
	case "image/png", "image/jpeg", "image/webp", "image/gif":
		return true
	}
	return false
}

// firstChars truncates to at most n bytes without splitting a UTF-8 rune.
func firstChars(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func nextTurnID(turns []Turn) int {
	if len(turns) == 0 {
		return 1
	}
	return turns[len(turns)-1].TurnID + 1
}
