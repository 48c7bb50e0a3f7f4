package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/fluentwork/internal/conversation"
	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// PracticeHandler exposes practice sessions and progression over HTTP.
type PracticeHandler struct {
	practice Practice
	maxBody  int64
}

// NewPracticeHandler creates a practice handler. maxBody bounds request
// bodies, which carry base64 audio.
func NewPracticeHandler(practice Practice, maxBody int64) *PracticeHandler {
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &PracticeHandler{practice: practice, maxBody: maxBody}
}

// RegisterRoutes registers the practice routes.
func (h *PracticeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions", h.RecentSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/turns", h.SubmitTurn)
		r.Post("/sessions/{sessionID}/close", h.CloseSession)
		r.Get("/sessions/{sessionID}/feedback", h.GetFeedback)
		r.Get("/progress", h.GetProgress)
		r.Post("/speech-to-text", h.SpeechToText)
	})
}

// StartResponse describes a newly started session.
type StartResponse struct {
	SessionID      string                 `json:"session_id"`
	Scenario       domain.ScenarioSummary `json:"scenario"`
	OpeningLine    string                 `json:"opening_line"`
	HelpfulPhrases []string               `json:"helpful_phrases"`
	MaxTurns       int                    `json:"max_turns"`
	Status         domain.Status          `json:"status"`
	ExpiresAt      time.Time              `json:"expires_at"`
}

// TurnRequest carries a typed or a spoken learner reply.
type TurnRequest struct {
	Utterance   string `json:"utterance,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

// SpeechRequest carries audio to transcribe.
type SpeechRequest struct {
	AudioBase64 string `json:"audio_base64"`
}

// SpeechResponse is a transcription result.
type SpeechResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ProgressResponse is a learner's progression.
type ProgressResponse struct {
	UserID            string      `json:"user_id"`
	Tier              domain.Tier `json:"tier"`
	CompletedSessions int         `json:"completed_sessions"`
	LastSessionAt     *time.Time  `json:"last_session_at,omitempty"`
	Streak            int         `json:"streak"`
}

func newStartResponse(s *domain.Session) StartResponse {
	return StartResponse{
		SessionID:      s.ID,
		Scenario:       s.Scenario.Summary(),
		OpeningLine:    s.Scenario.Opening,
		HelpfulPhrases: append([]string(nil), s.Scenario.TargetPhrases...),
		MaxTurns:       s.Scenario.MaxTurns,
		Status:         s.Status(),
		ExpiresAt:      s.Deadline(),
	}
}

// StartSession starts a session for the caller.
func (h *PracticeHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	s, err := h.practice.Start(r.Context(), userID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusCreated, newStartResponse(s))
}

// SubmitTurn records a learner reply and returns the manager's answer.
func (h *PracticeHandler) SubmitTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req TurnRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}

	audio, err := decodeAudio(req.AudioBase64)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	switch {
	case audio != nil && strings.TrimSpace(req.Utterance) != "":
		writeError(w, r, fmt.Errorf("%w: send either utterance or audio_base64, not both", domain.ErrInvalidInput), nil)
		return
	case audio != nil:
		result, err := h.practice.SubmitAudioTurn(r.Context(), sessionID, audio)
		h.writeTurn(w, r, result, err)
	default:
		result, err := h.practice.SubmitUserTurn(r.Context(), sessionID, req.Utterance)
		h.writeTurn(w, r, result, err)
	}
}

func (h *PracticeHandler) writeTurn(w http.ResponseWriter, r *http.Request, result *conversation.TurnResult, err error) {
	if err != nil {
		var report *domain.FeedbackReport
		if result != nil {
			report = result.Report
		}
		writeError(w, r, err, report)
		return
	}
	JSON(w, http.StatusOK, result)
}

// CloseSession completes a session and returns its feedback.
func (h *PracticeHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	report, err := h.practice.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusOK, report)
}

// GetFeedback returns a concluded session's feedback.
func (h *PracticeHandler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	report, err := h.practice.Feedback(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusOK, report)
}

// GetSession returns a snapshot of a session.
func (h *PracticeHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.practice.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusOK, s.View())
}

// RecentSessions lists the caller's most recent sessions, newest first.
func (h *PracticeHandler) RecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidInput), nil)
			return
		}
		limit = min(n, maxRecentLimit)
	}

	sessions := h.practice.Recent(identity.UserIDFromContext(r.Context()), limit)
	views := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// GetProgress returns the caller's progression.
func (h *PracticeHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	rec, err := h.practice.Progress(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusOK, ProgressResponse{
		UserID:            rec.UserID,
		Tier:              rec.Tier,
		CompletedSessions: rec.CompletedSessions,
		LastSessionAt:     rec.LastSessionAt,
		Streak:            rec.Streak,
	})
}

// SpeechToText transcribes audio without touching any session.
func (h *PracticeHandler) SpeechToText(w http.ResponseWriter, r *http.Request) {
	var req SpeechRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}
	audio, err := decodeAudio(req.AudioBase64)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if audio == nil {
		writeError(w, r, fmt.Errorf("%w: audio_base64 is required", domain.ErrInvalidInput), nil)
		return
	}

	t, err := h.practice.Transcribe(r.Context(), audio)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	JSON(w, http.StatusOK, SpeechResponse{Text: t.Text, Confidence: t.Confidence})
}

// decodeAudio decodes a base64 payload, accepting an optional data URL
// prefix. An empty payload yields nil.
func decodeAudio(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	if i := strings.Index(payload, ";base64,"); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+len(";base64,"):]
	}
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: audio_base64 is not valid base64", domain.ErrInvalidInput)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio payload", domain.ErrInvalidInput)
	}
	return audio, nil
}
