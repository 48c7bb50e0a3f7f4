// Package api provides HTTP handlers for the FluentWork API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/fluentwork/internal/conversation"
	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/provider"
)

// Practice is the conversation engine surface exposed over HTTP.
type Practice interface {
	Start(ctx context.Context, userID string) (*domain.Session, error)
	SubmitUserTurn(ctx context.Context, sessionID, utterance string) (*conversation.TurnResult, error)
	SubmitAudioTurn(ctx context.Context, sessionID string, audio []byte) (*conversation.TurnResult, error)
	Close(ctx context.Context, sessionID string) (*domain.FeedbackReport, error)
	Feedback(ctx context.Context, sessionID string) (*domain.FeedbackReport, error)
	Session(sessionID string) (*domain.Session, error)
	Recent(userID string, limit int) []*domain.Session
	Progress(ctx context.Context, userID string) (domain.ProgressionRecord, error)
	Transcribe(ctx context.Context, audio []byte) (provider.Transcript, error)
}

var _ Practice = (*conversation.Engine)(nil)

// Error codes returned in the "code" field of error bodies.
const (
	CodeNotFound          = "not_found"
	CodeInvalidState      = "invalid_state"
	CodeTurnLimitExceeded = "turn_limit_exceeded"
	CodeSessionBusy       = "session_busy"
	CodeNotReady          = "not_ready"
	CodeInvalidInput      = "invalid_input"
	CodeUpstream          = "upstream_unavailable"
	CodeInternal          = "internal"
)

type errorBody struct {
	Error  string                 `json:"error"`
	Code   string                 `json:"code,omitempty"`
	Report *domain.FeedbackReport `json:"report,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message})
}

// classify maps a domain error to its HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrTurnLimitExceeded):
		return http.StatusConflict, CodeTurnLimitExceeded
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrSessionBusy):
		return http.StatusConflict, CodeSessionBusy
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict, CodeNotReady
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, CodeUpstream
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError renders err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error, report *domain.FeedbackReport) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	JSON(w, status, errorBody{Error: msg, Code: code, Report: report})
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
