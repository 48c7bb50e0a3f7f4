package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/fluentwork/internal/conversation"
	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// ConnRegistry tracks the live conversation socket of each session. A session
// has at most one socket; a new connection replaces the old one.
type ConnRegistry struct {
	mu     sync.Mutex
	active map[string]*websocket.Conn
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]*websocket.Conn)}
}

// Register records conn as the session's socket, closing any previous one.
func (m *ConnRegistry) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	existing := m.active[sessionID]
	m.active[sessionID] = conn
	m.mu.Unlock()

	// Close outside the lock: the handshake waits on the old reader, which
	// unregisters on its way out.
	if existing != nil && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}
	slog.Debug("conversation socket registered", "session_id", sessionID)
}

// Unregister forgets conn if it is still the session's socket.
func (m *ConnRegistry) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Debug("conversation socket unregistered", "session_id", sessionID)
	}
}

// CloseSession closes the session's socket, if any. It is the expiry
// worker's callback.
func (m *ConnRegistry) CloseSession(sessionID string) {
	m.mu.Lock()
	conn, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session expired")
	slog.Info("conversation socket closed", "session_id", sessionID)
}

// Len returns the number of live sockets.
func (m *ConnRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Client and server message types.
const (
	msgTurn     = "turn"
	msgClose    = "close"
	msgSession  = "session"
	msgReply    = "reply"
	msgFeedback = "feedback"
	msgError    = "error"
)

type clientMessage struct {
	Type        string `json:"type"`
	Utterance   string `json:"utterance,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
}

type serverMessage struct {
	Type    string                   `json:"type"`
	Session *domain.SessionView      `json:"session,omitempty"`
	Turn    *conversation.TurnResult `json:"turn,omitempty"`
	Report  *domain.FeedbackReport   `json:"report,omitempty"`
	Error   string                   `json:"error,omitempty"`
	Code    string                   `json:"code,omitempty"`
}

// WebSocketHandler runs a practice conversation over a WebSocket.
type WebSocketHandler struct {
	practice      Practice
	conns         *ConnRegistry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(practice Practice, conns *ConnRegistry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		practice:      practice,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session, err := h.practice.Session(sessionID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	ctx := r.Context()
	view := session.View()
	if err := wsjson.Write(ctx, ws, serverMessage{Type: msgSession, Session: &view}); err != nil {
		return
	}

	slog.Info("conversation socket opened", "user_id", userID, "session_id", sessionID)
	h.readLoop(ctx, ws, sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop serves client messages until the conversation concludes or the
// client goes away.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}

		var (
			reply serverMessage
			done  bool
		)
		switch msg.Type {
		case msgTurn:
			reply, done = h.handleTurn(ctx, sessionID, msg)
		case msgClose:
			report, err := h.practice.Close(ctx, sessionID)
			if err != nil {
				reply = errorMessage(err, nil)
			} else {
				reply, done = serverMessage{Type: msgFeedback, Report: report}, true
			}
		default:
			reply = serverMessage{Type: msgError, Error: "unknown message type " + msg.Type, Code: CodeInvalidInput}
		}

		if err := wsjson.Write(ctx, ws, reply); err != nil {
			slog.Debug("websocket write failed", "session_id", sessionID, "error", err)
			return
		}
		if done {
			return
		}
	}
}

func (h *WebSocketHandler) handleTurn(ctx context.Context, sessionID string, msg clientMessage) (serverMessage, bool) {
	audio, err := decodeAudio(msg.AudioBase64)
	if err != nil {
		return errorMessage(err, nil), false
	}

	var result *conversation.TurnResult
	if audio != nil {
		result, err = h.practice.SubmitAudioTurn(ctx, sessionID, audio)
	} else {
		result, err = h.practice.SubmitUserTurn(ctx, sessionID, msg.Utterance)
	}

	switch {
	case errors.Is(err, domain.ErrTurnLimitExceeded) && result != nil && result.Report != nil:
		return serverMessage{Type: msgFeedback, Report: result.Report, Code: CodeTurnLimitExceeded}, true
	case err != nil:
		return errorMessage(err, nil), terminal(err)
	default:
		return serverMessage{Type: msgReply, Turn: result}, false
	}
}

// terminal reports whether err means the conversation cannot continue.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound)
}

func errorMessage(err error, report *domain.FeedbackReport) serverMessage {
	_, code := classify(err)
	msg := err.Error()
	if code == CodeInternal {
		msg = "internal error"
	}
	return serverMessage{Type: msgError, Error: msg, Code: code, Report: report}
}
