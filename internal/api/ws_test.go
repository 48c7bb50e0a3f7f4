package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func dialSession(t *testing.T, ctx context.Context, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + sessionID
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.UserHeaderName: []string{"u1"}},
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) serverMessage {
	t.Helper()
	var msg serverMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func TestWebSocketConversation(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	started := s.start(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSession(t, ctx, srv, started.SessionID)

	hello := readMessage(t, ctx, conn)
	if hello.Type != msgSession || hello.Session == nil || hello.Session.ID != started.SessionID {
		t.Fatalf("expected session message, got %+v", hello)
	}

	if err := wsjson.Write(ctx, conn, clientMessage{Type: msgTurn, Utterance: "The report is done."}); err != nil {
		t.Fatal(err)
	}
	reply := readMessage(t, ctx, conn)
	if reply.Type != msgReply || reply.Turn == nil || reply.Turn.Reply == "" {
		t.Fatalf("expected reply, got %+v", reply)
	}

	if err := wsjson.Write(ctx, conn, clientMessage{Type: "dance"}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, ctx, conn); msg.Type != msgError || msg.Code != CodeInvalidInput {
		t.Errorf("expected invalid input error, got %+v", msg)
	}

	if err := wsjson.Write(ctx, conn, clientMessage{Type: msgClose}); err != nil {
		t.Fatal(err)
	}
	fb := readMessage(t, ctx, conn)
	if fb.Type != msgFeedback || fb.Report == nil || fb.Report.Status != domain.StatusCompleted {
		t.Fatalf("expected feedback, got %+v", fb)
	}

	var trailing serverMessage
	if err := wsjson.Read(ctx, conn, &trailing); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure after feedback, got %v", err)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/missing"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 response, got %v", resp)
	}
}

func TestConnRegistryCloseSession(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	started := s.start(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialSession(t, ctx, srv, started.SessionID)
	readMessage(t, ctx, conn)

	if s.conns.Len() != 1 {
		t.Fatalf("expected 1 registered socket, got %d", s.conns.Len())
	}

	// The close handshake needs the client reading.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		s.conns.CloseSession(started.SessionID)
	}()

	var msg serverMessage
	if err := wsjson.Read(ctx, conn, &msg); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("expected normal closure, got %v", err)
	}
	<-closed
	s.conns.CloseSession("missing")
	if s.conns.Len() != 0 {
		t.Errorf("expected empty registry, got %d", s.conns.Len())
	}
}

func TestConnRegistryReplacesExistingSocket(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	started := s.start(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := dialSession(t, ctx, srv, started.SessionID)
	readMessage(t, ctx, first)

	firstErr := make(chan error, 1)
	go func() {
		var msg serverMessage
		firstErr <- wsjson.Read(ctx, first, &msg)
	}()

	second := dialSession(t, ctx, srv, started.SessionID)
	readMessage(t, ctx, second)

	if err := <-firstErr; websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("expected policy violation on replaced socket, got %v", err)
	}
	if s.conns.Len() != 1 {
		t.Errorf("expected 1 registered socket, got %d", s.conns.Len())
	}
}
