package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/provider"
)

func TestExpiryWorkerExpiresOverdueSessions(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	s, _ := e.Start(context.Background(), "u1")
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notified := make(chan string, 1)
	StartExpiryWorker(ctx, e, 10*time.Millisecond, func(id string) { notified <- id })

	deadline := time.After(2 * time.Second)
	for s.Status() != domain.StatusExpired {
		select {
		case <-deadline:
			t.Fatalf("session not expired by worker, status %s", s.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case id := <-notified:
		if id != s.ID {
			t.Errorf("callback got %s, want %s", id, s.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expiry callback not called")
	}
	if s.Report() == nil {
		t.Error("expected a feedback report for the expired session")
	}
}
