package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/fluentwork/internal/catalog"
	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/feedback"
	"github.com/ashureev/fluentwork/internal/progression"
	"github.com/ashureev/fluentwork/internal/provider"
	"github.com/ashureev/fluentwork/internal/store"
)

var threeTurnScenario = &domain.Scenario{
	ID:            "easy_test",
	Tier:          domain.TierEasy,
	Title:         "Test",
	Opening:       "Hi! How was your week?",
	MaxTurns:      3,
	TargetPhrases: []string{"I completed...", "Everything is on track."},
	Competencies: []domain.Competency{
		{Name: "reporting_results", Tip: "lead with results", Phrases: []string{"I completed..."}},
		{Name: "status_signal", Tip: "give a status", Phrases: []string{"Everything is on track."}},
	},
}

// fakeProgression hands out one scenario and counts completions.
type fakeProgression struct {
	scenario    *domain.Scenario
	completions atomic.Int32
}

func (f *fakeProgression) NextScenario(context.Context, string) (*domain.Scenario, domain.Tier, error) {
	return f.scenario, f.scenario.Tier, nil
}

func (f *fakeProgression) RecordCompletion(_ context.Context, userID string) (domain.ProgressionRecord, error) {
	n := f.completions.Add(1)
	return domain.ProgressionRecord{UserID: userID, CompletedSessions: int(n), Tier: f.scenario.Tier}, nil
}

func (f *fakeProgression) Progress(_ context.Context, userID string) (domain.ProgressionRecord, error) {
	return domain.ProgressionRecord{UserID: userID, CompletedSessions: int(f.completions.Load()), Tier: f.scenario.Tier}, nil
}

// flakyReplier fails the first failures calls.
type flakyReplier struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyReplier) NextReply(context.Context, provider.ReplyRequest) (string, error) {
	if f.calls.Add(1) <= f.failures {
		return "", errors.New("connection reset")
	}
	return "Thanks. What's next?", nil
}

// blockingReplier parks every call until release is closed.
type blockingReplier struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingReplier) NextReply(ctx context.Context, _ provider.ReplyRequest) (string, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return "ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// recordingReplier captures the requests it receives.
type recordingReplier struct {
	mu   sync.Mutex
	reqs []provider.ReplyRequest
}

func (r *recordingReplier) NextReply(_ context.Context, req provider.ReplyRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return "Go on.", nil
}

// blockingScorer parks every call until release is closed.
type blockingScorer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingScorer) Score(ctx context.Context, _ *domain.Scenario, _ []domain.Turn) (domain.Scores, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return domain.Scores{Clarity: 9, Fluency: 9, Professional: 9}, nil
	case <-ctx.Done():
		return domain.Scores{}, ctx.Err()
	}
}

func newTestEngine(t *testing.T, prog Progression, replier provider.Replier) *Engine {
	t.Helper()
	return NewEngine(Deps{
		Sessions:    store.NewSessionStore(store.DefaultSessionCapacity),
		Progression: prog,
		Analyzer:    feedback.NewAnalyzer(3),
		Replier:     replier,
		Transcriber: provider.NewMock(),
		Scorer:      provider.NewMock(),
	}, Config{
		MaxSessionDuration: time.Minute,
		UpstreamTimeout:    time.Second,
		RetryBackoff:       time.Millisecond,
	})
}

func TestStartEmitsOpeningLine(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())

	s, err := e.Start(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Status() != domain.StatusActive {
		t.Errorf("expected active session, got %s", s.Status())
	}
	turns := s.Turns()
	if len(turns) != 1 || turns[0].Index != 0 || turns[0].Speaker != domain.SpeakerManager || turns[0].Text != threeTurnScenario.Opening {
		t.Errorf("unexpected opening turns %+v", turns)
	}
	if _, err := e.Session(s.ID); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

func TestSubmitUserTurnAppendsExchange(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	res, err := e.SubmitUserTurn(ctx, s.ID, "  I completed the report.  ")
	if err != nil {
		t.Fatalf("SubmitUserTurn failed: %v", err)
	}
	if res.TurnIndex != 2 || res.UserTurn.Index != 1 || res.ManagerTurn.Index != 2 {
		t.Errorf("unexpected indices %+v", res)
	}
	if res.UserTurn.Text != "I completed the report." {
		t.Errorf("utterance not trimmed: %q", res.UserTurn.Text)
	}
	if res.Status != domain.StatusActive || res.TurnsRemaining != 2 {
		t.Errorf("unexpected status %s remaining %d", res.Status, res.TurnsRemaining)
	}
}

func TestTurnLimitCompletesSessionWithReport(t *testing.T) {
	prog := &fakeProgression{scenario: threeTurnScenario}
	e := newTestEngine(t, prog, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	for i := 0; i < 3; i++ {
		if _, err := e.SubmitUserTurn(ctx, s.ID, fmt.Sprintf("reply %d", i)); err != nil {
			t.Fatalf("turn %d failed: %v", i, err)
		}
	}

	res, err := e.SubmitUserTurn(ctx, s.ID, "one more")
	if !errors.Is(err, domain.ErrTurnLimitExceeded) {
		t.Fatalf("expected ErrTurnLimitExceeded, got %v", err)
	}
	if res == nil || res.Report == nil {
		t.Fatal("expected a feedback report with the turn limit error")
	}
	if res.Status != domain.StatusCompleted || s.Status() != domain.StatusCompleted {
		t.Errorf("expected completed session, got %s", s.Status())
	}
	if got := s.UserTurnCount(); got != 3 {
		t.Errorf("expected 3 user turns, got %d", got)
	}
	if len(s.Turns()) != 7 {
		t.Errorf("expected 7 turns, got %d", len(s.Turns()))
	}
	if prog.completions.Load() != 1 {
		t.Errorf("expected 1 completion recorded, got %d", prog.completions.Load())
	}
}

func TestSubmitOnConcludedSessionIsInvalidState(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	ctx := context.Background()

	completed, _ := e.Start(ctx, "u1")
	if _, err := e.Close(ctx, completed.ID); err != nil {
		t.Fatal(err)
	}

	expired, _ := e.Start(ctx, "u1")
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := e.Expire(ctx, expired.ID); err != nil {
		t.Fatal(err)
	}
	if expired.Status() != domain.StatusExpired {
		t.Fatalf("expected expired, got %s", expired.Status())
	}

	for _, s := range []*domain.Session{completed, expired} {
		before := len(s.Turns())
		if _, err := e.SubmitUserTurn(ctx, s.ID, "hello"); !errors.Is(err, domain.ErrInvalidState) {
			t.Errorf("%s session: expected ErrInvalidState, got %v", s.Status(), err)
		}
		if after := len(s.Turns()); after != before {
			t.Errorf("%s session: turns changed from %d to %d", s.Status(), before, after)
		}
	}
}

func TestSubmitPastDeadlineExpiresSession(t *testing.T) {
	prog := &fakeProgression{scenario: threeTurnScenario}
	e := newTestEngine(t, prog, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := e.SubmitUserTurn(ctx, s.ID, "hello"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if s.Status() != domain.StatusExpired || s.Report() == nil {
		t.Errorf("expected expired session with report, got %s", s.Status())
	}
	if prog.completions.Load() != 0 {
		t.Error("expired session counted as a completion")
	}
}

func TestConcurrentSubmitOneWinsOneBusy(t *testing.T) {
	replier := &blockingReplier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, replier)
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.SubmitUserTurn(ctx, s.ID, "first")
		firstErr <- err
	}()
	<-replier.entered

	if _, err := e.SubmitUserTurn(ctx, s.ID, "second"); !errors.Is(err, domain.ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}

	close(replier.release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	turns := s.Turns()
	if len(turns) != 3 || turns[1].Text != "first" {
		t.Errorf("expected only the first exchange, got %+v", turns)
	}
}

func TestUpstreamRetriedOnce(t *testing.T) {
	replier := &flakyReplier{failures: 1}
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, replier)
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	if _, err := e.SubmitUserTurn(ctx, s.ID, "hello"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := replier.calls.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestUpstreamFailureLeavesSessionUnchanged(t *testing.T) {
	replier := &flakyReplier{failures: 100}
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, replier)
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	_, err := e.SubmitUserTurn(ctx, s.ID, "hello")
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if got := replier.calls.Load(); got != 2 {
		t.Errorf("expected exactly one retry, got %d calls", got)
	}
	if s.Status() != domain.StatusActive || len(s.Turns()) != 1 {
		t.Errorf("session changed after upstream failure: %s, %d turns", s.Status(), len(s.Turns()))
	}

	replier.failures = 0
	if _, err := e.SubmitUserTurn(ctx, s.ID, "hello"); err != nil {
		t.Errorf("learner should be able to retry the turn: %v", err)
	}
}

func TestEmptyUtteranceRejected(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	if _, err := e.SubmitUserTurn(ctx, s.ID, "   "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.SubmitAudioTurn(ctx, s.ID, nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty audio, got %v", err)
	}
}

func TestSubmitAudioTurnUsesTranscript(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	res, err := e.SubmitAudioTurn(ctx, s.ID, []byte("abc"))
	if err != nil {
		t.Fatalf("SubmitAudioTurn failed: %v", err)
	}
	if !strings.Contains(res.UserTurn.Text, "design team") {
		t.Errorf("unexpected transcript %q", res.UserTurn.Text)
	}
	if res.UserTurn.Confidence == nil || *res.UserTurn.Confidence != 0.9 {
		t.Errorf("expected transcription confidence on the turn")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	prog := &fakeProgression{scenario: threeTurnScenario}
	e := newTestEngine(t, prog, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")
	_, _ = e.SubmitUserTurn(ctx, s.ID, "I completed the report. Everything is on track.")

	first, err := e.Close(ctx, s.ID)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	second, err := e.Close(ctx, s.ID)
	if err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if first != second {
		t.Error("second close recomputed the report")
	}
	if prog.completions.Load() != 1 {
		t.Errorf("expected 1 completion, got %d", prog.completions.Load())
	}
	if first.Scores == nil {
		t.Error("expected scores from the scorer")
	}
}

func TestConcurrentCloseComputesFeedbackOnce(t *testing.T) {
	prog := &fakeProgression{scenario: threeTurnScenario}
	e := newTestEngine(t, prog, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	reports := make([]*domain.FeedbackReport, 8)
	var wg sync.WaitGroup
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := e.Close(ctx, s.ID)
			if err != nil {
				t.Errorf("Close failed: %v", err)
			}
			reports[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range reports[1:] {
		if r != reports[0] {
			t.Fatal("concurrent closes produced different reports")
		}
	}
	if prog.completions.Load() != 1 {
		t.Errorf("expected 1 completion, got %d", prog.completions.Load())
	}
}

func TestFeedbackNotReadyWhileActive(t *testing.T) {
	e := newTestEngine(t, &fakeProgression{scenario: threeTurnScenario}, provider.NewMock())
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	if _, err := e.Feedback(ctx, s.ID); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	closed, _ := e.Close(ctx, s.ID)
	got, err := e.Feedback(ctx, s.ID)
	if err != nil || got != closed {
		t.Errorf("expected stored report, got %v, %v", got, err)
	}

	if _, err := e.Feedback(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSurpriseAndWrapUpRequested(t *testing.T) {
	sc := *threeTurnScenario
	sc.Surprise = "The client moved the deadline"
	sc.MaxTurns = 4
	replier := &recordingReplier{}
	e := newTestEngine(t, &fakeProgression{scenario: &sc}, replier)
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")

	for i := 0; i < 4; i++ {
		if _, err := e.SubmitUserTurn(ctx, s.ID, "update"); err != nil {
			t.Fatal(err)
		}
	}

	for i, req := range replier.reqs {
		if want := i == surpriseExchange; req.Scenario.IntroduceSurprise != want {
			t.Errorf("exchange %d: IntroduceSurprise = %v", i, req.Scenario.IntroduceSurprise)
		}
		if want := i == 3; req.Scenario.WrapUp != want {
			t.Errorf("exchange %d: WrapUp = %v", i, req.Scenario.WrapUp)
		}
		if len(req.History) != 1+2*i {
			t.Errorf("exchange %d: history has %d turns", i, len(req.History))
		}
	}
}

func TestSweepExpired(t *testing.T) {
	prog := &fakeProgression{scenario: threeTurnScenario}
	e := newTestEngine(t, prog, provider.NewMock())
	ctx := context.Background()

	old, _ := e.Start(ctx, "u1")
	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fresh, _ := e.Start(ctx, "u2")

	if ids := e.SweepExpired(ctx); len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("expected only %s expired, got %v", old.ID, ids)
	}
	if old.Status() != domain.StatusExpired {
		t.Errorf("expected old session expired, got %s", old.Status())
	}
	if fresh.Status() != domain.StatusActive {
		t.Errorf("expected fresh session active, got %s", fresh.Status())
	}
	if ids := e.SweepExpired(ctx); len(ids) != 0 {
		t.Errorf("second sweep expired %v", ids)
	}
}

func TestFeedbackWaitsForConclusionInProgress(t *testing.T) {
	scorer := &blockingScorer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := NewEngine(Deps{
		Sessions:    store.NewSessionStore(store.DefaultSessionCapacity),
		Progression: &fakeProgression{scenario: threeTurnScenario},
		Replier:     provider.NewMock(),
		Transcriber: provider.NewMock(),
		Scorer:      scorer,
	}, Config{
		MaxSessionDuration: time.Minute,
		UpstreamTimeout:    5 * time.Second,
		RetryBackoff:       time.Millisecond,
	})
	ctx := context.Background()
	s, _ := e.Start(ctx, "u1")
	if _, err := e.SubmitUserTurn(ctx, s.ID, "I completed the report."); err != nil {
		t.Fatal(err)
	}

	closed := make(chan *domain.FeedbackReport, 1)
	go func() {
		r, _ := e.Close(ctx, s.ID)
		closed <- r
	}()
	<-scorer.entered

	if s.Status() != domain.StatusCompleted || s.Report() != nil {
		t.Fatalf("expected completed session without report, got %s", s.Status())
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := e.Feedback(cancelled, s.ID); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled while waiting, got %v", err)
	}

	type result struct {
		report *domain.FeedbackReport
		err    error
	}
	fed := make(chan result, 1)
	go func() {
		r, err := e.Feedback(ctx, s.ID)
		fed <- result{r, err}
	}()

	select {
	case res := <-fed:
		t.Fatalf("feedback returned before the report was stored: %v, %v", res.report, res.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(scorer.release)
	report := <-closed
	res := <-fed
	if res.err != nil {
		t.Fatalf("expected report, got %v", res.err)
	}
	if res.report != report || report.Scores == nil {
		t.Errorf("expected the scored close report, got %+v", res.report)
	}
}

func TestEvictedSessionUnreachable(t *testing.T) {
	e := NewEngine(Deps{
		Sessions:    store.NewSessionStore(2),
		Progression: &fakeProgression{scenario: threeTurnScenario},
		Replier:     provider.NewMock(),
		Transcriber: provider.NewMock(),
	}, Config{})
	ctx := context.Background()

	first, _ := e.Start(ctx, "u1")
	_, _ = e.Start(ctx, "u1")
	_, _ = e.Start(ctx, "u1")

	if _, err := e.SubmitUserTurn(ctx, first.ID, "hello"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for evicted session, got %v", err)
	}
	if got := len(e.Recent("u1", 0)); got != 2 {
		t.Errorf("expected 2 recent sessions, got %d", got)
	}
}

func TestTierAdvancesAfterThreshold(t *testing.T) {
	repo, err := store.NewSQLite("file:TestTierAdvancesAfterThreshold?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	cat, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := progression.NewTracker(repo, cat, domain.TierEasy, []int{2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, tracker, provider.NewMock())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := e.Start(ctx, "u1")
		if err != nil {
			t.Fatal(err)
		}
		if s.Scenario.Tier != domain.TierEasy {
			t.Fatalf("session %d: expected easy, got %s", i, s.Scenario.Tier)
		}
		if _, err := e.Close(ctx, s.ID); err != nil {
			t.Fatal(err)
		}
	}

	s, err := e.Start(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Scenario.Tier != domain.TierMedium {
		t.Errorf("expected medium after threshold, got %s", s.Scenario.Tier)
	}

	rec, _ := e.Progress(ctx, "u1")
	if rec.CompletedSessions != 2 || rec.Tier != domain.TierMedium {
		t.Errorf("unexpected progress %+v", rec)
	}
}
