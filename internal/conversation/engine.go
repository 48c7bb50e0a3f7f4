// Package conversation drives practice sessions from start to feedback.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/feedback"
	"github.com/ashureev/fluentwork/internal/provider"
	"github.com/ashureev/fluentwork/internal/store"
	"github.com/google/uuid"
)

// surpriseExchange is the learner reply after which a scenario's surprise
// element is brought up.
const surpriseExchange = 2

// Defaults applied by NewEngine to zero Config fields.
const (
	DefaultMaxSessionDuration = 300 * time.Second
	DefaultUpstreamTimeout    = 20 * time.Second
	DefaultRetryBackoff       = 500 * time.Millisecond
)

// Progression is the slice of the progression tracker the engine uses.
type Progression interface {
	NextScenario(ctx context.Context, userID string) (*domain.Scenario, domain.Tier, error)
	RecordCompletion(ctx context.Context, userID string) (domain.ProgressionRecord, error)
	Progress(ctx context.Context, userID string) (domain.ProgressionRecord, error)
}

// Deps are the engine's collaborators. Scorer is optional.
type Deps struct {
	Sessions    *store.SessionStore
	Progression Progression
	Analyzer    *feedback.Analyzer
	Replier     provider.Replier
	Transcriber provider.Transcriber
	Scorer      provider.Scorer
	Logger      *slog.Logger
}

// Config tunes session budgets and the upstream call policy.
type Config struct {
	MaxSessionDuration time.Duration
	UpstreamTimeout    time.Duration
	RetryBackoff       time.Duration
}

// Engine is the conversation state machine. Per-session mutual exclusion
// lives on domain.Session; per-user serialization lives in the tracker.
type Engine struct {
	sessions    *store.SessionStore
	progression Progression
	analyzer    *feedback.Analyzer
	replier     provider.Replier
	transcriber provider.Transcriber
	scorer      provider.Scorer
	logger      *slog.Logger

	budget   time.Duration
	upstream upstreamPolicy
	now      func() time.Time
}

// NewEngine wires an engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if cfg.MaxSessionDuration <= 0 {
		cfg.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = feedback.NewAnalyzer(feedback.DefaultMaxHelpfulPhrases)
	}

	return &Engine{
		sessions:    deps.Sessions,
		progression: deps.Progression,
		analyzer:    deps.Analyzer,
		replier:     deps.Replier,
		transcriber: deps.Transcriber,
		scorer:      deps.Scorer,
		logger:      deps.Logger,
		budget:      cfg.MaxSessionDuration,
		upstream: upstreamPolicy{
			timeout: cfg.UpstreamTimeout,
			backoff: cfg.RetryBackoff,
			retries: 1,
		},
		now: time.Now,
	}
}

// TurnResult is the outcome of a submitted learner turn.
type TurnResult struct {
	Reply          string                 `json:"manager_reply,omitempty"`
	UserTurn       *domain.Turn           `json:"user_turn,omitempty"`
	ManagerTurn    *domain.Turn           `json:"manager_turn,omitempty"`
	TurnIndex      int                    `json:"turn_index"`
	TurnsRemaining int                    `json:"turns_remaining"`
	Status         domain.Status          `json:"status"`
	Report         *domain.FeedbackReport `json:"report,omitempty"`
}

// Start opens a session for userID at the learner's current tier and
// emits the scenario's opening line.
func (e *Engine) Start(ctx context.Context, userID string) (*domain.Session, error) {
	sc, tier, err := e.progression.NextScenario(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("select scenario: %w", err)
	}

	session := domain.NewSession(uuid.NewString(), userID, sc, e.now(), e.budget)
	if err := session.Activate(); err != nil {
		return nil, err
	}
	if evicted := e.sessions.Put(session); evicted != nil && evicted.Status() == domain.StatusActive {
		e.logger.Info("evicted active session", "session_id", evicted.ID, "user_id", evicted.UserID)
	}

	e.logger.Info("session started",
		"session_id", session.ID,
		"user_id", userID,
		"scenario_id", sc.ID,
		"tier", tier)
	return session, nil
}

// SubmitUserTurn records a typed learner reply and the manager's answer.
func (e *Engine) SubmitUserTurn(ctx context.Context, sessionID, utterance string) (*TurnResult, error) {
	return e.submit(ctx, sessionID, func(context.Context) (string, *float64, error) {
		return utterance, nil, nil
	})
}

// SubmitAudioTurn transcribes a spoken learner reply, then proceeds as
// SubmitUserTurn.
func (e *Engine) SubmitAudioTurn(ctx context.Context, sessionID string, audio []byte) (*TurnResult, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio payload", domain.ErrInvalidInput)
	}
	return e.submit(ctx, sessionID, func(ctx context.Context) (string, *float64, error) {
		t, err := e.Transcribe(ctx, audio)
		if err != nil {
			return "", nil, err
		}
		return t.Text, t.Confidence, nil
	})
}

type inputFunc func(ctx context.Context) (text string, confidence *float64, err error)

// submit holds the session's busy claim for the whole turn. On any error the
// session's status and turns are left as they were, except when the turn
// limit or the duration budget forces the session to conclude.
func (e *Engine) submit(ctx context.Context, sessionID string, input inputFunc) (*TurnResult, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !session.TryAcquire() {
		return nil, fmt.Errorf("%w: session %s", domain.ErrSessionBusy, sessionID)
	}
	defer session.Release()

	if status := session.Status(); status != domain.StatusActive {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrInvalidState, status)
	}
	if session.Overdue(e.now()) {
		if _, err := e.conclude(ctx, session, domain.StatusExpired); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: session %s expired", domain.ErrInvalidState, sessionID)
	}

	sc := session.Scenario
	history := session.Turns()
	exchange := countUser(history)
	if exchange >= sc.MaxTurns {
		report, err := e.conclude(ctx, session, domain.StatusCompleted)
		if err != nil {
			return nil, err
		}
		res := &TurnResult{
			TurnIndex: history[len(history)-1].Index,
			Status:    session.Status(),
			Report:    report,
		}
		return res, fmt.Errorf("%w: %d turns allowed", domain.ErrTurnLimitExceeded, sc.MaxTurns)
	}

	text, conf, err := input(ctx)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty utterance", domain.ErrInvalidInput)
	}

	scCtx := provider.NewScenarioContext(sc)
	scCtx.IntroduceSurprise = sc.HasSurprise() && exchange == surpriseExchange
	scCtx.WrapUp = exchange == sc.MaxTurns-1
	req := provider.ReplyRequest{Scenario: scCtx, History: history, UserMessage: text}

	reply, err := callUpstream(ctx, e.upstream, e.logger, "manager_reply", func(ctx context.Context) (string, error) {
		return e.replier.NextReply(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	userTurn, managerTurn, err := session.AppendExchange(text, conf, reply, e.now())
	if err != nil {
		return nil, err
	}

	e.logger.Debug("turn recorded",
		"session_id", sessionID,
		"turn_index", managerTurn.Index,
		"exchange", exchange+1)
	return &TurnResult{
		Reply:          reply,
		UserTurn:       &userTurn,
		ManagerTurn:    &managerTurn,
		TurnIndex:      managerTurn.Index,
		TurnsRemaining: sc.MaxTurns - exchange - 1,
		Status:         session.Status(),
	}, nil
}

func countUser(turns []domain.Turn) int {
	n := 0
	for _, t := range turns {
		if t.Speaker == domain.SpeakerUser {
			n++
		}
	}
	return n
}

// Close completes a session and returns its feedback. Closing an already
// concluded session returns the report computed the first time.
func (e *Engine) Close(ctx context.Context, sessionID string) (*domain.FeedbackReport, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	status := domain.StatusCompleted
	if session.Overdue(e.now()) {
		status = domain.StatusExpired
	}
	return e.conclude(ctx, session, status)
}

// Expire concludes a session as Expired if it is past its deadline and
// reports whether this call expired it.
func (e *Engine) Expire(ctx context.Context, sessionID string) (bool, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return false, err
	}
	if !session.Overdue(e.now()) {
		return false, nil
	}
	if _, err := e.conclude(ctx, session, domain.StatusExpired); err != nil {
		return false, err
	}
	return session.Status() == domain.StatusExpired, nil
}

// Feedback returns a concluded session's report, or ErrNotReady while it is
// still active. A conclusion still computing its report is waited on.
func (e *Engine) Feedback(ctx context.Context, sessionID string) (*domain.FeedbackReport, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Overdue(e.now()) {
		return e.conclude(ctx, session, domain.StatusExpired)
	}
	if report := session.Report(); report != nil {
		return report, nil
	}
	return session.AwaitReport(ctx)
}

// conclude moves an active session to a terminal status, computing feedback
// exactly once. Only Completed sessions count toward progression.
func (e *Engine) conclude(ctx context.Context, session *domain.Session, status domain.Status) (*domain.FeedbackReport, error) {
	// Feedback and progression must land even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	report, concluded, err := session.Conclude(status, e.now(), func(s *domain.Session) *domain.FeedbackReport {
		turns := s.Turns()
		return e.analyzer.Analyze(feedback.Input{
			SessionID: s.ID,
			Scenario:  s.Scenario,
			Status:    status,
			Turns:     turns,
			Scores:    e.score(ctx, s, turns),
			Now:       e.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	if !concluded {
		return report, nil
	}

	e.logger.Info("session concluded",
		"session_id", session.ID,
		"user_id", session.UserID,
		"status", status,
		"rating", report.Rating,
		"tip_category", report.Tip.Category)

	if status == domain.StatusCompleted {
		if _, err := e.progression.RecordCompletion(ctx, session.UserID); err != nil {
			e.logger.Error("failed to record completion",
				"session_id", session.ID,
				"user_id", session.UserID,
				"error", err)
		}
	}
	return report, nil
}

func (e *Engine) score(ctx context.Context, s *domain.Session, turns []domain.Turn) *domain.Scores {
	if e.scorer == nil || countUser(turns) == 0 {
		return nil
	}
	scores, err := callUpstream(ctx, e.upstream, e.logger, "score", func(ctx context.Context) (domain.Scores, error) {
		return e.scorer.Score(ctx, s.Scenario, turns)
	})
	if err != nil {
		e.logger.Warn("scoring unavailable, reporting without scores", "session_id", s.ID, "error", err)
		return nil
	}
	return &scores
}

// Transcribe converts audio to text under the upstream retry policy.
func (e *Engine) Transcribe(ctx context.Context, audio []byte) (provider.Transcript, error) {
	if len(audio) == 0 {
		return provider.Transcript{}, fmt.Errorf("%w: empty audio payload", domain.ErrInvalidInput)
	}
	return callUpstream(ctx, e.upstream, e.logger, "transcribe", func(ctx context.Context) (provider.Transcript, error) {
		return e.transcriber.Transcribe(ctx, audio)
	})
}

// Session returns a stored session.
func (e *Engine) Session(sessionID string) (*domain.Session, error) {
	return e.sessions.Get(sessionID)
}

// Recent returns a learner's most recent sessions, newest first.
func (e *Engine) Recent(userID string, limit int) []*domain.Session {
	return e.sessions.RecentForUser(userID, limit)
}

// Progress returns a learner's progression.
func (e *Engine) Progress(ctx context.Context, userID string) (domain.ProgressionRecord, error) {
	return e.progression.Progress(ctx, userID)
}

// SweepExpired concludes every active session past its deadline and returns
// the IDs of the sessions it expired.
func (e *Engine) SweepExpired(ctx context.Context) []string {
	now := e.now()
	var expired []string
	for _, s := range e.sessions.Active() {
		if !s.Overdue(now) {
			continue
		}
		if _, err := e.conclude(ctx, s, domain.StatusExpired); err != nil {
			e.logger.Debug("expiry skipped", "session_id", s.ID, "error", err)
			continue
		}
		if s.Status() == domain.StatusExpired {
			expired = append(expired, s.ID)
		}
	}
	return expired
}
