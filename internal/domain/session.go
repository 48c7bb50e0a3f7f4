package domain

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a practice session.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerManager Speaker = "manager"
	SpeakerUser    Speaker = "user"
)

// Turn is one utterance within a session. Turns are append-only.
type Turn struct {
	Index      int       `json:"index"`
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	Confidence *float64  `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Session holds one learner's conversation with the manager persona.
//
// Locking discipline: busy serializes turn submission (callers TryAcquire and
// fail fast); mu guards status, turns and report; closeMu serializes the
// conclusion path so feedback is computed exactly once.
type Session struct {
	ID        string
	UserID    string
	Scenario  *Scenario
	StartedAt time.Time
	Budget    time.Duration

	busy     sync.Mutex
	closeMu  sync.Mutex
	mu       sync.RWMutex
	status   Status
	turns    []Turn
	endedAt  time.Time
	report   *FeedbackReport
	reported chan struct{} // closed once report is set
}

// NewSession creates a session in the Created state.
func NewSession(id, userID string, scenario *Scenario, startedAt time.Time, budget time.Duration) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Scenario:  scenario,
		StartedAt: startedAt,
		Budget:    budget,
		status:    StatusCreated,
		reported:  make(chan struct{}),
	}
}

// Activate emits the scenario's opening line as turn 0 and moves the session to Active.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusCreated {
		return fmt.Errorf("%w: cannot activate %s session", ErrInvalidState, s.status)
	}
	s.turns = append(s.turns, Turn{
		Index:   0,
		Speaker: SpeakerManager,
		Text:    s.Scenario.Opening,
		At:      s.StartedAt,
	})
	s.status = StatusActive
	return nil
}

// TryAcquire claims the session for a turn submission. It never blocks.
func (s *Session) TryAcquire() bool {
	return s.busy.TryLock()
}

// Release gives up a claim obtained with TryAcquire.
func (s *Session) Release() {
	s.busy.Unlock()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Turns returns a copy of the turn sequence.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// UserTurnCount returns how many learner replies have been recorded.
func (s *Session) UserTurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countUserTurns(s.turns)
}

func countUserTurns(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Speaker == SpeakerUser {
			n++
		}
	}
	return n
}

// Deadline returns the instant the duration budget runs out.
func (s *Session) Deadline() time.Time {
	return s.StartedAt.Add(s.Budget)
}

// Overdue reports whether the session is still active past its deadline.
func (s *Session) Overdue(now time.Time) bool {
	return s.Status() == StatusActive && now.After(s.Deadline())
}

// EndedAt returns when the session left the Active state, or zero.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// AppendExchange records a learner reply and the manager's answer as two
// consecutive turns. Nothing is appended when an error is returned.
func (s *Session) AppendExchange(utterance string, confidence *float64, reply string, now time.Time) (Turn, Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return Turn{}, Turn{}, fmt.Errorf("%w: session is %s", ErrInvalidState, s.status)
	}
	if countUserTurns(s.turns) >= s.Scenario.MaxTurns {
		return Turn{}, Turn{}, fmt.Errorf("%w: %d turns allowed", ErrTurnLimitExceeded, s.Scenario.MaxTurns)
	}

	next := len(s.turns)
	user := Turn{Index: next, Speaker: SpeakerUser, Text: utterance, Confidence: confidence, At: now}
	manager := Turn{Index: next + 1, Speaker: SpeakerManager, Text: reply, At: now}
	s.turns = append(s.turns, user, manager)
	return user, manager, nil
}

// Conclude ends an active session with the given terminal status and runs
// analyze exactly once. Later calls return the stored report and
// concluded=false. analyze runs without holding the state lock, so readers
// are never blocked by a slow scorer.
func (s *Session) Conclude(status Status, now time.Time, analyze func(*Session) *FeedbackReport) (report *FeedbackReport, concluded bool, err error) {
	if status != StatusCompleted && status != StatusExpired {
		return nil, false, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidInput, status)
	}

	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	s.mu.Lock()
	if s.report != nil {
		r := s.report
		s.mu.Unlock()
		return r, false, nil
	}
	if s.status != StatusActive {
		current := s.status
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: cannot conclude %s session", ErrInvalidState, current)
	}
	s.status = status
	s.endedAt = now
	s.mu.Unlock()

	r := analyze(s)

	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
	close(s.reported)
	return r, true, nil
}

// AwaitReport waits for a conclusion in progress to store its report. It
// returns ErrNotReady at once while the session is still Active.
func (s *Session) AwaitReport(ctx context.Context) (*FeedbackReport, error) {
	if status := s.Status(); status == StatusCreated || status == StatusActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotReady, s.ID, status)
	}
	select {
	case <-s.reported:
		return s.Report(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Report returns the feedback report, or nil while the session is active.
func (s *Session) Report() *FeedbackReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// SessionView is a point-in-time copy of a session safe to serialize.
type SessionView struct {
	ID        string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Scenario  ScenarioSummary `json:"scenario"`
	Status    Status          `json:"status"`
	Turns     []Turn          `json:"turns"`
	StartedAt time.Time       `json:"started_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Report    *FeedbackReport `json:"report,omitempty"`
}

// ScenarioSummary is the learner-facing description of a scenario.
type ScenarioSummary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Tier     Tier   `json:"tier"`
	Topic    string `json:"topic"`
	Context  string `json:"context"`
	MaxTurns int    `json:"max_turns"`
}

// Summary returns the learner-facing description of the scenario.
func (s *Scenario) Summary() ScenarioSummary {
	return ScenarioSummary{
		ID:       s.ID,
		Title:    s.Title,
		Tier:     s.Tier,
		Topic:    s.Topic,
		Context:  s.Context,
		MaxTurns: s.MaxTurns,
	}
}

// View snapshots the session.
func (s *Session) View() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	v := SessionView{
		ID:        s.ID,
		UserID:    s.UserID,
		Scenario:  s.Scenario.Summary(),
		Status:    s.status,
		Turns:     turns,
		StartedAt: s.StartedAt,
		ExpiresAt: s.Deadline(),
		Report:    s.report,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		v.EndedAt = &ended
	}
	return v
}
