// Package progression maps learners to difficulty tiers and rotates the
// scenarios they are offered.
package progression

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ashureev/fluentwork/internal/catalog"
	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/ashureev/fluentwork/internal/store"
)

// Tracker owns every ProgressionRecord. Updates for one user are serialized
// by a per-user mutex; different users never contend.
type Tracker struct {
	repo        store.ProgressionRepository
	catalog     *catalog.Catalog
	defaultTier domain.Tier
	thresholds  []int
	logger      *slog.Logger
	locks       sync.Map // userID -> *sync.Mutex
	now         func() time.Time
}

// NewTracker creates a tracker. Thresholds must be ascending completed-session
// counts; each one crossed moves the learner one tier up.
func NewTracker(repo store.ProgressionRepository, cat *catalog.Catalog, defaultTier domain.Tier, thresholds []int, logger *slog.Logger) (*Tracker, error) {
	if !defaultTier.Valid() {
		return nil, fmt.Errorf("%w: default tier %q", domain.ErrInvalidInput, defaultTier)
	}
	for i, t := range thresholds {
		if t <= 0 || (i > 0 && t <= thresholds[i-1]) {
			return nil, fmt.Errorf("%w: thresholds must be positive and ascending: %v", domain.ErrInvalidInput, thresholds)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		repo:        repo,
		catalog:     cat,
		defaultTier: defaultTier,
		thresholds:  append([]int(nil), thresholds...),
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (t *Tracker) lockUser(userID string) func() {
	v, _ := t.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// TierForCount is the step function from completed sessions to tier.
func (t *Tracker) TierForCount(completed int) domain.Tier {
	tier := t.defaultTier
	for _, threshold := range t.thresholds {
		if completed >= threshold {
			tier = tier.Next()
		}
	}
	return tier
}

// TierFor returns a learner's current tier.
func (t *Tracker) TierFor(ctx context.Context, userID string) (domain.Tier, error) {
	rec, err := t.repo.GetProgress(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get progress: %w", err)
	}
	return t.tierOf(rec), nil
}

func (t *Tracker) tierOf(rec *domain.ProgressionRecord) domain.Tier {
	if rec == nil {
		return t.defaultTier
	}
	return t.TierForCount(rec.CompletedSessions).Max(rec.Tier)
}

// NextScenario resolves the learner's tier and picks the scenario for a new
// session, recording it so the next pick avoids repeating it. The record is
// created here on a learner's first session.
func (t *Tracker) NextScenario(ctx context.Context, userID string) (*domain.Scenario, domain.Tier, error) {
	unlock := t.lockUser(userID)
	defer unlock()

	rec, err := t.repo.GetProgress(ctx, userID)
	if err != nil {
		return nil, "", fmt.Errorf("get progress: %w", err)
	}
	tier := t.tierOf(rec)

	tried, err := t.repo.TriedScenarios(ctx, userID, tier)
	if err != nil {
		return nil, "", fmt.Errorf("get scenario history: %w", err)
	}

	last := ""
	if rec != nil {
		last = rec.LastScenarioID
	}
	sc, wrapped := t.catalog.Pick(tier, last, tried)
	if sc == nil {
		return nil, "", fmt.Errorf("%w: no scenarios for tier %s", domain.ErrNotFound, tier)
	}
	if wrapped {
		if err := t.repo.ResetTriedScenarios(ctx, userID, tier); err != nil {
			return nil, "", fmt.Errorf("reset scenario history: %w", err)
		}
		t.logger.Debug("scenario rotation wrapped", "user_id", userID, "tier", tier)
	}
	if err := t.repo.AddTriedScenario(ctx, userID, tier, sc.ID); err != nil {
		return nil, "", fmt.Errorf("record scenario history: %w", err)
	}

	now := t.now()
	if rec == nil {
		rec = &domain.ProgressionRecord{UserID: userID, CreatedAt: now}
	}
	rec.Tier = tier
	rec.LastScenarioID = sc.ID
	rec.UpdatedAt = now
	if err := t.repo.UpsertProgress(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("save progress: %w", err)
	}
	return sc, tier, nil
}

// RecordCompletion increments a learner's completed-session count and
// advances the tier when a threshold is crossed. It never demotes.
func (t *Tracker) RecordCompletion(ctx context.Context, userID string) (domain.ProgressionRecord, error) {
	unlock := t.lockUser(userID)
	defer unlock()

	rec, err := t.repo.GetProgress(ctx, userID)
	if err != nil {
		return domain.ProgressionRecord{}, fmt.Errorf("get progress: %w", err)
	}
	now := t.now()
	if rec == nil {
		rec = &domain.ProgressionRecord{UserID: userID, Tier: t.defaultTier, CreatedAt: now}
	}

	previous := t.tierOf(rec)
	rec.Streak = nextStreak(rec, now)
	rec.CompletedSessions++
	rec.Tier = t.TierForCount(rec.CompletedSessions).Max(previous)
	rec.LastSessionAt = &now
	rec.UpdatedAt = now

	if err := t.repo.UpsertProgress(ctx, rec); err != nil {
		return domain.ProgressionRecord{}, fmt.Errorf("save progress: %w", err)
	}
	if rec.Tier != previous {
		t.logger.Info("learner advanced tier", "user_id", userID, "from", previous, "to", rec.Tier, "completed_sessions", rec.CompletedSessions)
	}
	return *rec, nil
}

// Progress returns a learner's record, or a zero-count record at the default
// tier for a learner who has never started a session.
func (t *Tracker) Progress(ctx context.Context, userID string) (domain.ProgressionRecord, error) {
	rec, err := t.repo.GetProgress(ctx, userID)
	if err != nil {
		return domain.ProgressionRecord{}, fmt.Errorf("get progress: %w", err)
	}
	if rec == nil {
		return domain.ProgressionRecord{UserID: userID, Tier: t.defaultTier}, nil
	}
	out := *rec
	out.Tier = t.tierOf(rec)
	if daysBetween(rec.LastSessionAt, t.now()) > 1 {
		out.Streak = 0
	}
	return out, nil
}

// nextStreak is the streak after a completion at now: unchanged on the same
// UTC day, extended the day after, restarted otherwise.
func nextStreak(rec *domain.ProgressionRecord, now time.Time) int {
	switch daysBetween(rec.LastSessionAt, now) {
	case 0:
		return max(rec.Streak, 1)
	case 1:
		return rec.Streak + 1
	default:
		return 1
	}
}

// daysBetween counts UTC calendar days from last to now. A missing last
// session counts as far in the past.
func daysBetween(last *time.Time, now time.Time) int {
	if last == nil {
		return math.MaxInt
	}
	return int(utcDay(now).Sub(utcDay(*last)).Hours() / 24)
}

func utcDay(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
