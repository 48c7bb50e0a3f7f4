// Package store provides the in-memory session registry and the
// progression repository.
package store

import (
	"context"

	"github.com/ashureev/fluentwork/internal/domain"
)

// ProgressionRepository persists learner progression for the process lifetime.
type ProgressionRepository interface {
	// GetProgress retrieves a learner's record. Returns nil, nil if none exists.
	GetProgress(ctx context.Context, userID string) (*domain.ProgressionRecord, error)

	// UpsertProgress creates or updates a learner's record.
	UpsertProgress(ctx context.Context, rec *domain.ProgressionRecord) error

	// TriedScenarios lists scenario IDs a learner has started in a tier
	// since the tier's rotation last wrapped.
	TriedScenarios(ctx context.Context, userID string, tier domain.Tier) ([]string, error)

	// AddTriedScenario records that a learner started a scenario.
	AddTriedScenario(ctx context.Context, userID string, tier domain.Tier, scenarioID string) error

	// ResetTriedScenarios clears a tier's rotation history for a learner.
	ResetTriedScenarios(ctx context.Context, userID string, tier domain.Tier) error

	// Ping verifies the repository is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database.
	Close() error
}
