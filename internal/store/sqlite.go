package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	_ "modernc.org/sqlite"
)

// DefaultProgressionDSN keeps progression in a process-local in-memory database.
const DefaultProgressionDSN = "file:progression?mode=memory&cache=shared"

// SQLiteStore implements ProgressionRepository using SQLite.
//
// The pool is pinned to a single connection that never expires: an
// in-memory database lives exactly as long as its last connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a progression repository at dsn.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = DefaultProgressionDSN
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS progression (
		user_id TEXT PRIMARY KEY,
		completed_sessions INTEGER NOT NULL DEFAULT 0,
		tier TEXT NOT NULL,
		last_scenario_id TEXT,
		last_session_at INTEGER,
		streak INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scenario_history (
		user_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, tier, scenario_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProgress retrieves a learner's progression record.
func (s *SQLiteStore) GetProgress(ctx context.Context, userID string) (*domain.ProgressionRecord, error) {
	query := `
		SELECT user_id, completed_sessions, tier, last_scenario_id,
		       last_session_at, streak, created_at, updated_at
		FROM progression WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var rec domain.ProgressionRecord
	var tier string
	var lastScenario sql.NullString
	var lastSession sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.UserID, &rec.CompletedSessions, &tier, &lastScenario,
		&lastSession, &rec.Streak, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan progression row: %w", err)
	}

	rec.Tier = domain.Tier(tier)
	rec.LastScenarioID = lastScenario.String
	if lastSession.Valid {
		ts := time.UnixMilli(lastSession.Int64)
		rec.LastSessionAt = &ts
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	return &rec, nil
}

// UpsertProgress creates or updates a learner's progression record.
func (s *SQLiteStore) UpsertProgress(ctx context.Context, rec *domain.ProgressionRecord) error {
	query := `
	INSERT INTO progression (
		user_id, completed_sessions, tier, last_scenario_id,
		last_session_at, streak, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		completed_sessions = excluded.completed_sessions,
		tier = excluded.tier,
		last_scenario_id = COALESCE(excluded.last_scenario_id, progression.last_scenario_id),
		last_session_at = COALESCE(excluded.last_session_at, progression.last_session_at),
		streak = excluded.streak,
		updated_at = excluded.updated_at`

	var lastScenario interface{}
	if rec.LastScenarioID != "" {
		lastScenario = rec.LastScenarioID
	}
	var lastSession interface{}
	if rec.LastSessionAt != nil {
		lastSession = rec.LastSessionAt.UnixMilli()
	}

	err := retryOnConflict(ctx, "progression", func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.UserID, rec.CompletedSessions, string(rec.Tier), lastScenario,
			lastSession, rec.Streak, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert progression: %w", err)
	}
	return nil
}

// TriedScenarios lists scenarios a learner started in a tier, oldest first.
func (s *SQLiteStore) TriedScenarios(ctx context.Context, userID string, tier domain.Tier) ([]string, error) {
	query := `
		SELECT scenario_id FROM scenario_history
		WHERE user_id = ? AND tier = ?
		ORDER BY started_at, scenario_id`

	rows, err := s.db.QueryContext(ctx, query, userID, string(tier))
	if err != nil {
		return nil, fmt.Errorf("query scenario history: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close scenario history rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scenario history row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenario history: %w", err)
	}
	return ids, nil
}

// AddTriedScenario records that a learner started a scenario.
func (s *SQLiteStore) AddTriedScenario(ctx context.Context, userID string, tier domain.Tier, scenarioID string) error {
	query := `
	INSERT INTO scenario_history (user_id, tier, scenario_id, started_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, tier, scenario_id) DO UPDATE SET started_at = excluded.started_at`

	err := retryOnConflict(ctx, "scenario_history", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, string(tier), scenarioID, time.Now().UnixNano())
		return err
	})
	if err != nil {
		return fmt.Errorf("insert scenario history: %w", err)
	}
	return nil
}

// ResetTriedScenarios clears a tier's rotation history for a learner.
func (s *SQLiteStore) ResetTriedScenarios(ctx context.Context, userID string, tier domain.Tier) error {
	query := `DELETE FROM scenario_history WHERE user_id = ? AND tier = ?`
	err := retryOnConflict(ctx, "scenario_history", func() error {
		_, err := s.db.ExecContext(ctx, query, userID, string(tier))
		return err
	})
	if err != nil {
		return fmt.Errorf("reset scenario history: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

var _ ProgressionRepository = (*SQLiteStore)(nil)
