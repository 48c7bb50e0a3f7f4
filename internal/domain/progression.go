package domain

import "time"

// ProgressionRecord tracks a learner across sessions. Records are never deleted.
type ProgressionRecord struct {
	UserID            string     `json:"user_id"`
	CompletedSessions int        `json:"completed_sessions"`
	Tier              Tier       `json:"tier"`
	LastScenarioID    string     `json:"last_scenario_id,omitempty"`
	LastSessionAt     *time.Time `json:"last_session_at,omitempty"`
	Streak            int        `json:"streak"` // consecutive UTC days with a completion
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
