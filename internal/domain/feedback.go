package domain

import "time"

// Rating is the overall qualitative assessment of a session.
type Rating string

const (
	RatingExcellent     Rating = "excellent"
	RatingGood          Rating = "good"
	RatingNeedsPractice Rating = "needs_practice"
)

// TipCategory explains why a tip was chosen.
type TipCategory string

const (
	TipGap    TipCategory = "gap"    // competency never evidenced
	TipWeak   TipCategory = "weak"   // competency barely evidenced
	TipPolish TipCategory = "polish" // everything covered
)

// Tip is the single actionable improvement suggestion of a report.
type Tip struct {
	Category   TipCategory `json:"category"`
	Competency string      `json:"competency,omitempty"`
	Text       string      `json:"text"`
}

// Scores are the collaborator-delegated qualitative scores, each 0-10.
type Scores struct {
	Clarity      float64 `json:"clarity"`
	Fluency      float64 `json:"fluency"`
	Professional float64 `json:"professional"`
}

// Mean averages the three dimensions.
func (s Scores) Mean() float64 {
	return (s.Clarity + s.Fluency + s.Professional) / 3
}

// FeedbackReport is produced once when a session concludes.
type FeedbackReport struct {
	SessionID      string    `json:"session_id"`
	ScenarioID     string    `json:"scenario_id"`
	Status         Status    `json:"status"`
	Rating         Rating    `json:"rating"`
	Tip            Tip       `json:"tip"`
	HelpfulPhrases []string  `json:"helpful_phrases"`
	CoveredPhrases []string  `json:"covered_phrases"`
	Scores         *Scores   `json:"scores,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
}
