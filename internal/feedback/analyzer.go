// Package feedback turns a finished transcript into a FeedbackReport.
package feedback

import (
	"slices"
	"strings"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
)

// DefaultMaxHelpfulPhrases caps the helpful phrases of a report.
const DefaultMaxHelpfulPhrases = 3

// A competency needs at least this many phrase hits across the learner's
// turns to count as covered. One hit is weak, zero is a gap.
const coveredHits = 2

var fillerWords = []string{"um", "uh", "like", "you know", "actually", "basically", "just"}

var fillerTokens = func() [][]string {
	out := make([][]string, len(fillerWords))
	for i, f := range fillerWords {
		out[i] = strings.Fields(f)
	}
	return out
}()

const (
	fillerTipThreshold = 2
	minAvgWords        = 8
)

const (
	fillerTip   = "Cut filler words like \"um\", \"like\" and \"basically\". A short pause sounds more confident than a filler."
	detailTip   = "Give more detail in each reply: what you did, the result, and what comes next."
	closingTip  = "You covered the key points. Next time, end with a clear next step, for example \"I'll send you an update by Friday\"."
	fallbackTip = "Practice being more specific when describing your work and challenges."
)

// Input is everything the analyzer reads. Scores are optional and come
// from a collaborator.
type Input struct {
	SessionID string
	Scenario  *domain.Scenario
	Status    domain.Status
	Turns     []domain.Turn
	Scores    *domain.Scores
	Now       time.Time
}

// Analyzer computes feedback. It holds configuration only and is safe for
// concurrent use.
type Analyzer struct {
	MaxHelpfulPhrases int
}

// NewAnalyzer creates an analyzer returning at most maxHelpful helpful phrases.
func NewAnalyzer(maxHelpful int) *Analyzer {
	if maxHelpful <= 0 {
		maxHelpful = DefaultMaxHelpfulPhrases
	}
	return &Analyzer{MaxHelpfulPhrases: maxHelpful}
}

// Analyze builds the report. It is deterministic for identical input and
// always produces exactly one tip.
func (a *Analyzer) Analyze(in Input) *domain.FeedbackReport {
	var userTexts []string
	for _, t := range in.Turns {
		if t.Speaker == domain.SpeakerUser {
			userTexts = append(userTexts, normalize(t.Text))
		}
	}

	sc := in.Scenario
	hits := make(map[string]int, len(sc.TargetPhrases))
	covered := make([]string, 0, len(sc.TargetPhrases))
	var helpful []string
	for _, phrase := range sc.TargetPhrases {
		p := compile(phrase)
		for _, text := range userTexts {
			if p.matches(text) {
				hits[phrase]++
			}
		}
		if hits[phrase] > 0 {
			covered = append(covered, phrase)
		} else if len(helpful) < a.MaxHelpfulPhrases {
			helpful = append(helpful, phrase)
		}
	}
	if helpful == nil {
		helpful = []string{}
	}

	report := &domain.FeedbackReport{
		SessionID:      in.SessionID,
		ScenarioID:     sc.ID,
		Status:         in.Status,
		Tip:            a.selectTip(sc, hits, in.Turns, userTexts),
		HelpfulPhrases: helpful,
		CoveredPhrases: covered,
		Scores:         in.Scores,
		GeneratedAt:    in.Now,
	}
	report.Rating = rate(in.Scores, len(covered), len(sc.TargetPhrases))
	return report
}

// selectTip ranks competencies in the scenario's priority order and tips on
// the first one not yet covered. With every competency covered it falls back
// to a polish tip.
func (a *Analyzer) selectTip(sc *domain.Scenario, hits map[string]int, turns []domain.Turn, userTexts []string) domain.Tip {
	for _, comp := range sc.Competencies {
		n := 0
		for _, p := range comp.Phrases {
			n += hits[p]
		}
		switch {
		case n == 0:
			return domain.Tip{Category: domain.TipGap, Competency: comp.Name, Text: comp.Tip}
		case n < coveredHits:
			return domain.Tip{Category: domain.TipWeak, Competency: comp.Name, Text: comp.Tip}
		}
	}
	return domain.Tip{Category: domain.TipPolish, Text: polishTip(turns, userTexts)}
}

func polishTip(turns []domain.Turn, userTexts []string) string {
	if len(userTexts) == 0 {
		return fallbackTip
	}

	fillers := 0
	for _, text := range userTexts {
		fillers += countFillers(text)
	}
	if fillers >= fillerTipThreshold {
		return fillerTip
	}

	words := 0
	for _, t := range turns {
		if t.Speaker == domain.SpeakerUser {
			words += len(strings.Fields(t.Text))
		}
	}
	if float64(words)/float64(len(userTexts)) < minAvgWords {
		return detailTip
	}
	return closingTip
}

// countFillers counts filler occurrences token by token, so adjacent
// repeats each count.
func countFillers(text string) int {
	tokens := strings.Fields(text)
	n := 0
	for i := range tokens {
		for _, f := range fillerTokens {
			if i+len(f) <= len(tokens) && slices.Equal(tokens[i:i+len(f)], f) {
				n++
			}
		}
	}
	return n
}

func rate(scores *domain.Scores, covered, total int) domain.Rating {
	if scores != nil {
		switch mean := scores.Mean(); {
		case mean >= 8:
			return domain.RatingExcellent
		case mean >= 6:
			return domain.RatingGood
		default:
			return domain.RatingNeedsPractice
		}
	}

	if total == 0 {
		return domain.RatingGood
	}
	switch ratio := float64(covered) / float64(total); {
	case ratio >= 0.75:
		return domain.RatingExcellent
	case ratio >= 0.4:
		return domain.RatingGood
	default:
		return domain.RatingNeedsPractice
	}
}
