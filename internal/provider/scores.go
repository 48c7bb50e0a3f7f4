package provider

import (
	"regexp"
	"strconv"

	"github.com/ashureev/fluentwork/internal/domain"
)

// defaultScore stands in for a dimension the model left out.
const defaultScore = 7.0

var scorePatterns = map[string]*regexp.Regexp{
	"CLARITY":      regexp.MustCompile(`(?i)CLARITY:\s*(\d+(?:\.\d+)?)`),
	"FLUENCY":      regexp.MustCompile(`(?i)FLUENCY:\s*(\d+(?:\.\d+)?)`),
	"PROFESSIONAL": regexp.MustCompile(`(?i)PROFESSIONAL:\s*(\d+(?:\.\d+)?)`),
}

func parseScores(text string) domain.Scores {
	return domain.Scores{
		Clarity:      extractScore(text, "CLARITY"),
		Fluency:      extractScore(text, "FLUENCY"),
		Professional: extractScore(text, "PROFESSIONAL"),
	}
}

func extractScore(text, category string) float64 {
	m := scorePatterns[category].FindStringSubmatch(text)
	if m == nil {
		return defaultScore
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return defaultScore
	}
	return clamp(v, 0, 10)
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
