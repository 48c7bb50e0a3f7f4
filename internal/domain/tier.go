// Package domain contains core domain types for the FluentWork practice engine.
package domain

import (
	"fmt"
	"strings"
)

// Tier is the difficulty classification of a scenario or a learner.
type Tier string

const (
	TierEasy   Tier = "easy"
	TierMedium Tier = "medium"
	TierHard   Tier = "hard"
)

// Tiers lists every tier from easiest to hardest.
var Tiers = []Tier{TierEasy, TierMedium, TierHard}

// ParseTier converts a configuration or wire value into a Tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierEasy:
		return TierEasy, nil
	case TierMedium:
		return TierMedium, nil
	case TierHard:
		return TierHard, nil
	default:
		return "", fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, s)
	}
}

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierEasy, TierMedium, TierHard:
		return true
	default:
		return false
	}
}

// Next returns the tier one step harder. Hard is the cap.
func (t Tier) Next() Tier {
	switch t {
	case TierEasy:
		return TierMedium
	case TierMedium:
		return TierHard
	case TierHard:
		return TierHard
	default:
		return t
	}
}

// Rank orders tiers: easy=0, medium=1, hard=2. Unknown tiers rank -1.
func (t Tier) Rank() int {
	switch t {
	case TierEasy:
		return 0
	case TierMedium:
		return 1
	case TierHard:
		return 2
	default:
		return -1
	}
}

// Max returns the harder of two tiers.
func (t Tier) Max(other Tier) Tier {
	if other.Rank() > t.Rank() {
		return other
	}
	return t
}
