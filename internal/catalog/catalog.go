// Package catalog provides the static registry of practice scenarios.
package catalog

import (
	_ "embed"
	"fmt"
	"slices"

	"github.com/ashureev/fluentwork/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var defaultScenarios []byte

// TierCounts is the fixed number of scenarios each tier must hold.
var TierCounts = map[domain.Tier]int{
	domain.TierEasy:   3,
	domain.TierMedium: 5,
	domain.TierHard:   6,
}

// Catalog is read-only after construction and safe for concurrent use.
type Catalog struct {
	all    []*domain.Scenario
	byID   map[string]*domain.Scenario
	byTier map[domain.Tier][]*domain.Scenario
}

type document struct {
	Scenarios []domain.Scenario `yaml:"scenarios"`
}

// Default loads the embedded scenario catalog.
func Default() (*Catalog, error) {
	return Parse(defaultScenarios, TierCounts)
}

// Parse builds a catalog from a YAML document and checks it against the
// expected per-tier counts.
func Parse(data []byte, counts map[domain.Tier]int) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode scenarios: %w", err)
	}

	c := &Catalog{
		byID:   make(map[string]*domain.Scenario, len(doc.Scenarios)),
		byTier: make(map[domain.Tier][]*domain.Scenario, len(domain.Tiers)),
	}
	for i := range doc.Scenarios {
		sc := &doc.Scenarios[i]
		if err := validate(sc); err != nil {
			return nil, err
		}
		if _, dup := c.byID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id %q", sc.ID)
		}
		c.all = append(c.all, sc)
		c.byID[sc.ID] = sc
		c.byTier[sc.Tier] = append(c.byTier[sc.Tier], sc)
	}

	for _, tier := range domain.Tiers {
		want, ok := counts[tier]
		if !ok {
			return nil, fmt.Errorf("no scenario count configured for tier %s", tier)
		}
		if got := len(c.byTier[tier]); got != want || got == 0 {
			return nil, fmt.Errorf("tier %s has %d scenarios, want %d", tier, got, want)
		}
	}
	return c, nil
}

func validate(sc *domain.Scenario) error {
	if sc.ID == "" {
		return fmt.Errorf("scenario without id")
	}
	if !sc.Tier.Valid() {
		return fmt.Errorf("scenario %s: invalid tier %q", sc.ID, sc.Tier)
	}
	if sc.Opening == "" {
		return fmt.Errorf("scenario %s: missing opening line", sc.ID)
	}
	if sc.MaxTurns <= 0 {
		return fmt.Errorf("scenario %s: max_turns must be > 0", sc.ID)
	}
	if len(sc.TargetPhrases) == 0 {
		return fmt.Errorf("scenario %s: no target phrases", sc.ID)
	}
	for _, comp := range sc.Competencies {
		if comp.Tip == "" {
			return fmt.Errorf("scenario %s: competency %s has no tip", sc.ID, comp.Name)
		}
		for _, p := range comp.Phrases {
			if !slices.Contains(sc.TargetPhrases, p) {
				return fmt.Errorf("scenario %s: competency %s references unknown phrase %q", sc.ID, comp.Name, p)
			}
		}
	}
	return nil
}

// ScenariosFor returns the scenarios of a tier in rotation order.
func (c *Catalog) ScenariosFor(tier domain.Tier) []*domain.Scenario {
	return slices.Clone(c.byTier[tier])
}

// ScenarioByID looks up a scenario.
func (c *Catalog) ScenarioByID(id string) (*domain.Scenario, error) {
	sc, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: scenario %s", domain.ErrNotFound, id)
	}
	return sc, nil
}

// All returns every scenario in catalog order.
func (c *Catalog) All() []*domain.Scenario {
	return slices.Clone(c.all)
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int {
	return len(c.all)
}

// Pick selects the next scenario of a tier for a learner. It never repeats
// last when the tier offers an alternative, prefers the lowest-index scenario
// not in tried, and reports wrapped=true once every scenario has been tried
// and the rotation starts over.
func (c *Catalog) Pick(tier domain.Tier, last string, tried []string) (sc *domain.Scenario, wrapped bool) {
	list := c.byTier[tier]
	if len(list) == 0 {
		return nil, false
	}
	if len(list) == 1 {
		return list[0], false
	}

	for _, candidate := range list {
		if candidate.ID != last && !slices.Contains(tried, candidate.ID) {
			return candidate, false
		}
	}
	for _, candidate := range list {
		if candidate.ID != last {
			return candidate, true
		}
	}
	return list[0], true
}
