package domain

// Competency is a communication skill a scenario exercises, evidenced by
// a subset of the scenario's target phrases.
type Competency struct {
	Name    string   `json:"name" yaml:"name"`
	Tip     string   `json:"tip" yaml:"tip"`
	Phrases []string `json:"phrases" yaml:"phrases"`
}

// Scenario is a scripted workplace conversation template.
// Scenarios are immutable once the catalog is loaded and shared by reference.
type Scenario struct {
	ID            string       `json:"id" yaml:"id"`
	Tier          Tier         `json:"tier" yaml:"tier"`
	Title         string       `json:"title" yaml:"title"`
	Topic         string       `json:"topic" yaml:"topic"`
	Context       string       `json:"context" yaml:"context"`
	Opening       string       `json:"opening_line" yaml:"opening"`
	Surprise      string       `json:"surprise,omitempty" yaml:"surprise"`
	MaxTurns      int          `json:"max_turns" yaml:"max_turns"`
	TargetPhrases []string     `json:"target_phrases" yaml:"target_phrases"`
	Competencies  []Competency `json:"competencies" yaml:"competencies"`
}

// HasSurprise returns true if the manager should introduce a twist mid-conversation.
func (s *Scenario) HasSurprise() bool {
	return s.Surprise != ""
}
