// Package provider defines the collaborators the conversation engine calls
// out to and their implementations: OpenAI for conversation, transcription
// and scoring, Deepgram for transcription, and a deterministic mock mode.
package provider

import (
	"context"

	"github.com/ashureev/fluentwork/internal/domain"
)

// ScenarioContext is what the conversation provider needs to stay in character.
type ScenarioContext struct {
	Title    string
	Topic    string
	Context  string
	Opening  string
	Surprise string

	// IntroduceSurprise asks the manager to bring up Surprise in this reply.
	IntroduceSurprise bool
	// WrapUp asks the manager to end the conversation in this reply.
	WrapUp bool
}

// NewScenarioContext copies the prompt-relevant fields of a scenario.
func NewScenarioContext(sc *domain.Scenario) ScenarioContext {
	return ScenarioContext{
		Title:    sc.Title,
		Topic:    sc.Topic,
		Context:  sc.Context,
		Opening:  sc.Opening,
		Surprise: sc.Surprise,
	}
}

// ReplyRequest asks for the manager's answer to UserMessage. History holds
// every turn recorded so far, starting with the opening line.
type ReplyRequest struct {
	Scenario    ScenarioContext
	History     []domain.Turn
	UserMessage string
}

// Exchange is the zero-based index of the learner reply being answered.
func (r ReplyRequest) Exchange() int {
	n := 0
	for _, t := range r.History {
		if t.Speaker == domain.SpeakerUser {
			n++
		}
	}
	return n
}

// Replier produces the manager's next utterance.
type Replier interface {
	NextReply(ctx context.Context, req ReplyRequest) (string, error)
}

// Transcript is the text recognized in an audio payload.
type Transcript struct {
	Text       string
	Confidence *float64
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
}

// Scorer rates a finished transcript on clarity, fluency and professional
// tone. Its result is treated as an opaque input to feedback.
type Scorer interface {
	Score(ctx context.Context, scenario *domain.Scenario, turns []domain.Turn) (domain.Scores, error)
}

func confidence(v float64) *float64 {
	return &v
}
