package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/ashureev/fluentwork/internal/domain"
)

// mockConfidence is reported for every mock transcript.
const mockConfidence = 0.9

var mockReplies = []string{
	"That sounds good. How's the timeline looking?",
	"I see. Is there anything blocking you?",
	"Understood. What's your plan to move forward?",
	"Makes sense. Do you need any support from me?",
	"Got it. Keep me posted on how it goes.",
	"Thanks for the update. Let me know if anything comes up.",
}

var mockUtterances = []string{
	"I completed the user dashboard this week and started working on the API integration.",
	"The project is delayed by two days because the documentation for the third-party API is incomplete.",
	"I need help with the performance optimization. I've been stuck on it for three days.",
	"Everything is on track. I finished the login feature and it's ready for review.",
	"I'm waiting for the design team to send the final mockups before I can proceed.",
}

// Mock is a deterministic, cost-free stand-in for every collaborator.
type Mock struct{}

// NewMock creates the mock collaborator.
func NewMock() *Mock {
	return &Mock{}
}

// NextReply returns a canned reply chosen by exchange number.
func (Mock) NextReply(ctx context.Context, req ReplyRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sc := req.Scenario
	switch {
	case sc.IntroduceSurprise && sc.Surprise != "":
		return fmt.Sprintf("Hmm, %s. How does that affect things?", lowerFirst(sc.Surprise)), nil
	case sc.WrapUp:
		return mockReplies[len(mockReplies)-1], nil
	default:
		return mockReplies[min(req.Exchange(), len(mockReplies)-1)], nil
	}
}

// Transcribe returns a canned utterance chosen by the size of the encoded payload.
func (Mock) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	n := base64.StdEncoding.EncodedLen(len(audio))
	return Transcript{Text: mockUtterances[n%len(mockUtterances)], Confidence: confidence(mockConfidence)}, nil
}

// Score estimates scores from reply length and count.
func (Mock) Score(ctx context.Context, _ *domain.Scenario, turns []domain.Turn) (domain.Scores, error) {
	if err := ctx.Err(); err != nil {
		return domain.Scores{}, err
	}

	replies, words := 0, 0
	for _, t := range turns {
		if t.Speaker == domain.SpeakerUser {
			replies++
			words += len(strings.Fields(t.Text))
		}
	}
	if replies == 0 {
		return domain.Scores{Clarity: defaultScore, Fluency: defaultScore, Professional: defaultScore}, nil
	}

	avg := float64(words) / float64(replies)
	return domain.Scores{
		Clarity:      clamp(avg/2, 5, 10),
		Fluency:      min(10, 6+float64(replies)*0.5),
		Professional: 8,
	}, nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

var (
	_ Replier     = Mock{}
	_ Transcriber = Mock{}
	_ Scorer      = Mock{}
)
