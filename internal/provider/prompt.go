package provider

import (
	"fmt"
	"strings"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/openai/openai-go/v2"
)

const managerPrompt = `You are a professional, neutral manager in a 1:1 meeting with your team member.

Guidelines:
- Keep responses brief (1-2 sentences maximum)
- Ask natural follow-up questions based on what the user shares
- Be supportive but professional
- If the user mentions delays or blockers, ask about impact or solutions
- If the user is vague, ask for clarification
- Don't be overly enthusiastic or dramatic
- Use casual professional language, like real workplace conversations

You're helping an employee practice workplace communication, so respond as a real manager would.`

const wrapUpPrompt = `Wrap up the conversation naturally in 1 sentence. Thank them or say something like "Thanks for the update" or "Keep me posted".`

const coachPrompt = "You are an expert English communication coach for workplace scenarios."

// chatMessages renders a reply request as an OpenAI chat transcript.
func chatMessages(req ReplyRequest) []openai.ChatCompletionMessageParamUnion {
	sc := req.Scenario
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(managerPrompt),
		openai.SystemMessage(fmt.Sprintf("Current scenario: %s\nContext: %s\nYour first question was: %s", sc.Topic, sc.Context, sc.Opening)),
	}
	for _, t := range req.History {
		switch t.Speaker {
		case domain.SpeakerManager:
			msgs = append(msgs, openai.AssistantMessage(t.Text))
		case domain.SpeakerUser:
			msgs = append(msgs, openai.UserMessage(t.Text))
		}
	}

	user := req.UserMessage
	if sc.IntroduceSurprise && sc.Surprise != "" {
		user += "\n\nNow introduce this element naturally: " + sc.Surprise
	}
	msgs = append(msgs, openai.UserMessage(user))

	if sc.WrapUp {
		msgs = append(msgs, openai.SystemMessage(wrapUpPrompt))
	}
	return msgs
}

// scoringPrompt asks for scores in the line format parseScores reads.
func scoringPrompt(sc *domain.Scenario, turns []domain.Turn) string {
	var conv strings.Builder
	for _, t := range turns {
		if t.Speaker == domain.SpeakerUser {
			conv.WriteString("User: ")
			conv.WriteString(t.Text)
			conv.WriteByte('\n')
		}
	}

	return fmt.Sprintf(`Analyze this workplace 1:1 conversation for a non-native English speaker practicing professional communication.

Scenario: %s
Context: %s

Conversation:
%s
Evaluate on three dimensions (score 0-10):

1. CLARITY (0-10): Did they clearly communicate their main point? Were they specific or vague?
2. FLUENCY (0-10): Natural flow, minimal filler words, coherent sentences
3. PROFESSIONAL (0-10): Workplace-appropriate language, professional tone

Format your response as:
CLARITY: [score]
FLUENCY: [score]
PROFESSIONAL: [score]`, sc.Topic, sc.Context, conv.String())
}
