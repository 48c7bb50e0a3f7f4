package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"golang.org/x/sync/semaphore"
)

// DefaultOpenAIModel is used when no chat model is configured.
const DefaultOpenAIModel = "gpt-4o"

// whisperConfidence is reported for Whisper transcripts, which carry no score.
const whisperConfidence = 0.85

var errEmptyCompletion = errors.New("empty completion")

// OpenAIConfig configures the OpenAI collaborator.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	MaxConcurrency int
	Logger         *slog.Logger
}

// OpenAI implements Replier, Transcriber and Scorer against the OpenAI API.
// A weighted semaphore bounds in-flight requests.
type OpenAI struct {
	client *openai.Client
	model  string
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewOpenAI creates the OpenAI collaborator.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAI{
		client: &client,
		model:  cfg.Model,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger: cfg.Logger,
	}
}

func (o *OpenAI) acquire(ctx context.Context) (func(), error) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for upstream slot: %w", err)
	}
	return func() { o.sem.Release(1) }, nil
}

func (o *OpenAI) complete(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, maxTokens int64, temperature float64) (string, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(maxTokens),
		Temperature:         openai.Float(temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errEmptyCompletion
	}
	return text, nil
}

// NextReply asks the chat model for the manager's next line.
func (o *OpenAI) NextReply(ctx context.Context, req ReplyRequest) (string, error) {
	reply, err := o.complete(ctx, chatMessages(req), 100, 0.7)
	if err != nil {
		o.logger.Warn("manager reply failed", "model", o.model, "error", err)
		return "", err
	}
	return reply, nil
}

// Transcribe sends audio to Whisper.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return Transcript{}, err
	}
	defer release()

	res, err := o.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "speech.wav", "audio/wav"),
		Model: openai.AudioModelWhisper1,
	})
	if err != nil {
		o.logger.Warn("whisper transcription failed", "audio_bytes", len(audio), "error", err)
		return Transcript{}, fmt.Errorf("whisper transcription: %w", err)
	}

	text := strings.TrimSpace(res.Text)
	o.logger.Debug("transcribed audio", "provider", "openai", "chars", len(text))
	return Transcript{Text: text, Confidence: confidence(whisperConfidence)}, nil
}

// Score asks the chat model to grade the learner's turns.
func (o *OpenAI) Score(ctx context.Context, sc *domain.Scenario, turns []domain.Turn) (domain.Scores, error) {
	msgs := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(coachPrompt),
		openai.UserMessage(scoringPrompt(sc, turns)),
	}
	text, err := o.complete(ctx, msgs, 300, 0.3)
	if err != nil {
		return domain.Scores{}, err
	}
	return parseScores(text), nil
}

var (
	_ Replier     = (*OpenAI)(nil)
	_ Transcriber = (*OpenAI)(nil)
	_ Scorer      = (*OpenAI)(nil)
)
