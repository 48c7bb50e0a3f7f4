package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
	"golang.org/x/sync/semaphore"
)

// DefaultDeepgramModel is used when no Deepgram model is configured.
const DefaultDeepgramModel = "nova-3"

var errNoTranscript = errors.New("no transcription found in response")

// Deepgram implements Transcriber with Deepgram's pre-recorded API. The API
// key is read from DEEPGRAM_API_KEY by the SDK.
type Deepgram struct {
	dg     *api.Client
	model  string
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewDeepgram creates the Deepgram transcriber.
func NewDeepgram(model string, maxConcurrency int, logger *slog.Logger) *Deepgram {
	if model == "" {
		model = DefaultDeepgramModel
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := client.NewRESTWithDefaults()
	return &Deepgram{
		dg:     api.New(c),
		model:  model,
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
		logger: logger,
	}
}

// Transcribe sends audio to Deepgram.
func (d *Deepgram) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Transcript{}, fmt.Errorf("wait for upstream slot: %w", err)
	}
	defer d.sem.Release(1)

	options := &interfaces.PreRecordedTranscriptionOptions{
		Punctuate:   true,
		SmartFormat: true,
		Language:    "en",
		Model:       d.model,
	}

	res, err := d.dg.FromStream(ctx, bytes.NewReader(audio), options)
	if err != nil {
		d.logger.Warn("deepgram transcription failed", "audio_bytes", len(audio), "error", err)
		return Transcript{}, fmt.Errorf("deepgram transcription: %w", err)
	}

	if res != nil && res.Results != nil && len(res.Results.Channels) > 0 {
		channel := res.Results.Channels[0]
		if len(channel.Alternatives) > 0 {
			alt := channel.Alternatives[0]
			text := strings.TrimSpace(alt.Transcript)
			d.logger.Debug("transcribed audio", "provider", "deepgram", "chars", len(text))
			return Transcript{Text: text, Confidence: confidence(alt.Confidence)}, nil
		}
	}

	d.logger.Warn("no transcription found in deepgram response")
	return Transcript{}, errNoTranscript
}

var _ Transcriber = (*Deepgram)(nil)
