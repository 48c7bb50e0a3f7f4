// Package config provides application configuration.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/sethvargo/go-envconfig"
)

// Transcription providers.
const (
	TranscriptionOpenAI   = "openai"
	TranscriptionDeepgram = "deepgram"
)

// DefaultThresholds advance a learner to medium after 2 completed sessions
// and to hard after 5.
var DefaultThresholds = []int{2, 5}

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT,default=8080"`
	FrontendURL string `env:"FRONTEND_URL"`

	MaxSessionDurationSeconds int    `env:"MAX_SESSION_DURATION,default=300"`
	DefaultTierName           string `env:"DEFAULT_TIER,default=easy"`
	MockMode                  bool   `env:"MOCK_MODE,default=false"`
	ProgressionThresholds     []int  `env:"PROGRESSION_THRESHOLDS"`
	ProgressionDSN            string `env:"PROGRESSION_DSN"` // empty selects the in-memory default
	MaxHelpfulPhrases         int    `env:"MAX_HELPFUL_PHRASES,default=3"`

	UpstreamTimeout        time.Duration `env:"UPSTREAM_TIMEOUT,default=20s"`
	UpstreamRetryBackoff   time.Duration `env:"UPSTREAM_RETRY_BACKOFF,default=500ms"`
	UpstreamMaxConcurrency int           `env:"UPSTREAM_MAX_CONCURRENCY,default=10"`

	ExpirySweepInterval time.Duration `env:"EXPIRY_SWEEP_INTERVAL,default=15s"`
	MaxRequestBodyBytes int64         `env:"MAX_REQUEST_BODY_BYTES,default=10485760"`

	OpenAIAPIKey          string `env:"OPENAI_API_KEY"`
	OpenAIModel           string `env:"OPENAI_MODEL,default=gpt-4o"`
	TranscriptionProvider string `env:"TRANSCRIPTION_PROVIDER,default=openai"`
	DeepgramModel         string `env:"DEEPGRAM_MODEL,default=nova-3"`
	DeepgramAPIKey        string `env:"DEEPGRAM_API_KEY"`
}

// Load reads configuration from environment variables.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if len(cfg.ProgressionThresholds) == 0 {
		cfg.ProgressionThresholds = append([]int(nil), DefaultThresholds...)
	}
	cfg.TranscriptionProvider = strings.ToLower(strings.TrimSpace(cfg.TranscriptionProvider))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxSessionDurationSeconds <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION must be > 0")
	}
	if _, err := domain.ParseTier(c.DefaultTierName); err != nil {
		return fmt.Errorf("DEFAULT_TIER: %w", err)
	}
	for i, t := range c.ProgressionThresholds {
		if t <= 0 || (i > 0 && t <= c.ProgressionThresholds[i-1]) {
			return fmt.Errorf("PROGRESSION_THRESHOLDS must be positive and ascending, got %v", c.ProgressionThresholds)
		}
	}
	if c.MaxHelpfulPhrases <= 0 {
		return fmt.Errorf("MAX_HELPFUL_PHRASES must be > 0")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.UpstreamRetryBackoff < 0 {
		return fmt.Errorf("UPSTREAM_RETRY_BACKOFF cannot be negative")
	}
	if c.UpstreamMaxConcurrency <= 0 {
		return fmt.Errorf("UPSTREAM_MAX_CONCURRENCY must be > 0")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.MockMode {
		return nil
	}

	switch c.TranscriptionProvider {
	case TranscriptionOpenAI:
	case TranscriptionDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when TRANSCRIPTION_PROVIDER=deepgram")
		}
	default:
		return fmt.Errorf("TRANSCRIPTION_PROVIDER must be %q or %q, got %q", TranscriptionOpenAI, TranscriptionDeepgram, c.TranscriptionProvider)
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required unless MOCK_MODE is enabled")
	}
	return nil
}

// DefaultTier returns the validated starting tier.
func (c *Config) DefaultTier() domain.Tier {
	tier, err := domain.ParseTier(c.DefaultTierName)
	if err != nil {
		return domain.TierEasy
	}
	return tier
}

// MaxSessionDuration returns the per-session duration budget.
func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionDurationSeconds) * time.Second
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
