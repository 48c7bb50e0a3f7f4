// FluentWork - workplace English practice server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/fluentwork/internal/api"
	"github.com/ashureev/fluentwork/internal/catalog"
	"github.com/ashureev/fluentwork/internal/config"
	"github.com/ashureev/fluentwork/internal/conversation"
	"github.com/ashureev/fluentwork/internal/feedback"
	"github.com/ashureev/fluentwork/internal/identity"
	"github.com/ashureev/fluentwork/internal/middleware"
	"github.com/ashureev/fluentwork/internal/progression"
	"github.com/ashureev/fluentwork/internal/provider"
	"github.com/ashureev/fluentwork/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

type providers struct {
	replier     provider.Replier
	transcriber provider.Transcriber
	scorer      provider.Scorer
}

func newProviders(cfg *config.Config, logger *slog.Logger) providers {
	if cfg.MockMode {
		mock := provider.NewMock()
		return providers{replier: mock, transcriber: mock, scorer: mock}
	}

	oa := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:         cfg.OpenAIAPIKey,
		Model:          cfg.OpenAIModel,
		MaxConcurrency: cfg.UpstreamMaxConcurrency,
		Logger:         logger,
	})
	p := providers{replier: oa, transcriber: oa, scorer: oa}
	if cfg.TranscriptionProvider == config.TranscriptionDeepgram {
		p.transcriber = provider.NewDeepgram(cfg.DeepgramModel, cfg.UpstreamMaxConcurrency, logger)
	}
	return p
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load(context.Background())
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"mock_mode", cfg.MockMode,
		"transcription", cfg.TranscriptionProvider,
	)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.ProgressionDSN)
	if err != nil {
		slog.Error("Failed to initialize progression store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close progression store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Progression store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Progression store ready")

	cat, err := catalog.Default()
	if err != nil {
		slog.Error("Failed to load scenario catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Scenario catalog loaded", "scenarios", cat.Len())

	tracker, err := progression.NewTracker(repo, cat, cfg.DefaultTier(), cfg.ProgressionThresholds, logger)
	if err != nil {
		slog.Error("Failed to initialize progression tracker", "error", err)
		os.Exit(1)
	}

	p := newProviders(cfg, logger)
	engine := conversation.NewEngine(conversation.Deps{
		Sessions:    store.NewSessionStore(store.DefaultSessionCapacity),
		Progression: tracker,
		Analyzer:    feedback.NewAnalyzer(cfg.MaxHelpfulPhrases),
		Replier:     p.replier,
		Transcriber: p.transcriber,
		Scorer:      p.scorer,
		Logger:      logger,
	}, conversation.Config{
		MaxSessionDuration: cfg.MaxSessionDuration(),
		UpstreamTimeout:    cfg.UpstreamTimeout,
		RetryBackoff:       cfg.UpstreamRetryBackoff,
	})

	// Initialize handlers.
	conns := api.NewConnRegistry()
	healthHandler := api.NewHealthHandler(repo)
	practiceHandler := api.NewPracticeHandler(engine, cfg.MaxRequestBodyBytes)
	wsHandler := api.NewWebSocketHandler(engine, conns, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	practiceHandler.RegisterRoutes(r)
	wsHandler.RegisterRoutes(r)

	// Conversation sockets are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start expiry worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conversation.StartExpiryWorker(ctx, engine, cfg.ExpirySweepInterval, conns.CloseSession)
	slog.Info("Expiry worker started",
		"interval", cfg.ExpirySweepInterval,
		"max_session_duration", cfg.MaxSessionDuration(),
	)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
