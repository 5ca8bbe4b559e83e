package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/epitome-ai/epitome/internal/auth"
	"github.com/epitome-ai/epitome/internal/config"
	"github.com/epitome-ai/epitome/internal/consent"
	"github.com/epitome-ai/epitome/internal/idempotency"
	"github.com/epitome-ai/epitome/internal/mcp"
	"github.com/epitome-ai/epitome/internal/ratelimit"
	"github.com/epitome-ai/epitome/internal/search"
	"github.com/epitome-ai/epitome/internal/server"
	"github.com/epitome-ai/epitome/internal/service/embedding"
	"github.com/epitome-ai/epitome/internal/service/knowledge"
	"github.com/epitome-ai/epitome/internal/storage"
	"github.com/epitome-ai/epitome/internal/telemetry"
	"github.com/epitome-ai/epitome/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("EPITOME_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("epitome starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager (generates an ephemeral keypair when no paths are
	// configured — fine for single-process dev, useless across restarts).
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Build the search stack: Qdrant primary with a pgvector fallback, or
	// pgvector alone when no QDRANT_URL is configured. Recall keeps working
	// through a Qdrant outage either way.
	pgIndex := search.NewPgIndex(db.Pool(), logger)
	var searcher search.Searcher = pgIndex
	var qdrantIndex *search.QdrantIndex
	if cfg.QdrantURL != "" {
		qdrantIndex, err = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		searcher = search.WithFallback(qdrantIndex, pgIndex, logger)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled, using pgvector only")
	}

	// Start the vectorizer worker. It drains the outbox regardless of which
	// index is primary.
	vectorizer := search.NewVectorizer(db, qdrantIndex, embedder, logger,
		cfg.VectorizeInterval, cfg.VectorizeBatchSize)
	vectorizer.Start(ctx)

	// Wire the knowledge service.
	gate := consent.New(db)
	idem := idempotency.New(db, logger, cfg.IdempotencyWaitTimeout)
	svc := knowledge.New(db, gate, idem, embedder, searcher, logger)

	// Periodically expire old idempotency keys.
	go idempotencyCleanupLoop(ctx, db, logger)

	// Create rate limiter (per user+agent; zero rate disables).
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create MCP server.
	var mcpOpts []mcp.Option
	if cfg.LegacyTools {
		mcpOpts = append(mcpOpts, mcp.WithLegacyTools())
		logger.Info("legacy tools: enabled")
	}
	if raw := os.Getenv("EPITOME_STATIC_USER_ID"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("EPITOME_STATIC_USER_ID: %w", err)
		}
		agentID := os.Getenv("EPITOME_STATIC_AGENT_ID")
		if agentID == "" {
			agentID = "local"
		}
		mcpOpts = append(mcpOpts, mcp.WithStaticIdentity(userID, agentID))
		logger.Info("static identity: enabled", "agent_id", agentID)
	}
	mcpSrv := mcp.New(svc, limiter, logger, mcpOpts...)

	// Create and start HTTP server (MCP mounted at /mcp).
	srv := server.New(server.Config{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Searcher:            searcher,
		MCPServer:           mcpSrv.MCPServer(),
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		BootstrapSecretHash: cfg.BootstrapSecretHash,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight (they may still enqueue outbox rows),
	// (2) drain the vectorize outbox.
	slog.Info("epitome shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	vectorizer.Drain(drainCtx)
	drainCancel()

	slog.Info("epitome stopped")
	return nil
}

// idempotencyCleanupLoop expires completed keys after a day and pending ones
// after an hour, hourly.
func idempotencyCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.CleanupIdempotencyKeys(ctx, 24*time.Hour, time.Hour)
			if err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("idempotency keys expired", "count", n)
			}
		}
	}
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when EPITOME_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai provider init failed", "error", err)
			return embedding.NewNoopProvider(dims)
		}
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		// Auto-detect: prefer Ollama (on-premises, no cost), then OpenAI, else noop.
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			p, err := embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("openai provider init failed", "error", err)
				return embedding.NewNoopProvider(dims)
			}
			return p
		}
		logger.Warn("no embedding provider available, using noop (semantic recall disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
