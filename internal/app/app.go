package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"alma/backend/internal/api"
	"alma/backend/internal/config"
	"alma/backend/internal/database"
	"alma/backend/internal/llm"
	"alma/backend/internal/metrics"
	"alma/backend/internal/prompts"
	"alma/backend/internal/repository"
	"alma/backend/internal/service"
)

const shutdownTimeout = 15 * time.Second

// App holds the wired server and the resources it owns.
type App struct {
	Config  *config.Config
	Repo    repository.Repository
	Metrics *metrics.Metrics
	Server  *http.Server

	closers []func() error
}

// Run loads the configuration, starts the server and blocks until SIGINT
// or SIGTERM. It returns the process exit code.
func Run() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		// slog is not yet configured, so use the default logger for this critical error.
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	setupLogger(cfg.LogLevel)

	logConfigSource()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		return 1
	}
	defer app.Close()

	if err := app.Serve(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		return 1
	}
	return 0
}

// Migrate applies the schema migrations of the configured relational
// backend and exits.
func Migrate() int {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}
	setupLogger(cfg.LogLevel)

	db, err := openDatabase(context.Background(), cfg)
	if err != nil {
		slog.Error("Migration failed", "error", err)
		return 1
	}
	if db == nil {
		slog.Info("Backend has no schema to migrate", "backend", cfg.StoreBackend)
		return 0
	}
	if err := db.Close(); err != nil {
		slog.Error("Failed to close database connection", "error", err)
	}
	slog.Info("Migrations applied", "backend", cfg.StoreBackend)
	return 0
}

// NewApp wires storage, prompts, providers, services and the HTTP router.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}

	repo, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo

	promptSet, err := prompts.Load(cfg.PromptsDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load prompts: %w", err)
	}

	completer, err := a.newCompleter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	svc := service.NewConversationService(repo, completer, promptSet, service.Settings{
		MaxTurns:                cfg.MaxTurns,
		HistoryFetchLimit:       cfg.HistoryFetchLimit,
		PromptMaxChars:          cfg.PromptMaxChars,
		IdempotencyWait:         cfg.IdempotencyWait,
		IdempotencyPollInterval: cfg.IdempotencyPollInterval,
		MaxTokens:               cfg.MaxTokens,
		Temperature:             cfg.Temperature,
	}, a.Metrics)

	router := api.NewRouter(api.NewConversationHandler(svc), repo, a.Metrics, api.RouterOptions{
		OwnerScope:     cfg.OwnerScope,
		JWTSecret:      []byte(cfg.JWTSecret),
		RequestTimeout: cfg.RequestTimeout,
		StoreName:      cfg.StoreBackend,
	})

	a.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.AppPort),
		Handler:           router,
		ReadHeaderTimeout: 20 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return a, nil
}

// Serve runs the HTTP server until ctx is done, then shuts it down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", a.Server.Addr, "store", a.Config.StoreBackend, "owner_scope", a.Config.OwnerScope)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}

// Close releases the storage connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context) (repository.Repository, error) {
	cfg := a.Config
	switch cfg.StoreBackend {
	case config.BackendMemory:
		slog.Warn("Using the in-memory store; conversations are lost on restart.")
		return repository.NewMemoryRepository(cfg.IndexCap), nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Successfully connected to Redis.", "addr", cfg.RedisAddr)
		return repository.NewRedisRepository(rdb, cfg.IndexCap), nil

	case config.BackendSQLite, config.BackendPostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		dialect := repository.DialectSQLite
		if cfg.StoreBackend == config.BackendPostgres {
			dialect = repository.DialectPostgres
		}
		return repository.NewSQLRepository(db, dialect, cfg.IndexCap), nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
}

// openDatabase opens and migrates the relational backend. It returns a nil
// DB for the key-value backends.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		db, err := database.InitDB(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		slog.Info("Successfully connected to SQLite database.", "path", cfg.DatabasePath)
		return db, nil
	case config.BackendPostgres:
		db, err := database.InitPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		slog.Info("Successfully connected to PostgreSQL database.")
		return db, nil
	}
	return nil, nil
}

func (a *App) newCompleter(ctx context.Context) (*llm.FallbackClient, error) {
	cfg := a.Config
	settings := llm.Settings{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		CohereAPIKey:  cfg.CohereAPIKey,
		CohereBaseURL: cfg.CohereBaseURL,
		CohereModel:   cfg.CohereModel,
		OllamaURL:     cfg.OllamaURL,
		OllamaModel:   cfg.OllamaModel,
	}

	primary, err := llm.NewProvider(cfg.PrimaryProvider, settings)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}
	if primary == nil {
		return nil, errors.New("primary provider is not configured")
	}
	secondary, err := llm.NewProvider(cfg.SecondaryProvider, settings)
	if err != nil {
		return nil, fmt.Errorf("secondary provider: %w", err)
	}

	if cfg.PrimaryProvider == "ollama" || cfg.SecondaryProvider == "ollama" {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := waitForOllama(waitCtx, cfg.OllamaURL, 3*time.Second); err != nil {
			slog.Warn("Ollama is not reachable yet, continuing; calls will fail over.", "url", cfg.OllamaURL, "error", err)
		}
	}

	slog.Info("Providers configured", "primary", cfg.PrimaryProvider, "secondary", cfg.SecondaryProvider)
	return llm.NewFallbackClient(primary, secondary, llm.FallbackConfig{
		Timeout:     cfg.ProviderTimeout,
		MaxAttempts: cfg.ProviderMaxAttempts,
		RetryDelay:  cfg.ProviderRetryDelay,
	}, a.Metrics), nil
}

func logConfigSource() {
	configFileUsed := viper.ConfigFileUsed()
	if configFileUsed != "" {
		slog.Info("Successfully loaded configuration from file.", "file", configFileUsed)
	} else {
		slog.Info("Configuration file not found. Using environment variables and defaults.")
	}
}

func setupLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// waitForOllama polls the Ollama root endpoint until it answers 200 or ctx
// is done.
func waitForOllama(ctx context.Context, ollamaURL string, interval time.Duration) error {
	slog.Info("Waiting for Ollama to be ready...")
	client := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ollamaURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			if bErr := resp.Body.Close(); bErr != nil {
				slog.Warn("Failed to close response body in ollama health check", "error", bErr)
			}
			if resp.StatusCode == http.StatusOK {
				slog.Info("Ollama is ready.")
				return nil
			}
		}
		slog.Debug("Ollama not ready yet, retrying...", "url", ollamaURL, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
