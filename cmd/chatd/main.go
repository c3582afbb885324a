package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"chatd/internal/config"
	"chatd/internal/feed"
	"chatd/internal/httpapi"
	"chatd/internal/live"
	"chatd/internal/render"
	"chatd/internal/store"
)

// liveService glues the router's registration API and the feed's readiness
// into the single surface the HTTP layer consumes.
type liveService struct {
	*live.Router
	feed *feed.Listener
}

func (s liveService) Ready() bool { return s.feed.Ready() }

func main() {
	// Flags with environment variable defaults
	defaultAddr := os.Getenv("CHATD_ADDR")
	defaultDB := os.Getenv("DATABASE_URL")
	if v := os.Getenv("CHATD_DATABASE_URL"); v != "" {
		defaultDB = v
	}
	addr := flag.String("addr", defaultAddr, "HTTP listen address (default :8080)")
	dbURL := flag.String("database-url", defaultDB, "Postgres connection string for the store and change feed")
	configPath := flag.String("config", "", "Optional config file (yaml/json/toml); flags override it")
	subBuffer := flag.Int("subscriber-buffer", 0, "Per-subscriber delivery buffer (0=default)")
	idleTimeout := flag.String("topic-idle-timeout", "", "Retire topic workers with no subscribers after this long, e.g. 5m (0 keeps them forever)")
	corsOrigins := flag.String("cors-origins", os.Getenv("CHATD_CORS_ORIGINS"), "Comma-separated allowed CORS origins (empty disables CORS)")
	logLevel := flag.String("log-level", os.Getenv("CHATD_LOG_LEVEL"), "off|error|info|debug")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "chatd").Logger()

	var cfg config.Config
	if *configPath != "" {
		c, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
		cfg = c
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *subBuffer > 0 {
		cfg.SubscriberBuffer = *subBuffer
	}
	if *idleTimeout != "" {
		cfg.TopicIdleTimeout = *idleTimeout
	}
	if *corsOrigins != "" {
		cfg.CORSOrigins = splitCSV(*corsOrigins)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.TopicIdleTimeout == "" {
		cfg.TopicIdleTimeout = "5m"
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("no database URL configured (set DATABASE_URL or -database-url)")
	}

	logger = loggerAtLevel(logger, cfg.LogLevel)

	idle, err := time.ParseDuration(cfg.TopicIdleTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("value", cfg.TopicIdleTimeout).Msg("invalid -topic-idle-timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	router := live.NewRouter(
		logger.With().Str("component", "live").Logger(),
		store.NewMessages(pool),
		render.New(),
		live.Options{SubscriberBuffer: cfg.SubscriberBuffer, IdleTimeout: idle},
	)
	listener := feed.NewListener(logger.With().Str("component", "feed").Logger(), pool, router)

	go func() {
		if err := router.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("router exited")
		}
	}()
	go func() {
		if err := listener.Run(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("change feed listener exited")
		}
	}()

	httpapi.SetLogger(logger)
	httpapi.SetBaseContext(ctx)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins, []string{http.MethodGet}, []string{"X-User-Id", "Last-Event-ID"})
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(liveService{router, listener})}
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("chatd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
}

func loggerAtLevel(l zerolog.Logger, level string) zerolog.Logger {
	switch level {
	case "off":
		return l.Level(zerolog.Disabled)
	case "error":
		return l.Level(zerolog.ErrorLevel)
	case "debug":
		return l.Level(zerolog.DebugLevel)
	default:
		return l.Level(zerolog.InfoLevel)
	}
}
