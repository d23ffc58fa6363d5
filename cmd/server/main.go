package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/leasehold/internal/api"
	"github.com/eldtechnologies/leasehold/internal/api/middleware"
	"github.com/eldtechnologies/leasehold/internal/auth"
	"github.com/eldtechnologies/leasehold/internal/config"
	"github.com/eldtechnologies/leasehold/internal/crypto"
	"github.com/eldtechnologies/leasehold/internal/engine"
	"github.com/eldtechnologies/leasehold/internal/handlers"
	"github.com/eldtechnologies/leasehold/internal/ledger"
	"github.com/eldtechnologies/leasehold/internal/ownership"
	"github.com/eldtechnologies/leasehold/internal/quota"
	"github.com/eldtechnologies/leasehold/internal/relay"
	"github.com/eldtechnologies/leasehold/internal/store"
	"github.com/eldtechnologies/leasehold/internal/webhook"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres when configured, SQLite otherwise
	var dataStore store.DataStore
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		dataStore = pgStore
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sqliteStore, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		dataStore = sqliteStore
		logger.Warn().Str("path", cfg.SQLitePath).Msg("DATABASE_URL not set, using SQLite")
	}
	defer dataStore.Close()

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	master := []byte(cfg.MasterSecret)
	hasher, err := crypto.NewKeyHasher(master)
	if err != nil {
		logger.Fatal().Err(err).Msg("key hasher setup failed")
	}
	issuer, err := relay.NewTokenIssuer(master, cfg.RelayTokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("realtime token issuer setup failed")
	}
	rates, err := ledger.ParseRates(cfg.TokenRates)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid TOKEN_RATES")
	}

	registry := ownership.NewRegistry(dataStore, cfg.StoreTimeout, logger)
	ledgerSvc := ledger.NewService(dataStore, ledger.Config{
		CreditsPerMinute: cfg.CreditsPerMinute,
		TokenRates:       rates,
		Timeout:          cfg.StoreTimeout,
	}, logger)
	guard := quota.NewGuard(registry, ledgerSvc, cfg.SandboxQuota, logger)
	verifier := auth.NewVerifier(auth.Config{
		IdentityURL:    cfg.IdentityURL,
		IdentityAPIKey: cfg.IdentityAPIKey,
	}, dataStore, hasher, logger)
	defer verifier.Wait()

	hub := relay.NewHub(relay.HubConfig{
		BufferSize: cfg.RelayBufferSize,
		BufferTTL:  cfg.RelayBufferTTL,
		QueueSize:  cfg.RelaySubscriberQueue,
	}, logger)
	defer hub.Close()

	// With Redis every instance sees every event; without it only this one.
	var publisher relay.Publisher = hub
	var limiter *middleware.RateLimiter
	var blocker handlers.IPUnblocker
	if redisStore != nil {
		bridge := relay.NewBridge(redisStore, hub, store.DecodeEvent, logger)
		go bridge.Run(ctx)
		publisher = bridge

		limiter = middleware.NewRateLimiter(redisStore.Client(), logger, middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		})
		blocker = limiter.Blocker()
	}

	h := handlers.NewHandler(handlers.Deps{
		Store:        dataStore,
		Redis:        redisStore,
		Registry:     registry,
		Ledger:       ledgerSvc,
		Quota:        guard,
		Engine:       engine.NewClient(cfg.EngineURL, cfg.InternalSecret, cfg.EngineTimeout, logger),
		Relay:        publisher,
		RelayStats:   hub,
		Tokens:       issuer,
		Hasher:       hasher,
		Webhooks:     webhook.NewVerifier([]byte(cfg.WebhookSecret), webhook.DefaultTolerance),
		Blocker:      blocker,
		Logger:       logger,
		StoreTimeout: cfg.StoreTimeout,
	})

	router := api.NewRouter(api.RouterConfig{
		Logger:  logger,
		Handler: h,
		Gateway: middleware.NewGateway(verifier, logger),
		Limiter: limiter,
		Realtime: relay.NewServer(hub, issuer, registry, relay.ServerConfig{
			PingInterval:   cfg.RelayPingInterval,
			PongTimeout:    cfg.RelayPongTimeout,
			OriginPatterns: cfg.RelayAllowedOrigins,
		}, logger),
		InternalSecret: cfg.InternalSecret,
		AdminTokenHash: cfg.AdminTokenHash,
		AllowedOrigins: cfg.RelayAllowedOrigins,
	})

	// Only the header read is bounded here: realtime connections stay open
	// for the life of a session and bound their own reads and writes.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Bool("redis", redisStore != nil).
			Msg("starting leasehold server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
