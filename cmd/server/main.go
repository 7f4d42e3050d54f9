package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfarm/farm-runtime-go/internal/config"
	"github.com/openfarm/farm-runtime-go/internal/governor"
	"github.com/openfarm/farm-runtime-go/internal/handler"
	"github.com/openfarm/farm-runtime-go/internal/jobs"
	"github.com/openfarm/farm-runtime-go/internal/middleware"
	"github.com/openfarm/farm-runtime-go/internal/redis"
	"github.com/openfarm/farm-runtime-go/internal/runtime"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Str("path", cfg.DatabasePath).Msg("database opened")

	cooldowns := governor.NewMemoryCooldowns()
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		cooldowns = governor.NewRedisCooldowns(redisClient.Client)
		log.Info().Msg("redis connected, cooldowns are shared")
	}

	gov := governor.New(governor.Config{
		GlobalLimit:   int64(cfg.GlobalConcurrency),
		InflightLimit: cfg.PerUserInflightLimit,
		ReadCooldown:  cfg.ReadCooldown(),
		WriteCooldown: cfg.WriteCooldown(),
	}, cooldowns)

	accountRepo := store.NewAccountRepository(db)
	settingsRepo := store.NewSettingsRepository(db)
	statusRepo := store.NewRuntimeStatusRepository(db)
	bindingRepo := store.NewBindingRepository(db)
	whitelistRepo := store.NewWhitelistRepository(db)

	logHub := runtime.NewLogHub(
		store.NewLogRepository(db),
		cfg.RuntimeLogMaxEntries, cfg.RuntimeLogFlushBatch, cfg.RuntimeLogFlushInterval(),
	)
	if err := logHub.Load(context.Background()); err != nil {
		log.Warn().Err(err).Msg("loading persisted runtime log failed")
	}
	logHub.Start()
	defer logHub.Close()

	manager := runtime.NewManager(cfg, accountRepo, settingsRepo, statusRepo, gov, logHub)

	operatorMiddleware := middleware.NewOperatorMiddleware(whitelistRepo, cfg.AllowedOperators)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	apiHandler := handler.New(manager, gov, bindingRepo, whitelistRepo)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(operatorMiddleware.Handler)
		r.Mount("/", apiHandler.Routes())
	})

	maintenance := jobs.NewMaintenance(manager, logHub, config.FailedRestartSweepInterval)
	if err := maintenance.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start maintenance jobs")
	}
	defer maintenance.Stop()

	// Boot stored accounts in the background so the API is reachable while
	// sessions are still logging in.
	go manager.StartAll(context.Background())

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	manager.StopAll(shutdownCtx)

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
