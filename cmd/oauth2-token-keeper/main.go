// Package main implements the OAuth token lifecycle service: it runs the
// device authorization flow against the identity provider, keeps the single
// deployment credential fresh, and exposes both to the rest of the system
// over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voxhome/oauth2-token-keeper/internal/credstore"
	"github.com/voxhome/oauth2-token-keeper/internal/deviceauth"
	"github.com/voxhome/oauth2-token-keeper/internal/provider"
	"github.com/voxhome/oauth2-token-keeper/internal/refreshlock"
	"github.com/voxhome/oauth2-token-keeper/internal/tokenmgr"
)

// Version is set by the build process
var Version = "dev"

func main() {
	// Load .env if present; environment variables win
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(cfg Config, logger *zap.Logger) error {
	store, locker, cleanup, err := buildStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	providerClient, err := provider.NewClient(provider.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		DeviceAuthURL: cfg.ProviderDeviceAuthURL,
		TokenURL:      cfg.ProviderTokenURL,
		Scope:         cfg.Scope,
		HealthURL:     cfg.ProviderHealthURL,
		Timeout:       cfg.ProviderTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := tokenmgr.NewMetrics(registry)

	poller := deviceauth.NewPoller(providerClient, store, logger,
		deviceauth.WithStartInterval(cfg.PollStartInterval),
		deviceauth.WithMaxInterval(cfg.PollMaxInterval),
	)
	manager := tokenmgr.NewManager(store, locker, providerClient, logger,
		tokenmgr.WithSkew(cfg.TokenSkew),
		tokenmgr.WithRefreshTimeout(cfg.ProviderTimeout),
		tokenmgr.WithMetrics(metrics),
	)

	// Root context drives the scheduler and is cancelled on shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := tokenmgr.NewScheduler(manager, cfg.RefreshInterval, logger)
	go scheduler.Run(ctx)

	srv := newServer(cfg, poller, manager, providerClient, registry, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.Int("port", cfg.Port), zap.String("version", Version))
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		logger.Info("starting shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed, closing", zap.Error(err))
			if err := httpServer.Close(); err != nil {
				logger.Error("closing server", zap.Error(err))
			}
		}
		return nil
	}
}

// buildStorage wires the credential store and refresh lock for the configured
// mode: Redis-backed with an optional fast-cache side channel, or local files
// for single-process development
func buildStorage(cfg Config, logger *zap.Logger) (credstore.Store, refreshlock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("no Redis configured, using file storage",
			zap.String("path", cfg.CredentialFile))
		store := credstore.NewFallback(credstore.NewFileStore(cfg.CredentialFile), logger)
		locker := refreshlock.NewFileLocker(cfg.CredentialFile+".lock", cfg.LockTTL)
		return store, locker, func() {}, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	opts := []credstore.FallbackOption{}
	if cfg.CacheURL != "" {
		opts = append(opts, credstore.WithCache(
			credstore.NewCacheReader(cfg.CacheURL, credstore.WithCacheTTL(cfg.CacheTTL)),
		))
	}

	store := credstore.NewFallback(credstore.NewRedisStore(redisClient, cfg.CredentialKey), logger, opts...)
	locker := refreshlock.NewRedisLocker(redisClient, cfg.LockKey, cfg.LockTTL)
	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("closing Redis connection", zap.Error(err))
		}
	}
	return store, locker, cleanup, nil
}

func newLogger(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Env == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.LogFormat {
	case "console":
		zapCfg.Encoding = "console"
	default:
		zapCfg.Encoding = "json"
	}

	if cfg.LogLevel != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}
