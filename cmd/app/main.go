package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pikopay/internal/cache"
	"pikopay/internal/chain"
	"pikopay/internal/config"
	"pikopay/internal/convo"
	"pikopay/internal/httpserver"
	"pikopay/internal/logging"
	"pikopay/internal/metrics"
	"pikopay/internal/repo"
	"pikopay/internal/settle"
	"pikopay/internal/wa"
	"pikopay/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting pikopay", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	var repository repo.Repository
	if cfg.DatabaseURL != "" {
		repository, err = repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	} else {
		repository, err = repo.NewSQLite(ctx, cfg.SQLitePath, logger)
	}
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed", "error", err)
	}

	gateway, err := chain.NewSolana(chain.SolanaConfig{
		RPCURL:     cfg.SolanaRPCURL,
		PrivateKey: cfg.TreasuryPrivateKey,
	}, logger, metricRegistry, redisClient)
	if err != nil {
		return fmt.Errorf("init chain gateway: %w", err)
	}
	logger.Info("chain gateway ready", "treasury", gateway.TreasuryAddress(), "rpc", cfg.SolanaRPCURL)

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	convoEngine := convo.New(repository, waClient, metricRegistry, logger, convo.EngineConfig{
		DepositAddress: gateway.TreasuryAddress(),
		FlatFee:        cfg.FlatFee,
	})
	waClient.SetMessageProcessor(convoEngine)

	settler := settle.New(repository, gateway, convoEngine, metricRegistry, logger, settle.Config{
		Interval:        cfg.BatchInterval,
		FlatFee:         cfg.FlatFee,
		TreasuryAddress: gateway.TreasuryAddress(),
		ConfirmTimeout:  cfg.ConfirmTimeout,
		MaxAttempts:     cfg.MaxRetryAttempts,
	})
	go settler.Start(ctx)

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Repository: repository,
		Settler:    settler,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
