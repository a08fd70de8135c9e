// sweeper deletes expired sessions and revocation records. By default it sweeps
// once and exits (for cron jobs); -loop keeps sweeping every SWEEP_INTERVAL.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cgb37/quart-mysql-scaffold/internal/config"
	"github.com/cgb37/quart-mysql-scaffold/internal/db"
	identityrepo "github.com/cgb37/quart-mysql-scaffold/internal/identity/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/obs"
	sessionrepo "github.com/cgb37/quart-mysql-scaffold/internal/session/repository"
	"github.com/cgb37/quart-mysql-scaffold/internal/token"
)

func main() {
	loop := flag.Bool("loop", false, "Keep sweeping every SWEEP_INTERVAL until interrupted")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.LogLevel, Pretty: cfg.LogPretty, App: "authcore-sweeper", Env: cfg.Env, Ver: cfg.Version})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, db.Config{URL: cfg.DatabaseURL, MaxConns: 2, QueryTimeout: cfg.StoreTimeout()})
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer database.Close()

	var store sessionrepo.Store = sessionrepo.NewPostgresStore(database)
	if cfg.StoreBackend == config.StoreBackendRedis {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = client.Close() }()
		store = sessionrepo.NewRedisStore(client, cfg.RedisKeyPrefix, cfg.SweepGrace())
	}
	// The sweep never mints tokens, so the manager needs no provider.
	manager := token.NewManager(store, identityrepo.NewPostgresRepository(database), nil, logger)

	sweeper, err := token.NewSweeper(manager, token.SweeperConfig{
		Interval: cfg.SweepInterval(),
		Grace:    cfg.SweepGrace(),
	}, logger)
	if err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	if *loop {
		if err := sweeper.Run(ctx); err != nil {
			logger.Fatal("sweeper", zap.Error(err))
		}
		return
	}
	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		logger.Fatal("sweep failed", zap.Error(err))
	}
	logger.Info("sweep complete", zap.Int64("removed", n))
}
