package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BSI-Bund/Katti/internal/cache"
	"github.com/BSI-Bund/Katti/internal/engine"
	"github.com/BSI-Bund/Katti/internal/log"
	"github.com/BSI-Bund/Katti/internal/quota"
	"github.com/BSI-Bund/Katti/internal/queue"
	"github.com/BSI-Bund/Katti/internal/store"
)

// app wires the backends once per command invocation.
type app struct {
	logger  *slog.Logger
	rdb     *redis.Client
	store   *store.Mongo
	client  *queue.Client
	driver  *engine.Driver
	sweeper *engine.Sweeper
}

func newApp(ctx context.Context) (*app, error) {
	logger := log.New(config.Verbose, os.Stderr)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Username: config.Redis.Username,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	st, err := store.NewMongo(ctx, config.Mongo.URI, config.Mongo.Database)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	client, err := queue.NewClient(config.Redis, config.Worker)
	if err != nil {
		_ = rdb.Close()
		_ = st.Close(ctx)
		return nil, err
	}

	c := cache.New(rdb)
	orch := engine.NewOrchestrator(st, c, cache.NewLocker(rdb),
		quota.NewScanners(rdb, config.Engine.DayBlockMargin()),
		quota.NewCallers(rdb, config.Engine.TrustedMode, config.Engine.DayBlockMargin()),
		config.Engine, logger)
	driver := engine.NewDriver(orch, st, c, client, config.Worker, logger)
	spread := time.Duration(config.Sweep.RestartDelaySeconds) * time.Second

	return &app{
		logger:  logger,
		rdb:     rdb,
		store:   st,
		client:  client,
		driver:  driver,
		sweeper: engine.NewSweeper(st, client, spread, logger),
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.client.Close(); err != nil {
		a.logger.Warn("queue client close failed", "error", err)
	}
	if err := a.store.Close(ctx); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
	if err := a.rdb.Close(); err != nil {
		a.logger.Warn("redis close failed", "error", err)
	}
}
