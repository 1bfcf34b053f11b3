// Package main runs the background worker: deferred session leaves and the stale-session sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/interviewlink/backend/config"
	"github.com/interviewlink/backend/internal/auth"
	"github.com/interviewlink/backend/internal/sessions"
	"github.com/interviewlink/backend/internal/worker"
	"github.com/interviewlink/backend/pkg/database"
	"github.com/interviewlink/backend/pkg/queue"
	"github.com/interviewlink/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	sessionService := sessions.NewService(sessions.NewRepository(pool), auth.NewRepository(pool), logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewLeaveProcessor(sessionService, jobQueue, logger)

	sweeper, err := worker.NewSweeper(sessionService, cfg.Sessions.SweepSchedule, cfg.Sessions.MaxAge, logger)
	if err != nil {
		logger.Fatal("sweep schedule", zap.String("schedule", cfg.Sessions.SweepSchedule), zap.Error(err))
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	sweeper.Start()
	logger.Info("worker started", zap.String("sweep_schedule", cfg.Sessions.SweepSchedule))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	sweeper.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("leave worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
