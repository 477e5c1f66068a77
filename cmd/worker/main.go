// Package main runs the background job worker (results export to S3).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicpoll/backend/config"
	"github.com/civicpoll/backend/internal/exports"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/store/backend"
	"github.com/civicpoll/backend/internal/worker"
	"github.com/civicpoll/backend/pkg/queue"
	"github.com/civicpoll/backend/pkg/redis"
	"github.com/civicpoll/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := checkConfig(cfg); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := backend.Open(ctx, cfg, logger, false)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Cfg := storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ExportsBucket:        cfg.AWS.ExportsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}
	s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	pollService := polls.NewService(st, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	tracker := exports.NewTracker(rdb.Client)
	processor := worker.NewExportProcessor(pollService, s3Client, jobQueue, tracker, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started", zap.String("queue", queue.QueueExports))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

// checkConfig refuses settings the worker cannot run with. The memory store
// lives inside the server process, so a separate worker would see no polls.
func checkConfig(cfg *config.Config) error {
	if !cfg.ExportsEnabled() {
		return errors.New("results exports need REDIS_ENABLED and AWS_S3_EXPORTS_BUCKET")
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return fmt.Errorf("STORAGE_DRIVER=%s is process-local; run the worker against postgres or sqlite", config.DriverMemory)
	}
	return nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
