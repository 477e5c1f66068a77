// Package main runs the poll HTTP server with WebSocket results and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/civicpoll/backend/config"
	"github.com/civicpoll/backend/internal/analytics"
	"github.com/civicpoll/backend/internal/auth"
	"github.com/civicpoll/backend/internal/exports"
	"github.com/civicpoll/backend/internal/middleware"
	"github.com/civicpoll/backend/internal/polls"
	"github.com/civicpoll/backend/internal/realtime"
	"github.com/civicpoll/backend/internal/store/backend"
	"github.com/civicpoll/backend/internal/worker"
	"github.com/civicpoll/backend/pkg/queue"
	"github.com/civicpoll/backend/pkg/redis"
	"github.com/civicpoll/backend/pkg/response"
	"github.com/civicpoll/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := backend.Open(ctx, cfg, logger, true)
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	var s3Client *storage.S3
	if cfg.ExportsEnabled() {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled, results exports off", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	var (
		pub realtime.RedisPublisher
		sub realtime.RedisSubscriber
	)
	if rdb != nil {
		redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
		pub, sub = redisPubSub, redisPubSub
	}
	hub := realtime.NewHub(logger, pub, sub)

	pollService := polls.NewService(st, logger)
	pollHandler := polls.NewHandler(pollService, hub, cfg.Voting.AllowAnonymous, logger)
	analyticsHandler := analytics.NewHandler(pollService, logger)

	// Results exports (Redis queue + S3)
	var exportHandler *exports.Handler
	var exportProcessor *worker.ExportProcessor
	if rdb != nil && s3Client != nil {
		jobQueue := queue.NewQueue(rdb.Client, logger)
		tracker := exports.NewTracker(rdb.Client)
		exportHandler = exports.NewHandler(pollService, tracker, jobQueue, s3Client, logger)
		exportProcessor = worker.NewExportProcessor(pollService, s3Client, jobQueue, tracker, logger)
		pollHandler.SetDeleteHook(func(ctx context.Context, pollID uuid.UUID) {
			if err := jobQueue.EnqueueExportsPurge(ctx, queue.ExportsPurgePayload{PollID: pollID}); err != nil {
				logger.Warn("enqueue exports purge", zap.String("poll_id", pollID.String()), zap.Error(err))
			}
		})
	}

	snapshot := func(ctx context.Context, pollID uuid.UUID) (interface{}, error) {
		r, err := pollService.Results(ctx, pollID, "")
		if errors.Is(err, polls.ErrNotFound) {
			return nil, realtime.ErrPollNotFound
		}
		return r, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public: browse, results and voting (token optional)
	public := router.Group("")
	public.Use(middleware.Identity(jwtService))
	{
		public.GET("/polls", pollHandler.List)
		public.GET("/polls/:id", pollHandler.Get)
		public.GET("/polls/:id/results", pollHandler.Results)
		public.GET("/polls/:id/tally", pollHandler.Tally)
		public.POST("/polls/:id/votes", pollHandler.Vote)

		public.GET("/stats", analyticsHandler.Summary)
		public.GET("/stats/top", analyticsHandler.Top)
	}

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/polls", pollHandler.Create)
		api.GET("/me/polls", pollHandler.ListMine)
		api.PATCH("/polls/:id", pollHandler.Update)
		api.DELETE("/polls/:id", pollHandler.Delete)
		api.POST("/polls/:id/activate", pollHandler.Activate)
		api.POST("/polls/:id/deactivate", pollHandler.Deactivate)

		if exportHandler != nil {
			api.POST("/polls/:id/exports", exportHandler.Create)
			api.GET("/polls/:id/exports/:export_id", exportHandler.Get)
		}
	}

	// WebSocket (read-only results stream; no token required)
	router.GET("/ws", realtime.ServeWs(hub, logger, snapshot))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (results export to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if exportProcessor != nil {
		go exportProcessor.Run(workerCtx)
		logger.Info("export worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("storage", cfg.Storage.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
