// Package main runs the bulk recording HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/contactlens/backend/config"
	"github.com/contactlens/backend/internal/app"
	"github.com/contactlens/backend/internal/auth"
	"github.com/contactlens/backend/internal/metrics"
	"github.com/contactlens/backend/internal/middleware"
	"github.com/contactlens/backend/internal/recordings"
	"github.com/contactlens/backend/internal/worker"
	"github.com/contactlens/backend/pkg/queue"
	"github.com/contactlens/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	services, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backends", zap.Error(err))
	}
	defer services.Close()

	bulkMetrics := metrics.New(prometheus.DefaultRegisterer)
	orchestrator := app.NewOrchestrator(cfg, services, bulkMetrics, logger)

	// Recordings
	recordingHandler := recordings.NewHandler(orchestrator, recordings.Options{
		FilenamePrefix: cfg.Bulk.FilenamePrefix,
		MaxItems:       cfg.Bulk.MaxItems,
	}, logger)
	recordingHandler.SetArchiveRecorder(bulkMetrics)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if services.ExportsReady() {
		exportRepo := recordings.NewRepository(services.Pool)
		jobQueue := queue.NewQueue(services.Redis.Client, logger)
		recordingHandler.SetExports(exportRepo, jobQueue, services.S3)

		if cfg.Bulk.InProcessExporter {
			processor := worker.NewBulkExportProcessor(exportRepo, services.S3, jobQueue, orchestrator, cfg.Bulk.FilenamePrefix, logger)
			processor.SetArchiveRecorder(bulkMetrics)
			go processor.Run(workerCtx)
		}
	} else {
		logger.Info("background exports disabled; set DATABASE_URL, REDIS_ADDR and AWS_S3_EXPORTS_BUCKET to enable")
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if services.Redis != nil && !services.Redis.Healthy(c.Request.Context()) {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/recordings")
	if cfg.JWT.Secret != "" {
		jwtService := auth.NewJWTService(cfg.JWT.Secret, 0)
		api.Use(middleware.JWT(jwtService), middleware.RequireRole(auth.RoleAdmin, auth.RoleOperator))
	} else {
		logger.Warn("JWT_SECRET not set; recording endpoints are unauthenticated")
	}
	{
		api.POST("/bulk-download", recordingHandler.BulkDownload)
		api.POST("/bulk-exports", recordingHandler.CreateBulkExport)
		api.GET("/bulk-exports/:id", recordingHandler.GetBulkExport)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		// 0 leaves archive streams unbounded.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.Strings("cors_origins", cfg.Server.AllowedOrigins()),
			zap.Int("bulk_concurrency", cfg.Bulk.Concurrency),
		)
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
