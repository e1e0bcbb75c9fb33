// Package main runs the background bulk export worker.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/contactlens/backend/config"
	"github.com/contactlens/backend/internal/app"
	"github.com/contactlens/backend/internal/metrics"
	"github.com/contactlens/backend/internal/recordings"
	"github.com/contactlens/backend/internal/worker"
	"github.com/contactlens/backend/pkg/queue"
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
	if !services.ExportsReady() {
		logger.Fatal("worker needs DATABASE_URL, REDIS_ADDR and AWS_S3_EXPORTS_BUCKET")
	}

	bulkMetrics := metrics.New(prometheus.DefaultRegisterer)
	orchestrator := app.NewOrchestrator(cfg, services, bulkMetrics, logger)

	exportRepo := recordings.NewRepository(services.Pool)
	jobQueue := queue.NewQueue(services.Redis.Client, logger)
	processor := worker.NewBulkExportProcessor(exportRepo, services.S3, jobQueue, orchestrator, cfg.Bulk.FilenamePrefix, logger)
	processor.SetArchiveRecorder(bulkMetrics)

	metricsSrv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	if depth, err := jobQueue.Depth(ctx); err == nil {
		logger.Info("worker started", zap.Int64("queued_exports", depth))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped", zap.Int64("processed", processor.Processed()))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
