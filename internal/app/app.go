// Package app wires the shared backends and the archive pipeline for the binaries in cmd/.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contactlens/backend/config"
	"github.com/contactlens/backend/internal/bulk"
	"github.com/contactlens/backend/internal/resolver"
	"github.com/contactlens/backend/pkg/database"
	"github.com/contactlens/backend/pkg/redis"
	"github.com/contactlens/backend/pkg/storage"
	"github.com/contactlens/backend/pkg/ziparchive"
)

// Services holds the optional backends. A nil field means the backend is not configured.
type Services struct {
	Pool  *pgxpool.Pool
	Redis *redis.Client
	S3    *storage.S3
}

// Open connects every configured backend. Postgres is migrated on connect.
// A failing S3 client only disables S3 features; database and Redis failures are fatal.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	s := &Services{}
	if cfg.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, logger)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		s.Pool = pool
		if err := database.Migrate(ctx, pool, logger); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.Redis.Enabled() {
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.Redis = rdb
	}
	if cfg.AWS.Region != "" && cfg.AWS.ExportsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ExportsBucket:        cfg.AWS.ExportsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		} else {
			s.S3 = s3Client
		}
	}
	return s, nil
}

// ExportsReady reports whether background exports can run: they need all three backends.
func (s *Services) ExportsReady() bool {
	return s.Pool != nil && s.Redis != nil && s.S3 != nil
}

// Close releases every open backend.
func (s *Services) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OrchestratorConfig maps BulkConfig onto the orchestrator's settings.
func OrchestratorConfig(c config.BulkConfig) bulk.Config {
	return bulk.Config{
		Concurrency: c.Concurrency,
		Retry: bulk.RetryPolicy{
			MaxAttempts: c.ResolveAttempts,
			BaseDelay:   c.ResolveBaseDelay,
			MaxJitter:   c.RetryJitter,
		},
		ItemTimeout: c.ItemTimeout,
		Archive: ziparchive.Config{
			SpoolThreshold: c.SpoolThreshold,
			SpoolDir:       c.SpoolDir,
		},
	}
}

// NewResolver builds the metadata resolver chain: HTTP and s3:// routing, cached in Redis when available.
func NewResolver(cfg *config.Config, s *Services, logger *zap.Logger) bulk.Resolver {
	httpResolver := resolver.NewHTTPResolver(
		&http.Client{Timeout: cfg.Upstream.Timeout},
		cfg.Upstream.AuthHeader,
		cfg.Upstream.UserAgent,
	)
	var s3Resolver bulk.Resolver
	if s.S3 != nil {
		s3Resolver = resolver.NewS3Resolver(s.S3, time.Duration(cfg.AWS.PresignExpireMinutes)*time.Minute)
	}
	var r bulk.Resolver = resolver.NewRouter(httpResolver, s3Resolver)
	if s.Redis != nil && cfg.Upstream.CacheTTL > 0 {
		r = resolver.NewCache(r, s.Redis.Client, cfg.Upstream.CacheTTL, logger)
	}
	return r
}

// NewOrchestrator builds the archive orchestrator. obs may be nil.
func NewOrchestrator(cfg *config.Config, s *Services, obs bulk.Observer, logger *zap.Logger) *bulk.Orchestrator {
	o := bulk.NewOrchestrator(
		NewResolver(cfg, s, logger),
		bulk.NewHTTPFetcher(nil, cfg.Upstream.UserAgent),
		OrchestratorConfig(cfg.Bulk),
		logger,
	)
	o.SetObserver(obs)
	return o
}
