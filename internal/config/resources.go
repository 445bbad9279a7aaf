package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Resources bundles the optional external connections used by the server so
// that their lifecycle can be managed in a single place. A nil field means
// the dependency is not configured.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	cfg      Config
}

// NewResources builds the configured external dependencies.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	res := &Resources{cfg: cfg}

	if cfg.PostgresURL != "" {
		pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		res.Postgres, err = pgxpool.NewWithConfig(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
	}

	if cfg.RedisAddr != "" {
		res.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}

	if cfg.ObjectEndpoint != "" {
		objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = objectClient
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}

	return res, nil
}

// HealthCheck verifies that all configured dependencies are reachable.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if r.Postgres != nil {
		if err := r.Postgres.Ping(ctx); err != nil {
			return fmt.Errorf("postgres healthcheck failed: %w", err)
		}
	}

	if r.Redis != nil {
		if err := r.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis healthcheck failed: %w", err)
		}
	}

	// MinIO/S3 doesn't expose a ping, so we attempt to stat the configured bucket.
	if r.Object != nil && r.cfg.StaticBucket != "" {
		ok, err := r.Object.BucketExists(ctx, r.cfg.StaticBucket)
		if err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("object storage bucket %q does not exist", r.cfg.StaticBucket)
		}
	}

	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
