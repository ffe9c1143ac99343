// Package bootstrap builds the shared handles both binaries start from: the storage
// gateway and the Redis-backed queue. Failures here are meant to be fatal.
package bootstrap

import (
	"context"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/PratikDhanave/scan-ingest-service/internal/config"
	"github.com/PratikDhanave/scan-ingest-service/internal/queue"
	"github.com/PratikDhanave/scan-ingest-service/internal/store"
)

// Storage opens the configured gateway, waits for it to answer and creates the schema.
func Storage(ctx context.Context, cfg config.Config) (store.Gateway, error) {
	var gw store.Gateway
	err := withRetry(ctx, cfg.Startup, "storage", func() error {
		g, err := store.Open(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		if err := g.Ping(ctx); err != nil {
			_ = g.Close()
			return err
		}
		gw = g
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "connecting to %s", cfg.Storage.Driver)
	}

	if err := gw.InitSchema(ctx); err != nil {
		_ = gw.Close()
		return nil, errors.WithMessage(err, "initializing schema")
	}
	log.WithField("driver", cfg.Storage.Driver).Info("storage ready")
	return gw, nil
}

// Queue connects to Redis and returns the scan queue on top of it.
func Queue(ctx context.Context, cfg config.Config) (*queue.Queue, *redis.Client, error) {
	var client *redis.Client
	err := withRetry(ctx, cfg.Startup, "redis", func() error {
		c, err := queue.Connect(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.WithFields(log.Fields{
		"addr":          cfg.Redis.Addr(),
		"queue":         cfg.Queue.Name,
		"lock_duration": cfg.Queue.LockDuration,
	}).Info("queue ready")
	q := queue.New(client, cfg.Queue.Prefix, cfg.Queue.Name, queue.WithLockDuration(cfg.Queue.LockDuration))
	return q, client, nil
}

func withRetry(ctx context.Context, cfg config.StartupConfig, what string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(cfg.ConnectAttempts),
		retry.Delay(cfg.ConnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).
				WithField("attempt", n+1).
				WithField("max_attempts", cfg.ConnectAttempts).
				Warnf("%s not reachable, retrying", what)
		}),
	)
}
