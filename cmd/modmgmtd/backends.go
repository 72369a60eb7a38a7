package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/notify"
	"github.com/limiquantix/modmgmt/internal/peer"
	"github.com/limiquantix/modmgmt/internal/persist"
	"github.com/limiquantix/modmgmt/internal/repository/etcd"
	"github.com/limiquantix/modmgmt/internal/repository/memory"
	"github.com/limiquantix/modmgmt/internal/repository/postgres"
	"github.com/limiquantix/modmgmt/internal/repository/redis"
	"github.com/limiquantix/modmgmt/internal/server"
)

// backends holds the infrastructure selected by configuration.
type backends struct {
	store    persist.Store
	registry persist.Registry
	bus      notify.Bus
	peer     *peer.WSChannel

	etcd  *etcd.Client
	db    *postgres.BlobStore
	redis *redis.Bus
}

func openBackends(ctx context.Context, cfg *config.Config, side domain.Side, logger *zap.Logger) (_ *backends, err error) {
	b := &backends{}
	defer func() {
		if err != nil {
			b.close(logger)
		}
	}()

	if cfg.Storage.Backend == "etcd" || cfg.Storage.Registry == "etcd" {
		if b.etcd, err = etcd.NewClient(cfg.Etcd, logger); err != nil {
			return nil, err
		}
	}

	switch cfg.Storage.Backend {
	case "etcd":
		b.store = etcd.NewBlobStore(b.etcd)
	case "postgres":
		if b.db, err = postgres.Open(ctx, cfg.Database, side, logger); err != nil {
			return nil, err
		}
		b.store = b.db
	default:
		b.store = memory.NewBlobStore()
	}

	switch cfg.Storage.Registry {
	case "etcd":
		b.registry = etcd.NewRegistry(b.etcd, side)
	case "memory", "":
		b.registry = memory.NewRegistry()
	default:
		return nil, fmt.Errorf("unknown storage.registry %q", cfg.Storage.Registry)
	}

	switch cfg.Storage.Notifications {
	case "redis":
		if b.redis, err = redis.NewBus(cfg.Redis, logger); err != nil {
			return nil, err
		}
		b.bus = b.redis
	case "memory", "":
		b.bus = notify.NewMemoryBus(64)
	default:
		return nil, fmt.Errorf("unknown storage.notifications %q", cfg.Storage.Notifications)
	}

	if cfg.Peer.Enabled && !cfg.Platform.SingleSP {
		b.peer = peer.NewWSChannel(cfg.Peer, logger)
	}
	return b, nil
}

// serverOptions exposes the backends to the readiness report and shutdown.
func (b *backends) serverOptions(cfg *config.Config) []server.Option {
	var opts []server.Option
	if b.peer != nil {
		opts = append(opts, server.WithPeerHandler(cfg.Peer.Path, b.peer), server.WithCloser(b.peer.Close))
	}
	if b.etcd != nil {
		opts = append(opts, server.WithHealthCheck("etcd", b.etcd.Health), server.WithCloser(b.etcd.Close))
	}
	if b.db != nil {
		db := b.db
		opts = append(opts, server.WithHealthCheck("postgres", db.Health), server.WithCloser(func() error {
			db.Close()
			return nil
		}))
	}
	if b.redis != nil {
		opts = append(opts, server.WithHealthCheck("redis", b.redis.Health), server.WithCloser(b.redis.Close))
	}
	return opts
}

func (b *backends) close(logger *zap.Logger) {
	if b.peer != nil {
		if err := b.peer.Close(); err != nil {
			logger.Warn("Failed to close peer channel", zap.Error(err))
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if b.etcd != nil {
		if err := b.etcd.Close(); err != nil {
			logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if b.db != nil {
		b.db.Close()
	}
}
