package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/internal/database"
	"github.com/BaSui01/dagflow/workflow"
)

// Backend 是按配置组装好的持久化后端
type Backend struct {
	Store workflow.Store
	// Sink 在 store.publish_events 开启时非空
	Sink workflow.EventSink
	// Pool 仅在 database 驱动下非空，用于上报连接池指标
	Pool *database.PoolManager

	redis      redis.UniversalClient
	closeFuncs []func() error
}

// Close 关闭存储及 Backend 自己创建的连接
func (b *Backend) Close() error {
	var errs []error
	if err := b.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, fn := range b.closeFuncs {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PingEvents 探测事件外发所用的 Redis 连接；未启用外发时返回 nil
func (b *Backend) PingEvents(ctx context.Context) error {
	if b.redis == nil {
		return nil
	}
	return b.redis.Ping(ctx).Err()
}

// NewRedisClient 根据配置创建客户端并探活
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		// 让调用方的 ctx 截止时间作用到连接读写上，事件发布超时依赖这一点
		ContextTimeoutEnabled: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Open 按 cfg.Store.Driver 创建存储
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{}

	switch cfg.Store.Driver {
	case "", "memory":
		b.Store = workflow.NewMemoryStore()

	case "database":
		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		gs := NewGormStore(pm, logger)
		if cfg.Store.AutoMigrate {
			if err := gs.AutoMigrate(ctx); err != nil {
				_ = gs.Close()
				return nil, err
			}
		}
		b.Store = gs
		b.Pool = pm

	case "redis":
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		// RedisStore.Close 负责关闭该客户端
		b.redis = client
		b.Store = NewRedisStore(client, cfg.Store.KeyPrefix, logger)

	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	if cfg.Store.PublishEvents {
		if b.redis == nil {
			client, err := NewRedisClient(ctx, cfg.Redis)
			if err != nil {
				_ = b.Store.Close()
				return nil, err
			}
			b.redis = client
			b.closeFuncs = append(b.closeFuncs, client.Close)
		}
		b.Sink = NewRedisEventSink(b.redis, cfg.Store.KeyPrefix)
	}

	logger.Info("workflow store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.Bool("publish_events", cfg.Store.PublishEvents))
	return b, nil
}
