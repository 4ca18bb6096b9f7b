package repositories

import (
	"context"
	"time"

	"confab/internal/core/ports"
	"confab/internal/infrastructure/repositories/memory"
	redisrepo "confab/internal/infrastructure/repositories/redis"
	"confab/pkg/config"
	"confab/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis or in-memory storage. When Redis is enabled
// but unreachable at startup the factory falls back to memory.
type RepositoryFactory struct {
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{logger: logger}

	if cfg.Redis.Enabled {
		connect := retry.DefaultConfig()
		connect.InitialDelay = 200 * time.Millisecond
		connect.MaxDelay = 2 * time.Second

		client, err := redisrepo.NewRedisClient(ctx, redisrepo.Options{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Connect:  connect,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if factory.redisClient == nil {
		logger.Info("using memory repositories")
	}
	return factory
}

// UsingRedis reports whether the factory is backed by Redis.
func (f *RepositoryFactory) UsingRedis() bool {
	return f.redisClient != nil
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) CreateMeetingRepository() ports.MeetingRepository {
	if f.redisClient != nil {
		return redisrepo.NewRedisMeetingRepository(f.redisClient)
	}
	return memory.NewMemoryMeetingRepository()
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
