package repositories

import (
	"context"

	"meshcall/internal/core/ports"
	"meshcall/internal/infrastructure/repositories/memory"
	redisrepo "meshcall/internal/infrastructure/repositories/redis"
	"meshcall/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the membership store. Redis lets several relay
// instances share rooms; without it every instance keeps its own.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// memory if it is unreachable.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(cfg, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories", "error", err)
		} else {
			factory.redisClient = client
		}
	}
	logger.Infow("room repository selected", "backend", factory.Backend())
	return factory
}

func (f *RepositoryFactory) Backend() string {
	if f.redisClient != nil {
		return "redis"
	}
	return "memory"
}

func (f *RepositoryFactory) CreateRoomRepository() ports.RoomRepository {
	if f.redisClient != nil {
		return redisrepo.NewRoomRepository(f.redisClient, f.cfg.Redis.TTL)
	}
	return memory.NewRoomRepository()
}

// RedisClient is nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
