package repositories

import (
	"context"
	"testing"

	"meshcall/internal/infrastructure/repositories/memory"
	"meshcall/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRepositoryFactory_MemoryByDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	factory := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "memory", factory.Backend())
	assert.Nil(t, factory.RedisClient())
	assert.IsType(t, &memory.RoomRepository{}, factory.CreateRoomRepository())
	assert.NoError(t, factory.HealthCheck(context.Background()))
	require.NoError(t, factory.Close())
}

func TestRepositoryFactory_FallsBackWhenRedisIsDown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	factory := NewRepositoryFactory(cfg, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, "memory", factory.Backend())
	assert.NotNil(t, factory.CreateRoomRepository())
}
