package redis

import (
	"context"
	"fmt"
	"time"

	"meshcall/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix            = "meshcall:"
	schemaVersionKey     = keyPrefix + "schema:version"
	migrationLockKey     = keyPrefix + "lock:migrations"
	activeRoomsKey       = keyPrefix + "rooms"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs every migration newer than the stored schema version. Relay
// instances starting together serialize on a lock.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return distributed.WithLock(ctx, client, migrationLockKey, 30*time.Second, 30*time.Second, func(ctx context.Context) error {
		return migrate(ctx, client, logger)
	})
}

func migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		logger.Debugw("schema is up to date", "version", currentVersion)
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		logger.Infow("running migration", "version", migration.Version)
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	logger.Infow("migrations completed", "version", currentSchemaVersion)
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// 1: index room hashes written before the active set existed.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, keyPrefix+"room:*:members", 100).Iterator()
				for iter.Next(ctx) {
					room, ok := roomFromKey(iter.Val())
					if !ok {
						continue
					}
					if err := client.SAdd(ctx, activeRoomsKey, room).Err(); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
		{
			// 2: drop active-room entries whose member hash expired.
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				rooms, err := client.SMembers(ctx, activeRoomsKey).Result()
				if err != nil {
					return err
				}
				for _, room := range rooms {
					n, err := client.Exists(ctx, membersKey(room)).Result()
					if err != nil {
						return err
					}
					if n == 0 {
						client.SRem(ctx, activeRoomsKey, room)
					}
				}
				return nil
			},
		},
	}
}
