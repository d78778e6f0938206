package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"keyserver/internal/config"
	apperrors "keyserver/internal/errors"
)

const lockRetryInterval = 25 * time.Millisecond

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisRegistry keeps both sets in Redis so that replicas share them.
type RedisRegistry struct {
	client  *redis.Client
	prefix  string
	lockTTL time.Duration
	logger  *slog.Logger
}

// NewRedisRegistry connects to cfg.RedisURL and, when cfg.ValidIDsPath
// names a readable file, adds its ids to the allow-list set.
func NewRedisRegistry(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, apperrors.NewConfigError("parse redis URL", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewRegistryError("redis ping failed", err)
	}

	r := NewRedisRegistryFromClient(client, cfg, logger)
	if cfg.ValidIDsPath != "" {
		if err := r.seed(ctx, cfg.ValidIDsPath); err != nil {
			client.Close()
			return nil, err
		}
	}
	return r, nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client *redis.Client, cfg config.RegistryConfig, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisRegistry{
		client:  client,
		prefix:  cfg.KeyPrefix,
		lockTTL: ttl,
		logger:  logger.With(slog.String("component", "redis_registry")),
	}
}

func (r *RedisRegistry) validKey() string { return r.prefix + "valid" }

func (r *RedisRegistry) usedKey() string { return r.prefix + "used" }

func (r *RedisRegistry) lockKey(userID string) string { return r.prefix + "lock:" + userID }

// seed adds the allow-list file to the valid set. Ids are only added,
// so an id removed from the file stays valid until the set is pruned.
func (r *RedisRegistry) seed(ctx context.Context, path string) error {
	ids, err := readIDFile(path)
	if os.IsNotExist(err) {
		r.logger.Warn("allow-list file not found, using the existing redis set",
			slog.String("path", path))
		return nil
	}
	if err != nil {
		return apperrors.NewRegistryError("load allow-list", err)
	}
	if len(ids) == 0 {
		return nil
	}

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	added, err := r.client.SAdd(ctx, r.validKey(), members...).Result()
	if err != nil {
		return apperrors.NewRegistryError("seed allow-list", err)
	}
	r.logger.Info("allow-list seeded",
		slog.Int("ids", len(ids)),
		slog.Int64("added", added))
	return nil
}

func (r *RedisRegistry) IsValid(ctx context.Context, userID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.validKey(), userID).Result()
	if err != nil {
		return false, apperrors.NewRegistryError("check allow-list", err)
	}
	return ok, nil
}

func (r *RedisRegistry) IsUsed(ctx context.Context, userID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.usedKey(), userID).Result()
	if err != nil {
		return false, apperrors.NewRegistryError("check used ids", err)
	}
	return ok, nil
}

func (r *RedisRegistry) CheckAvailable(ctx context.Context, userID string) error {
	return checkAvailable(ctx, r, userID)
}

// MarkUsed is idempotent: SADD returns 0 for an id already present.
func (r *RedisRegistry) MarkUsed(ctx context.Context, userID string) error {
	added, err := r.client.SAdd(ctx, r.usedKey(), userID).Result()
	if err != nil {
		return apperrors.NewRegistryError("mark used", err).WithContext("user_id", userID)
	}
	if added == 0 {
		r.logger.Debug("user id already marked used", slog.String("user_id", userID))
	}
	return nil
}

// Lock takes a SET NX PX lock on the id, polling until ctx is done. The
// lock expires after the configured TTL if its holder dies.
func (r *RedisRegistry) Lock(ctx context.Context, userID string) (func(), error) {
	key := r.lockKey(userID)
	token := uuid.NewString()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, apperrors.NewRegistryError("acquire lock", err).WithContext("user_id", userID)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", userID, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// release even when the request context is already cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.logger.Warn("failed to release user id lock",
				slog.String("user_id", userID),
				slog.String("error", err.Error()))
		}
	}, nil
}

func (r *RedisRegistry) Stats(ctx context.Context) (map[string]int64, error) {
	valid, err := r.client.SCard(ctx, r.validKey()).Result()
	if err != nil {
		return nil, apperrors.NewRegistryError("count allow-list", err)
	}
	used, err := r.client.SCard(ctx, r.usedKey()).Result()
	if err != nil {
		return nil, apperrors.NewRegistryError("count used ids", err)
	}
	return map[string]int64{"valid_ids": valid, "used_ids": used}, nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
