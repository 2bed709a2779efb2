package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared across processes.
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		r.log.Error("lock.Redis.TryLock error calling SETNX", zap.String("key", key), zap.Error(err))
		return "", false, err
	}
	if !ok {
		r.log.Debug("lock.Redis.TryLock not acquired", zap.String("key", key))
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int()
	if err != nil {
		r.log.Error("lock.Redis.Unlock error", zap.String("key", key), zap.Error(err))
		return err
	}
	if n == 0 {
		r.log.Warn("lock.Redis.Unlock lock not owned or expired", zap.String("key", key))
	}
	return nil
}
