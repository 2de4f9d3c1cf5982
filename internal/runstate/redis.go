package runstate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps run state in redis. Locks are SET NX with a TTL, so a
// crashed owner's lock expires on its own instead of needing manual cleanup.
type RedisStore struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisStore(rawURL string, lockTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("runstate: invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("runstate: redis ping failed: %w", err)
	}

	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	return &RedisStore{client: client, lockTTL: lockTTL}, nil
}

func (s *RedisStore) LastHeartbeat(ctx context.Context, job string) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, "assetsync:heartbeat:"+job).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("runstate: corrupt heartbeat for %s: %w", job, err)
	}
	return at, true, nil
}

func (s *RedisStore) RecordHeartbeat(ctx context.Context, job string, at time.Time) error {
	return s.client.Set(ctx, "assetsync:heartbeat:"+job, at.UTC().Format(time.RFC3339Nano), 0).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (s *RedisStore) AcquireLock(ctx context.Context, job string) (func() error, error) {
	key := "assetsync:lock:" + job
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyRunning
	}
	return func() error {
		// Compare-and-delete so an expired-and-reacquired lock is never
		// released by the previous owner.
		return releaseScript.Run(context.Background(), s.client, []string{key}, token).Err()
	}, nil
}
