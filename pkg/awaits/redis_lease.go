package awaits

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "nodeflow:await:lease:"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaseStore keeps leases as Redis keys with a millisecond TTL, so
// expiry survives process restarts and is shared between processes.
type RedisLeaseStore struct {
	client redis.UniversalClient
}

func NewRedisLeaseStore(client redis.UniversalClient) *RedisLeaseStore {
	return &RedisLeaseStore{client: client}
}

// NewRedisLeaseStoreFromURL parses a redis:// URL.
func NewRedisLeaseStoreFromURL(rawURL string) (*RedisLeaseStore, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	return NewRedisLeaseStore(redis.NewClient(options)), nil
}

func leaseKey(awaitID string) string {
	return leaseKeyPrefix + awaitID
}

func (r *RedisLeaseStore) Acquire(ctx context.Context, awaitID, claimant string, lease time.Duration) (bool, error) {
	return r.client.SetNX(ctx, leaseKey(awaitID), claimant, lease).Result()
}

func (r *RedisLeaseStore) Renew(ctx context.Context, awaitID, claimant string, lease time.Duration) (bool, error) {
	renewed, err := renewScript.Run(ctx, r.client, []string{leaseKey(awaitID)}, claimant, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}

	return renewed == 1, nil
}

func (r *RedisLeaseStore) Release(ctx context.Context, awaitID, claimant string) error {
	return releaseScript.Run(ctx, r.client, []string{leaseKey(awaitID)}, claimant).Err()
}

func (r *RedisLeaseStore) Holder(ctx context.Context, awaitID string) (string, bool, error) {
	claimant, err := r.client.Get(ctx, leaseKey(awaitID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return claimant, true, nil
}

func (r *RedisLeaseStore) Close() error {
	return r.client.Close()
}
