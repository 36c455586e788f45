package dlock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	redispkg "github.com/chatmesh/chatmesh/pkg/redis"
)

// Lua scripts keep each lease transition atomic. The lease is a hash with
// owner, reentry_count, created_at and expire_at fields; expire_at is the
// authoritative expiry and PEXPIRE is a backstop against orphaned keys.
var (
	acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if not owner then
  redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'reentry_count', 1, 'created_at', ARGV[2], 'expire_at', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 1
end
if owner == ARGV[1] then
  redis.call('HINCRBY', KEYS[1], 'reentry_count', 1)
  redis.call('HSET', KEYS[1], 'expire_at', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 1
end
return 0`)

	releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner ~= ARGV[1] then
  return -1
end
local count = redis.call('HINCRBY', KEYS[1], 'reentry_count', -1)
if count <= 0 then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0`)

	extendScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'expire_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1`)

	reclaimScript = redis.NewScript(`
local expire = redis.call('HGET', KEYS[1], 'expire_at')
if expire and tonumber(expire) < tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0`)
)

// RedisStore keeps leases in Redis so mutual exclusion holds across nodes.
type RedisStore struct {
	client *redispkg.Client
}

// NewRedisStore builds a lease store over the shared Redis client.
func NewRedisStore(client *redispkg.Client) *RedisStore {
	return &RedisStore{client: client}
}

func leaseKey(key string) string { return "lock:" + key }

func epochSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

func (s *RedisStore) AcquireOrReenter(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := acquireScript.Run(ctx, s.client, []string{leaseKey(key)},
		owner, epochSeconds(now), epochSeconds(now.Add(ttl)), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	res, err := releaseScript.Run(ctx, s.client, []string{leaseKey(key)}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("release lease %q: %w", key, err)
	}
	if res == -1 {
		return false, ErrNotHeld
	}
	return res == 1, nil
}

func (s *RedisStore) Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, s.client, []string{leaseKey(key)},
		owner, epochSeconds(time.Now().Add(ttl)), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lease %q: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ReclaimExpired(ctx context.Context, key string) (bool, error) {
	res, err := reclaimScript.Run(ctx, s.client, []string{leaseKey(key)},
		epochSeconds(time.Now())).Int()
	if err != nil {
		return false, fmt.Errorf("reclaim lease %q: %w", key, err)
	}
	return res == 1, nil
}

func (s *RedisStore) ForceUnlock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, leaseKey(key)).Err(); err != nil {
		return fmt.Errorf("force unlock %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Info(ctx context.Context, key string) (*LeaseInfo, error) {
	fields, err := s.client.HGetAll(ctx, leaseKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("lease info %q: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	count, _ := strconv.Atoi(fields["reentry_count"])
	created, _ := strconv.ParseFloat(fields["created_at"], 64)
	expire, _ := strconv.ParseFloat(fields["expire_at"], 64)
	return &LeaseInfo{
		Owner:        fields["owner"],
		ReentryCount: count,
		CreatedAt:    created,
		ExpireAt:     expire,
	}, nil
}
