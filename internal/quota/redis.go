package quota

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// reserveScript checks and increments all bucket counters atomically.
// KEYS[i]        = bucket counter key
// ARGV[1]        = cost
// ARGV[1+i]      = limit for KEYS[i] (0 = unlimited)
// ARGV[1+n+i]    = ttl seconds for KEYS[i]
// Returns {allowed, count1, ..., countN}.
var reserveScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local n = #KEYS
local counts = {}
local allowed = 1

for i = 1, n do
    local used = tonumber(redis.call("GET", KEYS[i]) or "0")
    counts[i] = used
    local limit = tonumber(ARGV[1 + i])
    if limit > 0 and used + cost > limit then
        allowed = 0
    end
end

if allowed == 1 then
    for i = 1, n do
        counts[i] = redis.call("INCRBY", KEYS[i], cost)
        redis.call("EXPIRE", KEYS[i], tonumber(ARGV[1 + n + i]))
    end
end

table.insert(counts, 1, allowed)
return counts
`)

// releaseScript decrements counters without going below zero. Missing keys
// (rolled over and expired) are left missing.
var releaseScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
for i = 1, #KEYS do
    local used = tonumber(redis.call("GET", KEYS[i]) or "0")
    if used > 0 then
        redis.call("DECRBY", KEYS[i], math.min(used, cost))
    end
end
return 0
`)

// RedisStore keeps counters in Redis so several instances share one budget.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a client. Keys are "{prefix}:{provider}:{window}:{start}".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "quota"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient creates a client from connection settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.client.Ping(ctx).Err(), "quota: redis ping")
}

func (s *RedisStore) key(providerID string, b Bucket) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, providerID, b.Window, b.Start.Unix())
}

func (s *RedisStore) keys(providerID string, buckets []Bucket) []string {
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = s.key(providerID, b)
	}
	return keys
}

func (s *RedisStore) Reserve(ctx context.Context, providerID string, buckets []Bucket, cost int64) (bool, []int64, error) {
	args := make([]any, 0, 1+2*len(buckets))
	args = append(args, cost)
	for _, b := range buckets {
		args = append(args, b.Limit)
	}
	for _, b := range buckets {
		// Outlive the bucket so late rollbacks still find it.
		args = append(args, int64(2*b.Length().Seconds()))
	}

	res, err := reserveScript.Run(ctx, s.client, s.keys(providerID, buckets), args...).Int64Slice()
	if err != nil {
		return false, nil, eris.Wrap(err, "redis reserve script")
	}
	if len(res) != len(buckets)+1 {
		return false, nil, eris.Errorf("redis reserve script: unexpected reply length %d", len(res))
	}
	return res[0] == 1, res[1:], nil
}

func (s *RedisStore) Release(ctx context.Context, providerID string, buckets []Bucket, cost int64) error {
	err := releaseScript.Run(ctx, s.client, s.keys(providerID, buckets), cost).Err()
	return eris.Wrap(err, "redis release script")
}

func (s *RedisStore) Counts(ctx context.Context, providerID string, buckets []Bucket) ([]int64, error) {
	vals, err := s.client.MGet(ctx, s.keys(providerID, buckets)...).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis mget")
	}
	counts := make([]int64, len(buckets))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "redis counter %s", s.key(providerID, buckets[i]))
		}
		counts[i] = n
	}
	return counts, nil
}
