package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"redline/internal/decision"
)

// putIfNewer writes the projection only when its version is greater than the
// stored one. KEYS[1] hash key, ARGV[1] version, ARGV[2] body, ARGV[3] ttl ms.
var putIfNewer = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'version') or '-1')
if current >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'body', ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// Redis implements ProjectionCache on a shared Redis so that every API
// replica sees the same versions.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: "projection:",
		ttl:    ttl,
	}
}

func (r *Redis) key(clauseID string) string {
	return r.prefix + clauseID
}

func (r *Redis) Get(ctx context.Context, clauseID string) (decision.Projection, bool, error) {
	body, err := r.client.HGet(ctx, r.key(clauseID), "body").Result()
	if errors.Is(err, redis.Nil) {
		return decision.Projection{}, false, nil
	}
	if err != nil {
		return decision.Projection{}, false, fmt.Errorf("get projection: %w", err)
	}

	var p decision.Projection
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return decision.Projection{}, false, fmt.Errorf("unmarshal projection: %w", err)
	}
	return p, true, nil
}

func (r *Redis) Put(ctx context.Context, p decision.Projection) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}
	args := []any{strconv.Itoa(p.Version), string(body), strconv.FormatInt(r.ttl.Milliseconds(), 10)}
	if err := putIfNewer.Run(ctx, r.client, []string{r.key(p.ClauseID)}, args...).Err(); err != nil {
		return fmt.Errorf("put projection: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, clauseID string) error {
	if err := r.client.Del(ctx, r.key(clauseID)).Err(); err != nil {
		return fmt.Errorf("invalidate projection: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
