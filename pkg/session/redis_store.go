package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/LingByte/LingReach/pkg/constants"
	"github.com/redis/go-redis/v9"
)

// casScript replaces version and data only when the stored version matches.
// Returns 1 on success, 0 on mismatch, -1 when the key is gone.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if not cur then
	return -1
end
if tonumber(cur) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'data', ARGV[3])
return 1
`)

// RedisStore keeps each session in a hash at session:{id} with fields version and data.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient parses url and checks connectivity.
func NewRedisClient(ctx context.Context, url string, poolSize int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func sessionKey(id string) string { return constants.SESSION_KEY_PREFIX + id }

func tokenKey(token string) string { return constants.HANDOFF_KEY_PREFIX + token }

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	vals, err := r.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	data, ok := vals["data"]
	if !ok {
		return nil, ErrNotFound
	}
	s, err := decode([]byte(data))
	if err != nil {
		return nil, err
	}
	if v, err := strconv.ParseInt(vals["version"], 10, 64); err == nil {
		s.Version = v
	}
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	if s.Version == 0 {
		s.Version = 1
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	key := sessionKey(id)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "version", s.Version, "data", data)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put session %s: %w", id, err)
	}
	return nil
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, id string, expected int64, next *Session) error {
	next.Version = expected + 1
	data, err := encode(next)
	if err != nil {
		next.Version = expected
		return err
	}
	res, err := casScript.Run(ctx, r.client, []string{sessionKey(id)}, expected, next.Version, data).Int64()
	if err != nil {
		next.Version = expected
		return fmt.Errorf("cas session %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		next.Version = expected
		return ErrConflict
	default:
		next.Version = expected
		return ErrNotFound
	}
}

func (r *RedisStore) BindToken(ctx context.Context, token, id string, ttl time.Duration) error {
	if err := r.client.Set(ctx, tokenKey(token), id, ttl).Err(); err != nil {
		return fmt.Errorf("bind token: %w", err)
	}
	return nil
}

func (r *RedisStore) ResolveToken(ctx context.Context, token string) (string, error) {
	id, err := r.client.Get(ctx, tokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return id, nil
}
