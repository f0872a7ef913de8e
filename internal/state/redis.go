package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// compareAndDelete removes a lease only when the caller still owns it.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var countMiss = redis.NewScript(countMissScript)

// RedisStore implements Store on a Redis server (or cluster).
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore parses url (redis:// or rediss://) and returns a connected store.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	store := NewRedisStoreFromClient(client)
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("Connected to shared store")

	return store, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping shared store: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNil
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Keys walks the keyspace with SCAN so large databases are not blocked.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return s.client.LPush(ctx, key, toArgs(values)...).Err()
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	return s.client.RPush(ctx, key, toArgs(values)...).Err()
}

func (s *RedisStore) LPop(ctx context.Context, key string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	vals, err := s.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return vals, err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.client.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, n).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for field, value := range values {
		args = append(args, field, value)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) CountMiss(ctx context.Context, req MissRequest) (MissVerdict, error) {
	reply, err := countMiss.Run(ctx, s.client, countMissKeys, countMissArgs(req)...).Slice()
	if err != nil {
		return MissVerdict{}, err
	}
	return parseMissReply(reply)
}

// Atomic runs the queued writes inside MULTI/EXEC.
func (s *RedisStore) Atomic(ctx context.Context, fn func(tx Tx)) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(&redisTx{ctx: ctx, pipe: pipe})
		return nil
	})
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisTx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (t *redisTx) IncrBy(key string, n int64) {
	t.pipe.IncrBy(t.ctx, key, n)
}

func (t *redisTx) HIncrBy(key, field string, n int64) {
	t.pipe.HIncrBy(t.ctx, key, field, n)
}

func (t *redisTx) LPush(key string, values ...string) {
	if len(values) == 0 {
		return
	}
	t.pipe.LPush(t.ctx, key, toArgs(values)...)
}

func (t *redisTx) LTrim(key string, start, stop int64) {
	t.pipe.LTrim(t.ctx, key, start, stop)
}

func toArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
