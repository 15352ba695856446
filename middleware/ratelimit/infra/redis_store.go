package infra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roomivo-gateway/middleware/ratelimit/domain"
)

// fixedWindowScript mirrors domain.Advance inside Redis so the
// read-modify-write is atomic across gateway replicas.
//
// KEYS[1] = window key
// ARGV[1] = now (ms), ARGV[2] = window (ms), ARGV[3] = max requests
// returns {count, reset_ms, admitted}
var fixedWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local cur = redis.call('HMGET', KEYS[1], 'count', 'reset')
local count = tonumber(cur[1])
local reset = tonumber(cur[2])

if count == nil or reset == nil or reset <= now then
	reset = now + window
	redis.call('HSET', KEYS[1], 'count', 1, 'reset', reset)
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, reset, 1}
end

if count >= max then
	return {count, reset, 0}
end

count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, reset, 1}
`)

// RedisStore keeps fixed-window entries in Redis, one hash per key.
//
// Keys expire together with their window, which is equivalent to the entry
// being replaced on the next request.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	timeout   time.Duration
	scanCount int64
}

type RedisStoreOption func(*RedisStore)

func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithOpTimeout bounds every Redis call. 0 relies on the caller's context.
func WithOpTimeout(d time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.timeout = d }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		rdb:       rdb,
		prefix:    "ratelimit:window",
		timeout:   500 * time.Millisecond,
		scanCount: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key domain.Key) string {
	return s.prefix + ":" + string(key)
}

// Hit implements domain.WindowStore.
func (s *RedisStore) Hit(ctx context.Context, key domain.Key, p domain.Policy, now time.Time) (domain.Entry, bool, error) {
	if s == nil || s.rdb == nil {
		return domain.Entry{}, false, errors.New("redis store is not initialized")
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	vals, err := fixedWindowScript.Run(ctx, s.rdb,
		[]string{s.redisKey(key)},
		now.UnixMilli(), p.Window.Milliseconds(), p.MaxRequests,
	).Int64Slice()
	if err != nil {
		return domain.Entry{}, false, fmt.Errorf("fixed window script: %w", err)
	}
	if len(vals) != 3 {
		return domain.Entry{}, false, fmt.Errorf("fixed window script: unexpected reply %v", vals)
	}

	entry := domain.Entry{Count: int(vals[0]), ResetTime: time.UnixMilli(vals[1])}
	return entry, vals[2] == 1, nil
}

// Reset implements domain.WindowStore by deleting every key under the prefix.
func (s *RedisStore) Reset(ctx context.Context) error {
	_, err := s.Clear(ctx)
	return err
}

// Clear deletes every window under the prefix and reports how many it removed.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	return s.clear(ctx, false)
}

// Count returns how many window keys exist under the prefix.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	return s.clear(ctx, true)
}

func (s *RedisStore) clear(ctx context.Context, dryRun bool) (int, error) {
	if s == nil || s.rdb == nil {
		return 0, errors.New("redis store is not initialized")
	}

	var (
		n     int
		batch []string
	)
	flush := func() error {
		if len(batch) == 0 || dryRun {
			batch = batch[:0]
			return nil
		}
		if err := s.rdb.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("delete window keys: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	iter := s.rdb.Scan(ctx, 0, s.prefix+":*", s.scanCount).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		n++
		if int64(len(batch)) >= s.scanCount {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan window keys: %w", err)
	}
	return n, flush()
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
