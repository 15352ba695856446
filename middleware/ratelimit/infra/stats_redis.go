package infra

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"roomivo-gateway/middleware/ratelimit/domain"
)

const (
	BucketNone   = "none"
	BucketMinute = "minute"
	BucketHour   = "hour"
)

// RedisStatsStore keeps decision counters in Redis hashes shared by every
// gateway instance:
//
//	<prefix>:total                 allowed / denied since the first event
//	<prefix>:<bucket>:<timestamp>  same counters per minute or hour, expire after ttl
//	<prefix>:route                 "<route>:<decision>" -> count
//	<prefix>:key:<key>             per caller, only with WithStatsTrackKeys
type RedisStatsStore struct {
	rdb       redis.UniversalClient
	prefix    string
	ttl       time.Duration
	bucket    string
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithStatsTTL bounds bucket and per-key hashes. Totals never expire.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsBucket selects BucketMinute (default), BucketHour or BucketNone.
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		switch b := strings.ToLower(strings.TrimSpace(bucket)); b {
		case BucketNone, BucketMinute, BucketHour:
			s.bucket = b
		}
	}
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: BucketMinute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) bucketKey(at time.Time) string {
	switch s.bucket {
	case BucketMinute:
		return s.prefix + ":minute:" + at.UTC().Format("200601021504")
	case BucketHour:
		return s.prefix + ":hour:" + at.UTC().Format("2006010215")
	}
	return ""
}

// Record adds one decision in a single pipelined round trip.
func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	decision := ev.Decision()

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", decision, 1)
	if k := s.bucketKey(at); k != "" {
		pipe.HIncrBy(ctx, k, decision, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
	}
	if route := ev.Route(); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+decision, 1)
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		perKey := s.prefix + ":key:" + k
		pipe.HIncrBy(ctx, perKey, decision, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, perKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit stats: %w", err)
	}
	return nil
}

// StatsSnapshot is the aggregate view read back from Redis.
type StatsSnapshot struct {
	Total   Counters
	ByRoute map[string]Counters
}

// Snapshot reads the cumulative totals and per-route counters.
func (s *RedisStatsStore) Snapshot(ctx context.Context) (StatsSnapshot, error) {
	snap := StatsSnapshot{ByRoute: map[string]Counters{}}
	if s == nil || s.rdb == nil {
		return snap, errors.New("redis stats store is not initialized")
	}

	pipe := s.rdb.Pipeline()
	totalCmd := pipe.HGetAll(ctx, s.prefix+":total")
	routeCmd := pipe.HGetAll(ctx, s.prefix+":route")
	if _, err := pipe.Exec(ctx); err != nil {
		return snap, fmt.Errorf("read rate limit stats: %w", err)
	}

	for field, v := range totalCmd.Val() {
		snap.Total.set(field, v)
	}
	for field, v := range routeCmd.Val() {
		i := strings.LastIndexByte(field, ':')
		if i < 0 {
			continue
		}
		c := snap.ByRoute[field[:i]]
		c.set(field[i+1:], v)
		snap.ByRoute[field[:i]] = c
	}
	return snap, nil
}

func (c *Counters) set(decision, raw string) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}
	switch decision {
	case domain.DecisionAllowed:
		c.Allowed = n
	case domain.DecisionDenied:
		c.Denied = n
	}
}
