package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps hash counters in Redis:
//
//	<prefix>:total                     admitted|denied
//	<prefix>:minute:<yyyymmddhhmm>     admitted|denied, expires after ttl
//	<prefix>:resource                  <resource>:<scope>:admitted|denied
//	<prefix>:cause                     <cause>
//
// The total and per-resource hashes are cumulative and never expire.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix. Surrounding colons are trimmed.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL sets the expiry of minute buckets.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func newRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "rpcguard:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record implements Store. All increments go out in one pipeline.
func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := ev.Outcome()

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	bucketKey := s.MinuteKey(at)
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if ev.Resource != "" {
		pipe.HIncrBy(ctx, s.prefix+":resource", fmt.Sprintf("%s:%s:%s", ev.Resource, ev.Scope, field), 1)
	}
	if !ev.Admitted && ev.Cause != "" {
		pipe.HIncrBy(ctx, s.prefix+":cause", string(ev.Cause), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// MinuteKey returns the bucket key for the minute containing at.
func (s *RedisStore) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

// Total reads the cumulative counters.
func (s *RedisStore) Total(ctx context.Context) (Counters, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	c.Admitted, _ = strconv.ParseInt(vals["admitted"], 10, 64)
	c.Denied, _ = strconv.ParseInt(vals["denied"], 10, 64)
	return c, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
