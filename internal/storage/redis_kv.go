package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/v9"

	"cortexmem/internal/storeerr"
)

// RedisKVStore adapts a redis.UniversalClient to the KVStore capability
// interface backing L1's hot path: pipelined list push/trim and key expiry.
type RedisKVStore struct {
	client  redis.UniversalClient
	metrics *Metrics
}

// RedisOptions mirrors the subset of connection settings the teacher's
// cache constructors take from config.RedisConfig.
type RedisOptions struct {
	Addr                  string
	Password              string
	DB                    int
	TLSInsecureSkipVerify bool
}

// NewRedisKVStore dials a single-node Redis client and pings it once.
func NewRedisKVStore(ctx context.Context, opts RedisOptions) (*RedisKVStore, error) {
	ropts := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.TLSInsecureSkipVerify {
		ropts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &storeerr.ConnectionError{Backend: "redis", Cause: err}
	}
	return &RedisKVStore{client: client, metrics: NewMetrics()}, nil
}

func (r *RedisKVStore) ListPush(ctx context.Context, key string, values ...string) error {
	start := time.Now()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	// LPUSH (not RPush): the stored list keeps its most-recent element at
	// the head, matching the L1 tier's "trim to [0, window_size-1]"
	// retention rule.
	err := r.client.LPush(ctx, key, args...).Err()
	if err != nil {
		r.metrics.Record(time.Since(start), classify(err), 0, 0)
		return wrapRedisErr("list_push", err)
	}
	r.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (r *RedisKVStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	begin := time.Now()
	err := r.client.LTrim(ctx, key, start, stop).Err()
	if err != nil {
		r.metrics.Record(time.Since(begin), classify(err), 0, 0)
		return wrapRedisErr("list_trim", err)
	}
	r.metrics.Record(time.Since(begin), "", 0, 0)
	return nil
}

func (r *RedisKVStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	begin := time.Now()
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		r.metrics.Record(time.Since(begin), classify(err), 0, 0)
		return nil, wrapRedisErr("list_range", err)
	}
	r.metrics.Record(time.Since(begin), "", 0, len(vals))
	return vals, nil
}

func (r *RedisKVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := r.client.Expire(ctx, key, ttl).Err()
	if err != nil {
		r.metrics.Record(time.Since(start), classify(err), 0, 0)
		return wrapRedisErr("expire", err)
	}
	r.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (r *RedisKVStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		r.metrics.Record(time.Since(start), classify(err), 0, 0)
		return nil, wrapRedisErr("scan_keys", err)
	}
	r.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (r *RedisKVStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := r.client.Del(ctx, key).Err()
	if err != nil {
		r.metrics.Record(time.Since(start), classify(err), 0, 0)
		return wrapRedisErr("delete", err)
	}
	r.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (r *RedisKVStore) Metrics() *Metrics { return r.metrics }

// Close releases the underlying connection pool.
func (r *RedisKVStore) Close() error { return r.client.Close() }

func classify(err error) string {
	if err == redis.Nil {
		return "not_found"
	}
	return "connection"
}

func wrapRedisErr(op string, err error) error {
	if err == redis.Nil {
		return &storeerr.NotFoundError{Backend: "redis", ID: op}
	}
	return &storeerr.ConnectionError{Backend: "redis", Cause: err}
}
