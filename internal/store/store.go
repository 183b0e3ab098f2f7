// Package store implements the shared key-value store contract (spec.md §6):
// a fast Redis-backed tier for hot namespaces and a durable Postgres-backed
// tier for namespaces that must survive a restart. Grounded on the teacher's
// internal/queue/producer.go (pipeline/ZADD usage) and
// internal/repository/message_repository.go (prepared statements, promauto
// instrumentation).
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a key has no value (or has lazily expired).
var ErrNotFound = errors.New("store: key not found")

var (
	opDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Duration of shared store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "backend"},
	)
	opTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_operation_total",
			Help: "Total shared store operations",
		},
		[]string{"op", "backend", "outcome"},
	)
)

// Store is the authoritative cross-process medium named in spec.md §5:
// all cross-process communication (assignments, scheduled messages,
// snapshots, alerts) flows through it.
type Store interface {
	// Get returns the raw bytes for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns all keys beginning with prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)

	// HSet/HGet/HDel back the user_assignments hashmap namespace.
	HSet(ctx context.Context, hash, field string, value []byte) error
	HGet(ctx context.Context, hash, field string) ([]byte, error)
	HDel(ctx context.Context, hash, field string) error

	// ZAdd/ZRangeByScore back the scheduled:<dueAt>:<id> sorted namespace.
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	ZRangeByScore(ctx context.Context, key string, maxScore float64) ([][]byte, error)
	ZRem(ctx context.Context, key string, member []byte) error
}

// RedisStore implements Store against the shared Redis instance; it backs
// every hot namespace (user_assignments, l2:*, metric:*:latest, and the
// scheduled/queue namespaces).
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisStore wraps an existing redis.Client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) observe(op string, start time.Time, err error) {
	opDuration.WithLabelValues(op, "redis").Observe(time.Since(start).Seconds())
	outcome := "success"
	if err != nil && err != redis.Nil {
		outcome = "error"
	}
	opTotal.WithLabelValues(op, "redis", outcome).Inc()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	val, err := s.client.Get(ctx, key).Bytes()
	defer s.observe("get", start, err)
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.client.Set(ctx, key, value, ttl).Err()
	s.observe("set", start, err)
	if err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.client.Del(ctx, key).Err()
	s.observe("delete", start, err)
	if err != nil {
		return errors.Wrap(err, "redis delete")
	}
	return nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return keys, nil
}

func (s *RedisStore) HSet(ctx context.Context, hash, field string, value []byte) error {
	start := time.Now()
	err := s.client.HSet(ctx, hash, field, value).Err()
	s.observe("hset", start, err)
	if err != nil {
		return errors.Wrap(err, "redis hset")
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, hash, field string) ([]byte, error) {
	start := time.Now()
	val, err := s.client.HGet(ctx, hash, field).Bytes()
	defer s.observe("hget", start, err)
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis hget")
	}
	return val, nil
}

func (s *RedisStore) HDel(ctx context.Context, hash, field string) error {
	start := time.Now()
	err := s.client.HDel(ctx, hash, field).Err()
	s.observe("hdel", start, err)
	if err != nil {
		return errors.Wrap(err, "redis hdel")
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member []byte) error {
	start := time.Now()
	err := s.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
	s.observe("zadd", start, err)
	if err != nil {
		return errors.Wrap(err, "redis zadd")
	}
	return nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, maxScore float64) ([][]byte, error) {
	start := time.Now()
	vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(maxScore, 'f', -1, 64),
	}).Result()
	s.observe("zrangebyscore", start, err)
	if err != nil {
		return nil, errors.Wrap(err, "redis zrangebyscore")
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member []byte) error {
	start := time.Now()
	err := s.client.ZRem(ctx, key, member).Err()
	s.observe("zrem", start, err)
	if err != nil {
		return errors.Wrap(err, "redis zrem")
	}
	return nil
}

