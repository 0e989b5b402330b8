package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

const redisKeyPrefix = "bundle:"

// RedisOptions configures a RedisBackend.
type RedisOptions struct {
	// TTL expires stored artifacts. Zero keeps them until deleted.
	TTL         time.Duration
	Compression Compression
	Logger      *slog.Logger
}

// RedisBackend shares artifacts between service replicas through Redis.
type RedisBackend struct {
	redis       *redis.Client
	ttl         time.Duration
	compression Compression
	logger      *slog.Logger
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, opts RedisOptions) (*RedisBackend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, opts), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, opts RedisOptions) *RedisBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackend{
		redis:       client,
		ttl:         opts.TTL,
		compression: opts.Compression,
		logger:      logger,
	}
}

func redisKey(key bundle.Key) string {
	return redisKeyPrefix + key.Digest()
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Get(ctx context.Context, key bundle.Key) (bundle.Artifact, error) {
	data, err := r.redis.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return bundle.Artifact{}, ErrMiss
	}
	if err != nil {
		return bundle.Artifact{}, err
	}
	return decodeArtifact(key, data)
}

func (r *RedisBackend) Put(ctx context.Context, art bundle.Artifact) error {
	data, err := encodeArtifact(art, r.compression)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return r.redis.Set(ctx, redisKey(art.Key), data, r.ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key bundle.Key) error {
	return r.redis.Del(ctx, redisKey(key)).Err()
}

// List scans every stored artifact. Entries whose envelope cannot be read
// are skipped; their keys are not recoverable from the digest.
func (r *RedisBackend) List(ctx context.Context) ([]EntrySummary, error) {
	var out []EntrySummary
	iter := r.redis.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.redis.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sum, err := decodeSummary(data)
		if err != nil {
			r.logger.Warn("skipping unreadable redis cache entry", "redisKey", iter.Val(), "error", err)
			continue
		}
		out = append(out, sum)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisBackend) Close() error {
	return r.redis.Close()
}
