package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

const (
	defaultRedisCachePrefix = "cache:"
	defaultRedisTimeout     = 5 * time.Second

	redisConnectAttempts = 4
)

// redisCache stores JSON-encoded entries in Redis with the TTL applied
// as the key expiry, so expiration needs no janitor.
type redisCache struct {
	logger observability.Logger
	client redis.UniversalClient
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

func newRedisCache(cfg *config.RedisConfig, logger observability.Logger) (*redisCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: redis addr is required", ErrInvalidConfig)
	}

	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	if err := pingWithBackoff(client, timeout, logger); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisCachePrefix
	}

	logger.Info("redis cache initialized",
		observability.String("addr", cfg.Addr),
		observability.String("keyPrefix", prefix))

	return &redisCache{
		logger: logger,
		client: client,
		prefix: prefix,
	}, nil
}

// newRedisCacheWithClient wraps an existing client. Used in tests.
func newRedisCacheWithClient(client redis.UniversalClient, prefix string) *redisCache {
	if prefix == "" {
		prefix = defaultRedisCachePrefix
	}
	return &redisCache{
		logger: observability.NopLogger(),
		client: client,
		prefix: prefix,
	}
}

func pingWithBackoff(client redis.UniversalClient, timeout time.Duration, logger observability.Logger) error {
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= redisConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			return nil
		}
		if attempt < redisConnectAttempts {
			logger.Warn("redis ping failed, retrying",
				observability.Int("attempt", attempt),
				observability.Error(err))
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func (c *redisCache) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("cache.backend", "redis")),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		recordCacheOp("redis", "get", time.Since(start))
	}()

	payload, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		recordCacheMiss("redis")
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis cache get failed", observability.Error(err))
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		// A corrupt payload is unusable; drop it and report a miss.
		_ = c.client.Del(ctx, c.prefix+key).Err()
		c.misses.Add(1)
		recordCacheMiss("redis")
		c.logger.Warn("dropped corrupt cache entry", observability.Error(err))
		return nil, ErrCacheMiss
	}

	c.hits.Add(1)
	recordCacheHit("redis")
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return &entry, nil
}

func (c *redisCache) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.body_size", len(entry.Body)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		recordCacheOp("redis", "set", time.Since(start))
	}()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis cache set failed", observability.Error(err))
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		recordCacheOp("redis", "delete", time.Since(start))
	}()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (c *redisCache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
