package store

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/rentora/apigw/internal/observability"
)

var (
	redisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ratelimit_redis_operations_total",
			Help: "Rate limit Redis store operations by result",
		},
		[]string{"operation", "status"},
	)

	redisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_ratelimit_redis_operation_duration_seconds",
			Help:    "Rate limit Redis store operation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementScript atomically increments a counter and stamps the
// expiry when the increment created it.
// KEYS[1] = counter key, ARGV[1] = delta, ARGV[2] = expiry in ms.
var incrementScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// Redis is a counter store shared across gateway instances.
type Redis struct {
	client *redis.Client
	prefix string
	logger observability.Logger
}

// RedisOptions configures the Redis counter store.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
	Logger   observability.Logger
}

// NewRedis connects to Redis and verifies the connection with a ping.
// Connection attempts back off exponentially so a briefly unavailable
// Redis at startup does not fail the gateway.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "ratelimit:"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	if err := pingWithBackoff(client, opts.Timeout, logger, opts.Addr); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Redis{
		client: client,
		prefix: opts.Prefix,
		logger: logger,
	}, nil
}

// NewRedisWithClient wraps an existing client, primarily for tests.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		logger: observability.NopLogger(),
	}
}

const redisConnectAttempts = 4

func pingWithBackoff(client *redis.Client, timeout time.Duration, logger observability.Logger, addr string) error {
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < redisConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lastErr = client.Ping(ctx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established",
					observability.String("addr", addr),
					observability.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt < redisConnectAttempts-1 {
			logger.Warn("redis ping failed, retrying",
				observability.String("addr", addr),
				observability.Duration("backoff", backoff),
				observability.Error(lastErr),
			)
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	return fmt.Errorf("failed to connect to redis at %s after %d attempts: %w", addr, redisConnectAttempts, lastErr)
}

func (s *Redis) key(key string) string {
	return s.prefix + key
}

// Increment implements Store.
func (s *Redis) Increment(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()

	expiryMs := expiry.Milliseconds()
	if expiryMs < 1 {
		expiryMs = 1
	}

	result, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, delta, expiryMs).Result()
	redisOpDuration.WithLabelValues("increment").Observe(time.Since(start).Seconds())

	if err != nil {
		redisOpsTotal.WithLabelValues("increment", "error").Inc()
		return 0, fmt.Errorf("redis increment: %w", err)
	}

	value, ok := result.(int64)
	if !ok {
		redisOpsTotal.WithLabelValues("increment", "error").Inc()
		return 0, fmt.Errorf("redis increment returned unexpected type %T", result)
	}

	redisOpsTotal.WithLabelValues("increment", "success").Inc()
	return value, nil
}

// Get implements Store.
func (s *Redis) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()
	value, err := s.client.Get(ctx, s.key(key)).Int64()
	redisOpDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())

	if err == redis.Nil {
		redisOpsTotal.WithLabelValues("get", "not_found").Inc()
		return 0, &NotFoundError{Key: key}
	}
	if err != nil {
		redisOpsTotal.WithLabelValues("get", "error").Inc()
		return 0, fmt.Errorf("redis get: %w", err)
	}

	redisOpsTotal.WithLabelValues("get", "success").Inc()
	return value, nil
}

// Delete implements Store.
func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		redisOpsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("redis delete: %w", err)
	}

	redisOpsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Close implements Store.
func (s *Redis) Close() error {
	return s.client.Close()
}
