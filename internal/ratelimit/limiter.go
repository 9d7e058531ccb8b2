// Package ratelimit provides durable token bucket throttling shared by all
// harvester workers through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/harvest-pool/internal/errors"
)

// Default limiter configuration values.
const (
	DefaultCapacity     = 5.0
	DefaultRefillRate   = 2.0
	DefaultPollInterval = 100 * time.Millisecond
)

// KeyPrefixBucket prefixes the Redis hash holding each bucket's state.
const KeyPrefixBucket = "bucket:"

// BucketState is a read-only snapshot of one bucket. Tokens is projected to
// the snapshot time, so it already includes refill since the last write.
type BucketState struct {
	Name       string    `json:"name"`
	Capacity   float64   `json:"capacity"`
	Tokens     float64   `json:"tokens"`
	RefillRate float64   `json:"refill_rate"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TokenBucketLimiter coordinates request budgets across workers using
// Redis. Each named bucket is a hash refilled lazily on access: tokens
// accrue at refill_rate per second up to capacity, and every
// refill-and-deduct runs as one Lua script so concurrent workers can never
// overdraw a bucket. Bucket state survives restarts of both the workers and
// this process.
type TokenBucketLimiter struct {
	redis             redis.Cmdable
	defaultCapacity   float64
	defaultRefillRate float64
	pollInterval      time.Duration
	now               func() time.Time
}

// TokenBucketLimiterConfig holds configuration for the limiter.
type TokenBucketLimiterConfig struct {
	// Redis is the Redis client holding bucket state.
	// Required - the limiter cannot function without Redis.
	Redis redis.Cmdable

	// DefaultCapacity seeds buckets first seen through Acquire. Default: 5.0.
	DefaultCapacity float64

	// DefaultRefillRate seeds buckets first seen through Acquire, in tokens
	// per second. Default: 2.0.
	DefaultRefillRate float64

	// PollInterval bounds how often a blocking Acquire re-checks the bucket.
	// Default: 100ms.
	PollInterval time.Duration

	// Now overrides the clock, for tests. Default: time.Now.
	Now func() time.Time
}

// Validate checks if the configuration is valid.
func (c *TokenBucketLimiterConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.DefaultCapacity < 0 {
		return errors.New("default capacity cannot be negative")
	}
	if c.DefaultRefillRate < 0 {
		return errors.New("default refill rate cannot be negative")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}
	return nil
}

// NewTokenBucketLimiter creates a new limiter with the given configuration.
// Returns an error if the configuration is invalid.
func NewTokenBucketLimiter(cfg *TokenBucketLimiterConfig) (*TokenBucketLimiter, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Apply defaults
	capacity := cfg.DefaultCapacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	refillRate := cfg.DefaultRefillRate
	if refillRate == 0 {
		refillRate = DefaultRefillRate
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &TokenBucketLimiter{
		redis:             cfg.Redis,
		defaultCapacity:   capacity,
		defaultRefillRate: refillRate,
		pollInterval:      pollInterval,
		now:               now,
	}, nil
}

// ensureScript creates the bucket hash only when it does not exist yet.
// Re-declaring an existing bucket never changes its parameters or drains
// tokens already accrued.
var ensureScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call('EXISTS', key) == 1 then
		return 0
	end
	redis.call('HSET', key,
		'capacity', ARGV[1],
		'tokens', ARGV[1],
		'refill_rate', ARGV[2],
		'updated_at', ARGV[3])
	return 1
`)

// acquireScript refills the bucket from its last-touched timestamp, then
// deducts when enough tokens are present. A missing bucket is created full
// with the default parameters before the deduction is attempted. The token
// level is returned as a string because Lua numbers truncate to integers on
// the Redis reply path.
var acquireScript = redis.NewScript(`
	local key = KEYS[1]
	local requested = tonumber(ARGV[1])
	local now = tonumber(ARGV[2])

	local state = redis.call('HMGET', key, 'capacity', 'tokens', 'refill_rate', 'updated_at')
	local capacity = tonumber(state[1])
	local tokens = tonumber(state[2])
	local refillRate = tonumber(state[3])
	local updatedAt = tonumber(state[4])

	if capacity == nil then
		capacity = tonumber(ARGV[3])
		refillRate = tonumber(ARGV[4])
		tokens = capacity
		updatedAt = now
	end

	local elapsed = now - updatedAt
	if elapsed < 0 then
		elapsed = 0
	end
	tokens = tokens + elapsed * refillRate
	if tokens > capacity then
		tokens = capacity
	end

	local allowed = 0
	if tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call('HSET', key,
		'capacity', capacity,
		'tokens', tokens,
		'refill_rate', refillRate,
		'updated_at', now)
	return {allowed, tostring(tokens)}
`)

// bucketKey returns the Redis key for a named bucket.
func bucketKey(name string) string {
	return KeyPrefixBucket + name
}

// EnsureBucket declares a bucket with the given capacity and refill rate.
// The call is idempotent: if the bucket already exists its parameters and
// current token level are left untouched.
func (l *TokenBucketLimiter) EnsureBucket(ctx context.Context, name string, capacity, refillRate float64) error {
	if name == "" {
		return errors.New("bucket name is required")
	}
	if capacity <= 0 {
		return fmt.Errorf("bucket %s: capacity must be positive", name)
	}
	if refillRate < 0 {
		return fmt.Errorf("bucket %s: refill rate cannot be negative", name)
	}

	err := ensureScript.Run(ctx, l.redis, []string{bucketKey(name)},
		capacity, refillRate, l.nowSeconds()).Err()
	if err != nil {
		return apperrors.NewRateLimiterUnavailable("ratelimit.EnsureBucket", err)
	}

	return nil
}

// TryAcquire attempts to take tokens from the bucket without waiting.
// Returns false when the bucket holds fewer tokens than requested. On Redis
// failure the request is denied and a RateLimiterUnavailable error is
// returned; the limiter never fails open.
func (l *TokenBucketLimiter) TryAcquire(ctx context.Context, name string, tokens float64) (bool, error) {
	if tokens <= 0 {
		return true, nil
	}

	// The reply is {allowed, token level}; the level rides along as a string
	// so Slice rather than Int64Slice.
	result, err := acquireScript.Run(ctx, l.redis, []string{bucketKey(name)},
		tokens, l.nowSeconds(), l.defaultCapacity, l.defaultRefillRate).Slice()
	if err != nil {
		return false, apperrors.NewRateLimiterUnavailable("ratelimit.TryAcquire", err)
	}

	if len(result) == 0 {
		return false, nil
	}
	allowed, ok := result[0].(int64)
	return ok && allowed == 1, nil
}

// Acquire takes tokens from the bucket, waiting up to timeout for refill.
// A timeout of zero or less makes the call non-blocking. Returns false when
// the tokens could not be taken within the timeout; that is a pacing signal,
// not an error. Context cancellation and Redis failures are errors, and a
// denied-by-failure acquire always reports false.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, name string, tokens float64, timeout time.Duration) (bool, error) {
	allowed, err := l.TryAcquire(ctx, name, tokens)
	if err != nil || allowed {
		return allowed, err
	}
	if timeout <= 0 {
		return false, nil
	}

	deadline := l.now().Add(timeout)
	for {
		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			return false, nil
		}

		wait := l.pollInterval
		if remaining < wait {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}

		allowed, err := l.TryAcquire(ctx, name, tokens)
		if err != nil || allowed {
			return allowed, err
		}
	}
}

// Inspect returns a snapshot of the bucket with the token level projected to
// now. Returns nil when the bucket does not exist.
func (l *TokenBucketLimiter) Inspect(ctx context.Context, name string) (*BucketState, error) {
	vals, err := l.redis.HMGet(ctx, bucketKey(name), "capacity", "tokens", "refill_rate", "updated_at").Result()
	if err != nil {
		return nil, apperrors.NewRateLimiterUnavailable("ratelimit.Inspect", err)
	}
	if vals[0] == nil {
		return nil, nil
	}

	capacity, err := parseBucketField(vals[0])
	if err != nil {
		return nil, fmt.Errorf("bucket %s: bad capacity: %w", name, err)
	}
	tokens, err := parseBucketField(vals[1])
	if err != nil {
		return nil, fmt.Errorf("bucket %s: bad token level: %w", name, err)
	}
	refillRate, err := parseBucketField(vals[2])
	if err != nil {
		return nil, fmt.Errorf("bucket %s: bad refill rate: %w", name, err)
	}
	updatedAt, err := parseBucketField(vals[3])
	if err != nil {
		return nil, fmt.Errorf("bucket %s: bad updated_at: %w", name, err)
	}

	elapsed := l.nowSeconds() - updatedAt
	if elapsed > 0 {
		tokens += elapsed * refillRate
	}
	if tokens > capacity {
		tokens = capacity
	}

	sec := int64(updatedAt)
	nsec := int64((updatedAt - float64(sec)) * 1e9)
	return &BucketState{
		Name:       name,
		Capacity:   capacity,
		Tokens:     tokens,
		RefillRate: refillRate,
		UpdatedAt:  time.Unix(sec, nsec),
	}, nil
}

// Ping verifies the limiter's Redis connection.
func (l *TokenBucketLimiter) Ping(ctx context.Context) error {
	if err := l.redis.Ping(ctx).Err(); err != nil {
		return apperrors.NewRateLimiterUnavailable("ratelimit.Ping", err)
	}
	return nil
}

// nowSeconds returns the current clock reading as fractional Unix seconds,
// the time unit used inside the bucket scripts.
func (l *TokenBucketLimiter) nowSeconds() float64 {
	return float64(l.now().UnixNano()) / 1e9
}

func parseBucketField(val interface{}) (float64, error) {
	s, ok := val.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", val)
	}
	return strconv.ParseFloat(s, 64)
}
