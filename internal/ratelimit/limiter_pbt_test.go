package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Property: whatever mix of acquires and idle stretches a bucket sees, its
// token level stays within [0, capacity].
func TestBucketLevelStaysInBounds(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("0 <= tokens <= capacity after any op sequence", prop.ForAll(
		func(requests []float64, idleSeconds []float64) bool {
			current := time.Now()
			limiter, err := NewTokenBucketLimiter(&TokenBucketLimiterConfig{
				Redis: client,
				Now:   func() time.Time { return current },
			})
			if err != nil {
				return false
			}

			ctx := context.Background()
			name := "pbt"
			mr.FlushAll()
			if err := limiter.EnsureBucket(ctx, name, 5.0, 2.0); err != nil {
				return false
			}

			ops := len(requests)
			if len(idleSeconds) < ops {
				ops = len(idleSeconds)
			}

			for i := 0; i < ops; i++ {
				current = current.Add(time.Duration(idleSeconds[i] * float64(time.Second)))
				if _, err := limiter.TryAcquire(ctx, name, requests[i]); err != nil {
					return false
				}

				state, err := limiter.Inspect(ctx, name)
				if err != nil || state == nil {
					return false
				}
				if state.Tokens < -1e-9 || state.Tokens > state.Capacity+1e-9 {
					return false
				}
			}

			return true
		},
		gen.SliceOf(gen.Float64Range(0, 8)),
		gen.SliceOf(gen.Float64Range(0, 4)),
	))

	properties.TestingRun(t)
}
