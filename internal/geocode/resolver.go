// Package geocode resolves a street address for high-severity readings.
package geocode

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second
)

// Lookup is one reverse-geocoding call.
type Lookup interface {
	Reverse(ctx context.Context, lat, lng float64) (string, error)
}

// Resolver wraps a Lookup with a fixed-backoff retry.
type Resolver struct {
	lookup  Lookup
	backoff time.Duration
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewResolver(lookup Lookup, backoff time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		lookup:  lookup,
		backoff: backoff,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Resolve returns the address, or "" when every attempt failed. An empty
// result means "address unavailable"; it is never an error for the caller.
func (r *Resolver) Resolve(ctx context.Context, lat, lng float64, maxAttempts int) string {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		metrics.GeocodeAttempts.Inc()
		addr, err := r.lookup.Reverse(ctx, lat, lng)
		if err == nil && addr != "" {
			return addr
		}

		r.logger.Warn("reverse geocode attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Float64("lat", lat),
			zap.Float64("lng", lng),
			zap.Error(err),
		)

		if attempt == maxAttempts {
			break
		}
		if err := r.sleep(ctx, r.backoff); err != nil {
			return ""
		}
	}

	metrics.GeocodeFailures.Inc()
	r.logger.Error("reverse geocode gave up",
		zap.Int("attempts", maxAttempts),
		zap.Float64("lat", lat),
		zap.Float64("lng", lng),
	)
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
