package geocode

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"vehicle-blackbox/internal/domain"
)

type scriptedLookup struct {
	failures int
	address  string
	calls    atomic.Int32
}

func (s *scriptedLookup) Reverse(ctx context.Context, lat, lng float64) (string, error) {
	n := int(s.calls.Add(1))
	if s.failures < 0 || n <= s.failures {
		return "", fmt.Errorf("%w: boom %d", domain.ErrUpstreamUnavailable, n)
	}
	return s.address, nil
}

func newTestResolver(l Lookup, slept *[]time.Duration) *Resolver {
	r := NewResolver(l, time.Second, zap.NewNop())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return r
}

func TestResolve_SucceedsOnThirdAttempt(t *testing.T) {
	var slept []time.Duration
	l := &scriptedLookup{failures: 2, address: "Galle Road, Colombo, Sri Lanka"}

	addr := newTestResolver(l, &slept).Resolve(context.Background(), 6.9, 79.8, 3)

	assert.Equal(t, "Galle Road, Colombo, Sri Lanka", addr)
	assert.Equal(t, int32(3), l.calls.Load())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, slept)
}

func TestResolve_AlwaysFailingGivesUpAfterMaxAttempts(t *testing.T) {
	var slept []time.Duration
	l := &scriptedLookup{failures: -1}

	addr := newTestResolver(l, &slept).Resolve(context.Background(), 6.9, 79.8, 3)

	assert.Equal(t, "", addr)
	assert.Equal(t, int32(3), l.calls.Load())
}

func TestResolve_DefaultsAttempts(t *testing.T) {
	var slept []time.Duration
	l := &scriptedLookup{failures: -1}

	newTestResolver(l, &slept).Resolve(context.Background(), 0, 0, 0)

	assert.Equal(t, int32(DefaultMaxAttempts), l.calls.Load())
}

func TestResolve_StopsWhenContextCancelled(t *testing.T) {
	l := &scriptedLookup{failures: -1}
	r := NewResolver(l, time.Hour, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	addr := r.Resolve(ctx, 1, 1, 3)

	assert.Equal(t, "", addr)
	assert.Equal(t, int32(1), l.calls.Load())
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sleepCtx(ctx, time.Hour), context.Canceled))
}
