package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-blackbox/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStoreWithClient(client, time.Hour)
}

func TestRedisStore_ClaimAlertOnce(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	ok, err := s.ClaimAlert(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimAlert(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("alert:reading:r1"))
	assert.Equal(t, time.Hour, mr.TTL("alert:reading:r1"))
}

func TestRedisStore_ReleaseAndRefresh(t *testing.T) {
	mr, s := setupTestRedis(t)
	ctx := context.Background()

	_, err := s.ClaimAlert(ctx, "r1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseAlert(ctx, "r1"))
	assert.False(t, mr.Exists("alert:reading:r1"))

	require.NoError(t, s.RefreshAlert(ctx, "r2"))
	ok, err := s.ClaimAlert(ctx, "r2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_PublishAlertReachesSubscribers(t *testing.T) {
	_, s := setupTestRedis(t)
	ctx := context.Background()

	sub := s.SubscribeAlerts(ctx)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PublishAlert(ctx, "dev-1", []byte(`{"type":"ACCIDENT"}`)))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, AlertsChannel, msg.Channel)
		assert.JSONEq(t, `{"type":"ACCIDENT"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not received")
	}
}

func TestRedisStore_GetAPIKey(t *testing.T) {
	mr, s := setupTestRedis(t)
	require.NoError(t, mr.Set("device:auth:key-1", "dev-1"))

	id, err := s.GetAPIKey(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)

	id, err = s.GetAPIKey(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "", id)
}

func TestRedisStore_PipelineStateUpdate(t *testing.T) {
	mr, s := setupTestRedis(t)
	r := &domain.Reading{
		ID:       "r1",
		DeviceID: "dev-1",
		Status:   domain.StatusNormal,
		Location: domain.Location{Lat: domain.Num(6.9), Lng: domain.Num(79.8)},
		Speed:    domain.Num(72),
	}

	require.NoError(t, s.PipelineStateUpdate(context.Background(), r))

	assert.Equal(t, "NORMAL", mr.HGet("device:dev-1:state", "status"))
	assert.Equal(t, "72", mr.HGet("device:dev-1:state", "speed_kmh"))
	assert.True(t, mr.Exists("devices:geo"))
}

func TestRedisStore_PipelineStateUpdateWithoutFix(t *testing.T) {
	mr, s := setupTestRedis(t)
	r := &domain.Reading{ID: "r1", DeviceID: "dev-2", Status: domain.StatusBump, Speed: domain.AwaitingFix()}

	require.NoError(t, s.PipelineStateUpdate(context.Background(), r))

	assert.Equal(t, "BUMP", mr.HGet("device:dev-2:state", "status"))
	assert.Equal(t, "", mr.HGet("device:dev-2:state", "lat"))
	assert.False(t, mr.Exists("devices:geo"))
}
