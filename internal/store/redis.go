package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vehicle-blackbox/internal/config"
	"vehicle-blackbox/internal/domain"
)

// AlertsChannel carries every dispatched alert; per-device channels carry
// the same payload scoped to one device.
const AlertsChannel = "alerts"

type RedisStore struct {
	client   *redis.Client
	dedupTTL time.Duration
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.AlertDedupTTL), nil
}

func NewRedisStoreWithClient(client *redis.Client, dedupTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, dedupTTL: dedupTTL}
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func alertKey(readingID string) string {
	return fmt.Sprintf("alert:reading:%s", readingID)
}

// ClaimAlert marks a reading as alerted. It returns false when another
// worker or an earlier pass already claimed it.
func (r *RedisStore) ClaimAlert(ctx context.Context, readingID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, alertKey(readingID), time.Now().Unix(), r.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("alert claim failed: %w", err)
	}
	return ok, nil
}

// ReleaseAlert drops a claim so the reading can be alerted again.
func (r *RedisStore) ReleaseAlert(ctx context.Context, readingID string) error {
	return r.client.Del(ctx, alertKey(readingID)).Err()
}

// RefreshAlert sets the claim unconditionally; used after a replay.
func (r *RedisStore) RefreshAlert(ctx context.Context, readingID string) error {
	return r.client.Set(ctx, alertKey(readingID), time.Now().Unix(), r.dedupTTL).Err()
}

func (r *RedisStore) PublishAlert(ctx context.Context, deviceID string, payload []byte) error {
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, fmt.Sprintf("device:%s:alerts", deviceID), payload)
	pipe.Publish(ctx, AlertsChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("alert publish failed: %w", err)
	}
	return nil
}

// SubscribeAlerts returns a subscription to AlertsChannel. Callers close it.
func (r *RedisStore) SubscribeAlerts(ctx context.Context) *redis.PubSub {
	return r.client.Subscribe(ctx, AlertsChannel)
}

func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("device:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// PipelineStateUpdate stores the latest classified state of a device and its
// position for live views.
func (r *RedisStore) PipelineStateUpdate(ctx context.Context, reading *domain.Reading) error {
	stateData := map[string]interface{}{
		"device_id":  reading.DeviceID,
		"reading_id": reading.ID,
		"status":     string(reading.Status),
		"fire":       bool(reading.FireStatus),
		"timestamp":  reading.Timestamp.Unix(),
	}
	if speed, ok := reading.SpeedKmh(); ok {
		stateData["speed_kmh"] = speed
	}
	fix, hasFix := reading.Fix()
	if hasFix {
		stateData["lat"] = fix.Lat
		stateData["lng"] = fix.Lng
	}

	pubPayload, err := json.Marshal(stateData)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	stateKey := fmt.Sprintf("device:%s:state", reading.DeviceID)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, stateData)
	pipe.Expire(ctx, stateKey, 10*time.Minute)
	if hasFix {
		pipe.GeoAdd(ctx, "devices:geo", &redis.GeoLocation{
			Name:      reading.DeviceID,
			Longitude: fix.Lng,
			Latitude:  fix.Lat,
		})
	}
	pipe.Publish(ctx, fmt.Sprintf("device:%s:telemetry", reading.DeviceID), pubPayload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}
