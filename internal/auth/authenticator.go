// Package auth checks device API keys on the ingest paths.
package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vehicle-blackbox/internal/config"
)

// KeyLookup resolves an API key to the device it was issued to. An unknown
// key yields "" and no error.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

type cacheEntry struct {
	deviceID  string
	expiresAt time.Time
}

type Authenticator struct {
	localCache sync.Map
	keys       KeyLookup
	ttl        time.Duration
	staticKeys map[string]bool
	logger     *zap.Logger
	now        func() time.Time
}

func NewAuthenticator(cfg *config.Config, keys KeyLookup, logger *zap.Logger) *Authenticator {
	staticKeys := make(map[string]bool, len(cfg.ValidAPIKeys))
	for _, k := range cfg.ValidAPIKeys {
		if k != "" {
			staticKeys[k] = true
		}
	}

	return &Authenticator{
		keys:       keys,
		ttl:        time.Duration(cfg.AuthCacheTTLSeconds) * time.Second,
		staticKeys: staticKeys,
		logger:     logger,
		now:        time.Now,
	}
}

// Validate reports whether apiKey may ingest readings. deviceID is the device
// the key is bound to; static keys from config are not bound and return "".
func (a *Authenticator) Validate(ctx context.Context, apiKey string) (deviceID string, ok bool) {
	if apiKey == "" {
		return "", false
	}

	// Level 0: static config keys
	if a.staticKeys[apiKey] {
		return "", true
	}

	// Level 1: in-memory cache
	if raw, found := a.localCache.Load(apiKey); found {
		entry := raw.(cacheEntry)
		if a.now().Before(entry.expiresAt) {
			return entry.deviceID, true
		}
		a.localCache.Delete(apiKey)
	}

	// Level 2: Redis lookup
	if a.keys == nil {
		return "", false
	}
	deviceID, err := a.keys.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.logger.Warn("api key lookup failed", zap.Error(err))
		return "", false
	}
	if deviceID == "" {
		return "", false
	}

	a.localCache.Store(apiKey, cacheEntry{
		deviceID:  deviceID,
		expiresAt: a.now().Add(a.ttl),
	})

	return deviceID, true
}
