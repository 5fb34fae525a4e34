// Package redis provides a Redis-backed caching layer in front of a
// core.Store, so repeated GetModelPreferences calls (made each time the
// Analysis Service loads its model routing) don't hit the underlying
// persistence layer every time.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arannis/tidysort/core"
	goredis "github.com/go-redis/redis/v8"
)

const prefsKey = "tidysort:model-preferences"

// PreferencesCache wraps a core.Store, caching GetModelPreferences in
// Redis with a TTL and invalidating it whenever a caller reports the
// preferences changed.
type PreferencesCache struct {
	core.Store
	client *goredis.Client
	ttl    time.Duration
	logger core.Logger
}

// NewPreferencesCache wraps store with a Redis cache. ttl <= 0 defaults to
// one minute.
func NewPreferencesCache(store core.Store, client *goredis.Client, ttl time.Duration, logger core.Logger) *PreferencesCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &PreferencesCache{Store: store, client: client, ttl: ttl, logger: logger}
}

// GetModelPreferences serves from Redis when present, otherwise falls
// through to the wrapped Store and populates the cache.
func (c *PreferencesCache) GetModelPreferences(ctx context.Context) (core.ModelPreferences, error) {
	if cached, ok := c.readCache(ctx); ok {
		return cached, nil
	}

	prefs, err := c.Store.GetModelPreferences(ctx)
	if err != nil {
		return core.ModelPreferences{}, err
	}

	c.writeCache(ctx, prefs)
	return prefs, nil
}

// InvalidatePreferences drops the cached entry so the next
// GetModelPreferences call reloads from the wrapped Store.
func (c *PreferencesCache) InvalidatePreferences(ctx context.Context) error {
	return c.client.Del(ctx, prefsKey).Err()
}

func (c *PreferencesCache) readCache(ctx context.Context) (core.ModelPreferences, bool) {
	raw, err := c.client.Get(ctx, prefsKey).Result()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn("model preferences cache read failed", map[string]interface{}{"error": err.Error()})
		}
		return core.ModelPreferences{}, false
	}
	var prefs core.ModelPreferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		c.logger.Warn("model preferences cache decode failed", map[string]interface{}{"error": err.Error()})
		return core.ModelPreferences{}, false
	}
	return prefs, true
}

func (c *PreferencesCache) writeCache(ctx context.Context, prefs core.ModelPreferences) {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, prefsKey, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("model preferences cache write failed", map[string]interface{}{"error": err.Error()})
	}
}
