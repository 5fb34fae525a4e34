package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/storeadapter"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
}

func TestPreferencesCache_MissFallsThroughAndPopulatesCache(t *testing.T) {
	client := newTestClient(t)
	store := storeadapter.NewMemoryStore()
	store.SeedModelPreferences(core.ModelPreferences{Main: "llama-7b", Sub: "tiny-1b"})

	cache := NewPreferencesCache(store, client, time.Minute, nil)

	got, err := cache.GetModelPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "llama-7b", got.Main)

	cached, ok := cache.readCache(context.Background())
	require.True(t, ok)
	assert.Equal(t, "llama-7b", cached.Main)
}

func TestPreferencesCache_HitServesWithoutTouchingStore(t *testing.T) {
	client := newTestClient(t)
	store := storeadapter.NewMemoryStore()
	store.SeedModelPreferences(core.ModelPreferences{Main: "original"})
	cache := NewPreferencesCache(store, client, time.Minute, nil)

	_, err := cache.GetModelPreferences(context.Background())
	require.NoError(t, err)

	// Mutate the underlying store directly; a cache hit should still
	// return the originally cached value.
	store.SeedModelPreferences(core.ModelPreferences{Main: "changed"})

	got, err := cache.GetModelPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "original", got.Main)
}

func TestPreferencesCache_InvalidateForcesReload(t *testing.T) {
	client := newTestClient(t)
	store := storeadapter.NewMemoryStore()
	store.SeedModelPreferences(core.ModelPreferences{Main: "original"})
	cache := NewPreferencesCache(store, client, time.Minute, nil)

	_, err := cache.GetModelPreferences(context.Background())
	require.NoError(t, err)

	store.SeedModelPreferences(core.ModelPreferences{Main: "changed"})
	require.NoError(t, cache.InvalidatePreferences(context.Background()))

	got, err := cache.GetModelPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Main)
}
