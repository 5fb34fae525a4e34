package storeadapter

import (
	"context"
	"testing"

	"github.com/arannis/tidysort/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetFilesByIDsReturnsOnlySeeded(t *testing.T) {
	store := NewMemoryStore()
	store.SeedFile("", core.FileRecord{ID: "f1", Name: "a.txt"})
	store.SeedFile("", core.FileRecord{ID: "f2", Name: "b.txt"})

	got, err := store.GetFilesByIDs(context.Background(), []string{"f1", "missing", "f2"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStore_GetFilesByRootPathGroupsByRoot(t *testing.T) {
	store := NewMemoryStore()
	store.SeedFile("/downloads", core.FileRecord{ID: "f1", Name: "a.txt"})
	store.SeedFile("/downloads", core.FileRecord{ID: "f2", Name: "b.txt"})
	store.SeedFile("/other", core.FileRecord{ID: "f3", Name: "c.txt"})

	got, err := store.GetFilesByRootPath(context.Background(), "/downloads")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStore_SaveSuggestionsAccumulates(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SaveSuggestions(context.Background(), []core.Suggestion{{ID: "s1"}}))
	require.NoError(t, store.SaveSuggestions(context.Background(), []core.Suggestion{{ID: "s2"}}))
	assert.Len(t, store.Suggestions(), 2)
}

func TestMemoryStore_CreateAndUpdateAnalysisSession(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.CreateAnalysisSession(context.Background(), core.SessionResult{RequestID: "r1", Total: 5}))
	require.NoError(t, store.UpdateAnalysisSession(context.Background(), core.SessionResult{RequestID: "r1", Total: 5, Successful: 5}))

	got, ok := store.Session("r1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Successful)
}

func TestMemoryStore_TransactionRunsFn(t *testing.T) {
	store := NewMemoryStore()
	called := false
	err := store.Transaction(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestMemoryStore_ModelPreferences(t *testing.T) {
	store := NewMemoryStore()
	store.SeedModelPreferences(core.ModelPreferences{Main: "llama-7b", Sub: "tiny-1b"})

	got, err := store.GetModelPreferences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "llama-7b", got.Main)
}
