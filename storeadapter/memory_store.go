// Package storeadapter provides an in-process core.Store implementation
// backed by plain guarded maps, used in tests and as a reference
// implementation for the on-disk SQL store a real deployment would swap in.
package storeadapter

import (
	"context"
	"sync"

	"github.com/arannis/tidysort/core"
)

// MemoryStore implements core.Store entirely in memory.
type MemoryStore struct {
	mu          sync.RWMutex
	files       map[string]core.FileRecord
	byRoot      map[string][]string // root path -> file IDs
	prefs       core.ModelPreferences
	suggestions []core.Suggestion
	sessions    map[string]core.SessionResult
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:    make(map[string]core.FileRecord),
		byRoot:   make(map[string][]string),
		sessions: make(map[string]core.SessionResult),
	}
}

// SeedFile registers a file record under its ID and (if non-empty) under
// rootPath for later root-path enumeration. Intended for test setup.
func (m *MemoryStore) SeedFile(rootPath string, file core.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[file.ID] = file
	if rootPath != "" {
		m.byRoot[rootPath] = append(m.byRoot[rootPath], file.ID)
	}
}

// SeedModelPreferences sets the preferences GetModelPreferences returns.
func (m *MemoryStore) SeedModelPreferences(prefs core.ModelPreferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs = prefs
}

func (m *MemoryStore) GetFilesByIDs(ctx context.Context, ids []string) ([]core.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.FileRecord, 0, len(ids))
	for _, id := range ids {
		if f, ok := m.files[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetFilesByRootPath(ctx context.Context, path string) ([]core.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byRoot[path]
	out := make([]core.FileRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.files[id])
	}
	return out, nil
}

func (m *MemoryStore) GetModelPreferences(ctx context.Context) (core.ModelPreferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs, nil
}

func (m *MemoryStore) SaveSuggestions(ctx context.Context, suggestions []core.Suggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suggestions = append(m.suggestions, suggestions...)
	return nil
}

func (m *MemoryStore) CreateAnalysisSession(ctx context.Context, result core.SessionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[result.RequestID] = result
	return nil
}

func (m *MemoryStore) UpdateAnalysisSession(ctx context.Context, result core.SessionResult) error {
	return m.CreateAnalysisSession(ctx, result)
}

// Transaction runs fn without any real atomicity guarantee — an in-memory
// single-process store has nothing to roll back from an interrupted fn that
// a mutex around the whole call wouldn't already cover for this adapter's
// test-only purpose.
func (m *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Suggestions returns everything SaveSuggestions has accumulated, for test
// assertions.
func (m *MemoryStore) Suggestions() []core.Suggestion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.Suggestion(nil), m.suggestions...)
}

// Session returns the stored SessionResult for requestID, if any.
func (m *MemoryStore) Session(requestID string) (core.SessionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[requestID]
	return s, ok
}
