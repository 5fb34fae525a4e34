package core

import (
	"context"
	"time"
)

// Store is the persistence contract the core consumes. The on-disk SQL
// store implements this; the core never knows it is SQL.
type Store interface {
	GetFilesByIDs(ctx context.Context, ids []string) ([]FileRecord, error)
	GetFilesByRootPath(ctx context.Context, path string) ([]FileRecord, error)
	GetModelPreferences(ctx context.Context) (ModelPreferences, error)
	SaveSuggestions(ctx context.Context, suggestions []Suggestion) error
	CreateAnalysisSession(ctx context.Context, result SessionResult) error
	UpdateAnalysisSession(ctx context.Context, result SessionResult) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ModelPreferences is the persisted routing seed the Analysis Service loads
// at initialization.
type ModelPreferences struct {
	Main     string
	Sub      string
	Endpoint string
}

// ModelInfo describes one model the Inference Client can run, as returned
// by ListModels.
type ModelInfo struct {
	Name            string
	SizeBytes       int64
	Family          string
	ParameterSize   string
	Quantization    string
}

// InferenceClient executes prompts against a named local model. The core
// treats it as opaque: prompts are strings, responses are strings or JSON.
type InferenceClient interface {
	Generate(ctx context.Context, model, prompt string, options InferenceOptions) (InferenceResult, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	EstimateMemory(ctx context.Context, model string) (int64, error)
	HealthStatus(ctx context.Context) (InferenceHealth, error)
}

// InferenceOptions tunes one Generate call.
type InferenceOptions struct {
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
	StructuredJSON bool
}

// InferenceResult is the raw output of one Generate call.
type InferenceResult struct {
	Response      string
	ExecutionTime time.Duration
}

// InferenceHealth is the Inference Client's self-reported status.
type InferenceHealth struct {
	Status     string
	Messages   []string
	ModelCount int
}

// EventBus is the explicit typed-subscription mechanism components use
// instead of a process-wide emitter singleton (per design note: no global
// mutable state beyond the Agent Manager process singleton). Each component
// that publishes events exposes its own Subscribe method typed to its own
// event payloads; EventBus is the shared low-level primitive those methods
// are built on.
type EventBus[T any] struct {
	subscribers []func(T)
}

// Subscribe registers fn to be called for every future Publish. Subscribe is
// not safe for concurrent use with Publish; callers wire subscriptions
// during construction, before the component starts running.
func (b *EventBus[T]) Subscribe(fn func(T)) {
	b.subscribers = append(b.subscribers, fn)
}

// Publish invokes every subscriber with event, in subscription order.
func (b *EventBus[T]) Publish(event T) {
	for _, fn := range b.subscribers {
		fn(event)
	}
}
