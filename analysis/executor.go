package analysis

import (
	"context"
	"fmt"

	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/resilience"
	"github.com/arannis/tidysort/scheduler"
)

// NewInferenceExecutor builds the scheduler.Executor that actually runs an
// admitted task's prompt against the Inference Client, routing every call
// through the Error Recovery Manager so retries, circuit breaking, and
// fallback are applied uniformly regardless of which task kind is running.
// fallback supplies a degraded response (e.g. a cached or
// heuristic suggestion set) when recovery exhausts its retries; it may be
// nil to disable fallback for this executor.
func NewInferenceExecutor(inference core.InferenceClient, recovery *resilience.RecoveryManager, fallback func(ctx context.Context, task *core.Task) (string, error)) scheduler.Executor {
	return func(ctx context.Context, task *core.Task) (string, error) {
		if task.Kind == core.TaskKindHealthCheck {
			health, err := inference.HealthStatus(ctx)
			if err != nil {
				return "", core.NewTaskError("health-check", core.KindAIModelUnavailable, task.ID, err)
			}
			return fmt.Sprintf("status=%s models=%d", health.Status, health.ModelCount), nil
		}

		var result string
		operation := func(ctx context.Context) error {
			res, err := inference.Generate(ctx, task.Metadata.Model, task.Metadata.Prompt, core.InferenceOptions{
				Temperature:    0.2,
				MaxTokens:      512,
				StructuredJSON: true,
			})
			if err != nil {
				return classifyInferenceError(task, err)
			}
			result = res.Response
			return nil
		}

		var fb func(ctx context.Context) error
		if fallback != nil {
			fb = func(ctx context.Context) error {
				res, err := fallback(ctx, task)
				if err != nil {
					return err
				}
				result = res
				return nil
			}
		}

		breakerName := "inference:" + task.Metadata.Model
		if err := recovery.ExecuteWithRecovery(ctx, breakerName, operation, fb); err != nil {
			return "", err
		}
		return result, nil
	}
}

// classifyInferenceError wraps a raw Inference Client error with the
// task-level context the Error Recovery Manager and Agent Manager need to
// decide retry/fallback/circuit policy. Inference Clients in this corpus
// return plain errors; this is where they are classified, not inside the
// client itself, so any client implementation can share one policy.
func classifyInferenceError(task *core.Task, err error) error {
	kind := core.ClassifyError(err)
	if kind == core.KindUnknown {
		kind = core.KindAIModelUnavailable
	}
	return core.NewTaskError("generate", kind, task.ID, err)
}
