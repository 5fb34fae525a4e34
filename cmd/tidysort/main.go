// Command tidysort runs the inference orchestration core standalone: it
// wires the Agent Manager, Task Generator, Analysis Service, Error Recovery
// Manager, and Confidence Scorer together against an in-memory Store and a
// stub Inference Client, then submits one rename-suggestion request to
// prove the pipeline is alive end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arannis/tidysort/analysis"
	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/resilience"
	"github.com/arannis/tidysort/scheduler"
	"github.com/arannis/tidysort/storeadapter"
	"github.com/arannis/tidysort/taskgen"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tidysort:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.NewConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := core.NewProductionLogger(core.LogFormat(cfg.Logging.Format), cfg.Logging.Level)

	store := storeadapter.NewMemoryStore()
	store.SeedModelPreferences(core.ModelPreferences{Main: "llama-7b", Sub: "tiny-1b"})
	store.SeedFile("", core.FileRecord{ID: "demo-file", Name: "invoice.pdf", Extension: ".pdf", SizeBytes: 2 << 20})

	inference := newStubInferenceClient()

	recovery := resilience.NewRecoveryManager(resilience.RecoveryManagerConfig{
		MaxConsecutiveFailures: cfg.Recovery.MaxConsecutiveFailures,
		RecoveryTimeout:        cfg.Recovery.RecoveryTimeout,
		CircuitBreakerConfig: resilience.CircuitBreakerConfig{
			Threshold: cfg.Recovery.CircuitBreakerThreshold,
			ResetTime: cfg.Recovery.CircuitBreakerResetTime,
			Logger:    logger.WithComponent("circuit-breaker"),
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:        cfg.Recovery.MaxRetryAttempts,
			InitialBackoffMs:   1000,
			MaxBackoffMs:       10000,
			BackoffMultiplier:  cfg.Recovery.RetryBackoffMultiplier,
		},
		FallbackTimeout: cfg.Recovery.FallbackTimeout,
		Logger:          logger.WithComponent("recovery"),
	})

	executor := analysis.NewInferenceExecutor(inference, recovery, nil)

	agentManager := scheduler.New(scheduler.Config{
		MaxConcurrentSlots: cfg.AgentManager.MaxConcurrentSlots,
		SafetyFactor:       cfg.AgentManager.SafetyFactor,
		OSReservedMemory:   cfg.AgentManager.OSReservedMemory,
		TaskTimeout:        cfg.AgentManager.TaskTimeout,
	}, executor, logger.WithComponent("scheduler"))

	generator := taskgen.New(taskgen.Config{
		BatchSize:           cfg.TaskGenerator.BatchSize,
		DefaultTimeout:      cfg.TaskGenerator.DefaultTimeout,
		MaxConcurrentTasks:  cfg.TaskGenerator.MaxConcurrentTasks,
		SupportedExtensions: cfg.TaskGenerator.SupportedExtensions,
		MaxRetries:          cfg.AnalysisService.RetryAttempts,
	}, store, modelFootprint(agentManager, inference), cfg.AgentManager.SafetyFactor, nil, logger.WithComponent("taskgen"))

	analysisSvc := analysis.New(analysis.Config{
		MaxConcurrentAnalysis: cfg.AnalysisService.MaxConcurrentAnalysis,
		DefaultTimeout:        cfg.AnalysisService.DefaultTimeout,
		RetryAttempts:         cfg.AnalysisService.RetryAttempts,
		BatchProcessingSize:   cfg.AnalysisService.BatchProcessingSize,
		ProgressUpdateInterval: cfg.AnalysisService.ProgressUpdateInterval,
		ErrorThreshold:        cfg.AnalysisService.ErrorThreshold,
		EmergencyCooldown:     cfg.AnalysisService.EmergencyCooldown,
	}, store, agentManager, generator, nil, logger.WithComponent("analysis"))

	analysisSvc.SubscribeComplete(func(e analysis.AnalysisCompleteEvent) {
		logger.Info("analysis complete", map[string]interface{}{
			"request_id": e.Result.RequestID, "successful": e.Result.Successful, "failed": e.Result.Failed,
		})
	})
	analysisSvc.SubscribePreview(func(e analysis.PreviewUpdateEvent) {
		logger.Debug("preview update", map[string]interface{}{"request_id": e.RequestID, "file_id": e.FileID})
	})
	analysisSvc.SubscribeProgress(func(e analysis.ProgressUpdateEvent) {
		logger.Info("progress", map[string]interface{}{
			"request_id": e.Progress.RequestID, "processed": e.Progress.ProcessedFiles,
			"total": e.Progress.TotalFiles, "eta": e.Progress.EstimatedTimeLeft.String(),
		})
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go agentManager.Run(ctx)
	go analysisSvc.Run(ctx)

	if err := agentManager.RefreshModelFootprints(ctx, inference); err != nil {
		logger.Warn("could not refresh model footprints", map[string]interface{}{"error": err.Error()})
	}
	for kind, model := range cfg.AnalysisService.AnalysisModels {
		analysisSvc.SetModelForKind(kind, model)
	}
	if err := analysisSvc.LoadModelRouting(ctx); err != nil {
		return fmt.Errorf("load model routing: %w", err)
	}

	req := core.Request{
		ID:      core.NewRequestID(),
		FileIDs: []string{"demo-file"},
		Kinds:   []core.AnalysisKind{core.KindRenameSuggestions},
	}
	progress, err := analysisSvc.StartAnalysis(ctx, req)
	if err != nil {
		return fmt.Errorf("start analysis: %w", err)
	}
	logger.Info("analysis started", map[string]interface{}{"request_id": req.ID, "total_files": progress.TotalFiles})

	<-ctx.Done()
	logger.Info("shutting down", nil)
	return nil
}

// modelFootprint resolves a model's memory estimate for the Task
// Generator: the Agent Manager's footprint cache first, the Inference
// Client's live estimate as a fallback.
func modelFootprint(am *scheduler.AgentManager, client core.InferenceClient) func(model string) int64 {
	return func(model string) int64 {
		if n, ok := am.ModelFootprint(model); ok {
			return n
		}
		n, err := client.EstimateMemory(context.Background(), model)
		if err != nil {
			return 4 << 30 // conservative 7B-class floor
		}
		return n
	}
}

// stubInferenceClient is a minimal local stand-in for a real Ollama-style
// client, sufficient to exercise the pipeline end to end without a model
// runtime installed.
type stubInferenceClient struct{}

func newStubInferenceClient() *stubInferenceClient { return &stubInferenceClient{} }

func (s *stubInferenceClient) Generate(ctx context.Context, model, prompt string, options core.InferenceOptions) (core.InferenceResult, error) {
	time.Sleep(10 * time.Millisecond)
	return core.InferenceResult{
		Response:      `{"candidates":[{"value":"2024-Q3-invoice.pdf","confidence":88,"reasoning":"date and document type extracted from content"}]}`,
		ExecutionTime: 10 * time.Millisecond,
	}, nil
}

func (s *stubInferenceClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	return []core.ModelInfo{{Name: "llama-7b", ParameterSize: "7b"}}, nil
}

func (s *stubInferenceClient) EstimateMemory(ctx context.Context, model string) (int64, error) {
	return 4 << 30, nil
}

func (s *stubInferenceClient) HealthStatus(ctx context.Context) (core.InferenceHealth, error) {
	return core.InferenceHealth{Status: "ok", ModelCount: 1}, nil
}
