// Package taskgen implements the Task Generator: it translates an Analysis
// Request into concrete per-file Tasks, with prompts built from templates
// and per-task timeout/memory estimates.
package taskgen

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/arannis/tidysort/core"
)

// Config tunes batch size, default timeout, and the supported extension
// set, normally sourced from core.TaskGeneratorConfig.
type Config struct {
	BatchSize           int
	DefaultTimeout      time.Duration
	MaxConcurrentTasks  int
	SupportedExtensions []string
	BatchPause          time.Duration
	MaxRetries          int
}

// PromptBuilder renders the opaque prompt string for one (file, analysis
// kind) pair. Prompts are opaque to the scheduler; only the generator and
// the Inference Client understand their shape.
type PromptBuilder func(file core.FileRecord, kind core.AnalysisKind) string

// Result summarizes one Generate call.
type Result struct {
	CreatedCount      int
	TaskIDs           []string
	Tasks             []*core.Task
	EstimatedDuration time.Duration
	TotalFiles        int
	SkippedCount      int
}

// Generator is the Task Generator component.
type Generator struct {
	cfg           Config
	store         core.Store
	promptBuilder PromptBuilder
	footprintOf   func(model string) int64
	safetyFactor  float64
	logger        core.Logger
}

// New constructs a Generator. footprintOf estimates a model's base memory
// footprint in bytes (e.g. from a live cache or an architecture floor);
// promptBuilder may be nil to use DefaultPromptBuilder.
func New(cfg Config, store core.Store, footprintOf func(model string) int64, safetyFactor float64, promptBuilder PromptBuilder, logger core.Logger) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = 10 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if len(cfg.SupportedExtensions) == 0 {
		cfg.SupportedExtensions = []string{".txt", ".md", ".pdf", ".docx", ".jpg", ".png", ".mp4", ".zip"}
	}
	if promptBuilder == nil {
		promptBuilder = DefaultPromptBuilder
	}
	if safetyFactor <= 0 {
		safetyFactor = 1.5
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Generator{cfg: cfg, store: store, promptBuilder: promptBuilder, footprintOf: footprintOf, safetyFactor: safetyFactor, logger: logger}
}

// ModelFor resolves which model runs one analysis kind. The Analysis
// Service supplies its routing table through this; a request-level override
// is already folded in by the caller.
type ModelFor func(kind core.AnalysisKind) string

// Generate resolves the request's files, drops unsupported extensions, and
// builds one Task per (file × analysis kind), pausing briefly between
// batches of files. The tasks are only built here; the caller submits them
// to the scheduler after Generate returns.
func (g *Generator) Generate(ctx context.Context, req core.Request, modelFor ModelFor) (Result, error) {
	if len(req.FileIDs) == 0 && req.RootPath == "" {
		return Result{}, core.NewTaskError("generate", core.KindValidation, req.ID, core.ErrValidation)
	}

	files, err := g.resolveFiles(ctx, req)
	if err != nil {
		return Result{}, err
	}

	supported, skipped := g.filterSupported(files)

	priority := core.PriorityNormal
	if req.Interactive {
		priority = core.PriorityHigh
	}

	var tasks []*core.Task
	for batchStart := 0; batchStart < len(supported); batchStart += g.cfg.BatchSize {
		end := batchStart + g.cfg.BatchSize
		if end > len(supported) {
			end = len(supported)
		}
		for _, file := range supported[batchStart:end] {
			for _, kind := range req.Kinds {
				tasks = append(tasks, g.buildTask(file, kind, req, priority, modelFor(kind)))
			}
		}
		if end < len(supported) {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(g.cfg.BatchPause):
			}
		}
	}

	ids := make([]string, len(tasks))
	var totalTimeout time.Duration
	for i, t := range tasks {
		ids[i] = t.ID
		totalTimeout += t.Timeout
	}

	return Result{
		CreatedCount:      len(tasks),
		TaskIDs:           ids,
		Tasks:             tasks,
		EstimatedDuration: totalTimeout,
		TotalFiles:        len(files),
		SkippedCount:      skipped,
	}, nil
}

func (g *Generator) resolveFiles(ctx context.Context, req core.Request) ([]core.FileRecord, error) {
	if len(req.FileIDs) > 0 {
		return g.store.GetFilesByIDs(ctx, req.FileIDs)
	}
	return g.store.GetFilesByRootPath(ctx, req.RootPath)
}

func (g *Generator) filterSupported(files []core.FileRecord) ([]core.FileRecord, int) {
	supported := make([]core.FileRecord, 0, len(files))
	skipped := 0
	allowed := make(map[string]bool, len(g.cfg.SupportedExtensions))
	for _, ext := range g.cfg.SupportedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	for _, f := range files {
		if allowed[strings.ToLower(f.Extension)] {
			supported = append(supported, f)
		} else {
			skipped++
		}
	}
	return supported, skipped
}

func (g *Generator) buildTask(file core.FileRecord, kind core.AnalysisKind, req core.Request, priority core.Priority, model string) *core.Task {
	timeout := g.timeoutFor(file)
	memEstimate := g.memoryEstimateFor(file, model)

	task := core.NewTask(core.TaskKindFileAnalysis, priority, timeout, memEstimate, core.TaskMetadata{
		FileID:       file.ID,
		FilePath:     file.AbsPath,
		Model:        model,
		Prompt:       g.promptBuilder(file, kind),
		AnalysisKind: kind,
		RequestID:    req.ID,
	})
	task.MaxRetries = g.cfg.MaxRetries
	return task
}

var complexityMultipliers = map[string]float64{
	".pdf": 1.5, ".docx": 1.5, ".doc": 1.5, ".rtf": 1.5, ".txt": 1.0, ".md": 1.0,
	".jpg": 1.2, ".jpeg": 1.2, ".png": 1.2, ".gif": 1.2, ".mp4": 1.2, ".mov": 1.2,
	".zip": 1.3, ".tar": 1.3, ".gz": 1.3,
}

// timeoutFor computes a per-file timeout:
// timeout = (base + min(size_MB × 5s, 50s)) × complexityMultiplier(extension).
func (g *Generator) timeoutFor(file core.FileRecord) time.Duration {
	base := g.cfg.DefaultTimeout
	sizeMB := float64(file.SizeBytes) / (1 << 20)
	sizeComponent := math.Min(sizeMB*5, 50)
	multiplier, ok := complexityMultipliers[strings.ToLower(file.Extension)]
	if !ok {
		multiplier = 1.0
	}
	return time.Duration((float64(base) + sizeComponent*float64(time.Second)) * multiplier)
}

// memoryEstimateFor is base per model + min(file_MB ×
// 0.1, 512) MiB overhead.
func (g *Generator) memoryEstimateFor(file core.FileRecord, model string) int64 {
	var base int64
	if g.footprintOf != nil {
		base = g.footprintOf(model)
	}
	sizeMB := float64(file.SizeBytes) / (1 << 20)
	overheadMB := math.Min(sizeMB*0.1, 512)
	overhead := int64(overheadMB * (1 << 20))
	return base + overhead
}

// DefaultPromptBuilder renders an opaque prompt per analysis kind,
// substituting the file-context fields (name, extension, size, relative
// path, modified time) and declaring the expected response format. Prompts
// are opaque to everything above this package; callers with tuned templates
// supply their own PromptBuilder.
func DefaultPromptBuilder(file core.FileRecord, kind core.AnalysisKind) string {
	ctx := fmt.Sprintf("name=%q ext=%s size=%d path=%q modified=%d",
		file.Name, file.Extension, file.SizeBytes, file.RelativePath, file.ModifiedAt)
	const format = `Respond with a JSON object: {"candidates":[{"value":string,"confidence":0-100,"reasoning":string}]}.`
	switch kind {
	case core.KindRenameSuggestions:
		return fmt.Sprintf("Suggest better filenames for the file (%s), keeping its extension. %s", ctx, format)
	case core.KindClassification:
		return fmt.Sprintf("Classify the file (%s) into a folder category. %s", ctx, format)
	case core.KindContentSummary:
		return fmt.Sprintf("Summarize the contents of the file (%s) in one sentence per candidate. %s", ctx, format)
	case core.KindMetadataExtraction:
		return fmt.Sprintf("Extract structured metadata (dates, people, topics) from the file (%s). %s", ctx, format)
	default:
		return fmt.Sprintf("Analyze the file (%s). %s", ctx, format)
	}
}
