// Package analysis implements the Analysis Service: it turns a Request into
// a generated batch of tasks, tracks per-request Progress as the Agent
// Manager reports task outcomes, runs each result through the Confidence
// Scorer, and finalizes a SessionResult when the request completes.
package analysis

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/scheduler"
	"github.com/arannis/tidysort/scoring"
	"github.com/arannis/tidysort/taskgen"
)

// PreviewUpdateEvent is published every time a request's in-flight
// suggestions change, in strict per-request order: the serializing
// goroutine behind requestState guarantees no two updates for the same
// request are ever emitted concurrently or out of the order their
// triggering task outcomes were applied.
type PreviewUpdateEvent struct {
	RequestID   string
	FileID      string
	Suggestions []core.Suggestion
	Progress    core.Progress
}

// AnalysisCompleteEvent is published once, when a request finalizes.
type AnalysisCompleteEvent struct {
	Result core.SessionResult
}

// AnalysisStartedEvent is published when a request's tasks have been
// generated and submitted.
type AnalysisStartedEvent struct {
	RequestID  string
	TotalTasks int
	Skipped    int
}

// ProgressUpdateEvent is published on the periodic tick for every active
// request still in the analyzing phase, and carries the freshly recomputed
// time-remaining estimate.
type ProgressUpdateEvent struct {
	Progress core.Progress
}

// AnalysisCancelledEvent is published when a request is cancelled before
// all of its tasks finished.
type AnalysisCancelledEvent struct {
	RequestID string
	Reason    string
}

// AnalysisErrorEvent is published when a request terminates in the error
// phase (emergency mode tore it down) rather than running to completion.
type AnalysisErrorEvent struct {
	RequestID string
	Reason    string
}

// EmergencyEvent reports the Analysis Service entering or leaving emergency
// mode.
type EmergencyEvent struct {
	Entered bool
	Reason  string
}

// Scheduler is the subset of the Agent Manager the Analysis Service drives.
// Scoping it to an interface keeps this package's dependency on the
// scheduler's concrete type to exactly the calls it needs.
type Scheduler interface {
	Submit(kind core.TaskKind, priority core.Priority, timeout time.Duration, maxRetries int, estimatedMemory int64, meta core.TaskMetadata) (string, error)
	Cancel(taskID, reason string) bool
	SubscribeCompleted(func(scheduler.TaskCompletedEvent))
	SubscribeFailed(func(scheduler.TaskFailedEvent))
	SubscribeCancelled(func(scheduler.TaskCancelledEvent))
}

// ParserFor resolves the response parser to use for one analysis kind. The
// Analysis Service doesn't know model wire formats itself; callers plug in
// the parser per kind (e.g. a JSON-candidates parser).
type ParserFor func(kind core.AnalysisKind) scoring.ParseFunc

type requestState struct {
	req         core.Request
	concurrency int
	logger      core.Logger

	mu            sync.Mutex
	progress      core.Progress
	suggestions   map[string][]core.Suggestion // fileID -> accumulated suggestions
	taskMeta      map[string]*core.Task        // taskID -> originating task (for FileID/Kind/duration)
	errorMessages []string
	totalDurationMs   int64
	terminalPhase     core.RequestState // set before finalize when not RequestComplete
	finalized         bool

	events chan func()
	done   chan struct{}
}

func newRequestState(req core.Request, concurrency, total int, logger core.Logger) *requestState {
	rs := &requestState{
		req:         req,
		concurrency: concurrency,
		logger:      logger,
		progress:    core.Progress{RequestID: req.ID, TotalFiles: total, Phase: core.RequestAnalyzing},
		suggestions: make(map[string][]core.Suggestion),
		taskMeta:    make(map[string]*core.Task),
		events:      make(chan func(), 256),
		done:        make(chan struct{}),
	}
	go rs.run()
	return rs
}

// run is the single consumer that serializes every mutation and event
// emission for this request, resolving the ordering requirement on
// preview-update: concurrent task completions from the scheduler enqueue
// closures here instead of mutating/publishing directly.
func (rs *requestState) run() {
	for {
		select {
		case fn := <-rs.events:
			fn()
		case <-rs.done:
			// drain anything already queued before exiting
			for {
				select {
				case fn := <-rs.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (rs *requestState) submit(fn func()) {
	select {
	case rs.events <- fn:
	case <-rs.done:
	}
}

func (rs *requestState) stop() { close(rs.done) }

// Config tunes the Analysis Service, normally sourced from
// core.AnalysisServiceConfig.
type Config struct {
	MaxConcurrentAnalysis int
	DefaultTimeout        time.Duration
	RetryAttempts         int
	BatchProcessingSize   int
	ProgressUpdateInterval time.Duration
	ErrorThreshold        int
	EmergencyCooldown     time.Duration
}

// Service is the Analysis Service component.
type Service struct {
	cfg       Config
	store     core.Store
	scheduler Scheduler
	generator *taskgen.Generator
	parserFor ParserFor
	logger    core.Logger

	routingMu sync.RWMutex
	routing   map[core.AnalysisKind]string

	requestsMu  sync.RWMutex
	requests    map[string]*requestState
	taskOwner   map[string]string // taskID -> requestID

	consecutiveFailures atomic.Int64
	emergencyMu         sync.Mutex
	inEmergency         bool
	emergencyTimer      *time.Timer

	onStarted   core.EventBus[AnalysisStartedEvent]
	onPreview   core.EventBus[PreviewUpdateEvent]
	onProgress  core.EventBus[ProgressUpdateEvent]
	onComplete  core.EventBus[AnalysisCompleteEvent]
	onCancelled core.EventBus[AnalysisCancelledEvent]
	onError     core.EventBus[AnalysisErrorEvent]
	onEmergency core.EventBus[EmergencyEvent]
}

// New constructs a Service and wires its event handlers onto sched. Call
// LoadModelRouting once at startup before accepting requests.
func New(cfg Config, store core.Store, sched Scheduler, generator *taskgen.Generator, parserFor ParserFor, logger core.Logger) *Service {
	if cfg.MaxConcurrentAnalysis <= 0 {
		cfg.MaxConcurrentAnalysis = 5
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 45 * time.Second
	}
	if cfg.BatchProcessingSize <= 0 {
		cfg.BatchProcessingSize = 25
	}
	if cfg.ProgressUpdateInterval <= 0 {
		cfg.ProgressUpdateInterval = 2 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	if cfg.EmergencyCooldown <= 0 {
		cfg.EmergencyCooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if parserFor == nil {
		parserFor = func(core.AnalysisKind) scoring.ParseFunc { return defaultParse }
	}

	svc := &Service{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		generator: generator,
		parserFor: parserFor,
		logger:    logger,
		routing:   make(map[core.AnalysisKind]string),
		requests:  make(map[string]*requestState),
		taskOwner: make(map[string]string),
	}

	sched.SubscribeCompleted(svc.handleTaskCompleted)
	sched.SubscribeFailed(svc.handleTaskFailed)
	sched.SubscribeCancelled(svc.handleTaskCancelled)

	return svc
}

// Subscribe* register callbacks for the Analysis Service's published
// events. Wire subscriptions during construction, before requests start.
func (s *Service) SubscribeStarted(fn func(AnalysisStartedEvent))     { s.onStarted.Subscribe(fn) }
func (s *Service) SubscribePreview(fn func(PreviewUpdateEvent))       { s.onPreview.Subscribe(fn) }
func (s *Service) SubscribeProgress(fn func(ProgressUpdateEvent))     { s.onProgress.Subscribe(fn) }
func (s *Service) SubscribeComplete(fn func(AnalysisCompleteEvent))   { s.onComplete.Subscribe(fn) }
func (s *Service) SubscribeCancelled(fn func(AnalysisCancelledEvent)) { s.onCancelled.Subscribe(fn) }
func (s *Service) SubscribeError(fn func(AnalysisErrorEvent))         { s.onError.Subscribe(fn) }
func (s *Service) SubscribeEmergency(fn func(EmergencyEvent))         { s.onEmergency.Subscribe(fn) }

// Run drives the periodic progress tick: every ProgressUpdateInterval it
// recomputes the time-remaining estimate for each active request still in
// the analyzing phase and publishes a ProgressUpdateEvent. It returns when
// ctx is cancelled; call it from its own goroutine.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ProgressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishProgressTick()
		}
	}
}

func (s *Service) publishProgressTick() {
	s.requestsMu.RLock()
	active := make([]*requestState, 0, len(s.requests))
	for _, rs := range s.requests {
		active = append(active, rs)
	}
	s.requestsMu.RUnlock()

	for _, rs := range active {
		rs.submit(func() {
			rs.mu.Lock()
			if rs.finalized || rs.progress.Phase != core.RequestAnalyzing {
				rs.mu.Unlock()
				return
			}
			rs.updateEstimates()
			current := rs.progress
			rs.mu.Unlock()
			s.onProgress.Publish(ProgressUpdateEvent{Progress: current})
		})
	}
}

// LoadModelRouting seeds the routing table from the Store's persisted
// preferences. Request-level overrides always take priority over this
// table.
func (s *Service) LoadModelRouting(ctx context.Context) error {
	prefs, err := s.store.GetModelPreferences(ctx)
	if err != nil {
		return err
	}
	s.routingMu.Lock()
	defer s.routingMu.Unlock()
	for _, kind := range []core.AnalysisKind{
		core.KindRenameSuggestions, core.KindClassification, core.KindContentSummary, core.KindMetadataExtraction,
	} {
		if _, ok := s.routing[kind]; !ok {
			s.routing[kind] = prefs.Main
		}
	}
	s.routing["__sub__"] = prefs.Sub
	return nil
}

// SetModelForKind overrides the routing table entry for one analysis kind.
func (s *Service) SetModelForKind(kind core.AnalysisKind, model string) {
	s.routingMu.Lock()
	defer s.routingMu.Unlock()
	s.routing[kind] = model
}

func (s *Service) modelFor(kind core.AnalysisKind, req core.Request) string {
	if req.ModelOverride != "" {
		return req.ModelOverride
	}
	s.routingMu.RLock()
	defer s.routingMu.RUnlock()
	if m, ok := s.routing[kind]; ok && m != "" {
		return m
	}
	return s.routing["__sub__"]
}

// StartAnalysis generates tasks for req and begins tracking its progress.
// Rejected with core.ErrEmergencyMode while the service is in emergency
// mode.
func (s *Service) StartAnalysis(ctx context.Context, req core.Request) (core.Progress, error) {
	s.emergencyMu.Lock()
	inEmergency := s.inEmergency
	s.emergencyMu.Unlock()
	if inEmergency {
		return core.Progress{}, core.NewTaskError("start-analysis", core.KindAIModelUnavailable, req.ID, core.ErrEmergencyMode)
	}

	s.requestsMu.RLock()
	_, exists := s.requests[req.ID]
	s.requestsMu.RUnlock()
	if exists {
		return core.Progress{}, core.NewTaskError("start-analysis", core.KindValidation, req.ID, core.ErrRequestAlreadyActive)
	}

	genResult, err := s.generator.Generate(ctx, req, func(kind core.AnalysisKind) string {
		return s.modelFor(kind, req)
	})
	if err != nil {
		return core.Progress{}, err
	}

	rs := newRequestState(req, s.cfg.MaxConcurrentAnalysis, genResult.CreatedCount, s.logger)

	s.requestsMu.Lock()
	s.requests[req.ID] = rs
	s.requestsMu.Unlock()

	// Submit mints its own task ID (the generator's ID only identifies the
	// task within this batch), so taskMeta/taskOwner are keyed by the ID
	// Submit actually returns, not the generator's.
	for _, t := range genResult.Tasks {
		submittedID, err := s.scheduler.Submit(t.Kind, t.Priority, t.Timeout, t.MaxRetries, t.EstimatedMemory, t.Metadata)
		if err != nil {
			s.logger.Error("failed to submit generated task", map[string]interface{}{
				"request_id": req.ID, "file_id": t.Metadata.FileID, "error": err.Error(),
			})
			// The task will never produce a scheduler event; account for it
			// as a failed file now so the request can still reach done.
			task, submitErr := t, err
			rs.submit(func() { s.applySubmitFailure(rs, task, submitErr) })
			continue
		}
		rs.mu.Lock()
		rs.taskMeta[submittedID] = t
		rs.mu.Unlock()

		s.requestsMu.Lock()
		s.taskOwner[submittedID] = req.ID
		s.requestsMu.Unlock()
	}

	s.onStarted.Publish(AnalysisStartedEvent{RequestID: req.ID, TotalTasks: genResult.CreatedCount, Skipped: genResult.SkippedCount})

	if genResult.CreatedCount == 0 {
		rs.submit(func() { s.finalize(rs) })
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.progress, nil
}

// CancelAnalysis cancels every outstanding task for requestID and finalizes
// it immediately with whatever results have accumulated so far.
func (s *Service) CancelAnalysis(requestID, reason string) bool {
	return s.teardown(requestID, reason, core.RequestCancelled)
}

func (s *Service) teardown(requestID, reason string, phase core.RequestState) bool {
	s.requestsMu.RLock()
	rs, ok := s.requests[requestID]
	var taskIDs []string
	for id, owner := range s.taskOwner {
		if owner == requestID {
			taskIDs = append(taskIDs, id)
		}
	}
	s.requestsMu.RUnlock()
	if !ok {
		return false
	}

	for _, id := range taskIDs {
		s.scheduler.Cancel(id, reason)
	}

	rs.submit(func() {
		rs.mu.Lock()
		rs.terminalPhase = phase
		rs.mu.Unlock()
		switch phase {
		case core.RequestError:
			s.onError.Publish(AnalysisErrorEvent{RequestID: requestID, Reason: reason})
		default:
			s.onCancelled.Publish(AnalysisCancelledEvent{RequestID: requestID, Reason: reason})
		}
		s.finalize(rs)
	})
	return true
}

// GetProgress returns a snapshot of requestID's current progress.
func (s *Service) GetProgress(requestID string) (core.Progress, bool) {
	s.requestsMu.RLock()
	rs, ok := s.requests[requestID]
	s.requestsMu.RUnlock()
	if !ok {
		return core.Progress{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.progress, true
}

// GetResults returns the suggestions accumulated so far for requestID,
// keyed by file ID.
func (s *Service) GetResults(requestID string) (map[string][]core.Suggestion, bool) {
	s.requestsMu.RLock()
	rs, ok := s.requests[requestID]
	s.requestsMu.RUnlock()
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[string][]core.Suggestion, len(rs.suggestions))
	for k, v := range rs.suggestions {
		out[k] = append([]core.Suggestion(nil), v...)
	}
	return out, true
}

func (s *Service) ownerOf(taskID string) (*requestState, bool) {
	s.requestsMu.RLock()
	defer s.requestsMu.RUnlock()
	reqID, ok := s.taskOwner[taskID]
	if !ok {
		return nil, false
	}
	rs, ok := s.requests[reqID]
	return rs, ok
}

func (s *Service) handleTaskCompleted(e scheduler.TaskCompletedEvent) {
	rs, ok := s.ownerOf(e.TaskID)
	if !ok {
		return
	}
	rs.submit(func() { s.applyCompletion(rs, e) })
}

func (s *Service) applyCompletion(rs *requestState, e scheduler.TaskCompletedEvent) {
	rs.mu.Lock()
	task, ok := rs.taskMeta[e.TaskID]
	rs.mu.Unlock()
	if !ok {
		return
	}

	parser := s.parserFor(task.Metadata.AnalysisKind)
	suggestions := scoring.Score(parser, e.Result, task.Metadata.FileID, task.Metadata.AnalysisKind, task.Metadata.Model, e.ExecutionTime.Milliseconds(), extensionOf(task.Metadata.FilePath))

	if len(suggestions) > 0 {
		if err := s.store.SaveSuggestions(context.Background(), suggestions); err != nil {
			s.logger.Error("failed to persist suggestions", map[string]interface{}{
				"request_id": rs.req.ID, "file_id": task.Metadata.FileID, "error": err.Error(),
			})
		}
	}

	rs.mu.Lock()
	rs.suggestions[task.Metadata.FileID] = append(rs.suggestions[task.Metadata.FileID], suggestions...)
	rs.progress.ProcessedFiles++
	rs.progress.CompletedFiles++
	rs.progress.CurrentFile = task.Metadata.FileID
	rs.totalDurationMs += e.ExecutionTime.Milliseconds()
	rs.updateEstimates()
	current := rs.progress
	done := rs.progress.ProcessedFiles >= rs.progress.TotalFiles
	rs.mu.Unlock()

	s.consecutiveFailures.Store(0)

	s.onPreview.Publish(PreviewUpdateEvent{RequestID: rs.req.ID, FileID: task.Metadata.FileID, Suggestions: suggestions, Progress: current})

	if done {
		s.finalize(rs)
	}
}

func (s *Service) handleTaskFailed(e scheduler.TaskFailedEvent) {
	if e.WillRetry {
		return // the scheduler is re-running it; only terminal outcomes count
	}
	rs, ok := s.ownerOf(e.TaskID)
	if !ok {
		return
	}
	rs.submit(func() { s.applyFailure(rs, e) })
}

func (s *Service) applyFailure(rs *requestState, e scheduler.TaskFailedEvent) {
	rs.mu.Lock()
	task, ok := rs.taskMeta[e.TaskID]
	rs.mu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	rs.progress.ProcessedFiles++
	rs.progress.FailedFiles++
	if len(rs.errorMessages) < 10 {
		rs.errorMessages = append(rs.errorMessages, e.Err.Error())
	}
	rs.updateEstimates()
	current := rs.progress
	done := rs.progress.ProcessedFiles >= rs.progress.TotalFiles
	rs.mu.Unlock()

	total := s.consecutiveFailures.Add(1)
	if total >= int64(s.cfg.ErrorThreshold) {
		s.enterEmergencyMode("consecutive failure threshold crossed")
	}

	s.onPreview.Publish(PreviewUpdateEvent{RequestID: rs.req.ID, FileID: task.Metadata.FileID, Suggestions: nil, Progress: current})

	if done {
		s.finalize(rs)
	}
}

// applySubmitFailure accounts for a task that never made it into the
// scheduler. Runs on the request goroutine, like every other outcome. It
// does not touch the service-wide consecutive-failure counter: a submit
// rejection is a local defect, not model trouble, and must not push the
// service toward emergency mode.
func (s *Service) applySubmitFailure(rs *requestState, task *core.Task, err error) {
	rs.mu.Lock()
	rs.progress.ProcessedFiles++
	rs.progress.FailedFiles++
	if len(rs.errorMessages) < 10 {
		rs.errorMessages = append(rs.errorMessages, err.Error())
	}
	rs.updateEstimates()
	current := rs.progress
	done := rs.progress.ProcessedFiles >= rs.progress.TotalFiles
	rs.mu.Unlock()

	s.onPreview.Publish(PreviewUpdateEvent{RequestID: rs.req.ID, FileID: task.Metadata.FileID, Suggestions: nil, Progress: current})

	if done {
		s.finalize(rs)
	}
}

func (s *Service) handleTaskCancelled(e scheduler.TaskCancelledEvent) {
	rs, ok := s.ownerOf(e.TaskID)
	if !ok {
		return
	}
	rs.submit(func() {
		rs.mu.Lock()
		delete(rs.taskMeta, e.TaskID)
		rs.mu.Unlock()
	})
}

// updateEstimates recomputes the error rate and the time-remaining
// estimate, ceil(remaining × avgExecutionTime / concurrency). Caller holds
// rs.mu.
func (rs *requestState) updateEstimates() {
	if rs.progress.ProcessedFiles == 0 {
		rs.progress.ErrorRate = 0
		rs.progress.EstimatedTimeLeft = 0
		return
	}
	rs.progress.ErrorRate = float64(rs.progress.FailedFiles) / float64(rs.progress.ProcessedFiles)
	remaining := rs.progress.TotalFiles - rs.progress.ProcessedFiles
	if remaining > 0 {
		concurrency := rs.concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		avg := float64(rs.totalDurationMs) / float64(rs.progress.ProcessedFiles)
		rs.progress.EstimatedTimeLeft = time.Duration(math.Ceil(float64(remaining)*avg/float64(concurrency))) * time.Millisecond
	} else {
		rs.progress.EstimatedTimeLeft = 0
	}
}

// finalize builds the SessionResult, persists it, publishes
// AnalysisCompleteEvent, and discards the request's in-memory state. Safe
// to call more than once; only the first call takes effect.
func (s *Service) finalize(rs *requestState) {
	rs.mu.Lock()
	if rs.finalized {
		rs.mu.Unlock()
		return
	}
	rs.finalized = true
	result := core.SessionResult{
		RequestID:       rs.req.ID,
		Total:           rs.progress.TotalFiles,
		Successful:      rs.progress.CompletedFiles,
		Failed:          rs.progress.FailedFiles,
		TotalDurationMs: rs.totalDurationMs,
		FinishedAt:      time.Now(),
		Errors:          append([]string(nil), rs.errorMessages...),
	}
	if rs.progress.ProcessedFiles > 0 {
		result.AvgDurationMs = float64(rs.totalDurationMs) / float64(rs.progress.ProcessedFiles)
	}
	if rs.terminalPhase != "" {
		rs.progress.Phase = rs.terminalPhase
	} else {
		rs.progress.Phase = core.RequestComplete
	}
	rs.mu.Unlock()

	if err := s.store.CreateAnalysisSession(context.Background(), result); err != nil {
		s.logger.Error("failed to persist analysis session", map[string]interface{}{"request_id": rs.req.ID, "error": err.Error()})
	}

	s.onComplete.Publish(AnalysisCompleteEvent{Result: result})

	s.requestsMu.Lock()
	delete(s.requests, rs.req.ID)
	for id, owner := range s.taskOwner {
		if owner == rs.req.ID {
			delete(s.taskOwner, id)
		}
	}
	s.requestsMu.Unlock()

	rs.stop()
}

// enterEmergencyMode cancels every active request, rejects new ones, and
// schedules automatic recovery after EmergencyCooldown.
func (s *Service) enterEmergencyMode(reason string) {
	s.emergencyMu.Lock()
	if s.inEmergency {
		s.emergencyMu.Unlock()
		return
	}
	s.inEmergency = true
	if s.emergencyTimer != nil {
		s.emergencyTimer.Stop()
	}
	s.emergencyTimer = time.AfterFunc(s.cfg.EmergencyCooldown, s.exitEmergencyMode)
	s.emergencyMu.Unlock()

	s.requestsMu.RLock()
	var ids []string
	for id := range s.requests {
		ids = append(ids, id)
	}
	s.requestsMu.RUnlock()
	for _, id := range ids {
		s.teardown(id, "emergency mode: "+reason, core.RequestError)
	}

	s.logger.Warn("analysis service entering emergency mode", map[string]interface{}{"reason": reason})
	s.onEmergency.Publish(EmergencyEvent{Entered: true, Reason: reason})
}

func (s *Service) exitEmergencyMode() {
	s.emergencyMu.Lock()
	s.inEmergency = false
	s.emergencyMu.Unlock()
	s.consecutiveFailures.Store(0)
	s.logger.Info("analysis service exiting emergency mode", nil)
	s.onEmergency.Publish(EmergencyEvent{Entered: false})
}

// InEmergencyMode reports the Analysis Service's current posture.
func (s *Service) InEmergencyMode() bool {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()
	return s.inEmergency
}

func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}
