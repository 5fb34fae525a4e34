package analysis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arannis/tidysort/core"
	"github.com/arannis/tidysort/scheduler"
	"github.com/arannis/tidysort/taskgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler implements the Scheduler interface without running any
// real admission logic; tests drive completion/failure/cancellation by
// invoking the captured callbacks directly.
type fakeScheduler struct {
	mu        sync.Mutex
	submitted []core.TaskMetadata
	ids       []string
	submitErr error // when set, every Submit fails with it

	onCompleted func(scheduler.TaskCompletedEvent)
	onFailed    func(scheduler.TaskFailedEvent)
	onCancelled func(scheduler.TaskCancelledEvent)
}

func (f *fakeScheduler) Submit(kind core.TaskKind, priority core.Priority, timeout time.Duration, maxRetries int, estimatedMemory int64, meta core.TaskMetadata) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	id := core.NewTaskID()
	f.submitted = append(f.submitted, meta)
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeScheduler) Cancel(taskID, reason string) bool { return true }

func (f *fakeScheduler) SubscribeCompleted(fn func(scheduler.TaskCompletedEvent)) { f.onCompleted = fn }
func (f *fakeScheduler) SubscribeFailed(fn func(scheduler.TaskFailedEvent))       { f.onFailed = fn }
func (f *fakeScheduler) SubscribeCancelled(fn func(scheduler.TaskCancelledEvent)) { f.onCancelled = fn }

func (f *fakeScheduler) idAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[i]
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

type fakeAnalysisStore struct {
	core.Store
	files       []core.FileRecord
	sessions    []core.SessionResult
	suggestions []core.Suggestion
	mu          sync.Mutex
}

func (f *fakeAnalysisStore) GetFilesByIDs(ctx context.Context, ids []string) ([]core.FileRecord, error) {
	return f.files, nil
}
func (f *fakeAnalysisStore) GetModelPreferences(ctx context.Context) (core.ModelPreferences, error) {
	return core.ModelPreferences{Main: "llama-7b", Sub: "tiny-1b"}, nil
}
func (f *fakeAnalysisStore) CreateAnalysisSession(ctx context.Context, result core.SessionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, result)
	return nil
}
func (f *fakeAnalysisStore) SaveSuggestions(ctx context.Context, suggestions []core.Suggestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suggestions = append(f.suggestions, suggestions...)
	return nil
}
func (f *fakeAnalysisStore) savedSuggestions() []core.Suggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.Suggestion(nil), f.suggestions...)
}

func jsonResponse(value string, confidence int) string {
	return `{"candidates":[{"value":"` + value + `","confidence":` + itoa(confidence) + `,"reasoning":"because"}]}`
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}

func newTestService(t *testing.T, files []core.FileRecord) (*Service, *fakeScheduler, *fakeAnalysisStore) {
	t.Helper()
	store := &fakeAnalysisStore{files: files}
	sched := &fakeScheduler{}
	gen := taskgen.New(taskgen.Config{}, store, func(string) int64 { return 1 << 30 }, 1.5, nil, nil)
	svc := New(Config{ErrorThreshold: 100, EmergencyCooldown: 50 * time.Millisecond}, store, sched, gen, nil, core.NoOpLogger{})
	require.NoError(t, svc.LoadModelRouting(context.Background()))
	return svc, sched, store
}

func TestStartAnalysis_SubmitsOneTaskPerFile(t *testing.T) {
	files := []core.FileRecord{
		{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10},
		{ID: "f2", Name: "b.txt", Extension: ".txt", SizeBytes: 10},
	}
	svc, sched, _ := newTestService(t, files)

	req := core.Request{ID: "req1", FileIDs: []string{"f1", "f2"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	progress, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.TotalFiles)
	assert.Equal(t, 2, sched.count())
}

func TestStartAnalysis_RejectsDuplicateActiveRequest(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	svc, _, _ := newTestService(t, files)

	req := core.Request{ID: "req1", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.StartAnalysis(context.Background(), req)
	require.Error(t, err)
}

func TestAnalysisService_CompletionProducesScoredSuggestionsAndFinalizes(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	svc, sched, store := newTestService(t, files)

	var complete AnalysisCompleteEvent
	var got sync.WaitGroup
	got.Add(1)
	svc.SubscribeComplete(func(e AnalysisCompleteEvent) {
		complete = e
		got.Done()
	})

	var preview PreviewUpdateEvent
	svc.SubscribePreview(func(e PreviewUpdateEvent) { preview = e })

	req := core.Request{ID: "req1", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, sched.count())

	sched.onCompleted(scheduler.TaskCompletedEvent{
		TaskID:        sched.idAt(0),
		Result:        jsonResponse("Documents", 90),
		ExecutionTime: 5 * time.Millisecond,
	})

	got.Wait()
	assert.Equal(t, 1, complete.Result.Successful)
	assert.Equal(t, 1, complete.Result.Total)
	assert.Len(t, store.sessions, 1)
	require.Len(t, preview.Suggestions, 1)
	assert.Equal(t, "Documents", preview.Suggestions[0].Value)

	saved := store.savedSuggestions()
	require.Len(t, saved, 1, "scored suggestions must be persisted")
	assert.Equal(t, "Documents", saved[0].Value)
}

func TestAnalysisService_SubmitFailuresStillFinalizeTheRequest(t *testing.T) {
	files := []core.FileRecord{
		{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10},
		{ID: "f2", Name: "b.txt", Extension: ".txt", SizeBytes: 10},
	}
	svc, sched, _ := newTestService(t, files)
	sched.submitErr = core.NewTaskError("submit", core.KindValidation, "", core.ErrValidation)

	var complete AnalysisCompleteEvent
	var got sync.WaitGroup
	got.Add(1)
	svc.SubscribeComplete(func(e AnalysisCompleteEvent) {
		complete = e
		got.Done()
	})

	req := core.Request{ID: "req1", FileIDs: []string{"f1", "f2"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	// Every Submit was rejected: the request must still run to completion
	// with the dropped tasks accounted as failed files, not hang forever.
	got.Wait()
	assert.Equal(t, 2, complete.Result.Total)
	assert.Equal(t, 2, complete.Result.Failed)
	assert.Equal(t, 0, complete.Result.Successful)
	assert.NotEmpty(t, complete.Result.Errors)
	assert.False(t, svc.InEmergencyMode(), "submit rejections must not count toward emergency mode")

	_, stillTracked := svc.GetProgress("req1")
	assert.False(t, stillTracked)
}

func TestAnalysisService_RetryingFailureIsNotCountedAsTerminal(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	svc, sched, _ := newTestService(t, files)

	var complete AnalysisCompleteEvent
	var got sync.WaitGroup
	got.Add(1)
	svc.SubscribeComplete(func(e AnalysisCompleteEvent) {
		complete = e
		got.Done()
	})

	req := core.Request{ID: "req1", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	// First attempt times out but the scheduler is retrying; the service
	// must not count it. The retried attempt then completes.
	sched.onFailed(scheduler.TaskFailedEvent{
		TaskID:    sched.idAt(0),
		Err:       core.NewTaskError("execute", core.KindAIModelTimeout, "t", core.ErrTimeout),
		WillRetry: true,
	})
	sched.onCompleted(scheduler.TaskCompletedEvent{
		TaskID:        sched.idAt(0),
		Result:        jsonResponse("Documents", 90),
		ExecutionTime: 5 * time.Millisecond,
	})

	got.Wait()
	assert.Equal(t, 1, complete.Result.Successful)
	assert.Equal(t, 0, complete.Result.Failed)
}

func TestAnalysisService_PeriodicTickPublishesProgress(t *testing.T) {
	files := []core.FileRecord{
		{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10},
		{ID: "f2", Name: "b.txt", Extension: ".txt", SizeBytes: 10},
	}
	store := &fakeAnalysisStore{files: files}
	sched := &fakeScheduler{}
	gen := taskgen.New(taskgen.Config{}, store, nil, 1.5, nil, nil)
	svc := New(Config{ErrorThreshold: 100, ProgressUpdateInterval: 10 * time.Millisecond}, store, sched, gen, nil, core.NoOpLogger{})
	require.NoError(t, svc.LoadModelRouting(context.Background()))

	var mu sync.Mutex
	var ticks []core.Progress
	svc.SubscribeProgress(func(e ProgressUpdateEvent) {
		mu.Lock()
		ticks = append(ticks, e.Progress)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	req := core.Request{ID: "req1", FileIDs: []string{"f1", "f2"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	sched.onCompleted(scheduler.TaskCompletedEvent{
		TaskID:        sched.idAt(0),
		Result:        jsonResponse("Documents", 90),
		ExecutionTime: 40 * time.Millisecond,
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(ticks)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, ticks, "ticker must publish progress for an active analyzing request")
	last := ticks[len(ticks)-1]
	assert.Equal(t, "req1", last.RequestID)
	assert.Equal(t, 1, last.ProcessedFiles)
	assert.Greater(t, last.EstimatedTimeLeft, time.Duration(0))
}

func TestAnalysisService_FailureCountsTowardProgressAndFinalizes(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	svc, sched, _ := newTestService(t, files)

	var complete AnalysisCompleteEvent
	var got sync.WaitGroup
	got.Add(1)
	svc.SubscribeComplete(func(e AnalysisCompleteEvent) {
		complete = e
		got.Done()
	})

	req := core.Request{ID: "req1", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	sched.onFailed(scheduler.TaskFailedEvent{TaskID: sched.idAt(0), Err: core.NewTaskError("generate", core.KindAIModelUnavailable, "t1", core.ErrTimeout)})

	got.Wait()
	assert.Equal(t, 1, complete.Result.Failed)
	assert.Len(t, complete.Result.Errors, 1)
}

func TestAnalysisService_EntersEmergencyModeAfterErrorThreshold(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	store := &fakeAnalysisStore{files: files}
	sched := &fakeScheduler{}
	gen := taskgen.New(taskgen.Config{}, store, nil, 1.5, nil, nil)
	svc := New(Config{ErrorThreshold: 2, EmergencyCooldown: 30 * time.Millisecond}, store, sched, gen, nil, core.NoOpLogger{})

	var entered sync.WaitGroup
	entered.Add(1)
	svc.SubscribeEmergency(func(e EmergencyEvent) {
		if e.Entered {
			entered.Done()
		}
	})

	for i := 0; i < 2; i++ {
		req := core.Request{ID: core.NewRequestID(), FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
		_, err := svc.StartAnalysis(context.Background(), req)
		require.NoError(t, err)
		idx := sched.count() - 1
		sched.onFailed(scheduler.TaskFailedEvent{TaskID: sched.idAt(idx), Err: core.NewTaskError("generate", core.KindAIModelUnavailable, "t", core.ErrTimeout)})
	}

	entered.Wait()
	assert.True(t, svc.InEmergencyMode())

	req := core.Request{ID: core.NewRequestID(), FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmergencyMode)
	assert.Equal(t, core.KindAIModelUnavailable, core.ClassifyError(err))
}

func TestAnalysisService_ExitsEmergencyModeAfterCooldown(t *testing.T) {
	files := []core.FileRecord{{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10}}
	store := &fakeAnalysisStore{files: files}
	sched := &fakeScheduler{}
	gen := taskgen.New(taskgen.Config{}, store, nil, 1.5, nil, nil)
	svc := New(Config{ErrorThreshold: 1, EmergencyCooldown: 20 * time.Millisecond}, store, sched, gen, nil, core.NoOpLogger{})
	require.NoError(t, svc.LoadModelRouting(context.Background()))

	var exited sync.WaitGroup
	exited.Add(1)
	var once sync.Once
	svc.SubscribeEmergency(func(e EmergencyEvent) {
		if !e.Entered {
			once.Do(exited.Done)
		}
	})
	var errored AnalysisErrorEvent
	var gotError sync.WaitGroup
	gotError.Add(1)
	svc.SubscribeError(func(e AnalysisErrorEvent) {
		errored = e
		gotError.Done()
	})

	// Two tasks: the first failure trips emergency mode, which tears the
	// request down in the error phase with one task still outstanding.
	req := core.Request{ID: "req1", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification, core.KindContentSummary}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)
	sched.onFailed(scheduler.TaskFailedEvent{TaskID: sched.idAt(0), Err: core.NewTaskError("generate", core.KindAIModelUnavailable, "t", core.ErrTimeout)})

	gotError.Wait()
	assert.Equal(t, "req1", errored.RequestID)

	exited.Wait()
	assert.False(t, svc.InEmergencyMode())

	// Accepts work again after the cooldown.
	req2 := core.Request{ID: "req2", FileIDs: []string{"f1"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err = svc.StartAnalysis(context.Background(), req2)
	require.NoError(t, err)
}

func TestAnalysisService_CancelAnalysisFinalizesImmediately(t *testing.T) {
	files := []core.FileRecord{
		{ID: "f1", Name: "a.txt", Extension: ".txt", SizeBytes: 10},
		{ID: "f2", Name: "b.txt", Extension: ".txt", SizeBytes: 10},
	}
	svc, _, _ := newTestService(t, files)

	var complete AnalysisCompleteEvent
	var got sync.WaitGroup
	got.Add(1)
	svc.SubscribeComplete(func(e AnalysisCompleteEvent) {
		complete = e
		got.Done()
	})

	var cancelled AnalysisCancelledEvent
	var gotCancelled sync.WaitGroup
	gotCancelled.Add(1)
	svc.SubscribeCancelled(func(e AnalysisCancelledEvent) {
		cancelled = e
		gotCancelled.Done()
	})

	req := core.Request{ID: "req1", FileIDs: []string{"f1", "f2"}, Kinds: []core.AnalysisKind{core.KindClassification}}
	_, err := svc.StartAnalysis(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, svc.CancelAnalysis("req1", "user cancel"))
	got.Wait()
	gotCancelled.Wait()
	assert.Equal(t, 2, complete.Result.Total)
	assert.Equal(t, "req1", cancelled.RequestID)
	assert.Equal(t, "user cancel", cancelled.Reason)

	_, stillTracked := svc.GetProgress("req1")
	assert.False(t, stillTracked, "finalized request state must be discarded")
}

func TestDefaultParse_ParsesCandidatesJSON(t *testing.T) {
	out, err := defaultParse(jsonResponse("renamed.txt", 77))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "renamed.txt", out[0].Value)
	assert.Equal(t, 77, out[0].OriginalConfidence)
}

func TestDefaultParse_ErrorsOnInvalidJSON(t *testing.T) {
	_, err := defaultParse("not json")
	require.Error(t, err)
}
