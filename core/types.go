package core

import "time"

// Priority orders ready tasks; lower ordinal is more urgent. The zero value
// is the most urgent tier (critical), so a Task whose Priority is left unset
// outranks everything else — callers must pick one deliberately.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// TaskKind distinguishes the three shapes of work the Agent Manager admits.
type TaskKind string

const (
	TaskKindFileAnalysis  TaskKind = "file-analysis"
	TaskKindBatchAnalysis TaskKind = "batch-analysis"
	TaskKindHealthCheck   TaskKind = "health-check"
)

// TaskState is the task lifecycle. Terminal states are Completed, Failed,
// Cancelled, and TimedOut; no transition leaves a terminal state.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskTimedOut  TaskState = "timed-out"
)

// IsTerminal reports whether state accepts no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// TaskMetadata carries the opaque, scheduler-invisible context a task needs
// to actually run: which file, which model, which prompt, which analysis
// kind, and which request it belongs to.
type TaskMetadata struct {
	FileID        string
	FilePath      string
	Model         string
	Prompt        string
	AnalysisKind  AnalysisKind
	RequestID     string
}

// Task is one unit of inference work admitted and tracked by the Agent
// Manager. The Agent Manager exclusively owns the Task collection.
type Task struct {
	ID               string
	Kind             TaskKind
	Priority         Priority
	State            TaskState
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	Timeout          time.Duration
	RetryCount       int
	MaxRetries       int
	EstimatedMemory  int64 // bytes
	Metadata         TaskMetadata
	Result           string
	Err              error
}

// NewTask constructs a task in state Queued, stamped with CreatedAt.
func NewTask(kind TaskKind, priority Priority, timeout time.Duration, estimatedMemory int64, meta TaskMetadata) *Task {
	return &Task{
		ID:              NewTaskID(),
		Kind:            kind,
		Priority:        priority,
		State:           TaskQueued,
		CreatedAt:       time.Now(),
		Timeout:         timeout,
		EstimatedMemory: estimatedMemory,
		Metadata:        meta,
	}
}

// Slot is an admitted execution context: one running task bound to a
// reserved memory allocation. Invariant: the sum of AllocatedMemory across
// active slots never exceeds the current memory budget.
type Slot struct {
	ID              string
	TaskID          string
	AllocatedMemory int64
	StartedAt       time.Time
	Active          bool
}

// RequestState is the Analysis Request lifecycle.
type RequestState string

const (
	RequestInitializing RequestState = "initializing"
	RequestAnalyzing    RequestState = "analyzing"
	RequestComplete     RequestState = "complete"
	RequestError        RequestState = "error"
	RequestCancelled    RequestState = "cancelled"
)

// AnalysisKind is one requested analysis dimension for a file.
// KindMetadataExtraction is its own distinct kind rather than being folded
// into KindContentSummary.
type AnalysisKind string

const (
	KindRenameSuggestions   AnalysisKind = "rename-suggestions"
	KindClassification      AnalysisKind = "classification"
	KindContentSummary      AnalysisKind = "content-summary"
	KindMetadataExtraction  AnalysisKind = "metadata-extraction"
)

// Request is the user-facing unit of work: a set of files (or a root path)
// analyzed along one or more AnalysisKinds.
type Request struct {
	ID            string
	FileIDs       []string
	RootPath      string
	Kinds         []AnalysisKind
	Interactive   bool
	PriorityHint  Priority
	ModelOverride string
	State         RequestState
	CreatedAt     time.Time
}

// Progress is the Analysis Service's per-request mutable counters. The
// Analysis Service exclusively owns Progress.
type Progress struct {
	RequestID         string
	TotalFiles        int
	ProcessedFiles    int
	CompletedFiles    int
	FailedFiles       int
	CurrentFile       string
	Phase             RequestState
	ErrorRate         float64
	EstimatedTimeLeft time.Duration
}

// ValidationFlag names one issue the Confidence Scorer found with a
// candidate suggestion.
type ValidationFlag string

const (
	FlagEmptyValue       ValidationFlag = "empty-value"
	FlagIllegalChars     ValidationFlag = "illegal-characters"
	FlagTooLong          ValidationFlag = "too-long"
	FlagExtensionMismatch ValidationFlag = "extension-mismatch"
	FlagParseError       ValidationFlag = "parse-error"
)

// Suggestion is one ranked, scored candidate produced by the Confidence
// Scorer for one (file, kind) pair.
type Suggestion struct {
	ID                 string
	FileID             string
	Kind               AnalysisKind
	Value              string
	OriginalConfidence int
	AdjustedConfidence int
	QualityScore       float64
	Reasoning          string
	Model              string
	DurationMs         int64
	RankPosition       int
	Recommended        bool
	Flags              []ValidationFlag
}

// CircuitState is the per-operation circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreakerState is a point-in-time snapshot of one named breaker.
type CircuitBreakerState struct {
	Name                string
	State               CircuitState
	ConsecutiveFailures int
	LastFailure         time.Time
}

// RecoveryMode is the Error Recovery Manager's service-wide posture.
type RecoveryMode string

const (
	RecoveryNormal   RecoveryMode = "normal"
	RecoveryDegraded RecoveryMode = "degraded"
	RecoveryEmergency RecoveryMode = "emergency"
	RecoveryOffline  RecoveryMode = "offline"
)

// RecoveryMetrics is the Error Recovery Manager's global counters.
type RecoveryMetrics struct {
	Mode                RecoveryMode
	TotalFailures        int64
	TotalRecoveries      int64
	ConsecutiveFailures  int64
	CircuitTrips         int64
	FallbacksInvoked      int64
}

// FileRecord is the Store's view of one on-disk file, as consumed by the
// Task Generator.
type FileRecord struct {
	ID           string
	AbsPath      string
	Extension    string
	SizeBytes    int64
	ModifiedAt   int64 // epoch seconds
	Name         string
	ParentDir    string
	RelativePath string
}

// SessionResult is the Analysis Service's finalized per-request summary.
type SessionResult struct {
	RequestID       string
	Total           int
	Successful      int
	Failed          int
	TotalDurationMs int64
	AvgDurationMs   float64
	FinishedAt      time.Time
	Errors          []string // capped at 10
}
