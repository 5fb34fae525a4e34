// Package scheduler implements the Agent Manager: a memory-budgeted
// priority scheduler with dynamic slot recomputation. The scheduling loop
// never performs I/O: it only mutates queue/slot state and starts
// executors on goroutines, keeping dispatch off the blocking path.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/arannis/tidysort/core"
)

// Executor runs one admitted task to completion. It must be
// cancellation-observant: ctx is cancelled when the task's timeout or a
// cooperative cancel request fires, and the executor must return promptly.
type Executor func(ctx context.Context, task *core.Task) (result string, err error)

// Config is the Agent Manager's tunable configuration, normally sourced
// from core.AgentManagerConfig.
type Config struct {
	MaxConcurrentSlots int
	SafetyFactor       float64
	OSReservedMemory   int64
	TaskTimeout        time.Duration
}

// TaskCompletedEvent, TaskFailedEvent, TaskCancelledEvent are the payloads
// published on the corresponding external events.
type TaskCompletedEvent struct {
	TaskID        string
	Result        string
	ExecutionTime time.Duration
	MemoryUsed    int64
}

// TaskFailedEvent is published for every failed or timed-out execution
// attempt. WillRetry is true when the scheduler is about to re-enqueue the
// task (retries remain and the failure is retriable); consumers tracking
// terminal outcomes should ignore events with WillRetry set.
type TaskFailedEvent struct {
	TaskID    string
	Err       error
	WillRetry bool
}

type TaskCancelledEvent struct {
	TaskID string
	Reason string
}

// SlotsRecomputedEvent reports a change in the effective slot count.
type SlotsRecomputedEvent struct {
	PreviousSlots int
	NewSlots      int
	BudgetBytes   int64
}

// SystemHealthEvent is an aggregate status snapshot.
type SystemHealthEvent struct {
	SlotsInUse int
	SlotsTotal int
	Queued     int
	MemoryUsed int64
}

// EmergencyStopEvent reports why the Agent Manager stopped admitting work.
type EmergencyStopEvent struct {
	Reason string
}

// Status is the snapshot returned by AgentManager.Status.
type Status struct {
	SlotsAvailable int
	SlotsTotal     int
	QueuedCount    int
	PerKindCounts  map[core.TaskKind]int
	MemoryInUse    int64
	Stopped        bool
}

// command is the single channel type the scheduler loop consumes, keeping
// every mutation of queue/slot state on one goroutine.
type command struct {
	kind       commandKind
	task       *core.Task
	taskID     string
	reason     string
	newConfig  *Config
	completion *completionMsg
	reply      chan interface{}
}

type commandKind int

const (
	cmdSubmit commandKind = iota
	cmdCancel
	cmdStatus
	cmdUpdateConfig
	cmdRecompute
	cmdEmergencyStop
	cmdResume
	cmdCompletion
)

type completionMsg struct {
	taskID  string
	result  string
	err     error
	timeout bool
}

// AgentManager is the process-wide scheduler singleton: the one piece of
// shared mutable state in the core. Construct one at startup, call Run in
// a goroutine, and cancel its context at shutdown.
type AgentManager struct {
	cfg      Config
	executor Executor
	logger   core.Logger

	// construction-time copy; safe to read off the loop goroutine
	safetyFactor float64

	commands chan command

	onCompleted  core.EventBus[TaskCompletedEvent]
	onFailed     core.EventBus[TaskFailedEvent]
	onCancelled  core.EventBus[TaskCancelledEvent]
	onRecomputed core.EventBus[SlotsRecomputedEvent]
	onHealth     core.EventBus[SystemHealthEvent]
	onEmergency  core.EventBus[EmergencyStopEvent]

	footprints *footprintCache

	// loop-owned state, mutated only inside the run loop
	queue         *priorityQueue
	slots         map[string]*core.Slot // slotID -> slot
	tasksBySlot   map[string]string     // slotID -> taskID
	runningCancel map[string]context.CancelFunc
	runningTask   map[string]*core.Task
	cancelling    map[string]string // taskID -> reason; awaiting executor ack
	budget        int64
	effectiveSlots int
	stopped       bool

	wg sync.WaitGroup
}

// New constructs an AgentManager. executor is invoked for every admitted
// task; logger may be nil (falls back to core.NoOpLogger{}).
func New(cfg Config, executor Executor, logger core.Logger) *AgentManager {
	if cfg.MaxConcurrentSlots <= 0 {
		cfg.MaxConcurrentSlots = 4
	}
	if cfg.SafetyFactor <= 0 {
		cfg.SafetyFactor = 1.5
	}
	if cfg.OSReservedMemory <= 0 {
		cfg.OSReservedMemory = 2 << 30
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	am := &AgentManager{
		cfg:           cfg,
		executor:      executor,
		logger:        logger,
		commands:      make(chan command, 256),
		footprints:    newFootprintCache(),
		queue:         newPriorityQueue(),
		slots:         make(map[string]*core.Slot),
		tasksBySlot:   make(map[string]string),
		runningCancel: make(map[string]context.CancelFunc),
		runningTask:   make(map[string]*core.Task),
		cancelling:    make(map[string]string),
	}
	am.safetyFactor = cfg.SafetyFactor
	am.budget = Budget(cfg.SafetyFactor, cfg.OSReservedMemory)
	am.effectiveSlots = cfg.MaxConcurrentSlots
	return am
}

// Subscribe* register callbacks for the Agent Manager's published events.
// Must be called before Run.
func (am *AgentManager) SubscribeCompleted(fn func(TaskCompletedEvent))   { am.onCompleted.Subscribe(fn) }
func (am *AgentManager) SubscribeFailed(fn func(TaskFailedEvent))        { am.onFailed.Subscribe(fn) }
func (am *AgentManager) SubscribeCancelled(fn func(TaskCancelledEvent))  { am.onCancelled.Subscribe(fn) }
func (am *AgentManager) SubscribeRecomputed(fn func(SlotsRecomputedEvent)) {
	am.onRecomputed.Subscribe(fn)
}
func (am *AgentManager) SubscribeHealth(fn func(SystemHealthEvent))    { am.onHealth.Subscribe(fn) }
func (am *AgentManager) SubscribeEmergency(fn func(EmergencyStopEvent)) { am.onEmergency.Subscribe(fn) }

// Run is the scheduler loop. It never performs I/O: every branch here only
// mutates queue/slot state or starts an executor goroutine. Call it from
// its own goroutine; it returns when ctx is cancelled.
func (am *AgentManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// keep draining so in-flight executors can post their
			// completion acks without blocking, then wait them out
			done := make(chan struct{})
			go func() {
				am.wg.Wait()
				close(done)
			}()
			for {
				select {
				case cmd := <-am.commands:
					switch cmd.kind {
					case cmdCancel:
						cmd.reply <- false
					case cmdStatus:
						cmd.reply <- Status{Stopped: true}
					}
				case <-done:
					return
				}
			}
		case cmd := <-am.commands:
			am.handle(ctx, cmd)
		}
	}
}

func (am *AgentManager) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdSubmit:
		if am.stopped {
			cmd.task.State = core.TaskCancelled
			cmd.task.CompletedAt = time.Now()
			am.onCancelled.Publish(TaskCancelledEvent{TaskID: cmd.task.ID, Reason: "scheduler stopped"})
			return
		}
		am.queue.Push(cmd.task)
		am.admit(ctx)
	case cmdCancel:
		cmd.reply <- am.cancel(cmd.taskID, cmd.reason)
	case cmdStatus:
		cmd.reply <- am.status()
	case cmdUpdateConfig:
		am.cfg = *cmd.newConfig
		am.effectiveSlots = EffectiveSlotCount(am.cfg.MaxConcurrentSlots, am.budget, am.p50TaskMemory())
		am.admit(ctx)
	case cmdRecompute:
		am.recompute()
		am.admit(ctx)
	case cmdEmergencyStop:
		am.emergencyStop(cmd.reason)
	case cmdResume:
		am.stopped = false
		am.admit(ctx)
	case cmdCompletion:
		am.complete(cmd.completion)
		am.admit(ctx)
	}
}

// admit is the scheduling algorithm: iterate the head
// of the ready-queue while fewer than the effective slot count are active
// and the candidate fits the remaining budget. A task at the head that
// cannot fit but is under the total budget blocks the queue on purpose
// (head-of-line blocking) rather than letting smaller lower-priority tasks
// overtake it.
func (am *AgentManager) admit(ctx context.Context) {
	if am.stopped {
		return
	}
	for {
		if len(am.runningTask) >= am.effectiveSlots {
			return
		}
		head := am.queue.Peek()
		if head == nil {
			return
		}
		if head.EstimatedMemory > am.budget {
			am.queue.Pop()
			am.failResourceExhaustion(head)
			continue
		}
		if head.EstimatedMemory > am.remainingMemory() {
			return // head-of-line blocking: preserve priority order
		}
		am.queue.Pop()
		am.startTask(ctx, head)
	}
}

func (am *AgentManager) remainingMemory() int64 {
	var used int64
	for _, s := range am.slots {
		if s.Active {
			used += s.AllocatedMemory
		}
	}
	return am.budget - used
}

func (am *AgentManager) failResourceExhaustion(task *core.Task) {
	task.State = core.TaskFailed
	task.CompletedAt = time.Now()
	task.Err = core.NewTaskError("admit", core.KindResourceExhaustion, task.ID, core.ErrResourceExhaustion)
	am.logger.Warn("task exceeds memory budget", map[string]interface{}{
		"task_id": task.ID, "estimated_memory": task.EstimatedMemory, "budget": am.budget,
	})
	am.onFailed.Publish(TaskFailedEvent{TaskID: task.ID, Err: task.Err})
}

func (am *AgentManager) startTask(ctx context.Context, task *core.Task) {
	slot := &core.Slot{ID: core.NewID("slot"), TaskID: task.ID, AllocatedMemory: task.EstimatedMemory, StartedAt: time.Now(), Active: true}
	am.slots[slot.ID] = slot
	am.tasksBySlot[slot.ID] = task.ID

	task.State = core.TaskRunning
	task.StartedAt = time.Now()
	am.runningTask[task.ID] = task

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = am.cfg.TaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	am.runningCancel[task.ID] = cancel

	am.wg.Add(1)
	go am.execute(taskCtx, cancel, task)
}

// execute runs the executor on a dedicated goroutine — the "worker pool"
// this scheduling loop dispatches onto and never itself blocks on.
func (am *AgentManager) execute(ctx context.Context, cancel context.CancelFunc, task *core.Task) {
	defer am.wg.Done()
	defer cancel()

	result, err := am.runExecutorSafely(ctx, task)
	am.commands <- command{kind: cmdCompletion, completion: &completionMsg{
		taskID:  task.ID,
		result:  result,
		err:     err,
		timeout: ctx.Err() == context.DeadlineExceeded,
	}}
}

func (am *AgentManager) runExecutorSafely(ctx context.Context, task *core.Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			am.logger.Error("executor panicked", map[string]interface{}{
				"task_id": task.ID, "panic": r, "stack": string(debug.Stack()),
			})
			err = core.NewTaskError("execute", core.KindUnknown, task.ID, fmt.Errorf("executor panic: %v", r))
		}
	}()
	return am.executor(ctx, task)
}

// complete is the executor's acknowledgement: the slot is only released
// here, never from the cancel path, so a cooperatively-cancelled task keeps
// its reservation until the executor actually returns (bounded by the task
// context's deadline).
func (am *AgentManager) complete(msg *completionMsg) {
	task, ok := am.runningTask[msg.taskID]
	if !ok {
		return
	}
	delete(am.runningTask, task.ID)
	delete(am.runningCancel, task.ID)
	am.releaseSlotFor(task.ID)

	now := time.Now()
	task.CompletedAt = now

	if _, wasCancelled := am.cancelling[task.ID]; wasCancelled {
		delete(am.cancelling, task.ID)
		am.publishHealth()
		return // cancellation event already published when the cancel was requested
	}

	switch {
	case msg.timeout:
		task.State = core.TaskTimedOut
		err := core.NewTaskError("execute", core.KindAIModelTimeout, task.ID, core.ErrTimeout)
		task.Err = err
		willRetry := am.maybeRetry(task, err)
		am.logger.Warn("task timed out", map[string]interface{}{"task_id": task.ID, "will_retry": willRetry})
		am.onFailed.Publish(TaskFailedEvent{TaskID: task.ID, Err: err, WillRetry: willRetry})
	case msg.err != nil:
		task.State = core.TaskFailed
		task.Err = msg.err
		willRetry := am.maybeRetry(task, msg.err)
		am.onFailed.Publish(TaskFailedEvent{TaskID: task.ID, Err: msg.err, WillRetry: willRetry})
	default:
		task.State = core.TaskCompleted
		task.Result = msg.result
		am.onCompleted.Publish(TaskCompletedEvent{
			TaskID: task.ID, Result: msg.result, ExecutionTime: now.Sub(task.StartedAt), MemoryUsed: task.EstimatedMemory,
		})
	}
	am.publishHealth()
}

// maybeRetry re-enqueues a fresh task with an incremented retry count when
// retries remain and the failure is retriable. The re-enqueued
// task keeps its identifier so consumers see one lifecycle across attempts.
func (am *AgentManager) maybeRetry(task *core.Task, err error) bool {
	if task.RetryCount >= task.MaxRetries || !core.IsRetriable(err) {
		return false
	}
	retry := core.NewTask(task.Kind, task.Priority, task.Timeout, task.EstimatedMemory, task.Metadata)
	retry.ID = task.ID
	retry.RetryCount = task.RetryCount + 1
	retry.MaxRetries = task.MaxRetries
	am.queue.Push(retry)
	return true
}

func (am *AgentManager) publishHealth() {
	var memUsed int64
	for _, s := range am.slots {
		if s.Active {
			memUsed += s.AllocatedMemory
		}
	}
	am.onHealth.Publish(SystemHealthEvent{
		SlotsInUse: len(am.runningTask),
		SlotsTotal: am.effectiveSlots,
		Queued:     am.queue.Len(),
		MemoryUsed: memUsed,
	})
}

func (am *AgentManager) releaseSlotFor(taskID string) {
	for slotID, tid := range am.tasksBySlot {
		if tid == taskID {
			delete(am.slots, slotID)
			delete(am.tasksBySlot, slotID)
			return
		}
	}
}

// cancel transitions a queued task immediately. A running task is signalled
// cooperatively: its state flips to Cancelled and the event is published
// now, but the slot stays reserved until the executor acknowledges by
// returning (complete drains it via the cancelling set). Re-cancelling a
// task already being cancelled, or cancelling an unknown/terminal task,
// returns false.
func (am *AgentManager) cancel(taskID, reason string) bool {
	if queued, ok := am.queue.Remove(taskID); ok {
		queued.State = core.TaskCancelled
		queued.CompletedAt = time.Now()
		am.onCancelled.Publish(TaskCancelledEvent{TaskID: taskID, Reason: reason})
		return true
	}
	if task, ok := am.runningTask[taskID]; ok {
		if _, already := am.cancelling[taskID]; already {
			return false
		}
		if cancel, ok := am.runningCancel[taskID]; ok {
			cancel()
		}
		task.State = core.TaskCancelled
		task.CompletedAt = time.Now()
		am.cancelling[taskID] = reason
		am.onCancelled.Publish(TaskCancelledEvent{TaskID: taskID, Reason: reason})
		return true
	}
	return false
}

func (am *AgentManager) status() Status {
	perKind := map[core.TaskKind]int{}
	for _, t := range am.runningTask {
		perKind[t.Kind]++
	}
	var memUsed int64
	for _, s := range am.slots {
		if s.Active {
			memUsed += s.AllocatedMemory
		}
	}
	return Status{
		SlotsAvailable: am.effectiveSlots - len(am.runningTask),
		SlotsTotal:     am.effectiveSlots,
		QueuedCount:    am.queue.Len(),
		PerKindCounts:  perKind,
		MemoryInUse:    memUsed,
		Stopped:        am.stopped,
	}
}

func (am *AgentManager) recompute() {
	prev := am.effectiveSlots
	am.budget = Budget(am.cfg.SafetyFactor, am.cfg.OSReservedMemory)
	p50 := am.p50TaskMemory()
	am.effectiveSlots = EffectiveSlotCount(am.cfg.MaxConcurrentSlots, am.budget, p50)
	if am.effectiveSlots != prev {
		am.onRecomputed.Publish(SlotsRecomputedEvent{PreviousSlots: prev, NewSlots: am.effectiveSlots, BudgetBytes: am.budget})
	}
}

// p50TaskMemory is the median estimated footprint across everything queued
// and running, used to size the effective slot count. With nothing in
// flight there is no signal, so the configured ceiling stands.
func (am *AgentManager) p50TaskMemory() int64 {
	var sizes []int64
	for _, item := range am.queue.byID {
		sizes = append(sizes, item.task.EstimatedMemory)
	}
	for _, t := range am.runningTask {
		sizes = append(sizes, t.EstimatedMemory)
	}
	if len(sizes) == 0 {
		return 0
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	return sizes[len(sizes)/2]
}

func (am *AgentManager) emergencyStop(reason string) {
	am.stopped = true
	for taskID := range am.runningTask {
		am.cancel(taskID, reason)
	}
	for am.queue.Len() > 0 {
		t := am.queue.Pop()
		t.State = core.TaskCancelled
		t.CompletedAt = time.Now()
		am.onCancelled.Publish(TaskCancelledEvent{TaskID: t.ID, Reason: reason})
	}
	am.onEmergency.Publish(EmergencyStopEvent{Reason: reason})
}

// Submit enqueues a new task built from the given parameters and returns
// its ID. Returns an error classified core.KindValidation when the memory
// estimate is zero or negative for a kind that requires inference (every
// kind except health-check); no other parameter is validated.
func (am *AgentManager) Submit(kind core.TaskKind, priority core.Priority, timeout time.Duration, maxRetries int, estimatedMemory int64, meta core.TaskMetadata) (string, error) {
	if kind != core.TaskKindHealthCheck && estimatedMemory <= 0 {
		return "", core.NewTaskError("submit", core.KindValidation, "", core.ErrValidation)
	}
	task := core.NewTask(kind, priority, timeout, estimatedMemory, meta)
	task.MaxRetries = maxRetries
	am.commands <- command{kind: cmdSubmit, task: task}
	return task.ID, nil
}

// Cancel requests cancellation of taskID, cooperative if running.
func (am *AgentManager) Cancel(taskID, reason string) bool {
	reply := make(chan interface{}, 1)
	am.commands <- command{kind: cmdCancel, taskID: taskID, reason: reason, reply: reply}
	return (<-reply).(bool)
}

// Status returns a snapshot of scheduler state.
func (am *AgentManager) Status() Status {
	reply := make(chan interface{}, 1)
	am.commands <- command{kind: cmdStatus, reply: reply}
	return (<-reply).(Status)
}

// UpdateConfig applies cfg to subsequent admissions; existing slots are not
// preempted.
func (am *AgentManager) UpdateConfig(cfg Config) {
	am.commands <- command{kind: cmdUpdateConfig, newConfig: &cfg}
}

// RecomputeSlotCapacity re-reads live memory and updates the effective
// slot count, publishing SlotsRecomputedEvent if it changed.
func (am *AgentManager) RecomputeSlotCapacity() {
	am.commands <- command{kind: cmdRecompute}
}

// EmergencyStop cancels all running and queued tasks and stops admitting
// new work until Resume is called.
func (am *AgentManager) EmergencyStop(reason string) {
	am.commands <- command{kind: cmdEmergencyStop, reason: reason}
}

// Resume lifts an emergency stop; tasks submitted while stopped were
// cancelled, so callers re-submit whatever work should survive.
func (am *AgentManager) Resume() {
	am.commands <- command{kind: cmdResume}
}

// RefreshModelFootprints reloads the per-model memory cache from the
// Inference Client's metadata, overwriting the entry of every model the
// client lists; entries for models it no longer lists are kept. Models
// without a live estimate fall back to the architecture floor for their
// parameter size, else to size × safety factor.
func (am *AgentManager) RefreshModelFootprints(ctx context.Context, client core.InferenceClient) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if bytes, err := client.EstimateMemory(ctx, m.Name); err == nil && bytes > 0 {
			am.footprints.Set(m.Name, bytes)
			continue
		}
		if floor := EstimateFloor(m.ParameterSize); floor > 0 {
			am.footprints.Set(m.Name, floor)
			continue
		}
		am.footprints.Set(m.Name, EstimateFromSize(m.SizeBytes, am.safetyFactor))
	}
	return nil
}

// ObserveModelFootprint records memory a model was actually seen using.
// This is the observation hook for cache invalidation: a significantly
// different observed footprint replaces the cached estimate.
func (am *AgentManager) ObserveModelFootprint(model string, observedBytes int64) {
	cached, ok := am.footprints.Get(model)
	if !ok {
		am.footprints.Set(model, observedBytes)
		return
	}
	// Replace only on a meaningful drift; small jitter isn't worth churning
	// admission decisions over.
	diff := observedBytes - cached
	if diff < 0 {
		diff = -diff
	}
	if diff*4 > cached {
		am.footprints.Set(model, observedBytes)
	}
}

// ModelFootprint returns the cached memory estimate for model, if any. The
// Task Generator's footprintOf hook is typically this method.
func (am *AgentManager) ModelFootprint(model string) (int64, bool) {
	return am.footprints.Get(model)
}
