// Package orchestrator owns every task from submission to terminal state.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AGENTORCH/internal/events"
	"github.com/AGENTORCH/internal/registry"
	"github.com/AGENTORCH/internal/router"
	"github.com/AGENTORCH/internal/types"
	"github.com/AGENTORCH/internal/worker"
)

// Validator gates a completed task's outcome and publishes a verdict
type Validator interface {
	Validate(ctx context.Context, task *types.Task, outcome *types.TaskOutcome) (*types.Verdict, error)
}

// Store persists task transitions. Implementations must make the
// completion write (task + manifest + verdict) atomic. Performance events
// are not part of that write; the collector persists them in its own
// batch flush.
type Store interface {
	SaveTask(task *types.Task) error
	SaveCompletion(task *types.Task, outcome *types.TaskOutcome, verdict *types.Verdict) error
}

// SubmitReceipt is returned from Submit
type SubmitReceipt struct {
	TaskID       string `json:"task_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// Status summarizes the orchestrator for the control surface
type Status struct {
	TasksByState map[string]int `json:"tasks_by_state"`
	QueueDepth   int            `json:"queue_depth"`
	InFlight     int            `json:"in_flight"`
}

// dispatchTick bounds how long a ready task waits for a pool slot recheck
const dispatchTick = 50 * time.Millisecond

// taskState is the orchestrator-private record for one task.
// All mutation happens on the dispatcher goroutine or the task's own
// result handler; cross-task reads go through the orchestrator lock.
type taskState struct {
	task        *types.Task
	perTimeout  time.Duration
	cancelCh    chan struct{}
	cancelOnce  sync.Once
	cancelled   bool
	done        chan struct{}
	finalized   bool
	retryTimer  *time.Timer
	lastErrKind types.ErrorKind
}

// idemEntry records a prior submission for idempotent replay
type idemEntry struct {
	receipt SubmitReceipt
	at      time.Time
}

// Orchestrator is the scheduler/dispatcher state machine
type Orchestrator struct {
	cfg       *types.Config
	reg       *registry.Registry
	rtr       *router.Router
	pool      *worker.Pool
	validator Validator
	store     Store
	bus       *events.Bus
	backoff   BackoffPolicy

	mu            sync.RWMutex
	tasks         map[string]*taskState
	queue         *Queue
	idempotency   map[string]idemEntry
	activeByAgent map[string]int
	inFlight      int

	kick chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires the orchestrator. validator and store may be nil in tests.
func New(cfg *types.Config, reg *registry.Registry, rtr *router.Router, pool *worker.Pool,
	validator Validator, store Store, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		rtr:       rtr,
		pool:      pool,
		validator: validator,
		store:     store,
		bus:       bus,
		backoff: BackoffPolicy{
			Initial:    time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
			Max:        time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
			Multiplier: cfg.BackoffMultiplier,
		},
		tasks:         make(map[string]*taskState),
		queue:         NewQueue(cfg.QueueMax, time.Duration(cfg.StarvationPromoteMS)*time.Millisecond),
		idempotency:   make(map[string]idemEntry),
		activeByAgent: make(map[string]int),
		kick:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
}

// Start launches the dispatcher loop
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.dispatchLoop()
	log.Printf("[ORCH] Dispatcher started (queue max %d)", o.cfg.QueueMax)
}

// Stop halts dispatching. In-flight result handlers finish on their own;
// queued tasks stay queued for a restart from persistence.
func (o *Orchestrator) Stop() {
	close(o.quit)
	o.wg.Wait()
	log.Printf("[ORCH] Dispatcher stopped")
}

// Submit validates, routes, and enqueues a task. Non-blocking: execution
// is asynchronous. A duplicate idempotency key inside the window returns
// the original receipt without a second execution.
func (o *Orchestrator) Submit(ctx context.Context, req *types.TaskRequest) (*SubmitReceipt, error) {
	if req == nil {
		return nil, types.E(types.ErrInvalidInput, "nil task request")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		o.mu.Lock()
		if entry, ok := o.idempotency[req.IdempotencyKey]; ok {
			if time.Since(entry.at) < o.cfg.IdempotencyWindow() {
				o.mu.Unlock()
				receipt := entry.receipt
				receipt.Deduplicated = true
				return &receipt, nil
			}
			delete(o.idempotency, req.IdempotencyKey)
		}
		o.mu.Unlock()
	}

	task := types.NewTask(req, o.cfg.MaxAttempts)
	perTimeout := o.cfg.TaskTimeout()
	if req.TimeoutMS > 0 {
		perTimeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	ts := &taskState{
		task:       task,
		perTimeout: perTimeout,
		cancelCh:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	o.mu.Lock()
	o.tasks[task.ID] = ts
	o.mu.Unlock()

	o.emitState(task, "", events.KindTaskStateChange)

	// Routing happens inside Submit so the receipt can carry the assignment
	decision, err := o.rtr.Route(ctx, task)
	if err != nil {
		o.mu.Lock()
		o.failLocked(ts, types.KindOf(err), err.Error())
		o.mu.Unlock()
		return &SubmitReceipt{TaskID: task.ID}, nil
	}

	o.mu.Lock()
	task.Assignment = &types.Assignment{
		AgentID:     decision.SelectedAgent,
		ExecutionID: uuid.New().String(),
		AssignedAt:  time.Now(),
	}
	if err := task.TransitionTo(types.StateRouted); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.emitStateLocked(task, "", events.KindTaskStateChange)

	if err := o.queue.Add(task); err != nil {
		delete(o.tasks, task.ID)
		o.mu.Unlock()
		return nil, err
	}
	_ = task.TransitionTo(types.StateQueued)
	o.emitStateLocked(task, "", events.KindTaskStateChange)

	receipt := SubmitReceipt{TaskID: task.ID, AssignmentID: task.Assignment.ExecutionID}
	if req.IdempotencyKey != "" {
		o.idempotency[req.IdempotencyKey] = idemEntry{receipt: receipt, at: time.Now()}
	}
	o.persistLocked(task)
	o.mu.Unlock()

	o.kickDispatcher()
	return &receipt, nil
}

// Cancel requests cooperative cancellation. Idempotent: cancelling a
// terminal task is a successful no-op.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts, ok := o.tasks[taskID]
	if !ok {
		return types.EField(types.ErrNotFound, taskID, "unknown task")
	}
	if ts.task.IsTerminal() {
		return nil
	}

	ts.cancelled = true
	ts.cancelOnce.Do(func() { close(ts.cancelCh) })

	switch ts.task.State {
	case types.StateQueued:
		o.queue.Remove(taskID)
		o.terminalLocked(ts, types.StateCancelled, "cancelled while queued", events.KindTaskCancelled)
	case types.StateAwaitingRetry:
		if ts.retryTimer != nil {
			ts.retryTimer.Stop()
		}
		o.terminalLocked(ts, types.StateCancelled, "cancelled while awaiting retry", events.KindTaskCancelled)
	case types.StateSubmitted, types.StateRouted:
		o.terminalLocked(ts, types.StateCancelled, "cancelled before queue admission", events.KindTaskCancelled)
	default:
		// Running: the result handler observes the flag; the grace window
		// in awaitResult bounds how long we wait for the worker to comply.
	}
	return nil
}

// GetSnapshot returns a copy of the task
func (o *Orchestrator) GetSnapshot(taskID string) (*types.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ts, ok := o.tasks[taskID]
	if !ok {
		return nil, types.EField(types.ErrNotFound, taskID, "unknown task")
	}
	return ts.task.Clone(), nil
}

// WaitForCompletion blocks until the task is terminal or ctx expires
func (o *Orchestrator) WaitForCompletion(ctx context.Context, taskID string) (*types.Task, error) {
	o.mu.RLock()
	ts, ok := o.tasks[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, types.EField(types.ErrNotFound, taskID, "unknown task")
	}

	select {
	case <-ts.done:
		return o.GetSnapshot(taskID)
	case <-ctx.Done():
		return nil, types.Wrap(types.ErrTimeout, ctx.Err(), "wait for completion expired")
	}
}

// GetStatus summarizes orchestrator state
func (o *Orchestrator) GetStatus() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		TasksByState: make(map[string]int),
		QueueDepth:   o.queue.Len(),
		InFlight:     o.inFlight,
	}
	for _, ts := range o.tasks {
		st.TasksByState[string(ts.task.State)]++
	}
	return st
}

// Tasks returns snapshots of every known task
func (o *Orchestrator) Tasks() []*types.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()

	result := make([]*types.Task, 0, len(o.tasks))
	for _, ts := range o.tasks {
		result = append(result, ts.task.Clone())
	}
	return result
}

// kickDispatcher nudges the dispatch loop without blocking
func (o *Orchestrator) kickDispatcher() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop moves queued tasks onto pool workers
func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-o.quit:
			return
		case <-o.kick:
			o.dispatchReady()
		case <-ticker.C:
			o.dispatchReady()
		}
	}
}

// dispatchReady drains the queue while pool slots are available
func (o *Orchestrator) dispatchReady() {
	for {
		o.mu.Lock()
		task := o.queue.Peek()
		if task == nil {
			o.mu.Unlock()
			return
		}
		ts := o.tasks[task.ID]
		if ts == nil || ts.cancelled {
			o.queue.Remove(task.ID)
			o.mu.Unlock()
			continue
		}

		// Assignment deadline: fresh per attempt, never earlier than a
		// submitter-provided absolute deadline
		deadline := time.Now().Add(ts.perTimeout)
		if !task.Deadline.IsZero() && task.Deadline.After(deadline) {
			deadline = task.Deadline
		}

		exec := &worker.Execution{
			Task:        task.Clone(),
			AgentID:     task.Assignment.AgentID,
			ExecutionID: task.Assignment.ExecutionID,
			Deadline:    deadline,
			Cancel:      ts.cancelCh,
			Result:      make(chan *worker.Result, 1),
		}
		exec.Task.Attempts = task.Attempts + 1

		if !o.pool.TryDispatch(exec) {
			// Pool saturated: leave the task queued
			o.mu.Unlock()
			return
		}

		o.queue.Pop()
		task.Attempts++
		_ = task.TransitionTo(types.StateAssigned)
		o.emitStateLocked(task, "", events.KindTaskStateChange)
		_ = task.TransitionTo(types.StateRunning)
		o.inFlight++
		agentID := task.Assignment.AgentID
		o.activeByAgent[agentID]++
		active := o.activeByAgent[agentID]
		o.emitStateLocked(task, "", events.KindTaskStart)
		o.persistLocked(task)
		o.mu.Unlock()

		_ = o.reg.UpdateLoad(agentID, active, o.queue.Len())

		o.wg.Add(1)
		go o.awaitResult(ts, exec)
	}
}

// awaitResult waits for the worker, bounded by the cancellation grace
// window so a stuck worker cannot wedge the task forever
func (o *Orchestrator) awaitResult(ts *taskState, exec *worker.Execution) {
	defer o.wg.Done()

	grace := 2 * ts.perTimeout
	graceTimer := time.NewTimer(time.Until(exec.Deadline) + grace)
	defer graceTimer.Stop()

	select {
	case res := <-exec.Result:
		o.handleResult(ts, exec, res)
	case <-graceTimer.C:
		log.Printf("[ORCH] Task %s: worker unresponsive past grace window", ts.task.ID)
		o.handleResult(ts, exec, &worker.Result{
			ExecutionID: exec.ExecutionID,
			Err:         types.EField(types.ErrTimeout, ts.task.ID, "worker unresponsive past grace window"),
		})
		// Late output from the abandoned worker is discarded
		go func() { <-exec.Result }()
	}
}

// handleResult applies a worker result to the task state machine
func (o *Orchestrator) handleResult(ts *taskState, exec *worker.Execution, res *worker.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ts.finalized {
		return
	}

	task := ts.task
	o.inFlight--
	agentID := task.Assignment.AgentID
	if o.activeByAgent[agentID] > 0 {
		o.activeByAgent[agentID]--
	}
	active := o.activeByAgent[agentID]
	defer func() { _ = o.reg.UpdateLoad(agentID, active, o.queue.Len()) }()

	if ts.cancelled {
		o.terminalLocked(ts, types.StateCancelled, "cancelled", events.KindTaskCancelled)
		return
	}

	if res.Err != nil {
		o.handleFailureLocked(ts, res.Err)
		return
	}

	// Verify the manifest before trusting the result
	sb := &worker.Sandbox{
		TaskID: task.ID,
		Root:   res.SandboxRoot,
		Limits: worker.SandboxLimits{
			MaxFiles:      o.cfg.MaxArtifactFiles,
			MaxTotalBytes: o.cfg.MaxArtifactBytes,
			MaxPathLength: o.cfg.MaxPathLength,
		},
	}
	if err := worker.VerifyManifest(sb, res.Manifest); err != nil {
		log.Printf("[ORCH] Task %s: manifest verification failed: %v", task.ID, err)
		o.failLocked(ts, types.ErrArtifactIntegrity, err.Error())
		return
	}

	task.Manifest = res.Manifest
	if err := task.TransitionTo(types.StateCompleted); err != nil {
		log.Printf("[ORCH] Task %s: %v", task.ID, err)
		return
	}
	o.emitStateLocked(task, "", events.KindTaskComplete)

	outcome := res.Outcome
	var verdict *types.Verdict
	if o.validator != nil {
		v, err := o.validator.Validate(context.Background(), task.Clone(), outcome)
		if err != nil {
			log.Printf("[ORCH] Task %s: policy validation error: %v", task.ID, err)
		} else {
			verdict = v
			task.VerdictID = v.ID
		}
	}

	o.publishLocked(events.New(events.KindEvaluationOutcome, events.TopicPerformance,
		agentID, task.ID, events.PriorityNormal, map[string]interface{}{
			"success":       outcome.Success,
			"quality_score": outcome.QualityScore,
			"latency_ms":    outcome.LatencyMS,
			"verdict": func() string {
				if verdict != nil {
					return string(verdict.Outcome)
				}
				return ""
			}(),
		}))

	if o.store != nil {
		if err := o.store.SaveCompletion(task.Clone(), outcome, verdict); err != nil {
			log.Printf("[ORCH] Task %s: persistence failed: %v", task.ID, err)
		}
	}

	approved := verdict == nil || verdict.Outcome == types.OutcomeApproved
	_ = o.reg.UpdatePerformance(agentID, registry.PerformanceSample{
		Success:      outcome.Success && approved,
		QualityScore: outcome.QualityScore,
		LatencyMS:    float64(outcome.LatencyMS),
	})
	for _, spec := range task.Specializations {
		_ = o.reg.UpdateSpecialization(agentID, spec, registry.SpecializationSample{
			Success:      outcome.Success && approved,
			QualityScore: outcome.QualityScore,
		})
	}

	o.finalizeLocked(ts)
}

// handleFailureLocked routes a failed attempt to retry or terminal state
func (o *Orchestrator) handleFailureLocked(ts *taskState, cause error) {
	task := ts.task
	kind := types.KindOf(cause)
	ts.lastErrKind = kind

	if kind == types.ErrTimeout {
		o.publishLocked(events.New(events.KindTaskTimeout, events.TopicTaskLifecycle,
			task.Assignment.AgentID, task.ID, events.PriorityHigh, map[string]interface{}{
				"attempt": task.Attempts,
			}))
	}

	retryable := types.IsRetryable(cause)
	if retryable && task.Attempts < task.MaxAttempts {
		if err := task.TransitionTo(types.StateAwaitingRetry); err != nil {
			log.Printf("[ORCH] Task %s: %v", task.ID, err)
			return
		}
		task.StateReason = string(kind)
		o.emitStateLocked(task, string(kind), events.KindTaskStateChange)

		delay := o.backoff.Delay(task.Attempts)
		log.Printf("[ORCH] Task %s: attempt %d/%d failed (%s), retrying in %s",
			task.ID, task.Attempts, task.MaxAttempts, kind, delay.Round(time.Millisecond))
		ts.retryTimer = time.AfterFunc(delay, func() { o.requeue(ts) })
		return
	}

	// A submitter-provided absolute deadline in the past is the one case
	// that terminates as TIMED_OUT rather than FAILED
	if kind == types.ErrTimeout && !task.Deadline.IsZero() && time.Now().After(task.Deadline) {
		o.terminalLocked(ts, types.StateTimedOut, "absolute deadline elapsed", events.KindTaskTimeout)
		return
	}

	reason := string(kind)
	if !retryable {
		log.Printf("[ORCH] Task %s: non-retryable failure (%s)", task.ID, kind)
	}
	o.failLocked(ts, kind, reason)
}

// requeue returns a task from AWAITING_RETRY to the queue
func (o *Orchestrator) requeue(ts *taskState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	task := ts.task
	if ts.finalized || ts.cancelled || task.State != types.StateAwaitingRetry {
		return
	}
	if err := o.queue.Add(task); err != nil {
		// Queue refilled while we backed off; retry the requeue later
		ts.retryTimer = time.AfterFunc(o.backoff.Delay(task.Attempts), func() { o.requeue(ts) })
		return
	}
	_ = task.TransitionTo(types.StateQueued)
	o.emitStateLocked(task, "retry", events.KindTaskStateChange)
	o.persistLocked(task)
	o.kickDispatcher()
}

// failLocked marks a task FAILED with the error kind as its reason
func (o *Orchestrator) failLocked(ts *taskState, kind types.ErrorKind, detail string) {
	reason := string(kind)
	if detail != "" && detail != reason {
		log.Printf("[ORCH] Task %s failed (%s): %s", ts.task.ID, kind, detail)
	}
	o.terminalLocked(ts, types.StateFailed, reason, events.KindTaskStateChange)
}

// terminalLocked transitions to a terminal state and finalizes
func (o *Orchestrator) terminalLocked(ts *taskState, state types.TaskState, reason string, kind events.EventKind) {
	task := ts.task
	if err := task.TransitionTo(state); err != nil {
		// CANCELLED is reachable from every non-terminal state; anything
		// else here indicates a coordinator bug worth surfacing
		log.Printf("[ORCH] Task %s: %v", task.ID, err)
		return
	}
	task.StateReason = reason
	o.emitStateLocked(task, reason, kind)
	o.persistLocked(task)
	o.finalizeLocked(ts)
}

// finalizeLocked closes the done channel exactly once
func (o *Orchestrator) finalizeLocked(ts *taskState) {
	if ts.finalized {
		return
	}
	ts.finalized = true
	close(ts.done)
}

// persistLocked writes the task row, logging persistence trouble
func (o *Orchestrator) persistLocked(task *types.Task) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveTask(task.Clone()); err != nil {
		log.Printf("[ORCH] Task %s: save failed: %v", task.ID, err)
	}
}

// emitState publishes a lifecycle event (takes the lock)
func (o *Orchestrator) emitState(task *types.Task, reason string, kind events.EventKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitStateLocked(task, reason, kind)
}

// emitStateLocked publishes a lifecycle event (caller holds lock)
func (o *Orchestrator) emitStateLocked(task *types.Task, reason string, kind events.EventKind) {
	agentID := ""
	if task.Assignment != nil {
		agentID = task.Assignment.AgentID
	}
	payload := map[string]interface{}{
		"state":     string(task.State),
		"priority":  task.Priority.String(),
		"task_kind": task.TaskKind,
		"attempt":   task.Attempts,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	o.publishLocked(events.New(kind, events.TopicTaskLifecycle, agentID, task.ID, events.PriorityNormal, payload))
}

// publishLocked sends to the bus when one is attached
func (o *Orchestrator) publishLocked(e *events.Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(e)
}
