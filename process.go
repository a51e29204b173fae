package procession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/sasha-s/go-deadlock"
)

// Process runs an ordered list of activities forward and, when one fails,
// compensates the completed ones in reverse order. Progress lives in a
// ProcessState shared by identity: every handle loaded from the same state
// contends on the same identity lock, so steps of one process never overlap
// even across independently built instances.
//
// A process paused by cancellation stays resumable: Start it again and it
// picks up from the stored cursor. Executed, Compensated and Aborted are
// terminal.
type Process struct {
	ctx    context.Context
	mu     deadlock.Mutex
	logger Logger

	activities []Activity
	payload    interface{}
	state      *ProcessState
	fsm        *stateless.StateMachine
	exec       *Executive

	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	started   *StateFuture
	completed *StateFuture
	drained   *StateFuture

	observers []func(ProcessState)
}

func newProcess(ctx context.Context, state *ProcessState, activities []Activity, payload interface{}, cfg processConfig) *Process {
	p := &Process{
		ctx:        ctx,
		logger:     cfg.logger,
		activities: activities,
		payload:    payload,
		state:      state,
	}

	// The status is stored in the shared state, not inside the machine, so
	// several instances of one process always agree on where they are. The
	// accessor and mutator run under p.mu and the identity lock.
	p.fsm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return p.state.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			p.state.Status = s.(ProcessStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	p.fsm.Configure(StatusNotStarted).
		Permit(triggerExecute, StatusExecuting)
	p.fsm.Configure(StatusExecuting).
		Permit(triggerComplete, StatusExecuted).
		Permit(triggerCompensate, StatusCompensating)
	p.fsm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerAbort, StatusAborted)

	execOpts := []ExecutiveOption{
		WithExecutiveLogger(cfg.logger),
		WithTickGranularity(cfg.granularity),
		WithOnStopped(p.onDriverStopped),
	}
	if cfg.pool != nil {
		execOpts = append(execOpts, WithStepPool(cfg.pool))
	}
	p.exec = NewExecutive(ctx, state.ID, p.tick, execOpts...)

	return p
}

func (p *Process) ID() uuid.UUID {
	return p.state.ID
}

// Fault reports the error retained after a step panic halted the driver,
// nil otherwise. A faulted process is recovered by calling Start again.
func (p *Process) Fault() error {
	return p.exec.Fault()
}

func (p *Process) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Status
}

// Snapshot returns a clone of the current state.
func (p *Process) Snapshot() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Clone()
}

// Subscribe registers fn on the change stream. Subscribers run
// synchronously, in registration order, after every transition, and receive
// a snapshot the engine will never mutate.
func (p *Process) Subscribe(fn func(ProcessState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// Start begins or resumes execution. It rejects a process that already
// reached a terminal status or is currently executing, without touching the
// state. The returned future resolves with a snapshot once the first tick
// has run.
func (p *Process) Start() (*StateFuture, error) {
	p.mu.Lock()
	if p.state.Status.Terminal() {
		status := p.state.Status
		p.mu.Unlock()
		return nil, errors.Join(ErrProcessEnded, fmt.Errorf("status is %s", status))
	}
	if p.running {
		fault := p.exec.Fault()
		if fault == nil {
			p.mu.Unlock()
			return nil, ErrAlreadyExecuting
		}
		// The previous run halted on a step panic. Settle its futures with
		// the fault and start a fresh run from the stored cursor.
		p.settleFaultLocked(fault)
	}
	p.running = true
	p.runCtx, p.runCancel = context.WithCancel(p.ctx)
	p.started = newStateFuture()
	p.completed = newStateFuture()
	p.drained = newStateFuture()
	started := p.started
	p.mu.Unlock()

	p.logger.Debug(p.ctx, "process starting", "process.id", p.state.ID, "process.status", p.Status())
	p.exec.Start(0)
	return started, nil
}

// Stop requests cancellation of the current run. The in-flight activity
// observes it and the run pauses with no status edge taken, resumable by a
// later Start. The future resolves once the step has drained, carrying the
// last consistent snapshot and ErrProcessPaused when nothing terminal was
// reached first.
func (p *Process) Stop() *StateFuture {
	p.mu.Lock()
	if !p.running {
		f := resolvedStateFuture(p.state.Clone(), nil)
		p.mu.Unlock()
		return f
	}
	cancel := p.runCancel
	drained := p.drained
	p.mu.Unlock()

	p.logger.Debug(p.ctx, "process stopping", "process.id", p.state.ID)
	cancel()
	p.exec.Stop()
	// A faulted driver already halted scheduling, so nothing will resolve
	// the futures; settle them with the fault instead of hanging the caller.
	if fault := p.exec.Fault(); fault != nil {
		p.mu.Lock()
		p.settleFaultLocked(fault)
		p.mu.Unlock()
	}
	return drained
}

// settleFaultLocked finishes a run halted by a step panic: the run's futures
// resolve with the fault and the process stops counting as running. The
// stored state keeps its cursor for a later Start. p.mu must be held.
func (p *Process) settleFaultLocked(fault error) {
	if !p.running {
		return
	}
	p.running = false
	if p.runCancel != nil {
		p.runCancel()
	}
	snapshot := p.state.Clone()
	if p.started != nil {
		p.started.resolve(snapshot, fault)
	}
	if p.completed != nil {
		p.completed.resolve(snapshot, fault)
	}
	if p.drained != nil {
		p.drained.resolve(snapshot, fault)
	}
}

// Abort cancels like Stop but front-loads the caller-visible outcome: the
// run-completion signal resolves as aborted immediately, even while a slow
// step is still draining. The stored status still only reaches Aborted
// through a failed compensation; Abort forces the outcome, not the status.
// The returned future resolves once the in-flight step has drained.
func (p *Process) Abort() *StateFuture {
	p.mu.Lock()
	if !p.running {
		f := resolvedStateFuture(p.state.Clone(), nil)
		p.mu.Unlock()
		return f
	}
	completed := p.completed
	drained := p.drained
	cancel := p.runCancel
	snapshot := p.state.Clone()
	p.mu.Unlock()

	p.logger.Debug(p.ctx, "process aborting", "process.id", p.state.ID)
	completed.resolve(snapshot, errors.Join(ErrProcessAborted, context.Canceled))
	cancel()
	p.exec.Stop()
	if fault := p.exec.Fault(); fault != nil {
		p.mu.Lock()
		p.settleFaultLocked(fault)
		p.mu.Unlock()
	}
	return drained
}

// Run starts the process and suspends until the run completes, mapping the
// terminal status to an outcome: Executed is a nil error, Compensated and
// Aborted carry the captured failure. Cancelling ctx aborts the run.
func (p *Process) Run(ctx context.Context) (ProcessState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := p.Start(); err != nil {
		return p.Snapshot(), err
	}
	p.mu.Lock()
	completed := p.completed
	p.mu.Unlock()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.Abort()
		case <-watchDone:
		}
	}()

	// Abort resolves the completion signal even mid-step, so waiting on the
	// background context cannot hang.
	return completed.Get(context.Background())
}

// Close disposes the executive's timer. It does not stop a run in flight;
// call Stop first. The identity lock is shared, never released here.
func (p *Process) Close() {
	p.mu.Lock()
	if p.runCancel != nil {
		p.runCancel()
	}
	p.mu.Unlock()
	p.exec.Close()
}

// tick is the executive's step function. The run scope, not the executive's
// context, flows into activities so each Start gets a fresh cancellation
// scope.
func (p *Process) tick(context.Context) time.Duration {
	delay := p.stepOnce(p.runContext())
	p.markStarted()
	return delay
}

func (p *Process) runContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runCtx != nil {
		return p.runCtx
	}
	return p.ctx
}

// stepOnce performs at most one transition of the state machine and returns
// the delay before the next tick.
func (p *Process) stepOnce(ctx context.Context) time.Duration {
	p.mu.Lock()
	status := p.state.Status
	p.mu.Unlock()

	switch status {
	case StatusNotStarted:
		if err := p.fire(triggerExecute); err != nil {
			return Forever
		}
		return 0
	case StatusExecuting:
		return p.executeNext(ctx)
	case StatusCompensating:
		return p.compensateNext(ctx)
	default:
		// Terminal; another handle of this identity may have finished the
		// run between our ticks.
		return Forever
	}
}

func (p *Process) executeNext(ctx context.Context) time.Duration {
	p.mu.Lock()
	idx := p.state.CompletedCount
	if idx >= len(p.activities) {
		p.mu.Unlock()
		if err := p.fire(triggerComplete); err != nil {
			return Forever
		}
		return Forever
	}
	act := p.activities[idx]
	actCtx := ActivityContext{ctx: ctx, payload: p.payload}
	p.mu.Unlock()

	p.logger.Debug(ctx, "executing activity", "process.id", p.state.ID, "process.activity", idx)
	err := act.Execute(actCtx)
	if err != nil && ctx.Err() != nil {
		// Cancelled: pause with no edge; the activity reruns on resume.
		p.logger.Debug(ctx, "execution paused", "process.id", p.state.ID, "process.activity", idx)
		return Forever
	}
	if err != nil {
		p.logger.Debug(ctx, "activity failed, compensating", "process.id", p.state.ID, "process.activity", idx, "error", err)
		p.mu.Lock()
		p.state.Failure = err
		// Rollback starts at the activity that just failed: its Compensate
		// must cope with a forward step that never cleanly finished.
		p.state.CompensationCursor = p.state.CompletedCount
		p.mu.Unlock()
		if ferr := p.fire(triggerCompensate); ferr != nil {
			return Forever
		}
		return 0
	}

	p.mu.Lock()
	p.state.CompletedCount++
	snapshot := p.state.Clone()
	p.mu.Unlock()
	p.notify(snapshot)

	if ctx.Err() != nil {
		return Forever
	}
	return 0
}

func (p *Process) compensateNext(ctx context.Context) time.Duration {
	p.mu.Lock()
	cursor := p.state.CompensationCursor
	if cursor < 0 {
		p.mu.Unlock()
		if err := p.fire(triggerCompensated); err != nil {
			return Forever
		}
		return Forever
	}
	if cursor >= len(p.activities) {
		p.state.Failure = errors.Join(ErrStateMismatch, fmt.Errorf("compensation cursor %d beyond %d activities", cursor, len(p.activities)))
		p.mu.Unlock()
		p.fire(triggerAbort)
		return Forever
	}
	act := p.activities[cursor]
	actCtx := ActivityContext{ctx: ctx, payload: p.payload}
	p.mu.Unlock()

	p.logger.Debug(ctx, "compensating activity", "process.id", p.state.ID, "process.activity", cursor)
	err := act.Compensate(actCtx)
	if err != nil && ctx.Err() != nil {
		p.logger.Debug(ctx, "compensation paused", "process.id", p.state.ID, "process.activity", cursor)
		return Forever
	}
	if err != nil {
		// Fail-stop: a failed compensation ends the rollback where it is.
		p.logger.Error(ctx, "compensation failed", "process.id", p.state.ID, "process.activity", cursor, "error", err)
		p.mu.Lock()
		p.state.Failure = err
		p.mu.Unlock()
		p.fire(triggerAbort)
		return Forever
	}

	p.mu.Lock()
	p.state.CompensationCursor--
	snapshot := p.state.Clone()
	p.mu.Unlock()
	p.notify(snapshot)

	if ctx.Err() != nil {
		return Forever
	}
	return 0
}

// fire takes one state-machine edge and notifies subscribers. Callers hold
// the identity lock (fire only happens inside a step).
func (p *Process) fire(t trigger) error {
	p.mu.Lock()
	if err := p.fsm.Fire(t); err != nil {
		p.mu.Unlock()
		err = errors.Join(ErrInvalidTransition, err)
		p.logger.Error(p.ctx, err.Error(), "process.id", p.state.ID, "process.trigger", t)
		return err
	}
	snapshot := p.state.Clone()
	p.mu.Unlock()

	p.logger.Debug(p.ctx, "process transitioned", "process.id", p.state.ID, "process.status", snapshot.Status)
	p.notify(snapshot)
	return nil
}

func (p *Process) notify(snapshot ProcessState) {
	p.mu.Lock()
	observers := make([]func(ProcessState), len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, observe := range observers {
		observe(snapshot)
	}
}

func (p *Process) markStarted() {
	p.mu.Lock()
	started := p.started
	snapshot := p.state.Clone()
	p.mu.Unlock()
	if started != nil {
		started.resolve(snapshot, nil)
	}
}

func (p *Process) onDriverStopped() {
	p.mu.Lock()
	p.running = false
	if p.runCancel != nil {
		p.runCancel()
	}
	snapshot := p.state.Clone()
	started := p.started
	completed := p.completed
	drained := p.drained
	p.mu.Unlock()

	err := outcomeErr(snapshot)
	if started != nil {
		// No-op when the first tick already resolved it; a run that never
		// got a step in still owes its caller an answer.
		started.resolve(snapshot, err)
	}
	if completed != nil {
		completed.resolve(snapshot, err)
	}
	if drained != nil {
		drained.resolve(snapshot, err)
	}
	p.logger.Debug(p.ctx, "process run completed", "process.id", p.state.ID, "process.status", snapshot.Status)
}

func outcomeErr(s ProcessState) error {
	switch s.Status {
	case StatusExecuted:
		return nil
	case StatusCompensated:
		if s.Failure != nil {
			return errors.Join(ErrProcessCompensated, s.Failure)
		}
		return ErrProcessCompensated
	case StatusAborted:
		if s.Failure != nil {
			return errors.Join(ErrProcessAborted, s.Failure)
		}
		return ErrProcessAborted
	default:
		return ErrProcessPaused
	}
}
