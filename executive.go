package procession

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// Forever is the delay a step returns when it will never need another tick.
const Forever = time.Duration(math.MaxInt64)

// tickGranularity is the floor between two ticks of one executive. Steps
// asking for an immediate rerun are spaced out by this much so a coarse
// platform timer never degenerates into a hot spin.
const tickGranularity = 15 * time.Millisecond

// StepFunc advances whatever the executive drives by one unit of work and
// returns the delay before the next tick, or Forever to stop scheduling.
type StepFunc func(ctx context.Context) time.Duration

// Executive drives repeated invocation of a step function, bound to a state
// identity. No two invocations bound to the same identity ever run
// concurrently, even across independently built executives: every tick takes
// a non-blocking acquire on the identity lock shared through the arena and
// silently skips when some other handle is mid-step.
//
// Steps run on a retrypool worker, not on the timer goroutine, so a slow
// step never delays unrelated executives.
type Executive struct {
	ctx    context.Context
	mu     deadlock.Mutex
	id     uuid.UUID
	step   StepFunc
	pool   *retrypool.Pool[*stepTask]
	logger Logger

	granularity time.Duration

	timer         *time.Timer
	scheduling    bool
	executing     bool
	inFlight      bool
	stopRequested bool
	stoppedCh     chan struct{}
	fault         error

	onStarted func()
	onStopped func()
}

func NewExecutive(ctx context.Context, id uuid.UUID, step StepFunc, opts ...ExecutiveOption) *Executive {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := executiveConfig{
		logger:      logger,
		granularity: tickGranularity,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.pool == nil {
		cfg.pool = sharedStepPool()
	}
	return &Executive{
		ctx:         ctx,
		id:          id,
		step:        step,
		pool:        cfg.pool,
		logger:      cfg.logger,
		granularity: cfg.granularity,
		onStarted:   cfg.onStarted,
		onStopped:   cfg.onStopped,
	}
}

// Start begins or resumes scheduling after the given initial delay. It is
// idempotent while the executive is already scheduling. Starting again after
// a step panic clears the fault and picks the loop back up.
func (e *Executive) Start(initial time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduling {
		return
	}
	e.scheduling = true
	e.stopRequested = false
	e.fault = nil
	if e.stoppedCh == nil {
		e.stoppedCh = make(chan struct{})
	}
	if initial < 0 {
		initial = 0
	}
	e.logger.Debug(e.ctx, "executive scheduling", "executive.id", e.id, "executive.initial_delay", initial)
	e.armLocked(initial)
}

// Stop halts future scheduling. The returned channel closes once any
// in-flight step has drained.
func (e *Executive) Stop() <-chan struct{} {
	e.mu.Lock()
	if !e.scheduling {
		e.mu.Unlock()
		return closedChan()
	}
	e.stopRequested = true
	if e.timer != nil {
		e.timer.Stop()
	}
	stopped := e.stoppedCh
	if e.inFlight {
		e.mu.Unlock()
		return stopped
	}
	e.finishLocked()
	return stopped
}

// Close releases the timer. The identity lock stays in the arena: it is
// shared by every handle of this identity, not owned per executive.
func (e *Executive) Close() {
	e.mu.Lock()
	e.scheduling = false
	e.stopRequested = false
	e.executing = false
	if e.timer != nil {
		e.timer.Stop()
	}
	stopped := e.stoppedCh
	e.stoppedCh = nil
	e.mu.Unlock()
	if stopped != nil {
		close(stopped)
	}
}

// Fault returns the error retained after a step panic, nil otherwise.
func (e *Executive) Fault() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fault
}

func (e *Executive) Executing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.executing
}

// armLocked re-arms the timer; e.mu must be held.
func (e *Executive) armLocked(d time.Duration) {
	if e.timer == nil {
		e.timer = time.AfterFunc(d, e.tick)
		return
	}
	e.timer.Reset(d)
}

func (e *Executive) tick() {
	e.mu.Lock()
	if !e.scheduling {
		e.mu.Unlock()
		return
	}
	if e.stopRequested {
		e.finishLocked()
		return
	}

	lock := arena.lockFor(e.id)
	if !lock.TryAcquire() {
		// Another handle of this identity is mid-step; skip this tick.
		e.armLocked(e.granularity)
		e.mu.Unlock()
		return
	}

	first := !e.executing
	e.executing = true
	e.inFlight = true
	onStarted := e.onStarted
	pool := e.pool
	e.mu.Unlock()

	if first && onStarted != nil {
		onStarted()
	}

	if err := pool.Submit(&stepTask{exec: e, lock: lock}); err != nil {
		lock.Release()
		err = errors.Join(ErrDispatchStep, err)
		e.logger.Error(e.ctx, err.Error(), "executive.id", e.id)
		e.faultOut(err)
	}
}

// runStep executes one step on a pool worker. The identity lock is released
// on every exit path, a panic included; a panicking step reaches the pool's
// panic handler and leaves the executive faulted with the executing flag
// still set.
func (e *Executive) runStep(lock *identityLock) {
	completed := false
	var delay time.Duration
	defer func() {
		lock.Release()
		if completed {
			e.afterStep(delay)
		}
	}()
	delay = e.step(e.ctx)
	completed = true
}

func (e *Executive) afterStep(delay time.Duration) {
	e.mu.Lock()
	e.inFlight = false
	if delay == Forever || e.stopRequested || !e.scheduling {
		e.finishLocked()
		return
	}
	if delay < 0 {
		delay = 0
	}
	if delay < e.granularity {
		delay = e.granularity
	}
	e.armLocked(delay)
	e.mu.Unlock()
}

// finishLocked transitions to not executing and resolves the stopped signal.
// e.mu must be held; it is released before the hooks run.
func (e *Executive) finishLocked() {
	e.scheduling = false
	e.stopRequested = false
	e.executing = false
	if e.timer != nil {
		e.timer.Stop()
	}
	stopped := e.stoppedCh
	e.stoppedCh = nil
	onStopped := e.onStopped
	e.mu.Unlock()

	e.logger.Debug(e.ctx, "executive stopped", "executive.id", e.id)
	if stopped != nil {
		close(stopped)
	}
	// Fires even when no step ever ran: a run that spent its whole life
	// starved of the identity lock still has callers waiting on its end.
	if onStopped != nil {
		onStopped()
	}
}

func (e *Executive) noteFault(v interface{}, stackTrace string) {
	err := errors.Join(ErrStepPanicked, fmt.Errorf("%v", v))
	e.logger.Error(e.ctx, err.Error(), "executive.id", e.id, "stack_trace", stackTrace)
	e.faultOut(err)
}

// faultOut halts scheduling without firing onStopped: the executing flag
// deliberately stays set so a non-advancing run is observable as faulted
// rather than cleanly stopped.
func (e *Executive) faultOut(err error) {
	e.mu.Lock()
	e.inFlight = false
	e.fault = err
	e.scheduling = false
	e.stopRequested = false
	if e.timer != nil {
		e.timer.Stop()
	}
	stopped := e.stoppedCh
	e.stoppedCh = nil
	e.mu.Unlock()
	if stopped != nil {
		close(stopped)
	}
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
