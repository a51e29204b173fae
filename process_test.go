package procession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastOpts(extra ...ProcessOption) []ProcessOption {
	return append([]ProcessOption{WithProcessTickGranularity(time.Microsecond)}, extra...)
}

// waitTerminal subscribes before returning, so call it before Start.
func waitTerminal(t *testing.T, p *Process) func() ProcessState {
	t.Helper()
	terminal := make(chan ProcessState, 1)
	p.Subscribe(func(s ProcessState) {
		if s.Status.Terminal() {
			select {
			case terminal <- s:
			default:
			}
		}
	})
	return func() ProcessState {
		select {
		case s := <-terminal:
			return s
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a terminal status")
			return ProcessState{}
		}
	}
}

func TestProcessHappyPath(t *testing.T) {
	counter := 0
	b := NewBuilder(&counter)
	for i := 0; i < 10; i++ {
		b.Add(
			func(ac ActivityContext) error {
				*(ac.Payload().(*int))++
				return nil
			},
			func(ac ActivityContext) error { return nil },
		)
	}

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	state, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusExecuted {
		t.Fatalf("expected Executed, got %s", state.Status)
	}
	if state.CompletedCount != 10 {
		t.Fatalf("expected 10 completed, got %d", state.CompletedCount)
	}
	if counter != 10 {
		t.Fatalf("expected counter 10, got %d", counter)
	}
}

func TestProcessCompensatesOnFailure(t *testing.T) {
	errBoom := errors.New("payment declined")
	var mu sync.Mutex
	var executed, compensated []int

	b := NewBuilder(nil)
	for i := 0; i < 5; i++ {
		i := i
		b.Add(
			func(ac ActivityContext) error {
				if i == 3 {
					return errBoom
				}
				mu.Lock()
				executed = append(executed, i)
				mu.Unlock()
				return nil
			},
			func(ac ActivityContext) error {
				mu.Lock()
				compensated = append(compensated, i)
				mu.Unlock()
				return nil
			},
		)
	}

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	state, err := p.Run(context.Background())
	if !errors.Is(err, ErrProcessCompensated) {
		t.Fatalf("expected ErrProcessCompensated, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected the failure to travel with the outcome, got %v", err)
	}
	if state.Status != StatusCompensated {
		t.Fatalf("expected Compensated, got %s", state.Status)
	}
	if state.CompletedCount != 3 {
		t.Fatalf("expected 3 completed, got %d", state.CompletedCount)
	}
	if state.CompensationCursor != -1 {
		t.Fatalf("expected cursor -1, got %d", state.CompensationCursor)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 3 {
		t.Fatalf("expected 3 forward steps, got %v", executed)
	}
	// Rollback starts at the failing activity and walks down in reverse.
	want := []int{3, 2, 1, 0}
	if len(compensated) != len(want) {
		t.Fatalf("expected compensation order %v, got %v", want, compensated)
	}
	for i := range want {
		if compensated[i] != want[i] {
			t.Fatalf("expected compensation order %v, got %v", want, compensated)
		}
	}
}

func TestProcessAbortsWhenCompensationFails(t *testing.T) {
	errForward := errors.New("reservation rejected")
	errRollback := errors.New("refund endpoint down")

	b := NewBuilder(nil)
	for i := 0; i < 3; i++ {
		i := i
		b.Add(
			func(ac ActivityContext) error {
				if i == 2 {
					return errForward
				}
				return nil
			},
			func(ac ActivityContext) error {
				if i == 1 {
					return errRollback
				}
				return nil
			},
		)
	}

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	state, err := p.Run(context.Background())
	if !errors.Is(err, ErrProcessAborted) {
		t.Fatalf("expected ErrProcessAborted, got %v", err)
	}
	if !errors.Is(err, errRollback) {
		t.Fatalf("expected the rollback failure in the outcome, got %v", err)
	}
	if state.Status != StatusAborted {
		t.Fatalf("expected Aborted, got %s", state.Status)
	}
	// Fail-stop: the cursor parks on the compensation that failed.
	if state.CompensationCursor != 1 {
		t.Fatalf("expected cursor 1, got %d", state.CompensationCursor)
	}
}

func TestProcessTransitionTrace(t *testing.T) {
	errBoom := errors.New("boom")

	b := NewBuilder(nil).
		Add(
			func(ac ActivityContext) error { return nil },
			func(ac ActivityContext) error { return nil },
		).
		Add(
			func(ac ActivityContext) error { return errBoom },
			func(ac ActivityContext) error { return nil },
		)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var mu sync.Mutex
	var trace []ProcessState
	p.Subscribe(func(s ProcessState) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	})

	if _, err := p.Run(context.Background()); !errors.Is(err, ErrProcessCompensated) {
		t.Fatalf("expected ErrProcessCompensated, got %v", err)
	}

	type point struct {
		status ProcessStatus
		count  int
		cursor int
	}
	want := []point{
		{StatusExecuting, 0, 0},
		{StatusExecuting, 1, 0},
		{StatusCompensating, 1, 1},
		{StatusCompensating, 1, 0},
		{StatusCompensating, 1, -1},
		{StatusCompensated, 1, -1},
	}

	mu.Lock()
	defer mu.Unlock()
	if len(trace) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %+v", len(want), len(trace), trace)
	}
	for i, w := range want {
		got := trace[i]
		if got.Status != w.status || got.CompletedCount != w.count || got.CompensationCursor != w.cursor {
			t.Fatalf("transition %d: expected %s/%d/%d, got %s/%d/%d",
				i, w.status, w.count, w.cursor, got.Status, got.CompletedCount, got.CompensationCursor)
		}
	}
}

func TestProcessDoubleStart(t *testing.T) {
	gate := make(chan struct{})
	b := NewBuilder(nil).Add(
		func(ac ActivityContext) error {
			<-gate
			return nil
		},
		func(ac ActivityContext) error { return nil },
	)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	wait := waitTerminal(t, p)

	started, err := p.Start()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := started.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	before := p.Snapshot()
	if _, err := p.Start(); !errors.Is(err, ErrAlreadyExecuting) {
		t.Fatalf("expected ErrAlreadyExecuting, got %v", err)
	}
	after := p.Snapshot()
	if before != after {
		t.Fatalf("rejected Start mutated the state: %+v vs %+v", before, after)
	}

	close(gate)
	if s := wait(); s.Status != StatusExecuted {
		t.Fatalf("expected Executed, got %s", s.Status)
	}
}

func TestProcessStopPausesAndResumes(t *testing.T) {
	var firstRuns int32
	gate := make(chan struct{})
	completedOne := make(chan struct{}, 1)

	b := NewBuilder(nil).
		Add(
			func(ac ActivityContext) error {
				atomic.AddInt32(&firstRuns, 1)
				return nil
			},
			func(ac ActivityContext) error { return nil },
		).
		Add(
			func(ac ActivityContext) error {
				select {
				case <-gate:
					return nil
				case <-ac.Done():
					return ac.Err()
				}
			},
			func(ac ActivityContext) error { return nil },
		)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	p.Subscribe(func(s ProcessState) {
		if s.CompletedCount == 1 {
			select {
			case completedOne <- struct{}{}:
			default:
			}
		}
	})

	if _, err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, completedOne, "first activity to complete")

	state, err := p.Stop().Get(context.Background())
	if !errors.Is(err, ErrProcessPaused) {
		t.Fatalf("expected ErrProcessPaused, got %v", err)
	}
	if state.Status != StatusExecuting {
		t.Fatalf("a paused process keeps its status, got %s", state.Status)
	}
	if state.CompletedCount != 1 {
		t.Fatalf("expected 1 completed at the pause point, got %d", state.CompletedCount)
	}

	close(gate)
	state, err = p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusExecuted {
		t.Fatalf("expected Executed after resume, got %s", state.Status)
	}
	if got := atomic.LoadInt32(&firstRuns); got != 1 {
		t.Fatalf("completed activity reran on resume: %d runs", got)
	}
}

func TestProcessResumeFromSnapshot(t *testing.T) {
	var runs [3]int32
	gate := make(chan struct{})
	completedOne := make(chan struct{}, 1)

	b := NewBuilder(nil)
	for i := 0; i < 3; i++ {
		i := i
		b.Add(
			func(ac ActivityContext) error {
				if i == 1 {
					select {
					case <-gate:
					case <-ac.Done():
						return ac.Err()
					}
				}
				atomic.AddInt32(&runs[i], 1)
				return nil
			},
			func(ac ActivityContext) error { return nil },
		)
	}

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	p.Subscribe(func(s ProcessState) {
		if s.CompletedCount == 1 {
			select {
			case completedOne <- struct{}{}:
			default:
			}
		}
	})

	if _, err := p.Start(); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, completedOne, "first activity to complete")

	if _, err := p.Stop().Get(context.Background()); !errors.Is(err, ErrProcessPaused) {
		t.Fatal("expected a paused run")
	}

	data, err := MarshalState(p.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	restored, err := UnmarshalState(data)
	if err != nil {
		t.Fatal(err)
	}
	close(gate)

	p2, err := b.Load(context.Background(), &restored, fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	state, err := p2.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != StatusExecuted {
		t.Fatalf("expected Executed, got %s", state.Status)
	}
	for i, n := range runs {
		if atomic.LoadInt32(&runs[i]) != 1 {
			t.Fatalf("activity %d ran %d times across the restart", i, n)
		}
	}
}

func TestProcessSharedStateExecutesOnce(t *testing.T) {
	const n = 1000
	counter := 0
	b := NewBuilder(&counter)
	for i := 0; i < n; i++ {
		b.Add(
			func(ac ActivityContext) error {
				*(ac.Payload().(*int))++
				return nil
			},
			func(ac ActivityContext) error { return nil },
		)
	}

	state := NewProcessState()
	p1, err := b.Load(context.Background(), state, fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p1.Close()
	p2, err := b.Load(context.Background(), state, fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []*Process{p1, p2} {
		wg.Add(1)
		go func(i int, p *Process) {
			defer wg.Done()
			_, errs[i] = p.Run(context.Background())
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("instance %d: %v", i, err)
		}
	}
	// Both handles share the same state, so the work happens exactly once.
	if counter != n {
		t.Fatalf("expected counter %d, got %d", n, counter)
	}
	if state.CompletedCount != n {
		t.Fatalf("expected %d completed, got %d", n, state.CompletedCount)
	}
}

func TestProcessAbortFrontLoadsOutcome(t *testing.T) {
	gate := make(chan struct{})
	b := NewBuilder(nil).Add(
		func(ac ActivityContext) error {
			// Ignores cancellation on purpose: a stuck dependency.
			<-gate
			return ac.Err()
		},
		func(ac ActivityContext) error { return nil },
	)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	var state ProcessState
	var runErr error
	go func() {
		defer close(runDone)
		state, runErr = p.Run(runCtx)
	}()

	// Let the run dispatch the stuck step, then abort it.
	time.Sleep(50 * time.Millisecond)
	cancel()

	// Run comes back while the step is still blocked on the gate.
	waitClosed(t, runDone, "Run to return after abort")
	if !errors.Is(runErr, ErrProcessAborted) {
		t.Fatalf("expected ErrProcessAborted, got %v", runErr)
	}
	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled in the outcome, got %v", runErr)
	}
	if state.Status.Terminal() {
		t.Fatalf("abort must not force a stored terminal status, got %s", state.Status)
	}

	// Unblock the step so it drains; the stored state stays resumable.
	close(gate)
	if _, err := p.Stop().Get(context.Background()); err != nil && !errors.Is(err, ErrProcessPaused) {
		t.Fatalf("expected a paused drain, got %v", err)
	}
}

func TestProcessStopWhileLockStarved(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	counter := 0

	b := NewBuilder(&counter).Add(
		func(ac ActivityContext) error {
			entered <- struct{}{}
			<-gate
			*(ac.Payload().(*int))++
			return nil
		},
		func(ac ActivityContext) error { return nil },
	)

	state := NewProcessState()
	p1, err := b.Load(context.Background(), state, fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p1.Close()
	p2, err := b.Load(context.Background(), state, fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	wait := waitTerminal(t, p1)

	if _, err := p1.Start(); err != nil {
		t.Fatal(err)
	}
	waitClosed(t, entered, "first handle to begin its step")

	// While the first handle is mid-step, every tick of the second misses
	// the identity lock: its run never executes a single step.
	if _, err := p2.Start(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := p2.Stop().Get(stopCtx)
	if !errors.Is(err, ErrProcessPaused) {
		t.Fatalf("stopping a starved handle must still resolve as paused, got %v", err)
	}
	if st.Status != StatusExecuting {
		t.Fatalf("expected Executing at the pause point, got %s", st.Status)
	}

	// The stopped handle is reusable, not bricked.
	if _, err := p2.Start(); err != nil {
		t.Fatalf("stopped handle must be startable again: %v", err)
	}

	close(gate)
	if s := wait(); s.Status != StatusExecuted {
		t.Fatalf("expected Executed, got %s", s.Status)
	}
	if counter != 1 {
		t.Fatalf("expected exactly one execution, got %d", counter)
	}

	if _, err := p2.Stop().Get(context.Background()); err != nil && !errors.Is(err, ErrProcessPaused) {
		t.Fatalf("draining the second handle: %v", err)
	}
}

func TestProcessStartAfterTerminal(t *testing.T) {
	b := NewBuilder(nil).Add(
		func(ac ActivityContext) error { return nil },
		func(ac ActivityContext) error { return nil },
	)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Start(); !errors.Is(err, ErrProcessEnded) {
		t.Fatalf("expected ErrProcessEnded, got %v", err)
	}
}

func TestProcessActivityPanicFaultsAndRecovers(t *testing.T) {
	var calls int32
	b := NewBuilder(nil).Add(
		func(ac ActivityContext) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("activity blew up")
			}
			return nil
		},
		func(ac ActivityContext) error { return nil },
	)

	p, err := b.Build(context.Background(), fastOpts()...)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	wait := waitTerminal(t, p)

	if _, err := p.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Fault() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the fault")
		}
		time.Sleep(time.Millisecond)
	}
	if !errors.Is(p.Fault(), ErrStepPanicked) {
		t.Fatalf("expected ErrStepPanicked, got %v", p.Fault())
	}

	// Start recovers a faulted run and picks up from the stored cursor.
	if _, err := p.Start(); err != nil {
		t.Fatal(err)
	}
	if s := wait(); s.Status != StatusExecuted {
		t.Fatalf("expected Executed after recovery, got %s", s.Status)
	}
}
