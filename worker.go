package procession

import (
	"context"
	"sync"
	"time"

	"github.com/davidroman0O/retrypool"
)

// stepTask is one tick's worth of work handed to the step pool.
type stepTask struct {
	exec *Executive
	lock *identityLock
}

type stepWorker struct {
	id int
}

func (w stepWorker) Run(ctx context.Context, task *stepTask) error {
	task.exec.runStep(task.lock)
	return nil
}

const defaultStepWorkers = 5

var (
	stepPoolOnce sync.Once
	stepPool     *retrypool.Pool[*stepTask]
)

// sharedStepPool is the process-wide pool ticks run on, so a slow activity
// never stalls a timer goroutine. Created on first use, lives for the whole
// process; executives given their own pool through WithStepPool skip it.
func sharedStepPool() *retrypool.Pool[*stepTask] {
	stepPoolOnce.Do(func() {
		stepPool = NewStepPool(context.Background(), defaultStepWorkers)
	})
	return stepPool
}

// NewStepPool builds a dedicated step pool for callers who do not want to
// share the package-wide one, e.g. to bound a noisy group of processes.
// Close it when the last executive using it is done.
func NewStepPool(ctx context.Context, workers int) *retrypool.Pool[*stepTask] {
	if workers <= 0 {
		workers = defaultStepWorkers
	}
	ws := make([]retrypool.Worker[*stepTask], workers)
	for i := 0; i < workers; i++ {
		ws[i] = stepWorker{id: i}
	}
	return retrypool.New(
		ctx,
		ws,
		retrypool.WithAttempts[*stepTask](1),
		retrypool.WithPanicHandler[*stepTask](onStepPanic),
		retrypool.WithOnTaskFailure[*stepTask](onStepFailure),
	)
}

// onStepPanic keeps the executive faulted instead of crashing the host: the
// identity lock was already released on the way out, the executing flag
// stays set and nothing is rescheduled until Start is called again.
func onStepPanic(task *stepTask, v interface{}, stackTrace string) {
	task.exec.noteFault(v, stackTrace)
}

func onStepFailure(controller retrypool.WorkerController[*stepTask], workerID int, worker retrypool.Worker[*stepTask], data *stepTask, retries int, totalDuration time.Duration, timeLimit time.Duration, maxDuration time.Duration, scheduledTime time.Time, triedWorkers map[int]bool, taskErrors []error, durations []time.Duration, queuedAt []time.Time, processedAt []time.Time, err error) retrypool.DeadTaskAction {
	return retrypool.DeadTaskActionDoNothing
}
