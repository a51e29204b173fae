// Package procession is a resumable saga execution engine. A Process runs an
// ordered list of activities forward and, when one of them fails, rolls back
// the completed ones by running their compensations in reverse order.
//
// Progress lives in a ProcessState that the caller may snapshot after every
// transition and persist wherever it wants; a persisted snapshot can be fed
// back into a Builder to resume the process where it left off. Two Process
// instances built from the same state are recognized as the same process and
// never execute steps concurrently, guarded by a process-wide identity lock.
package procession

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
)

var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

// SetLogger replaces the package-level logger used by processes and
// executives that were not given their own through WithLogger.
func SetLogger(l Logger) {
	if l != nil {
		logger = l
	}
}

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!", "stack_trace", string(buf[:n]))
	}
}
