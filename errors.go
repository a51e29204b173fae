package procession

import "errors"

var (
	// ErrAlreadyExecuting is returned by Start while a run is in flight.
	ErrAlreadyExecuting = errors.New("process is already executing")
	// ErrProcessEnded is returned by Start once a terminal status was reached.
	ErrProcessEnded = errors.New("process already reached a terminal status")
	// ErrProcessPaused marks a run that was stopped before reaching a
	// terminal status; the process can be started again.
	ErrProcessPaused = errors.New("process paused")
	// ErrProcessCompensated marks a run that rolled back cleanly.
	ErrProcessCompensated = errors.New("process compensated")
	// ErrProcessAborted marks a run whose rollback failed.
	ErrProcessAborted = errors.New("process aborted")
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStepPanicked      = errors.New("step panicked")
	ErrDispatchStep      = errors.New("failed to dispatch step")
	ErrStateMismatch     = errors.New("state does not match the activity list")
	ErrStateCorrupted    = errors.New("state snapshot is corrupted")
)
