package procession

import (
	"github.com/google/uuid"
)

// ProcessState describes the progress of one process. It is mutated only by
// the step logic of the process owning it, always under the identity lock;
// everyone else sees clones.
//
// Two states are the same process iff their IDs are equal. Loading the same
// *ProcessState into several Process instances is how independently built
// handles get recognized as one process and serialized against each other.
type ProcessState struct {
	// ID is assigned once at creation and never changes.
	ID uuid.UUID

	Status ProcessStatus

	// CompletedCount is the number of activities that finished their forward
	// step. It only grows, and only while Status is Executing.
	CompletedCount int

	// CompensationCursor is the index of the next activity to compensate.
	// It only shrinks, and only while Status is Compensating; -1 means the
	// rollback walked all the way down.
	CompensationCursor int

	// Failure is the error that pushed the process into Compensating or
	// Aborted, nil otherwise.
	Failure error
}

// NewProcessState returns a fresh state for a process that never ran.
func NewProcessState() *ProcessState {
	return &ProcessState{
		ID:     uuid.New(),
		Status: StatusNotStarted,
	}
}

// Clone returns a snapshot the engine will never touch again. Failure is an
// immutable value and is shared as-is.
func (s *ProcessState) Clone() ProcessState {
	return ProcessState{
		ID:                 s.ID,
		Status:             s.Status,
		CompletedCount:     s.CompletedCount,
		CompensationCursor: s.CompensationCursor,
		Failure:            s.Failure,
	}
}

// Same reports whether both states describe the same process. Identity is
// the ID alone, not structural equality.
func (s *ProcessState) Same(other *ProcessState) bool {
	if other == nil {
		return false
	}
	return s.ID == other.ID
}
