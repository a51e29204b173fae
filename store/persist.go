package store

import (
	"context"

	"github.com/davidroman0O/procession"
)

// Persist subscribes the process to s so every state change is written
// through, then saves the current snapshot so the row exists before the
// first change. onError, when non-nil, receives write failures; the process
// itself is never interrupted by a failed save.
func Persist(ctx context.Context, p *procession.Process, s SnapshotStore, onError func(error)) error {
	p.Subscribe(func(state procession.ProcessState) {
		if err := s.Save(ctx, state); err != nil && onError != nil {
			onError(err)
		}
	})
	return s.Save(ctx, p.Snapshot())
}
