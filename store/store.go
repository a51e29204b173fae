// Package store persists process state snapshots so a process can be
// rebuilt and resumed after a restart. Two backends are provided: an
// in-memory one backed by go-memdb and a SQLite one.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/davidroman0O/procession"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SnapshotStore saves and loads process state snapshots keyed by process ID.
type SnapshotStore interface {
	Save(ctx context.Context, state procession.ProcessState) error
	Load(ctx context.Context, id uuid.UUID) (*procession.ProcessState, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]uuid.UUID, error)
	Close() error
}
