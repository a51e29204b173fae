package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/davidroman0O/procession"
)

const snapshotTable = "snapshots"

type snapshotRecord struct {
	ID   string
	Data []byte
}

// MemoryStore keeps snapshots in a go-memdb table. Safe for concurrent use;
// every operation runs in its own transaction.
type MemoryStore struct {
	db *memdb.MemDB
}

func NewMemoryStore() (*MemoryStore, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			snapshotTable: {
				Name: snapshotTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

func (m *MemoryStore) Save(ctx context.Context, state procession.ProcessState) error {
	data, err := procession.MarshalState(state)
	if err != nil {
		return err
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(snapshotTable, &snapshotRecord{ID: state.ID.String(), Data: data}); err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, id uuid.UUID) (*procession.ProcessState, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(snapshotTable, "id", id.String())
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if raw == nil {
		return nil, errors.Join(ErrSnapshotNotFound, fmt.Errorf("%s", id))
	}

	state, err := procession.UnmarshalState(raw.(*snapshotRecord).Data)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Delete(snapshotTable, &snapshotRecord{ID: id.String()}); err != nil {
		if errors.Is(err, memdb.ErrNotFound) {
			return errors.Join(ErrSnapshotNotFound, fmt.Errorf("%s", id))
		}
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]uuid.UUID, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(snapshotTable, "id")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var ids []uuid.UUID
	for raw := it.Next(); raw != nil; raw = it.Next() {
		id, err := uuid.Parse(raw.(*snapshotRecord).ID)
		if err != nil {
			return nil, fmt.Errorf("parsing snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
